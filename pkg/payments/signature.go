package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultSignatureTolerance bounds the age of a signed webhook payload
const DefaultSignatureTolerance = 5 * time.Minute

// SignatureError indicates webhook signature verification failed. The
// webhook endpoint maps it, and only it, to a 400 response.
type SignatureError struct {
	Reason string
}

func (e *SignatureError) Error() string {
	return "webhook signature invalid: " + e.Reason
}

// IsSignatureError checks if an error is a signature verification error
func IsSignatureError(err error) bool {
	_, ok := err.(*SignatureError)
	return ok
}

// VerifySignature checks a processor webhook signature header of the form
// "t=<unix>,v1=<hex hmac>" against the raw request body. The MAC covers
// "<t>.<body>"; payload must be the original unparsed bytes.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if header == "" {
		return &SignatureError{Reason: "missing signature header"}
	}
	if tolerance == 0 {
		tolerance = DefaultSignatureTolerance
	}

	var timestamp int64
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return &SignatureError{Reason: "malformed timestamp"}
			}
			timestamp = ts
		case "v1":
			signatures = append(signatures, value)
		}
	}

	if timestamp == 0 || len(signatures) == 0 {
		return &SignatureError{Reason: "malformed signature header"}
	}

	age := now.Sub(time.Unix(timestamp, 0))
	if age > tolerance || age < -tolerance {
		return &SignatureError{Reason: "timestamp outside tolerance"}
	}

	expected := ComputeSignature(payload, secret, timestamp)
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return &SignatureError{Reason: "no matching signature"}
}

// ComputeSignature returns the hex HMAC-SHA256 over "<timestamp>.<payload>"
func ComputeSignature(payload []byte, secret string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
