package payments

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test"

func signedHeader(payload []byte, ts int64) string {
	return fmt.Sprintf("t=%d,v1=%s", ts, ComputeSignature(payload, testSecret, ts))
}

func TestVerifySignatureValid(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	payload := []byte(`{"id":"evt_1"}`)

	header := signedHeader(payload, now.Unix())
	assert.NoError(t, VerifySignature(payload, header, testSecret, 0, now))
}

func TestVerifySignatureWrongSecret(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	payload := []byte(`{"id":"evt_1"}`)

	header := fmt.Sprintf("t=%d,v1=%s", now.Unix(), ComputeSignature(payload, "whsec_other", now.Unix()))
	err := VerifySignature(payload, header, testSecret, 0, now)
	require.Error(t, err)
	assert.True(t, IsSignatureError(err))
}

func TestVerifySignatureTamperedBody(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	header := signedHeader([]byte(`{"id":"evt_1"}`), now.Unix())

	err := VerifySignature([]byte(`{"id":"evt_2"}`), header, testSecret, 0, now)
	require.Error(t, err)
	assert.True(t, IsSignatureError(err))
}

func TestVerifySignatureStaleTimestamp(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	payload := []byte(`{"id":"evt_1"}`)

	header := signedHeader(payload, now.Add(-10*time.Minute).Unix())
	err := VerifySignature(payload, header, testSecret, 5*time.Minute, now)
	require.Error(t, err)
	assert.True(t, IsSignatureError(err))
}

func TestVerifySignatureMalformedHeaders(t *testing.T) {
	now := time.Now()
	payload := []byte(`{}`)

	for _, header := range []string{"", "v1=abc", "t=notanumber,v1=abc", "t=123"} {
		err := VerifySignature(payload, header, testSecret, 0, now)
		require.Error(t, err, "header %q", header)
		assert.True(t, IsSignatureError(err))
	}
}

func TestVerifySignatureAcceptsSecondV1(t *testing.T) {
	// Processors send multiple v1 entries during secret rotation
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	payload := []byte(`{"id":"evt_1"}`)

	header := fmt.Sprintf("t=%d,v1=%s,v1=%s",
		now.Unix(),
		ComputeSignature(payload, "whsec_rotated_out", now.Unix()),
		ComputeSignature(payload, testSecret, now.Unix()),
	)
	assert.NoError(t, VerifySignature(payload, header, testSecret, 0, now))
}
