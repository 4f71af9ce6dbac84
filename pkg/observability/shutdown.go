package observability

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// ShutdownFunc is a cleanup function run during graceful shutdown
type ShutdownFunc func(context.Context) error

// WaitForShutdown blocks until SIGINT/SIGTERM, drains the HTTP server and
// runs the cleanup functions within the timeout.
func WaitForShutdown(logger *Logger, server *http.Server, timeout time.Duration, cleanups ...ShutdownFunc) error {
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Infof("received signal %s, starting graceful shutdown", sig)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			logger.WithError(err).Error("HTTP server shutdown error")
			return fmt.Errorf("HTTP server shutdown failed: %w", err)
		}
	}

	var failed int
	for i, cleanup := range cleanups {
		if err := cleanup(ctx); err != nil {
			logger.WithError(err).Errorf("shutdown cleanup %d failed", i)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("shutdown completed with %d errors", failed)
	}

	logger.Info("graceful shutdown complete")
	return nil
}
