// Package retry provides bounded exponential backoff for calls to the
// upstream agent and for client reconnects to the answer stream.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts including the first one.
	// Zero or one disables retries.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier grows the delay after each retry.
	BackoffMultiplier float64
	// Jitter randomizes each delay by up to this fraction.
	Jitter float64
}

// DefaultConfig returns the configuration used for short request retries.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// ColdStartConfig returns the configuration used while waiting for a cold
// upstream agent to become ready.
func ColdStartConfig() Config {
	return Config{
		MaxAttempts:       20,
		InitialBackoff:    250 * time.Millisecond,
		MaxBackoff:        3 * time.Second,
		BackoffMultiplier: 1.5,
		Jitter:            0.1,
	}
}

// ReconnectConfig returns the configuration used by stream clients to resume
// after a dropped connection.
func ReconnectConfig() Config {
	return Config{
		MaxAttempts:       5,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// ExhaustedError is returned once all attempts failed.
type ExhaustedError struct {
	// Attempts is the number of attempts made.
	Attempts int
	// TotalDuration is the time spent retrying.
	TotalDuration time.Duration
	// LastError is the error of the last attempt.
	LastError error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

func (e *ExhaustedError) Unwrap() error { return e.LastError }

// HTTPStatusError is an HTTP response with an unexpected status code.
type HTTPStatusError struct {
	StatusCode int
	Message    string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether err is transient: timeouts, refused or reset
// connections (an agent still booting), and HTTP 502, 503, 504 or 429.
// Cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusServiceUnavailable,
			http.StatusTooManyRequests,
			http.StatusBadGateway,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. onRetry, when not nil, is called before each wait.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error, onRetry ...func(attempt int, err error)) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return err
		}
		if attempt >= cfg.MaxAttempts {
			break
		}
		for _, cb := range onRetry {
			cb(attempt, err)
		}
		if err := Sleep(ctx, Backoff(cfg, attempt)); err != nil {
			return err
		}
	}
	return &ExhaustedError{
		Attempts:      cfg.MaxAttempts,
		TotalDuration: time.Since(start),
		LastError:     lastErr,
	}
}

// Backoff returns the delay before retry number attempt (1-based).
func Backoff(cfg Config, attempt int) time.Duration {
	mult := cfg.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	backoff := float64(cfg.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxBackoff > 0 && backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		backoff += backoff * cfg.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	}
	return time.Duration(backoff)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// StreamState tracks reconnect progress of a resumable stream client.
type StreamState struct {
	// SessionID identifies the stream being followed.
	SessionID string
	// Cursor is the number of log entries received so far.
	Cursor int
	// ReconnectAttempts counts consecutive failed reconnects.
	ReconnectAttempts int
}

// Advance records n received entries and clears the failure count.
func (s *StreamState) Advance(n int) {
	s.Cursor += n
	if n > 0 {
		s.ReconnectAttempts = 0
	}
}

// Wait sleeps before the next reconnect and returns an *ExhaustedError once
// cfg.MaxAttempts consecutive reconnects failed.
func (s *StreamState) Wait(ctx context.Context, cfg Config, cause error) error {
	s.ReconnectAttempts++
	if s.ReconnectAttempts >= cfg.MaxAttempts {
		return &ExhaustedError{Attempts: s.ReconnectAttempts, LastError: cause}
	}
	return Sleep(ctx, Backoff(cfg, s.ReconnectAttempts))
}
