package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestIsRetryableStatusCodes(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	retryable := map[int]bool{
		http.StatusServiceUnavailable: true,
		http.StatusTooManyRequests:    true,
		http.StatusBadGateway:         true,
		http.StatusGatewayTimeout:     true,
	}
	properties.Property("only gateway-class statuses retry", prop.ForAll(
		func(code int, msg string) bool {
			err := fmt.Errorf("probe: %w", &HTTPStatusError{StatusCode: code, Message: msg})
			return IsRetryable(err) == retryable[code]
		},
		gen.IntRange(400, 599),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	require.False(t, IsRetryable(nil))
	require.False(t, IsRetryable(context.Canceled))
	require.True(t, IsRetryable(context.DeadlineExceeded))
	require.True(t, IsRetryable(fmt.Errorf("dial: %w", syscall.ECONNREFUSED)))
	require.False(t, IsRetryable(errors.New("bad request")))
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	cfg := Config{MaxAttempts: 4, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, BackoffMultiplier: 2}
	var (
		calls   int
		retries []int
	)
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls < 3 {
			return &HTTPStatusError{StatusCode: http.StatusServiceUnavailable}
		}
		return nil
	}, func(attempt int, _ error) { retries = append(retries, attempt) })
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, []int{1, 2}, retries)
}

func TestDoExhausts(t *testing.T) {
	t.Parallel()

	cfg := Config{MaxAttempts: 2, InitialBackoff: time.Millisecond}
	last := &HTTPStatusError{StatusCode: http.StatusBadGateway, Message: "booting"}
	err := Do(context.Background(), cfg, func(context.Context) error { return last })
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	require.Equal(t, 2, ex.Attempts)
	require.ErrorIs(t, err, last)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	perm := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func(context.Context) error {
		calls++
		return perm
	})
	require.ErrorIs(t, err, perm)
	require.Equal(t, 1, calls)
}

func TestBackoffBounds(t *testing.T) {
	t.Parallel()

	cfg := Config{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, BackoffMultiplier: 2}
	require.Equal(t, 100*time.Millisecond, Backoff(cfg, 1))
	require.Equal(t, 400*time.Millisecond, Backoff(cfg, 3))
	require.Equal(t, time.Second, Backoff(cfg, 10))
}

func TestStreamState(t *testing.T) {
	t.Parallel()

	cfg := Config{MaxAttempts: 2, InitialBackoff: time.Millisecond}
	var s StreamState
	require.NoError(t, s.Wait(context.Background(), cfg, errors.New("reset")))
	s.Advance(3)
	require.Equal(t, 3, s.Cursor)
	require.Zero(t, s.ReconnectAttempts)

	require.NoError(t, s.Wait(context.Background(), cfg, errors.New("reset")))
	err := s.Wait(context.Background(), cfg, errors.New("reset"))
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
}
