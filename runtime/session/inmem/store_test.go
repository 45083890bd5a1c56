package inmem

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/answerstream/runtime/session"
	"goa.design/answerstream/runtime/session/sessiontest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestStoreContract(t *testing.T) {
	sessiontest.Run(t, func(*testing.T) session.Store { return New() })
}

func TestStoreTTLExpiry(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	store := New(WithTTL(time.Minute), WithClock(clock.Now))
	ctx := context.Background()

	s := sessiontest.NewSession("s1", "t1")
	require.NoError(t, store.Init(ctx, s))
	require.NoError(t, store.SetActive(ctx, "t1", "s1"))

	clock.Advance(50 * time.Second)
	_, err := store.Append(ctx, "s1", session.DoneOp())
	require.NoError(t, err, "append refreshes the ttl")

	clock.Advance(50 * time.Second)
	_, err = store.Load(ctx, "s1")
	require.NoError(t, err)
	_, err = store.ActiveSession(ctx, "t1")
	require.True(t, errors.Is(err, session.ErrNotFound), "thread pointer was never refreshed")

	clock.Advance(61 * time.Second)
	_, err = store.Load(ctx, "s1")
	require.True(t, errors.Is(err, session.ErrNotFound))
	_, err = store.ReadFrom(ctx, "s1", 0)
	require.True(t, errors.Is(err, session.ErrNotFound))
}

func TestTailWakesOnDelete(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()
	require.NoError(t, store.Init(ctx, sessiontest.NewSession("s1", "t1")))

	errc := make(chan error, 1)
	go func() {
		_, err := store.Tail(ctx, "s1", "", 5*time.Second)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, store.Delete(ctx, "s1"))

	select {
	case err := <-errc:
		require.True(t, errors.Is(err, session.ErrNotFound))
	case <-time.After(5 * time.Second):
		t.Fatal("tail did not return")
	}
}

func TestTailHonorsContext(t *testing.T) {
	t.Parallel()

	store := New()
	require.NoError(t, store.Init(context.Background(), sessiontest.NewSession("s1", "t1")))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := store.Tail(ctx, "s1", "", 5*time.Second)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
