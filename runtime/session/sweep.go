package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"goa.design/answerstream/runtime/telemetry"
)

type (
	// Sweeper deletes sessions past their retention window. Terminal sessions
	// are removed once CompletedAt is older than Retention; sessions still
	// streaming after Abandon are treated as abandoned and removed too.
	Sweeper struct {
		store     Store
		retention time.Duration
		abandon   time.Duration
		limiter   *rate.Limiter
		idle      func(ctx context.Context, threadID string) error
		logger    telemetry.Logger
		now       func() time.Time
	}

	// SweeperOptions configures a Sweeper.
	SweeperOptions struct {
		// Retention is how long terminal sessions are kept. Defaults to
		// DefaultTTL.
		Retention time.Duration
		// Abandon is how long a streaming session may run. Defaults to six
		// times Retention.
		Abandon time.Duration
		// DeletesPerSecond throttles deletions. Defaults to 50.
		DeletesPerSecond float64
		// OnThreadIdle runs after a sweep removed the last session of a
		// thread. Errors are logged.
		OnThreadIdle func(ctx context.Context, threadID string) error
		// Logger receives sweep diagnostics.
		Logger telemetry.Logger
		// Now overrides the clock.
		Now func() time.Time
	}
)

// NewSweeper returns a sweeper over store.
func NewSweeper(store Store, opts SweeperOptions) *Sweeper {
	if opts.Retention <= 0 {
		opts.Retention = DefaultTTL
	}
	if opts.Abandon <= 0 {
		opts.Abandon = 6 * opts.Retention
	}
	if opts.DeletesPerSecond <= 0 {
		opts.DeletesPerSecond = 50
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sweeper{
		store:     store,
		retention: opts.Retention,
		abandon:   opts.Abandon,
		limiter:   rate.NewLimiter(rate.Limit(opts.DeletesPerSecond), 1),
		idle:      opts.OnThreadIdle,
		logger:    opts.Logger,
		now:       opts.Now,
	}
}

// Expired reports whether s is due for deletion at now.
func (w *Sweeper) Expired(s Session, now time.Time) bool {
	if s.Status.Terminal() {
		ref := s.StartedAt
		if s.CompletedAt != nil {
			ref = *s.CompletedAt
		}
		return now.Sub(ref) > w.retention
	}
	return now.Sub(s.StartedAt) > w.abandon
}

// Sweep deletes every expired session and returns how many were removed.
func (w *Sweeper) Sweep(ctx context.Context) (int, error) {
	sessions, err := w.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	now := w.now()
	deleted := 0
	// remaining counts the sessions of each thread still kept.
	remaining := make(map[string]int)
	for _, s := range sessions {
		if !w.Expired(s, now) {
			remaining[s.ThreadID]++
		}
	}
	var emptied []string
	defer func() { w.threadsIdle(ctx, emptied) }()
	for _, s := range sessions {
		if !w.Expired(s, now) {
			continue
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return deleted, err
		}
		if err := w.store.Delete(ctx, s.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return deleted, fmt.Errorf("delete session %s: %w", s.ID, err)
		}
		deleted++
		w.logger.Debug(ctx, "swept session", "session", s.ID, "status", string(s.Status))
		if s.ThreadID != "" && remaining[s.ThreadID] == 0 {
			// Mark the thread so it is reported once.
			remaining[s.ThreadID] = -1
			emptied = append(emptied, s.ThreadID)
		}
	}
	return deleted, nil
}

func (w *Sweeper) threadsIdle(ctx context.Context, threads []string) {
	if w.idle == nil {
		return
	}
	for _, th := range threads {
		if err := w.idle(ctx, th); err != nil {
			w.logger.Warn(ctx, "release idle thread", "thread", th, "err", err)
		}
	}
}

// Run sweeps every interval until ctx is canceled.
func (w *Sweeper) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := w.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				w.logger.Error(ctx, "session sweep failed", "err", err)
				continue
			}
			if n > 0 {
				w.logger.Info(ctx, "session sweep", "deleted", n)
			}
		}
	}
}
