package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	// Registry maps conversation threads to their current session and keeps
	// at most one streaming session per thread.
	//
	// Two sessions started for the same thread at the same instant race on
	// the thread pointer; the last write wins and the loser keeps streaming
	// until its producer finishes.
	Registry struct {
		store Store
		now   func() time.Time
		newID func() string
	}

	// RegistryOption configures a Registry.
	RegistryOption func(*Registry)
)

// WithClock overrides the registry clock.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(gen func() string) RegistryOption {
	return func(r *Registry) { r.newID = gen }
}

// NewRegistry returns a registry over store.
func NewRegistry(store Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		store: store,
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start creates a new streaming session for the thread. When the thread's
// current session is still streaming it is first moved to error with
// SupersededMessage and returned as superseded.
func (r *Registry) Start(ctx context.Context, threadID, messageID string) (s Session, superseded *Session, err error) {
	if threadID == "" {
		return Session{}, nil, errors.New("thread id is required")
	}
	if messageID == "" {
		return Session{}, nil, errors.New("message id is required")
	}

	prev, ok, err := r.Active(ctx, threadID)
	if err != nil {
		return Session{}, nil, err
	}
	if ok {
		retired, changed, err := r.store.SetStatus(ctx, prev.ID, StatusError, SupersededMessage)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return Session{}, nil, fmt.Errorf("supersede session %s: %w", prev.ID, err)
		case changed:
			superseded = &retired
		}
	}

	s = Session{
		ID:        r.newID(),
		ThreadID:  threadID,
		MessageID: messageID,
		Status:    StatusStreaming,
		StartedAt: r.now().UTC(),
	}
	if err := r.store.Init(ctx, s); err != nil {
		return Session{}, superseded, fmt.Errorf("init session %s: %w", s.ID, err)
	}
	if err := r.store.SetActive(ctx, threadID, s.ID); err != nil {
		return Session{}, superseded, fmt.Errorf("point thread %s at session %s: %w", threadID, s.ID, err)
	}
	return s, superseded, nil
}

// Active returns the thread's current session when it is still streaming.
func (r *Registry) Active(ctx context.Context, threadID string) (Session, bool, error) {
	id, err := r.store.ActiveSession(ctx, threadID)
	if errors.Is(err, ErrNotFound) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("load thread %s pointer: %w", threadID, err)
	}
	s, err := r.store.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("load session %s: %w", id, err)
	}
	if s.Status != StatusStreaming {
		return Session{}, false, nil
	}
	return s, true, nil
}
