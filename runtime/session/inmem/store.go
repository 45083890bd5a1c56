// Package inmem provides an in-memory implementation of session.Store.
//
// It is intended for tests and local development. Production deployments
// should use a durable implementation (for example features/session/redis).
package inmem

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"goa.design/answerstream/runtime/session"
)

type (
	// Store is an in-memory session.Store. It is safe for concurrent use.
	// Records expire after the configured TTL from their last write using the
	// injected clock.
	Store struct {
		mu       sync.Mutex
		ttl      time.Duration
		now      func() time.Time
		sessions map[string]*record
		threads  map[string]pointer
	}

	// Option configures a Store.
	Option func(*Store)

	record struct {
		meta    session.Session
		log     []session.Op
		expires time.Time
		// notify is closed and replaced whenever the log changes.
		notify chan struct{}
	}

	pointer struct {
		sessionID string
		expires   time.Time
	}
)

// WithTTL overrides session.DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithClock overrides the clock used for TTLs and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		ttl:      session.DefaultTTL,
		now:      time.Now,
		sessions: make(map[string]*record),
		threads:  make(map[string]pointer),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init implements session.Store.
func (s *Store) Init(_ context.Context, sess session.Session) error {
	if sess.ID == "" {
		return errors.New("session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := sess
	meta.Status = session.StatusStreaming
	meta.CompletedAt = nil
	meta.Error = ""
	if meta.StartedAt.IsZero() {
		meta.StartedAt = s.now().UTC()
	}
	if prev, ok := s.sessions[sess.ID]; ok {
		close(prev.notify)
	}
	s.sessions[sess.ID] = &record{
		meta:    meta,
		expires: s.now().Add(s.ttl),
		notify:  make(chan struct{}),
	}
	return nil
}

// Append implements session.Store.
func (s *Store) Append(_ context.Context, id string, op session.Op) (session.Entry, error) {
	if err := op.Validate(); err != nil {
		return session.Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.live(id)
	if err != nil {
		return session.Entry{}, err
	}
	seq := len(rec.log)
	rec.log = append(rec.log, op)
	rec.expires = s.now().Add(s.ttl)
	close(rec.notify)
	rec.notify = make(chan struct{})
	return session.Entry{Seq: seq, ID: session.EntryID(seq), Op: op}, nil
}

// ReadFrom implements session.Store.
func (s *Store) ReadFrom(_ context.Context, id string, cursor int) ([]session.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.live(id)
	if err != nil {
		return nil, err
	}
	return entries(rec.log, cursor), nil
}

// SetStatus implements session.Store.
func (s *Store) SetStatus(_ context.Context, id string, status session.Status, errMsg string) (session.Session, bool, error) {
	if !status.Valid() {
		return session.Session{}, false, errors.New("invalid session status")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.live(id)
	if err != nil {
		return session.Session{}, false, err
	}
	rec.expires = s.now().Add(s.ttl)
	if rec.meta.Status.Terminal() || rec.meta.Status == status {
		return clone(rec.meta), false, nil
	}
	rec.meta.Status = status
	if errMsg != "" {
		rec.meta.Error = errMsg
	}
	if status.Terminal() {
		t := s.now().UTC()
		rec.meta.CompletedAt = &t
	}
	return clone(rec.meta), true, nil
}

// Load implements session.Store.
func (s *Store) Load(_ context.Context, id string) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.live(id)
	if err != nil {
		return session.Session{}, err
	}
	return clone(rec.meta), nil
}

// Len implements session.Store.
func (s *Store) Len(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.live(id)
	if err != nil {
		return 0, err
	}
	return len(rec.log), nil
}

// Tail implements session.Store.
func (s *Store) Tail(ctx context.Context, id, afterID string, block time.Duration) ([]session.Entry, error) {
	from := 0
	if afterID != "" {
		seq, err := session.ParseEntryID(afterID)
		if err != nil {
			return nil, err
		}
		from = seq + 1
	}
	timer := time.NewTimer(block)
	defer timer.Stop()
	for {
		s.mu.Lock()
		rec, err := s.live(id)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		if len(rec.log) > from {
			out := entries(rec.log, from)
			s.mu.Unlock()
			return out, nil
		}
		notify := rec.notify
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-notify:
		}
	}
}

// SetActive implements session.Store.
func (s *Store) SetActive(_ context.Context, threadID, sessionID string) error {
	if threadID == "" {
		return errors.New("thread id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[threadID] = pointer{sessionID: sessionID, expires: s.now().Add(s.ttl)}
	return nil
}

// ActiveSession implements session.Store.
func (s *Store) ActiveSession(_ context.Context, threadID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.threads[threadID]
	if !ok {
		return "", session.ErrNotFound
	}
	if s.now().After(p.expires) {
		delete(s.threads, threadID)
		return "", session.ErrNotFound
	}
	return p.sessionID, nil
}

// List implements session.Store.
func (s *Store) List(_ context.Context) ([]session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]session.Session, 0, len(s.sessions))
	for id := range s.sessions {
		rec, err := s.live(id)
		if err != nil {
			continue
		}
		out = append(out, clone(rec.meta))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// Delete implements session.Store.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[id]
	if !ok {
		return nil
	}
	close(rec.notify)
	delete(s.sessions, id)
	return nil
}

// live returns the record for id, evicting it when expired. Callers hold mu.
func (s *Store) live(id string) (*record, error) {
	rec, ok := s.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	if s.now().After(rec.expires) {
		close(rec.notify)
		delete(s.sessions, id)
		return nil, session.ErrNotFound
	}
	return rec, nil
}

func entries(log []session.Op, from int) []session.Entry {
	if from < 0 {
		from = 0
	}
	if from >= len(log) {
		return nil
	}
	out := make([]session.Entry, 0, len(log)-from)
	for seq := from; seq < len(log); seq++ {
		out = append(out, session.Entry{Seq: seq, ID: session.EntryID(seq), Op: log[seq]})
	}
	return out
}

func clone(in session.Session) session.Session {
	out := in
	if in.CompletedAt != nil {
		t := *in.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
