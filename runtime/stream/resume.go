package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/answerstream/runtime/session"
	"goa.design/answerstream/runtime/telemetry"
	"goa.design/answerstream/runtime/wire"
)

type (
	// Resumer serves readers of persisted sessions.
	Resumer struct {
		store    session.Store
		registry *session.Registry
		block    time.Duration
		logger   telemetry.Logger
	}

	// ResumerOptions configures a Resumer.
	ResumerOptions struct {
		// Registry resolves active thread sessions. Defaults to a registry
		// over the store.
		Registry *session.Registry
		// Block bounds each live tail wait. Defaults to DefaultTailBlock.
		Block time.Duration
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// StatusReport describes a session for status polling.
	StatusReport struct {
		Exists      bool           `json:"exists"`
		Status      session.Status `json:"status,omitempty"`
		ChunkCount  int            `json:"chunkCount"`
		StartedAt   *time.Time     `json:"startedAt,omitempty"`
		CompletedAt *time.Time     `json:"completedAt,omitempty"`
		Error       string         `json:"error,omitempty"`
	}

	// ActiveReport describes the streaming session of a thread, if any.
	ActiveReport struct {
		Active     bool       `json:"active"`
		SessionID  string     `json:"sessionId,omitempty"`
		ChunkCount *int       `json:"chunkCount,omitempty"`
		StartedAt  *time.Time `json:"startedAt,omitempty"`
	}

	// reader tracks the delivery position of one Resume call.
	reader struct {
		store session.Store
		id    string
		sink  Sink
		// next is the seq of the next entry to deliver.
		next int
	}
)

// DefaultTailBlock is the default bound of a single live tail wait.
const DefaultTailBlock = 5 * time.Second

// NewResumer returns a resumer over store.
func NewResumer(store session.Store, opts ResumerOptions) *Resumer {
	if opts.Registry == nil {
		opts.Registry = session.NewRegistry(store)
	}
	if opts.Block <= 0 {
		opts.Block = DefaultTailBlock
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Resumer{store: store, registry: opts.Registry, block: opts.Block, logger: opts.Logger}
}

// Resume delivers the entries of session id starting at cursor, then follows
// the live log until the answer terminates. Exactly one terminal event is
// sent on success. Returns session.ErrNotFound when the session does not
// exist, before opening or sending anything. A sink implementing Opener is
// opened once the session is found. Resume does not close sink.
func (r *Resumer) Resume(ctx context.Context, id string, cursor int, sink Sink) error {
	if _, err := r.store.Load(ctx, id); err != nil {
		return err
	}
	if o, ok := sink.(Opener); ok {
		if err := o.Open(ctx); err != nil {
			return err
		}
	}
	if cursor < 0 {
		cursor = 0
	}
	rd := &reader{store: r.store, id: id, sink: sink, next: cursor}

	entries, err := r.store.ReadFrom(ctx, id, cursor)
	if err != nil {
		return fmt.Errorf("replay session %s: %w", id, err)
	}
	if done, err := rd.deliver(ctx, entries); done || err != nil {
		return err
	}

	s, err := r.store.Load(ctx, id)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("load session %s: %w", id, err)
	}
	if err != nil || s.Status.Terminal() {
		return rd.finish(ctx, s, err)
	}

	for {
		got, err := r.store.Tail(ctx, id, rd.afterID(), r.block)
		if errors.Is(err, session.ErrNotFound) {
			return rd.finish(ctx, session.Session{}, err)
		}
		if err != nil {
			return fmt.Errorf("tail session %s: %w", id, err)
		}
		if len(got) == 0 {
			s, err := r.store.Load(ctx, id)
			if err != nil && !errors.Is(err, session.ErrNotFound) {
				return fmt.Errorf("load session %s: %w", id, err)
			}
			if err != nil || s.Status.Terminal() {
				return rd.finish(ctx, s, err)
			}
			continue
		}
		if done, err := rd.deliver(ctx, got); done || err != nil {
			return err
		}
	}
}

// Status reports the session for status polling.
func (r *Resumer) Status(ctx context.Context, id string) (StatusReport, error) {
	s, err := r.store.Load(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return StatusReport{}, nil
	}
	if err != nil {
		return StatusReport{}, fmt.Errorf("load session %s: %w", id, err)
	}
	n, err := r.store.Len(ctx, id)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return StatusReport{}, fmt.Errorf("count session %s entries: %w", id, err)
	}
	started := s.StartedAt
	return StatusReport{
		Exists:      true,
		Status:      s.Status,
		ChunkCount:  n,
		StartedAt:   &started,
		CompletedAt: s.CompletedAt,
		Error:       s.Error,
	}, nil
}

// Active reports whether the thread currently has a streaming session.
func (r *Resumer) Active(ctx context.Context, threadID string) (ActiveReport, error) {
	s, ok, err := r.registry.Active(ctx, threadID)
	if err != nil || !ok {
		return ActiveReport{}, err
	}
	n, err := r.store.Len(ctx, s.ID)
	if errors.Is(err, session.ErrNotFound) {
		return ActiveReport{}, nil
	}
	if err != nil {
		return ActiveReport{}, fmt.Errorf("count session %s entries: %w", s.ID, err)
	}
	started := s.StartedAt
	return ActiveReport{Active: true, SessionID: s.ID, ChunkCount: &n, StartedAt: &started}, nil
}

// deliver sends entries in seq order starting at rd.next. Entries already
// delivered are skipped; a gap is back-filled from the replay log. Returns
// true once a terminal record was sent.
func (rd *reader) deliver(ctx context.Context, entries []session.Entry) (bool, error) {
	for i := 0; i < len(entries); i++ {
		e := entries[i]
		if e.Seq < rd.next {
			continue
		}
		if e.Seq > rd.next {
			fill, err := rd.store.ReadFrom(ctx, rd.id, rd.next)
			if err != nil {
				return false, fmt.Errorf("back-fill session %s from %d: %w", rd.id, rd.next, err)
			}
			if len(fill) == 0 || fill[0].Seq != rd.next {
				return false, fmt.Errorf("session %s: entry %d missing from replay log", rd.id, rd.next)
			}
			entries, i = fill, -1
			continue
		}
		ev, err := FromOp(e.Op)
		if err != nil {
			return false, fmt.Errorf("session %s entry %d: %w", rd.id, e.Seq, err)
		}
		if err := rd.sink.Send(ctx, ev); err != nil {
			return false, err
		}
		rd.next++
		if e.Op.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

// finish handles a session observed terminal (or gone): entries appended
// since the last read are flushed, then the terminal event is sent unless
// the flush already delivered it.
func (rd *reader) finish(ctx context.Context, s session.Session, loadErr error) error {
	if loadErr != nil {
		return rd.sink.Send(ctx, wire.Error{Message: "session not found"})
	}
	rest, err := rd.store.ReadFrom(ctx, rd.id, rd.next)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("flush session %s: %w", rd.id, err)
	}
	done, err := rd.deliver(ctx, rest)
	if done || err != nil {
		return err
	}
	return rd.sink.Send(ctx, terminalEvent(s))
}

func (rd *reader) afterID() string {
	if rd.next == 0 {
		return ""
	}
	return session.EntryID(rd.next - 1)
}
