package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"goa.design/answerstream/runtime/aggregate"
	"goa.design/answerstream/runtime/session"
	"goa.design/answerstream/runtime/telemetry"
	"goa.design/answerstream/runtime/upstream"
	"goa.design/answerstream/runtime/wire"
)

type (
	// Producer runs answers end to end.
	Producer struct {
		store         session.Store
		registry      *session.Registry
		connector     upstream.Connector
		conversations Conversations
		notifier      Notifier
		tel           telemetry.Telemetry
		now           func() time.Time

		mu       sync.Mutex
		runs     sync.WaitGroup
		stopped  context.Context
		stopRuns context.CancelFunc
	}

	// ProducerOptions configures a Producer.
	ProducerOptions struct {
		// Store persists sessions. Required.
		Store session.Store
		// Connector opens upstream agent streams. Required.
		Connector upstream.Connector
		// Registry creates sessions. Defaults to a registry over Store.
		Registry *session.Registry
		// Conversations marks failed answers canceled. Optional.
		Conversations Conversations
		// Notifier publishes lifecycle notifications. Optional.
		Notifier Notifier
		// Telemetry defaults to no-op hooks.
		Telemetry telemetry.Telemetry
		// Now overrides the clock used for notifications and timings.
		Now func() time.Time
	}

	// caller forwards events to the immediate caller until a send fails.
	caller struct {
		sink     Sink
		detached bool
		logger   telemetry.Logger
		session  string
	}
)

var (
	// ErrUpstreamClosed indicates the upstream stream ended before the final
	// answer.
	ErrUpstreamClosed = errors.New("upstream closed before final answer")
	// ErrShuttingDown is the failure recorded for answers interrupted by
	// Shutdown and returned by Run once Shutdown was called.
	ErrShuttingDown = errors.New("server shutting down")
)

// NewProducer returns a producer.
func NewProducer(opts ProducerOptions) (*Producer, error) {
	if opts.Store == nil {
		return nil, errors.New("session store is required")
	}
	if opts.Connector == nil {
		return nil, errors.New("upstream connector is required")
	}
	if opts.Registry == nil {
		opts.Registry = session.NewRegistry(opts.Store)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	stopped, stopRuns := context.WithCancel(context.Background())
	return &Producer{
		stopped:       stopped,
		stopRuns:      stopRuns,
		store:         opts.Store,
		registry:      opts.Registry,
		connector:     opts.Connector,
		conversations: opts.Conversations,
		notifier:      opts.Notifier,
		tel:           opts.Telemetry.WithDefaults(),
		now:           opts.Now,
	}, nil
}

// Run answers q and returns the final session. Run is detached from the
// cancellation of ctx: the answer runs to completion and keeps persisting
// even when sink goes away. Only Shutdown interrupts it. sink is closed when
// Run returns.
func (p *Producer) Run(ctx context.Context, q upstream.Question, sink Sink) (session.Session, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := p.tel.Tracer.Start(ctx, "answerstream.answer")
	defer span.End()
	start := p.now()

	out := &caller{sink: sink, logger: p.tel.Logger}
	defer func() {
		if err := sink.Close(ctx); err != nil {
			p.tel.Logger.Debug(ctx, "close sink", "err", err)
		}
	}()
	if !p.track() {
		out.send(ctx, wire.Error{Message: ErrShuttingDown.Error()})
		return session.Session{}, ErrShuttingDown
	}
	defer p.runs.Done()

	// Upstream calls use upCtx so Shutdown can interrupt them; persistence
	// keeps using ctx so the terminal records are still written.
	upCtx, cancelUp := context.WithCancel(ctx)
	defer cancelUp()
	stopUp := context.AfterFunc(p.stopped, cancelUp)
	defer stopUp()

	s, superseded, err := p.registry.Start(ctx, q.ThreadID, q.MessageID)
	if err != nil {
		err = fmt.Errorf("start session: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "start session")
		out.send(ctx, wire.Error{Message: err.Error()})
		return session.Session{}, err
	}
	out.session = s.ID
	span.AddEvent("session.started", "session", s.ID, "thread", q.ThreadID)
	if superseded != nil {
		p.notify(ctx, Lifecycle{
			Kind:      LifecycleSuperseded,
			SessionID: superseded.ID,
			ThreadID:  superseded.ThreadID,
			MessageID: superseded.MessageID,
			Error:     superseded.Error,
		})
	}
	p.notify(ctx, Lifecycle{Kind: LifecycleStarted, SessionID: s.ID, ThreadID: s.ThreadID, MessageID: s.MessageID})
	p.tel.Logger.Info(ctx, "answer started", "session", s.ID, "thread", q.ThreadID, "message", q.MessageID)

	out.send(ctx, wire.Session{SessionID: s.ID})

	agg := aggregate.New()
	defer func() { p.recordUsage(agg.Usage()) }()

	up, err := p.connector.Connect(upCtx, q, func(r upstream.Readiness) {
		out.send(ctx, wire.Status{Status: string(r)})
	})
	if err != nil {
		return p.fail(ctx, s, out, start, p.interrupted(fmt.Errorf("connect upstream: %w", err)))
	}
	defer func() {
		if err := up.Close(); err != nil {
			p.tel.Logger.Debug(ctx, "close upstream", "session", s.ID, "err", err)
		}
	}()

	for !agg.Finished() {
		ev, err := up.Recv(upCtx)
		if errors.Is(err, io.EOF) {
			return p.fail(ctx, s, out, start, p.interrupted(ErrUpstreamClosed))
		}
		var de *upstream.DecodeError
		if errors.As(err, &de) {
			p.tel.Logger.Warn(ctx, "skipping malformed upstream event", "session", s.ID, "frame", de.Frame, "err", de.Err)
			p.tel.Metrics.IncCounter("answerstream.upstream.malformed", 1)
			continue
		}
		if err != nil {
			return p.fail(ctx, s, out, start, p.interrupted(fmt.Errorf("receive upstream event: %w", err)))
		}
		updates, aerr := agg.Apply(ev)
		for _, u := range updates {
			if err := p.persist(ctx, s.ID, out, session.UpdateOp(u)); err != nil {
				return p.fail(ctx, s, out, start, err)
			}
		}
		if aerr != nil {
			return p.fail(ctx, s, out, start, aerr)
		}
	}
	return p.finish(ctx, s, out, start)
}

// Shutdown fails the answers still running with ErrShuttingDown and waits
// for them to record their outcome or for ctx to be done. Run refuses new
// answers once Shutdown was called.
func (p *Producer) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.stopRuns()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Producer) track() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped.Err() != nil {
		return false
	}
	p.runs.Add(1)
	return true
}

// interrupted replaces err with ErrShuttingDown when Shutdown caused it.
func (p *Producer) interrupted(err error) error {
	if p.stopped.Err() != nil {
		return fmt.Errorf("%w: %w", ErrShuttingDown, err)
	}
	return err
}

// finish marks the session done. A session retired while it was running
// keeps its error status and gets a trailing error record instead.
func (p *Producer) finish(ctx context.Context, s session.Session, out *caller, start time.Time) (session.Session, error) {
	stored, changed, err := p.store.SetStatus(ctx, s.ID, session.StatusDone, "")
	if err != nil {
		return p.fail(ctx, s, out, start, fmt.Errorf("set session status: %w", err))
	}
	if !changed && stored.Status == session.StatusError {
		msg := stored.Error
		if msg == "" {
			msg = session.SupersededMessage
		}
		if err := p.persist(ctx, s.ID, out, session.ErrorOp(msg)); err != nil {
			return p.fail(ctx, s, out, start, err)
		}
		p.markCanceled(ctx, stored)
		p.outcome(ctx, stored, "superseded", start, msg)
		return stored, nil
	}
	if err := p.persist(ctx, s.ID, out, session.DoneOp()); err != nil {
		return p.fail(ctx, s, out, start, err)
	}
	p.outcome(ctx, stored, "done", start, "")
	return stored, nil
}

// fail records cause as the session error, appends the terminal error record,
// marks the message canceled and tells the caller.
func (p *Producer) fail(ctx context.Context, s session.Session, out *caller, start time.Time, cause error) (session.Session, error) {
	msg := cause.Error()
	var ue *aggregate.UpstreamError
	switch {
	case errors.Is(cause, ErrShuttingDown):
		msg = ErrShuttingDown.Error()
	case errors.As(cause, &ue) && ue.Message != "":
		msg = ue.Message
	}
	span := p.tel.Tracer.Span(ctx)
	span.RecordError(cause)
	span.SetStatus(codes.Error, msg)

	stored, changed, err := p.store.SetStatus(ctx, s.ID, session.StatusError, msg)
	switch {
	case err != nil:
		p.tel.Logger.Error(ctx, "record session failure", "session", s.ID, "err", err)
		stored = s
		stored.Status = session.StatusError
		stored.Error = msg
	case !changed && stored.Error != "":
		msg = stored.Error
	}
	if _, err := p.store.Append(ctx, s.ID, session.ErrorOp(msg)); err != nil {
		p.tel.Logger.Error(ctx, "append terminal error record", "session", s.ID, "err", err)
	}
	p.markCanceled(ctx, stored)
	out.send(ctx, wire.Error{Message: msg})
	p.outcome(ctx, stored, "error", start, msg)
	return stored, cause
}

func (p *Producer) persist(ctx context.Context, id string, out *caller, op session.Op) error {
	entry, err := p.store.Append(ctx, id, op)
	if err != nil {
		return fmt.Errorf("append %s record: %w", op.Kind, err)
	}
	ev, err := FromOp(entry.Op)
	if err != nil {
		return err
	}
	out.send(ctx, ev)
	return nil
}

func (p *Producer) markCanceled(ctx context.Context, s session.Session) {
	if p.conversations == nil {
		return
	}
	if err := p.conversations.MarkCanceled(ctx, s.ThreadID, s.MessageID); err != nil {
		p.tel.Logger.Error(ctx, "mark message canceled", "session", s.ID, "message", s.MessageID, "err", err)
	}
}

func (p *Producer) outcome(ctx context.Context, s session.Session, outcome string, start time.Time, msg string) {
	p.tel.Metrics.IncCounter("answerstream.sessions", 1, "outcome", outcome)
	p.tel.Metrics.RecordTimer("answerstream.answer.duration", p.now().Sub(start), "outcome", outcome)

	n, err := p.store.Len(ctx, s.ID)
	if err != nil {
		n = 0
	}
	kind := LifecycleCompleted
	if outcome != "done" {
		kind = LifecycleFailed
	}
	p.notify(ctx, Lifecycle{
		Kind:      kind,
		SessionID: s.ID,
		ThreadID:  s.ThreadID,
		MessageID: s.MessageID,
		Error:     msg,
		Chunks:    n,
	})
	if outcome == "done" {
		p.tel.Logger.Info(ctx, "answer completed", "session", s.ID, "entries", n)
		return
	}
	p.tel.Logger.Warn(ctx, "answer failed", "session", s.ID, "outcome", outcome, "error", msg)
}

func (p *Producer) recordUsage(u aggregate.Usage) {
	p.tel.Metrics.IncCounter("answerstream.stream.text_chars", float64(u.TextChars))
	p.tel.Metrics.IncCounter("answerstream.stream.reasoning_chars", float64(u.ReasoningChars))
	p.tel.Metrics.IncCounter("answerstream.stream.deltas", float64(u.Deltas))
}

func (p *Producer) notify(ctx context.Context, ev Lifecycle) {
	if p.notifier == nil {
		return
	}
	ev.At = p.now().UTC()
	if err := p.notifier.Notify(ctx, ev); err != nil {
		p.tel.Logger.Warn(ctx, "lifecycle notification failed", "kind", string(ev.Kind), "session", ev.SessionID, "err", err)
	}
}

func (c *caller) send(ctx context.Context, ev wire.Event) {
	if c.detached {
		return
	}
	if err := c.sink.Send(ctx, ev); err != nil {
		c.detached = true
		c.logger.Info(ctx, "caller detached, answer continues", "session", c.session, "err", err)
	}
}
