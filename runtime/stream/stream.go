// Package stream drives answers end to end. The Producer runs one answer:
// it opens the upstream agent stream, aggregates events into chunk updates,
// persists every update and forwards it to the caller when still attached.
// The Resumer serves readers: it replays the persisted log from a cursor
// and then follows the live fan-out log until the answer terminates.
//
// Producers and readers never communicate directly; all coordination goes
// through the session.Store.
package stream

import (
	"context"
	"fmt"
	"time"

	"goa.design/answerstream/runtime/session"
	"goa.design/answerstream/runtime/wire"
)

type (
	// Sink delivers wire events to one caller.
	Sink interface {
		// Send delivers ev. An error means the caller is gone; the producer
		// stops forwarding but keeps persisting.
		Send(ctx context.Context, ev wire.Event) error
		// Close signals that no more events will be sent.
		Close(ctx context.Context) error
	}

	// Opener is implemented by sinks that commit their response once the
	// resumed session is known to exist, before any entry is available.
	Opener interface {
		Open(ctx context.Context) error
	}

	// Notifier publishes session lifecycle notifications. Failures are logged
	// and never affect the answer.
	Notifier interface {
		Notify(ctx context.Context, ev Lifecycle) error
	}

	// Conversations is the conversation record owned by the host
	// application.
	Conversations interface {
		// MarkCanceled flags the answer message as canceled so the
		// conversation does not show it as in progress forever.
		MarkCanceled(ctx context.Context, threadID, messageID string) error
	}

	// LifecycleKind names a lifecycle notification.
	LifecycleKind string

	// Lifecycle is a session lifecycle notification.
	Lifecycle struct {
		Kind      LifecycleKind `json:"kind"`
		SessionID string        `json:"sessionId"`
		ThreadID  string        `json:"threadId"`
		MessageID string        `json:"messageId"`
		// Error is set for failed and superseded notifications.
		Error string `json:"error,omitempty"`
		// Chunks is the log length when the session terminated.
		Chunks int       `json:"chunks,omitempty"`
		At     time.Time `json:"at"`
	}
)

const (
	LifecycleStarted    LifecycleKind = "started"
	LifecycleSuperseded LifecycleKind = "superseded"
	LifecycleCompleted  LifecycleKind = "completed"
	LifecycleFailed     LifecycleKind = "failed"
)

// FromOp returns the wire event of a persisted log record.
func FromOp(op session.Op) (wire.Event, error) {
	switch op.Kind {
	case session.OpAdd, session.OpUpdate:
		u, ok := op.Update()
		if !ok {
			return nil, fmt.Errorf("malformed %s record", op.Kind)
		}
		return wire.FromUpdate(u)
	case session.OpDone:
		return wire.Done{}, nil
	case session.OpError:
		return wire.Error{Message: op.Error}, nil
	default:
		return nil, fmt.Errorf("unknown record kind %q", op.Kind)
	}
}

// terminalEvent synthesizes the terminal wire event of a finished session
// whose log lacks a control record.
func terminalEvent(s session.Session) wire.Event {
	if s.Status == session.StatusDone {
		return wire.Done{}
	}
	msg := s.Error
	if msg == "" {
		msg = "stream failed"
	}
	return wire.Error{Message: msg}
}
