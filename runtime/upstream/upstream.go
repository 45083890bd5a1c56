// Package upstream describes the event stream produced by the agent runtime
// that answers questions, and the connector contract used to open it.
//
// The agent runtime itself is an external collaborator. This package only
// defines the vocabulary the answer pipeline consumes and a strict JSON
// decoder for it.
package upstream

import (
	"context"

	"goa.design/answerstream/runtime/chunk"
)

type (
	// Event is a single upstream agent event. The set of implementations is
	// closed: Meta, TextDelta, ReasoningDelta, ToolUpdated, Done and Error.
	Event interface {
		// Kind returns the wire discriminator of the event.
		Kind() string
		isEvent()
	}

	// Meta carries upstream bookkeeping the answer pipeline ignores.
	Meta struct{}

	// TextDelta appends Delta to the answer text.
	TextDelta struct {
		Delta string
	}

	// ReasoningDelta appends Delta to the reasoning text.
	ReasoningDelta struct {
		Delta string
	}

	// ToolUpdated reports the status of a tool call.
	ToolUpdated struct {
		// CallID identifies the tool call within the answer.
		CallID string
		// Tool names the invoked tool.
		Tool string
		// Status is the upstream status string, see NormalizeStatus.
		Status string
	}

	// Tool is a tool call listed in a Done payload.
	Tool struct {
		CallID string
		Tool   string
		Status string
	}

	// Done is the authoritative final answer.
	Done struct {
		Text      string
		Reasoning string
		Tools     []Tool
	}

	// Error aborts the answer.
	Error struct {
		Message string
		Tag     string
	}

	// Question is the user question forwarded to the agent.
	Question struct {
		ThreadID  string
		MessageID string
		Text      string
	}

	// Readiness reports progress resolving a cold upstream agent.
	Readiness string

	// Connector resolves the upstream agent and opens its event stream.
	// Implementations own any bounded retry needed while the agent starts and
	// call report as readiness changes.
	Connector interface {
		Connect(ctx context.Context, q Question, report func(Readiness)) (Stream, error)
	}

	// Stream is an open upstream event stream. Recv returns io.EOF once the
	// upstream closed the stream and a *DecodeError for frames that could not
	// be parsed; the stream remains usable after a DecodeError.
	Stream interface {
		Recv(ctx context.Context) (Event, error)
		Close() error
	}
)

const (
	// ReadinessStarting indicates the agent is being started.
	ReadinessStarting Readiness = "starting"
	// ReadinessReady indicates the agent accepted the question.
	ReadinessReady Readiness = "ready"
)

const (
	KindMeta           = "meta"
	KindTextDelta      = "text.delta"
	KindReasoningDelta = "reasoning.delta"
	KindToolUpdated    = "tool.updated"
	KindDone           = "done"
	KindError          = "error"
)

func (Meta) Kind() string           { return KindMeta }
func (TextDelta) Kind() string      { return KindTextDelta }
func (ReasoningDelta) Kind() string { return KindReasoningDelta }
func (ToolUpdated) Kind() string    { return KindToolUpdated }
func (Done) Kind() string           { return KindDone }
func (Error) Kind() string          { return KindError }

func (Meta) isEvent()           {}
func (TextDelta) isEvent()      {}
func (ReasoningDelta) isEvent() {}
func (ToolUpdated) isEvent()    {}
func (Done) isEvent()           {}
func (Error) isEvent()          {}

// NormalizeStatus maps an upstream tool status to a display state. Upstream
// "error" becomes ToolFailed; unrecognized values are treated as pending.
func NormalizeStatus(status string) chunk.ToolState {
	switch status {
	case "running":
		return chunk.ToolRunning
	case "completed":
		return chunk.ToolCompleted
	case "error", "failed":
		return chunk.ToolFailed
	default:
		return chunk.ToolPending
	}
}
