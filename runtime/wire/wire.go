// Package wire frames answer events for transport over a single long-lived
// HTTP response using server-sent events.
//
// Each event is one JSON object carried in a `data:` field and terminated by a
// blank line. The JSON discriminator "type" selects the event kind.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/answerstream/runtime/chunk"
)

type (
	// Event is one wire event. The set of implementations is closed: Session,
	// Status, Add, Update, Done and Error.
	Event interface {
		// Type returns the JSON discriminator.
		Type() string
		isEvent()
	}

	// Session announces the session id so the caller can resume later.
	Session struct {
		SessionID string
	}

	// Status reports upstream readiness. Status events are never persisted.
	Status struct {
		Status string
	}

	// Add appends a chunk.
	Add struct {
		Chunk chunk.Chunk
	}

	// Update patches an existing chunk.
	Update struct {
		ID    string
		Patch chunk.Patch
	}

	// Done terminates a successful answer.
	Done struct{}

	// Error terminates a failed answer.
	Error struct {
		Message string
	}

	envelope struct {
		Type      string          `json:"type"`
		SessionID string          `json:"sessionId,omitempty"`
		Status    string          `json:"status,omitempty"`
		ID        string          `json:"id,omitempty"`
		Chunk     json.RawMessage `json:"chunk,omitempty"`
		Error     *string         `json:"error,omitempty"`
	}
)

const (
	TypeSession = "session"
	TypeStatus  = "status"
	TypeAdd     = "add"
	TypeUpdate  = "update"
	TypeDone    = "done"
	TypeError   = "error"
)

func (Session) Type() string { return TypeSession }
func (Status) Type() string  { return TypeStatus }
func (Add) Type() string     { return TypeAdd }
func (Update) Type() string  { return TypeUpdate }
func (Done) Type() string    { return TypeDone }
func (Error) Type() string   { return TypeError }

func (Session) isEvent() {}
func (Status) isEvent()  {}
func (Add) isEvent()     {}
func (Update) isEvent()  {}
func (Done) isEvent()    {}
func (Error) isEvent()   {}

// Terminal reports whether ev ends an answer.
func Terminal(ev Event) bool {
	switch ev.(type) {
	case Done, Error:
		return true
	default:
		return false
	}
}

// Entry reports whether ev corresponds to a persisted log entry. Session and
// Status events are delivered out of band and do not advance a resume cursor.
func Entry(ev Event) bool {
	switch ev.(type) {
	case Add, Update, Done, Error:
		return true
	default:
		return false
	}
}

// Marshal encodes ev as its JSON wire form.
func Marshal(ev Event) ([]byte, error) {
	env := envelope{Type: ev.Type()}
	switch e := ev.(type) {
	case Session:
		env.SessionID = e.SessionID
	case Status:
		env.Status = e.Status
	case Add:
		raw, err := json.Marshal(e.Chunk)
		if err != nil {
			return nil, fmt.Errorf("marshal chunk: %w", err)
		}
		env.Chunk = raw
	case Update:
		raw, err := json.Marshal(e.Patch)
		if err != nil {
			return nil, fmt.Errorf("marshal patch: %w", err)
		}
		env.ID = e.ID
		env.Chunk = raw
	case Done:
	case Error:
		msg := e.Message
		env.Error = &msg
	default:
		return nil, fmt.Errorf("unsupported wire event %T", ev)
	}
	return json.Marshal(env)
}

// Unmarshal decodes a JSON wire event.
func Unmarshal(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode wire event: %w", err)
	}
	switch env.Type {
	case TypeSession:
		if env.SessionID == "" {
			return nil, errors.New("session event without sessionId")
		}
		return Session{SessionID: env.SessionID}, nil
	case TypeStatus:
		return Status{Status: env.Status}, nil
	case TypeAdd:
		var c chunk.Chunk
		if err := json.Unmarshal(env.Chunk, &c); err != nil {
			return nil, fmt.Errorf("decode add chunk: %w", err)
		}
		return Add{Chunk: c}, nil
	case TypeUpdate:
		if env.ID == "" {
			return nil, errors.New("update event without id")
		}
		var p chunk.Patch
		if len(env.Chunk) > 0 {
			if err := json.Unmarshal(env.Chunk, &p); err != nil {
				return nil, fmt.Errorf("decode update patch: %w", err)
			}
		}
		return Update{ID: env.ID, Patch: p}, nil
	case TypeDone:
		return Done{}, nil
	case TypeError:
		var msg string
		if env.Error != nil {
			msg = *env.Error
		}
		return Error{Message: msg}, nil
	default:
		return nil, fmt.Errorf("unknown wire event type %q", env.Type)
	}
}

// ChunkUpdate returns the chunk update carried by ev, if any.
func ChunkUpdate(ev Event) (chunk.Update, bool) {
	switch e := ev.(type) {
	case Add:
		return chunk.Add{Chunk: e.Chunk}, true
	case Update:
		return chunk.Edit{ID: e.ID, Patch: e.Patch}, true
	default:
		return nil, false
	}
}

// FromUpdate returns the wire event for a chunk update.
func FromUpdate(u chunk.Update) (Event, error) {
	switch u := u.(type) {
	case chunk.Add:
		return Add{Chunk: u.Chunk}, nil
	case chunk.Edit:
		return Update{ID: u.ID, Patch: u.Patch}, nil
	default:
		return nil, fmt.Errorf("unsupported chunk update %T", u)
	}
}
