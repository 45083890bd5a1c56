// Package session defines the durable record of one streamed answer: its
// status and metadata, and the ordered log of chunk updates that lets any
// reader rebuild the answer from a cursor.
//
// A session is written by exactly one producer. The Registry is the only
// other writer and only ever retires a stale session when a newer one starts
// for the same thread.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"goa.design/answerstream/runtime/chunk"
)

type (
	// Session is the status and metadata record of one answer.
	Session struct {
		// ID is the opaque, globally unique session identifier.
		ID string `json:"id"`
		// ThreadID identifies the conversation thread.
		ThreadID string `json:"threadId"`
		// MessageID identifies the answered message within the thread.
		MessageID string `json:"messageId"`
		// Status is the lifecycle state.
		Status Status `json:"status"`
		// StartedAt records when the producer began the answer.
		StartedAt time.Time `json:"startedAt"`
		// CompletedAt is set once when the session reaches a terminal status.
		CompletedAt *time.Time `json:"completedAt,omitempty"`
		// Error is the human-readable failure message of an errored session.
		Error string `json:"error,omitempty"`
	}

	// Status is the lifecycle state of a session.
	Status string

	// OpKind discriminates log records.
	OpKind string

	// Op is one durable log record: a chunk update or a terminal control
	// record.
	Op struct {
		Kind  OpKind       `json:"kind"`
		Chunk *chunk.Chunk `json:"chunk,omitempty"`
		ID    string       `json:"id,omitempty"`
		Patch *chunk.Patch `json:"patch,omitempty"`
		Error string       `json:"error,omitempty"`
	}

	// Entry is a log record with its position.
	Entry struct {
		// Seq is the 0-based replay index.
		Seq int
		// ID is the fan-out identifier, see EntryID.
		ID string
		// Op is the record.
		Op Op
	}

	// Store persists sessions.
	//
	// Every session-scoped record expires after the store's TTL measured
	// from the last write. Store failures are returned to callers; a write
	// is never dropped silently.
	Store interface {
		// Init creates or resets the session: status streaming, meta written,
		// any previous log and fan-out state for the id cleared. Readers never
		// observe a partially initialized session.
		Init(ctx context.Context, s Session) error
		// Append adds op to the replay log and the fan-out log and refreshes
		// the TTL. Returns ErrNotFound when the session does not exist.
		Append(ctx context.Context, id string, op Op) (Entry, error)
		// ReadFrom returns the entries with Seq >= cursor in order.
		ReadFrom(ctx context.Context, id string, cursor int) ([]Entry, error)
		// SetStatus updates the status and merges errMsg into the meta. The
		// first terminal status wins: once terminal, later calls return the
		// stored session with changed false. CompletedAt is set once.
		SetStatus(ctx context.Context, id string, status Status, errMsg string) (s Session, changed bool, err error)
		// Load returns the session or ErrNotFound.
		Load(ctx context.Context, id string) (Session, error)
		// Len returns the number of log entries.
		Len(ctx context.Context, id string) (int, error)
		// Tail blocks up to block for entries whose fan-out id is greater than
		// afterID ("" reads from the start). An empty result means the wait
		// elapsed.
		Tail(ctx context.Context, id, afterID string, block time.Duration) ([]Entry, error)
		// SetActive points the thread at sessionID.
		SetActive(ctx context.Context, threadID, sessionID string) error
		// ActiveSession returns the session id the thread points at or
		// ErrNotFound.
		ActiveSession(ctx context.Context, threadID string) (string, error)
		// List returns all known sessions.
		List(ctx context.Context) ([]Session, error)
		// Delete removes every record of the session.
		Delete(ctx context.Context, id string) error
	}
)

const (
	// StatusStreaming indicates the producer is still writing.
	StatusStreaming Status = "streaming"
	// StatusDone indicates the answer completed.
	StatusDone Status = "done"
	// StatusError indicates the answer failed or was superseded.
	StatusError Status = "error"
)

const (
	OpAdd    OpKind = "add"
	OpUpdate OpKind = "update"
	OpDone   OpKind = "done"
	OpError  OpKind = "error"
)

// DefaultTTL is the retention of session records from their last write.
const DefaultTTL = time.Hour

// SupersededMessage is the error recorded on a session retired by a newer
// session for the same thread.
const SupersededMessage = "Superseded by new stream"

var (
	// ErrNotFound indicates the session (or thread pointer) does not exist or
	// expired.
	ErrNotFound = errors.New("session not found")
)

// Terminal reports whether s is done or error.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusStreaming || s.Terminal()
}

// UpdateOp returns the log record of a chunk update.
func UpdateOp(u chunk.Update) Op {
	switch u := u.(type) {
	case chunk.Add:
		c := u.Chunk
		return Op{Kind: OpAdd, Chunk: &c}
	case chunk.Edit:
		p := u.Patch
		return Op{Kind: OpUpdate, ID: u.ID, Patch: &p}
	default:
		panic(fmt.Sprintf("session: unsupported chunk update %T", u))
	}
}

// DoneOp returns the terminal record of a completed answer.
func DoneOp() Op { return Op{Kind: OpDone} }

// ErrorOp returns the terminal record of a failed answer.
func ErrorOp(msg string) Op { return Op{Kind: OpError, Error: msg} }

// Update returns the chunk update carried by the record.
func (o Op) Update() (chunk.Update, bool) {
	switch o.Kind {
	case OpAdd:
		if o.Chunk == nil {
			return nil, false
		}
		return chunk.Add{Chunk: *o.Chunk}, true
	case OpUpdate:
		var p chunk.Patch
		if o.Patch != nil {
			p = *o.Patch
		}
		return chunk.Edit{ID: o.ID, Patch: p}, true
	default:
		return nil, false
	}
}

// Terminal reports whether the record is a done or error control record.
func (o Op) Terminal() bool {
	return o.Kind == OpDone || o.Kind == OpError
}

// Validate checks the record shape.
func (o Op) Validate() error {
	switch o.Kind {
	case OpAdd:
		if o.Chunk == nil {
			return errors.New("add record without chunk")
		}
		return o.Chunk.Validate()
	case OpUpdate:
		if o.ID == "" {
			return errors.New("update record without id")
		}
		return nil
	case OpDone, OpError:
		return nil
	default:
		return fmt.Errorf("unknown record kind %q", o.Kind)
	}
}

// EntryID returns the fan-out id of the entry at seq. Ids use the Redis
// stream format "0-<seq+1>" so that they are strictly increasing, gap-free
// and valid stream ids.
func EntryID(seq int) string {
	return "0-" + strconv.Itoa(seq+1)
}

// ParseEntryID returns the seq encoded in a fan-out id.
func ParseEntryID(id string) (int, error) {
	ms, n, ok := strings.Cut(id, "-")
	if !ok || ms != "0" {
		return 0, fmt.Errorf("invalid entry id %q", id)
	}
	v, err := strconv.Atoi(n)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("invalid entry id %q", id)
	}
	return v - 1, nil
}

// Updates returns the chunk updates of entries in order, skipping control
// records.
func Updates(entries []Entry) []chunk.Update {
	out := make([]chunk.Update, 0, len(entries))
	for _, e := range entries {
		if u, ok := e.Op.Update(); ok {
			out = append(out, u)
		}
	}
	return out
}
