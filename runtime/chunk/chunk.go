// Package chunk defines the addressable units of an answer and the merge
// algebra used to build them incrementally.
//
// A message is an ordered list of chunks. The list only ever changes through
// Update values: Add appends a new chunk, Edit merges a Patch into a chunk that
// a previous Add introduced. Applying the same ordered updates to an empty List
// always yields the same chunks in the same order, which is what makes a
// persisted update log replayable.
package chunk

import (
	"errors"
	"fmt"
)

type (
	// Type identifies the kind of content a chunk carries.
	Type string

	// ToolState is the display state of a tool chunk.
	ToolState string

	// Chunk is one independently-updatable unit of an answer.
	Chunk struct {
		// ID is unique within a message and stable for the life of the chunk.
		ID string `json:"id"`
		// Type selects which of the variant fields below are meaningful.
		Type Type `json:"type"`
		// Text holds the content of text and reasoning chunks.
		Text string `json:"text,omitempty"`
		// ToolName names the tool invoked by a tool chunk.
		ToolName string `json:"toolName,omitempty"`
		// State is the current state of a tool chunk.
		State ToolState `json:"state,omitempty"`
		// FilePath references the file surfaced by a file chunk.
		FilePath string `json:"filePath,omitempty"`
	}

	// Patch holds the mutable fields of a chunk. Nil fields are left unchanged.
	Patch struct {
		// Text replaces the chunk text when set.
		Text *string `json:"text,omitempty"`
		// State replaces the tool state when set.
		State *ToolState `json:"state,omitempty"`
	}

	// Update is the only mutation primitive over a chunk list. The set of
	// implementations is closed: Add and Edit.
	Update interface {
		// ChunkID returns the id of the chunk the update targets.
		ChunkID() string
		isUpdate()
	}

	// Add appends a new chunk to the list.
	Add struct {
		Chunk Chunk
	}

	// Edit merges Patch into the existing chunk identified by ID.
	Edit struct {
		ID    string
		Patch Patch
	}
)

const (
	// TypeText is assistant prose.
	TypeText Type = "text"
	// TypeReasoning is model reasoning shown separately from the answer.
	TypeReasoning Type = "reasoning"
	// TypeTool is a tool call and its status.
	TypeTool Type = "tool"
	// TypeFile references a file surfaced by the agent.
	TypeFile Type = "file"
)

const (
	// ToolPending indicates the tool call has been scheduled.
	ToolPending ToolState = "pending"
	// ToolRunning indicates the tool is executing.
	ToolRunning ToolState = "running"
	// ToolCompleted indicates the tool finished successfully.
	ToolCompleted ToolState = "completed"
	// ToolFailed indicates the tool finished with an error.
	ToolFailed ToolState = "failed"
)

const (
	// TextID is the sentinel id of the single text chunk of a message when
	// the upstream does not provide part identity.
	TextID = "__text__"
	// ReasoningID is the sentinel id of the single reasoning chunk of a
	// message when the upstream does not provide part identity.
	ReasoningID = "__reasoning__"
)

var (
	// ErrUnknownChunk indicates an Edit referenced an id never added.
	ErrUnknownChunk = errors.New("unknown chunk")
	// ErrDuplicateChunk indicates an Add reused an existing id.
	ErrDuplicateChunk = errors.New("duplicate chunk")
)

// ChunkID implements Update.
func (a Add) ChunkID() string { return a.Chunk.ID }

// ChunkID implements Update.
func (e Edit) ChunkID() string { return e.ID }

func (Add) isUpdate()  {}
func (Edit) isUpdate() {}

// TextPatch returns a Patch replacing the chunk text.
func TextPatch(text string) Patch {
	return Patch{Text: &text}
}

// StatePatch returns a Patch replacing the tool state.
func StatePatch(state ToolState) Patch {
	return Patch{State: &state}
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Text == nil && p.State == nil
}

// Merge returns c with the patch fields applied.
func (p Patch) Merge(c Chunk) Chunk {
	if p.Text != nil {
		c.Text = *p.Text
	}
	if p.State != nil {
		c.State = *p.State
	}
	return c
}

// Valid reports whether t is a known chunk type.
func (t Type) Valid() bool {
	switch t {
	case TypeText, TypeReasoning, TypeTool, TypeFile:
		return true
	default:
		return false
	}
}

// Terminal reports whether the tool state is final.
func (s ToolState) Terminal() bool {
	return s == ToolCompleted || s == ToolFailed
}

// Diff returns the patch that turns from into to, considering only mutable
// fields.
func Diff(from, to Chunk) Patch {
	var p Patch
	if from.Text != to.Text {
		p = TextPatch(to.Text)
	}
	if from.State != to.State {
		s := to.State
		p.State = &s
	}
	return p
}

// Validate checks the structural invariants of a chunk.
func (c Chunk) Validate() error {
	if c.ID == "" {
		return errors.New("chunk id is required")
	}
	if !c.Type.Valid() {
		return fmt.Errorf("chunk %q: invalid type %q", c.ID, c.Type)
	}
	return nil
}
