// Package aggregate converts upstream agent events into chunk updates.
//
// An Aggregator holds the chunk state of one answer. Deltas grow the sentinel
// text and reasoning chunks, tool events add or patch tool chunks keyed by call
// id, and the final Done payload reconciles the list with the authoritative
// content. Every update returned by Apply has already been applied to the
// aggregator's own list, so Chunks always equals what a consumer applying the
// same updates holds.
package aggregate

import (
	"fmt"
	"unicode/utf8"

	"goa.design/answerstream/runtime/chunk"
	"goa.design/answerstream/runtime/upstream"
)

type (
	// Aggregator builds the chunk list of one answer. It is not safe for
	// concurrent use.
	Aggregator struct {
		list     chunk.List
		usage    Usage
		finished bool
		failed   bool
	}

	// Usage is the accounting derived from streamed deltas. It ignores the
	// final payload so it reflects what was actually streamed.
	Usage struct {
		// TextChars counts characters streamed as answer text.
		TextChars int
		// ReasoningChars counts characters streamed as reasoning.
		ReasoningChars int
		// Deltas counts text and reasoning delta events.
		Deltas int
	}

	// UpstreamError reports an error event sent by the upstream agent.
	UpstreamError struct {
		Message string
		Tag     string
	}
)

// New returns an empty aggregator.
func New() *Aggregator {
	return &Aggregator{}
}

func (e *UpstreamError) Error() string {
	if e.Tag != "" {
		return fmt.Sprintf("upstream %s: %s", e.Tag, e.Message)
	}
	return "upstream: " + e.Message
}

// Apply consumes one upstream event and returns the resulting chunk updates.
// Events received after Done or Error are ignored. An Error event returns an
// *UpstreamError.
func (a *Aggregator) Apply(ev upstream.Event) ([]chunk.Update, error) {
	if a.finished || a.failed {
		return nil, nil
	}
	switch ev := ev.(type) {
	case upstream.Meta:
		return nil, nil
	case upstream.TextDelta:
		a.usage.Deltas++
		a.usage.TextChars += utf8.RuneCountInString(ev.Delta)
		return a.appendText(chunk.TextID, chunk.TypeText, ev.Delta)
	case upstream.ReasoningDelta:
		a.usage.Deltas++
		a.usage.ReasoningChars += utf8.RuneCountInString(ev.Delta)
		return a.appendText(chunk.ReasoningID, chunk.TypeReasoning, ev.Delta)
	case upstream.ToolUpdated:
		return a.tool(ev.CallID, ev.Tool, upstream.NormalizeStatus(ev.Status))
	case upstream.Done:
		a.finished = true
		return a.reconcile(ev)
	case upstream.Error:
		a.failed = true
		return nil, &UpstreamError{Message: ev.Message, Tag: ev.Tag}
	default:
		return nil, fmt.Errorf("unsupported upstream event %T", ev)
	}
}

// Chunks returns the current chunk list.
func (a *Aggregator) Chunks() []chunk.Chunk {
	return a.list.Chunks()
}

// Usage returns the delta-derived accounting so far.
func (a *Aggregator) Usage() Usage {
	return a.usage
}

// Finished reports whether the final Done event was applied.
func (a *Aggregator) Finished() bool {
	return a.finished
}

func (a *Aggregator) appendText(id string, typ chunk.Type, delta string) ([]chunk.Update, error) {
	if delta == "" {
		return nil, nil
	}
	cur, ok := a.list.Get(id)
	if !ok {
		return a.apply(chunk.Add{Chunk: chunk.Chunk{ID: id, Type: typ, Text: delta}})
	}
	return a.apply(chunk.Edit{ID: id, Patch: chunk.TextPatch(cur.Text + delta)})
}

func (a *Aggregator) tool(callID, name string, state chunk.ToolState) ([]chunk.Update, error) {
	cur, ok := a.list.Get(callID)
	if !ok {
		return a.apply(chunk.Add{Chunk: chunk.Chunk{ID: callID, Type: chunk.TypeTool, ToolName: name, State: state}})
	}
	if cur.State == state {
		return nil, nil
	}
	return a.apply(chunk.Edit{ID: callID, Patch: chunk.StatePatch(state)})
}

// reconcile rebuilds the list from the final payload in the order reasoning,
// tools, text. Known chunks are patched in place, unknown ones are appended.
// Chunks the payload omits are settled: open tools complete and text or
// reasoning is cleared. Updates cannot move or remove a delivered chunk so
// delta-built chunks keep their position.
func (a *Aggregator) reconcile(done upstream.Done) ([]chunk.Update, error) {
	var target []chunk.Chunk
	if _, ok := a.list.Get(chunk.ReasoningID); ok || done.Reasoning != "" {
		target = append(target, chunk.Chunk{ID: chunk.ReasoningID, Type: chunk.TypeReasoning, Text: done.Reasoning})
	}
	for _, t := range done.Tools {
		target = append(target, chunk.Chunk{
			ID:       t.CallID,
			Type:     chunk.TypeTool,
			ToolName: t.Tool,
			State:    upstream.NormalizeStatus(t.Status),
		})
	}
	if _, ok := a.list.Get(chunk.TextID); ok || done.Text != "" {
		target = append(target, chunk.Chunk{ID: chunk.TextID, Type: chunk.TypeText, Text: done.Text})
	}

	var updates []chunk.Update
	wanted := make(map[string]struct{}, len(target))
	for _, want := range target {
		wanted[want.ID] = struct{}{}
	}
	for _, stale := range a.list.Chunks() {
		if _, ok := wanted[stale.ID]; ok {
			continue
		}
		p := settle(stale)
		if p.Empty() {
			continue
		}
		applied, err := a.apply(chunk.Edit{ID: stale.ID, Patch: p})
		if err != nil {
			return updates, err
		}
		updates = append(updates, applied...)
	}
	for _, want := range target {
		var u chunk.Update
		if cur, ok := a.list.Get(want.ID); ok {
			p := chunk.Diff(cur, want)
			if p.Empty() {
				continue
			}
			u = chunk.Edit{ID: want.ID, Patch: p}
		} else {
			u = chunk.Add{Chunk: want}
		}
		applied, err := a.apply(u)
		if err != nil {
			return updates, err
		}
		updates = append(updates, applied...)
	}
	return updates, nil
}

// settle returns the patch closing a chunk the final payload omits.
func settle(c chunk.Chunk) chunk.Patch {
	switch c.Type {
	case chunk.TypeTool:
		if c.State.Terminal() {
			return chunk.Patch{}
		}
		return chunk.StatePatch(chunk.ToolCompleted)
	case chunk.TypeText, chunk.TypeReasoning:
		if c.Text == "" {
			return chunk.Patch{}
		}
		return chunk.TextPatch("")
	default:
		return chunk.Patch{}
	}
}

func (a *Aggregator) apply(u chunk.Update) ([]chunk.Update, error) {
	if err := a.list.Apply(u); err != nil {
		return nil, err
	}
	return []chunk.Update{u}, nil
}
