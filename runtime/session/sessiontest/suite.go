// Package sessiontest provides a behavioral test suite shared by every
// session.Store implementation.
package sessiontest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/answerstream/runtime/chunk"
	"goa.design/answerstream/runtime/session"
)

// Factory returns an empty store for one test.
type Factory func(t *testing.T) session.Store

// Run exercises the session.Store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("init resets log and status", func(t *testing.T) { testInit(t, newStore(t)) })
	t.Run("append and read from cursor", func(t *testing.T) { testAppendRead(t, newStore(t)) })
	t.Run("append to unknown session", func(t *testing.T) { testAppendUnknown(t, newStore(t)) })
	t.Run("first terminal status wins", func(t *testing.T) { testSetStatus(t, newStore(t)) })
	t.Run("tail blocks until append", func(t *testing.T) { testTail(t, newStore(t)) })
	t.Run("tail times out empty", func(t *testing.T) { testTailTimeout(t, newStore(t)) })
	t.Run("thread pointer", func(t *testing.T) { testThreadPointer(t, newStore(t)) })
	t.Run("list and delete", func(t *testing.T) { testListDelete(t, newStore(t)) })
}

// NewSession returns a streaming session fixture.
func NewSession(id, thread string) session.Session {
	return session.Session{
		ID:        id,
		ThreadID:  thread,
		MessageID: "msg-" + id,
		Status:    session.StatusStreaming,
		StartedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func textAdd(id, text string) session.Op {
	return session.UpdateOp(chunk.Add{Chunk: chunk.Chunk{ID: id, Type: chunk.TypeText, Text: text}})
}

func testInit(t *testing.T, store session.Store) {
	ctx := context.Background()
	s := NewSession("s-init", "t1")
	require.NoError(t, store.Init(ctx, s))
	_, err := store.Append(ctx, s.ID, textAdd(chunk.TextID, "a"))
	require.NoError(t, err)
	_, _, err = store.SetStatus(ctx, s.ID, session.StatusDone, "")
	require.NoError(t, err)

	require.NoError(t, store.Init(ctx, s))
	got, err := store.Load(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusStreaming, got.Status)
	require.Nil(t, got.CompletedAt)
	require.Equal(t, s.ThreadID, got.ThreadID)
	require.Equal(t, s.MessageID, got.MessageID)
	require.True(t, s.StartedAt.Equal(got.StartedAt))
	n, err := store.Len(ctx, s.ID)
	require.NoError(t, err)
	require.Zero(t, n)
	entries, err := store.Tail(ctx, s.ID, "", 50*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func testAppendRead(t *testing.T, store session.Store) {
	ctx := context.Background()
	s := NewSession("s-append", "t1")
	require.NoError(t, store.Init(ctx, s))

	ops := []session.Op{
		textAdd(chunk.TextID, "Hel"),
		session.UpdateOp(chunk.Edit{ID: chunk.TextID, Patch: chunk.TextPatch("Hello")}),
		session.DoneOp(),
	}
	for i, op := range ops {
		e, err := store.Append(ctx, s.ID, op)
		require.NoError(t, err)
		require.Equal(t, i, e.Seq)
		require.Equal(t, session.EntryID(i), e.ID)
	}

	all, err := store.ReadFrom(ctx, s.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, e := range all {
		require.Equal(t, i, e.Seq)
		require.Equal(t, ops[i].Kind, e.Op.Kind)
	}
	got, err := chunk.Replay(session.Updates(all))
	require.NoError(t, err)
	require.Equal(t, "Hello", got[0].Text)

	tail, err := store.ReadFrom(ctx, s.ID, 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.True(t, tail[0].Op.Terminal())

	past, err := store.ReadFrom(ctx, s.ID, 10)
	require.NoError(t, err)
	require.Empty(t, past)

	n, err := store.Len(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func testAppendUnknown(t *testing.T, store session.Store) {
	ctx := context.Background()
	_, err := store.Append(ctx, "missing", session.DoneOp())
	require.True(t, errors.Is(err, session.ErrNotFound))
	_, err = store.Load(ctx, "missing")
	require.True(t, errors.Is(err, session.ErrNotFound))
	_, _, err = store.SetStatus(ctx, "missing", session.StatusDone, "")
	require.True(t, errors.Is(err, session.ErrNotFound))
}

func testSetStatus(t *testing.T, store session.Store) {
	ctx := context.Background()
	s := NewSession("s-status", "t1")
	require.NoError(t, store.Init(ctx, s))

	got, changed, err := store.SetStatus(ctx, s.ID, session.StatusError, session.SupersededMessage)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, session.StatusError, got.Status)
	require.Equal(t, session.SupersededMessage, got.Error)
	require.NotNil(t, got.CompletedAt)
	completed := *got.CompletedAt

	got, changed, err = store.SetStatus(ctx, s.ID, session.StatusDone, "")
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, session.StatusError, got.Status)
	require.Equal(t, session.SupersededMessage, got.Error)
	require.True(t, completed.Equal(*got.CompletedAt))

	loaded, err := store.Load(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusError, loaded.Status)
}

func testTail(t *testing.T, store session.Store) {
	ctx := context.Background()
	s := NewSession("s-tail", "t1")
	require.NoError(t, store.Init(ctx, s))
	first, err := store.Append(ctx, s.ID, textAdd(chunk.TextID, "a"))
	require.NoError(t, err)

	got, err := store.Tail(ctx, s.ID, "", time.Second)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, first.ID, got[0].ID)

	done := make(chan []session.Entry, 1)
	errc := make(chan error, 1)
	go func() {
		entries, err := store.Tail(ctx, s.ID, first.ID, 5*time.Second)
		if err != nil {
			errc <- err
			return
		}
		done <- entries
	}()
	time.Sleep(50 * time.Millisecond)
	_, err = store.Append(ctx, s.ID, session.DoneOp())
	require.NoError(t, err)

	select {
	case entries := <-done:
		require.Len(t, entries, 1)
		require.Equal(t, 1, entries[0].Seq)
		require.Equal(t, session.OpDone, entries[0].Op.Kind)
	case err := <-errc:
		t.Fatalf("tail: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("tail did not wake up")
	}
}

func testTailTimeout(t *testing.T, store session.Store) {
	ctx := context.Background()
	s := NewSession("s-timeout", "t1")
	require.NoError(t, store.Init(ctx, s))
	e, err := store.Append(ctx, s.ID, textAdd(chunk.TextID, "a"))
	require.NoError(t, err)

	start := time.Now()
	got, err := store.Tail(ctx, s.ID, e.ID, 100*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, got)
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func testThreadPointer(t *testing.T, store session.Store) {
	ctx := context.Background()
	_, err := store.ActiveSession(ctx, "t-none")
	require.True(t, errors.Is(err, session.ErrNotFound))

	require.NoError(t, store.SetActive(ctx, "t-ptr", "a"))
	require.NoError(t, store.SetActive(ctx, "t-ptr", "b"))
	id, err := store.ActiveSession(ctx, "t-ptr")
	require.NoError(t, err)
	require.Equal(t, "b", id)
}

func testListDelete(t *testing.T, store session.Store) {
	ctx := context.Background()
	a := NewSession("s-list-a", "t1")
	b := NewSession("s-list-b", "t2")
	require.NoError(t, store.Init(ctx, a))
	require.NoError(t, store.Init(ctx, b))

	all, err := store.List(ctx)
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, s := range all {
		ids[s.ID] = true
	}
	require.True(t, ids[a.ID])
	require.True(t, ids[b.ID])

	require.NoError(t, store.Delete(ctx, a.ID))
	_, err = store.Load(ctx, a.ID)
	require.True(t, errors.Is(err, session.ErrNotFound))
	_, err = store.ReadFrom(ctx, a.ID, 0)
	require.True(t, errors.Is(err, session.ErrNotFound))

	all, err = store.List(ctx)
	require.NoError(t, err)
	for _, s := range all {
		require.NotEqual(t, a.ID, s.ID)
	}
}
