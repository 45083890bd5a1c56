package wire

import (
	"bytes"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/answerstream/runtime/chunk"
)

func TestMarshalShapes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		ev   Event
		want string
	}{
		{Session{SessionID: "s1"}, `{"type":"session","sessionId":"s1"}`},
		{Status{Status: "starting"}, `{"type":"status","status":"starting"}`},
		{Add{Chunk: chunk.Chunk{ID: "__text__", Type: chunk.TypeText, Text: "Hel"}}, `{"type":"add","chunk":{"id":"__text__","type":"text","text":"Hel"}}`},
		{Update{ID: "c1", Patch: chunk.StatePatch(chunk.ToolRunning)}, `{"type":"update","id":"c1","chunk":{"state":"running"}}`},
		{Done{}, `{"type":"done"}`},
		{Error{Message: "boom"}, `{"type":"error","error":"boom"}`},
	}
	for _, tc := range cases {
		got, err := Marshal(tc.ev)
		require.NoError(t, err)
		require.JSONEq(t, tc.want, string(got))

		back, err := Unmarshal(got)
		require.NoError(t, err)
		require.Equal(t, tc.ev, back)
	}
}

func TestUnmarshalRejectsUnknown(t *testing.T) {
	t.Parallel()

	_, err := Unmarshal([]byte(`{"type":"bogus"}`))
	require.Error(t, err)
	_, err = Unmarshal([]byte(`{"type":"update","chunk":{}}`))
	require.Error(t, err)
	_, err = Unmarshal([]byte(`{`))
	require.Error(t, err)
}

func TestEncoderFlushes(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	enc := NewEncoder(rec)
	require.NoError(t, enc.Encode(Done{}))
	require.True(t, rec.Flushed)
	require.Equal(t, "data: {\"type\":\"done\"}\n\n", rec.Body.String())
}

func TestFrameReader(t *testing.T) {
	t.Parallel()

	stream := ": keepalive\n\n" +
		"event: message\r\n" +
		"data: {\"a\":\r\n" +
		"data: 1}\r\n" +
		"\r\n" +
		"id: 7\n\n" +
		"data: tail"
	r := NewFrameReader(strings.NewReader(stream))

	got, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, "{\"a\":\n1}", string(got))

	got, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, "tail", string(got))

	_, err = r.Next()
	require.True(t, errors.Is(err, io.EOF))
}

func TestDecoderRoundTrip(t *testing.T) {
	t.Parallel()

	events := []Event{
		Session{SessionID: "s1"},
		Add{Chunk: chunk.Chunk{ID: "c1", Type: chunk.TypeTool, ToolName: "grep", State: chunk.ToolPending}},
		Update{ID: "c1", Patch: chunk.StatePatch(chunk.ToolCompleted)},
		Error{Message: "line one\nline two"},
	}
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, ev := range events {
		require.NoError(t, enc.Encode(ev))
	}

	dec := NewDecoder(&buf)
	for _, want := range events {
		got, err := dec.Next()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := dec.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestEntryAndTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, Entry(Session{}))
	require.False(t, Entry(Status{}))
	require.True(t, Entry(Add{}))
	require.True(t, Entry(Done{}))
	require.True(t, Terminal(Error{}))
	require.False(t, Terminal(Update{}))
}
