package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	goahttp "goa.design/goa/v3/http"

	"goa.design/answerstream/runtime/chunk"
	"goa.design/answerstream/runtime/session"
	"goa.design/answerstream/runtime/session/inmem"
	"goa.design/answerstream/runtime/stream"
	"goa.design/answerstream/runtime/upstream"
	"goa.design/answerstream/runtime/wire"
)

type (
	scriptStream struct {
		mu     sync.Mutex
		events []upstream.Event
	}

	fakeConnector struct {
		events []upstream.Event
		err    error
	}

	fakeWatcher struct {
		events []stream.Lifecycle
		err    error

		mu     sync.Mutex
		thread string
	}
)

func (s *scriptStream) Recv(ctx context.Context) (upstream.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *scriptStream) Close() error { return nil }

func (c *fakeConnector) Connect(_ context.Context, _ upstream.Question, report func(upstream.Readiness)) (upstream.Stream, error) {
	report(upstream.ReadinessStarting)
	if c.err != nil {
		return nil, c.err
	}
	report(upstream.ReadinessReady)
	return &scriptStream{events: append([]upstream.Event(nil), c.events...)}, nil
}

func (w *fakeWatcher) Watch(_ context.Context, threadID string) (<-chan stream.Lifecycle, <-chan error, context.CancelFunc, error) {
	w.mu.Lock()
	w.thread = threadID
	w.mu.Unlock()
	if w.err != nil {
		return nil, nil, nil, w.err
	}
	events := make(chan stream.Lifecycle, len(w.events))
	for _, ev := range w.events {
		events <- ev
	}
	close(events)
	return events, make(chan error), func() {}, nil
}

func helloAnswer() []upstream.Event {
	return []upstream.Event{
		upstream.TextDelta{Delta: "Hel"},
		upstream.TextDelta{Delta: "lo"},
		upstream.Done{Text: "Hello"},
	}
}

func newTestServer(t *testing.T, store session.Store, conn upstream.Connector, watcher Watcher) (*Server, *httptest.Server) {
	t.Helper()
	return newTestServerHeartbeat(t, store, conn, watcher, time.Second)
}

func newTestServerHeartbeat(t *testing.T, store session.Store, conn upstream.Connector, watcher Watcher, heartbeat time.Duration) (*Server, *httptest.Server) {
	t.Helper()
	producer, err := stream.NewProducer(stream.ProducerOptions{Store: store, Connector: conn})
	require.NoError(t, err)
	resumer := stream.NewResumer(store, stream.ResumerOptions{Block: 50 * time.Millisecond})
	srv, err := New(Options{Producer: producer, Resumer: resumer, Watcher: watcher, Heartbeat: heartbeat})
	require.NoError(t, err)
	mux := goahttp.NewMuxer()
	srv.Mount(mux)
	hs := httptest.NewServer(mux)
	t.Cleanup(hs.Close)
	return srv, hs
}

func post(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func readEvents(t *testing.T, r io.Reader) []wire.Event {
	t.Helper()
	var out []wire.Event
	dec := wire.NewDecoder(r)
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func replay(t *testing.T, events []wire.Event) []chunk.Chunk {
	t.Helper()
	var l chunk.List
	for _, ev := range events {
		if u, ok := wire.ChunkUpdate(ev); ok {
			require.NoError(t, l.Apply(u))
		}
	}
	return l.Chunks()
}

func seed(t *testing.T, store session.Store, id string, status session.Status) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Init(ctx, session.Session{ID: id, ThreadID: "t1", MessageID: "m1"}))
	ops := []session.Op{
		session.UpdateOp(chunk.Add{Chunk: chunk.Chunk{ID: chunk.TextID, Type: chunk.TypeText, Text: "Hel"}}),
		session.UpdateOp(chunk.Edit{ID: chunk.TextID, Patch: chunk.TextPatch("Hello")}),
	}
	if status == session.StatusDone {
		ops = append(ops, session.DoneOp())
	}
	for _, op := range ops {
		_, err := store.Append(ctx, id, op)
		require.NoError(t, err)
	}
	if status != session.StatusStreaming {
		_, _, err := store.SetStatus(ctx, id, status, "")
		require.NoError(t, err)
	}
}

func TestNewRequiresProducerAndResumer(t *testing.T) {
	_, err := New(Options{})
	require.EqualError(t, err, "producer is required")
	p, err := stream.NewProducer(stream.ProducerOptions{Store: inmem.New(), Connector: &fakeConnector{}})
	require.NoError(t, err)
	_, err = New(Options{Producer: p})
	require.EqualError(t, err, "resumer is required")
}

func TestMountRegistersEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, inmem.New(), &fakeConnector{}, nil)
	var patterns []string
	for _, m := range srv.Mounts {
		patterns = append(patterns, m.Verb+" "+m.Pattern)
	}
	require.Equal(t, []string{
		"POST /v1/stream",
		"POST /v1/resume",
		"GET /v1/sessions/{sessionID}",
		"GET /v1/threads/{threadID}/active",
	}, patterns)

	srv, _ = newTestServer(t, inmem.New(), &fakeConnector{}, &fakeWatcher{})
	require.Len(t, srv.Mounts, 5)
	require.Equal(t, "Events", srv.Mounts[4].Method)
}

func TestStreamDeliversAnswer(t *testing.T) {
	store := inmem.New()
	_, hs := newTestServer(t, store, &fakeConnector{events: helloAnswer()}, nil)

	resp := post(t, hs.URL+"/v1/stream", `{"threadId":"t1","messageId":"m1","question":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readEvents(t, resp.Body)
	require.NotEmpty(t, events)
	sess, ok := events[0].(wire.Session)
	require.True(t, ok, "first event must announce the session")
	require.NotEmpty(t, sess.SessionID)
	require.Contains(t, events, wire.Status{Status: string(upstream.ReadinessStarting)})
	require.Equal(t, wire.Done{}, events[len(events)-1])

	chunks := replay(t, events)
	require.Len(t, chunks, 1)
	require.Equal(t, "Hello", chunks[0].Text)

	require.Eventually(t, func() bool {
		s, err := store.Load(context.Background(), sess.SessionID)
		return err == nil && s.Status == session.StatusDone
	}, time.Second, 10*time.Millisecond)
}

func TestStreamUpstreamFailure(t *testing.T) {
	_, hs := newTestServer(t, inmem.New(), &fakeConnector{err: errors.New("agent unreachable")}, nil)

	resp := post(t, hs.URL+"/v1/stream", `{"threadId":"t1","messageId":"m1","question":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := readEvents(t, resp.Body)
	last, ok := events[len(events)-1].(wire.Error)
	require.True(t, ok)
	require.Contains(t, last.Message, "agent unreachable")
}

func TestStreamRejectsInvalidBody(t *testing.T) {
	_, hs := newTestServer(t, inmem.New(), &fakeConnector{}, nil)

	cases := map[string]string{
		"missing question": `{"threadId":"t1","messageId":"m1"}`,
		"empty thread":     `{"threadId":"","messageId":"m1","question":"hi"}`,
		"unknown field":    `{"threadId":"t1","messageId":"m1","question":"hi","x":1}`,
		"not json":         `{`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp := post(t, hs.URL+"/v1/stream", body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var eb errorBody
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&eb))
			require.True(t, strings.HasPrefix(eb.Error, "invalid request"), eb.Error)
		})
	}
}

func TestResumeUnknownSession(t *testing.T) {
	_, hs := newTestServer(t, inmem.New(), &fakeConnector{}, nil)

	resp := post(t, hs.URL+"/v1/resume", `{"sessionId":"nope"}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var eb errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&eb))
	require.Equal(t, "session not found", eb.Error)
}

func TestResumeRejectsNegativeCursor(t *testing.T) {
	_, hs := newTestServer(t, inmem.New(), &fakeConnector{}, nil)
	resp := post(t, hs.URL+"/v1/resume", `{"sessionId":"s1","cursor":-1}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResumeReplaysFromCursor(t *testing.T) {
	store := inmem.New()
	seed(t, store, "s1", session.StatusDone)
	_, hs := newTestServer(t, store, &fakeConnector{}, nil)

	resp := post(t, hs.URL+"/v1/resume", `{"sessionId":"s1","cursor":0}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := readEvents(t, resp.Body)
	require.Len(t, events, 3)
	require.Equal(t, "Hello", replay(t, events)[0].Text)
	require.Equal(t, wire.Done{}, events[2])

	resp = post(t, hs.URL+"/v1/resume", `{"sessionId":"s1","cursor":2}`)
	require.Equal(t, []wire.Event{wire.Done{}}, readEvents(t, resp.Body))
}

func TestResumeFollowsLiveSession(t *testing.T) {
	store := inmem.New()
	seed(t, store, "s1", session.StatusStreaming)
	_, hs := newTestServer(t, store, &fakeConnector{}, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		ctx := context.Background()
		_, _ = store.Append(ctx, "s1", session.DoneOp())
		_, _, _ = store.SetStatus(ctx, "s1", session.StatusDone, "")
	}()

	resp := post(t, hs.URL+"/v1/resume", `{"sessionId":"s1","cursor":1}`)
	events := readEvents(t, resp.Body)
	require.Len(t, events, 2)
	require.IsType(t, wire.Update{}, events[0])
	require.Equal(t, wire.Done{}, events[1])
}

func TestResumeSendsHeartbeatsWhileTailing(t *testing.T) {
	store := inmem.New()
	seed(t, store, "s1", session.StatusStreaming)
	_, hs := newTestServerHeartbeat(t, store, &fakeConnector{}, nil, 20*time.Millisecond)

	go func() {
		time.Sleep(200 * time.Millisecond)
		ctx := context.Background()
		_, _ = store.Append(ctx, "s1", session.DoneOp())
		_, _, _ = store.SetStatus(ctx, "s1", session.StatusDone, "")
	}()

	resp := post(t, hs.URL+"/v1/resume", `{"sessionId":"s1","cursor":2}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), ": ping\n\n")
	require.Equal(t, []wire.Event{wire.Done{}}, readEvents(t, bytes.NewReader(body)))
}

func TestStatusEndpoint(t *testing.T) {
	store := inmem.New()
	seed(t, store, "s1", session.StatusDone)
	_, hs := newTestServer(t, store, &fakeConnector{}, nil)

	resp, err := http.Get(hs.URL + "/v1/sessions/s1")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rep stream.StatusReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
	require.True(t, rep.Exists)
	require.Equal(t, session.StatusDone, rep.Status)
	require.Equal(t, 3, rep.ChunkCount)
	require.NotNil(t, rep.CompletedAt)

	resp2, err := http.Get(hs.URL + "/v1/sessions/missing")
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	var missing stream.StatusReport
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&missing))
	require.False(t, missing.Exists)
}

func TestActiveEndpoint(t *testing.T) {
	store := inmem.New()
	seed(t, store, "s1", session.StatusStreaming)
	require.NoError(t, store.SetActive(context.Background(), "t1", "s1"))
	_, hs := newTestServer(t, store, &fakeConnector{}, nil)

	get := func(thread string) stream.ActiveReport {
		resp, err := http.Get(hs.URL + "/v1/threads/" + thread + "/active")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var rep stream.ActiveReport
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
		return rep
	}

	rep := get("t1")
	require.True(t, rep.Active)
	require.Equal(t, "s1", rep.SessionID)
	require.NotNil(t, rep.ChunkCount)
	require.Equal(t, 2, *rep.ChunkCount)

	require.False(t, get("t2").Active)
}

func TestEventsEndpoint(t *testing.T) {
	w := &fakeWatcher{events: []stream.Lifecycle{
		{Kind: stream.LifecycleStarted, SessionID: "s1", ThreadID: "t1", MessageID: "m1"},
	}}
	_, hs := newTestServer(t, inmem.New(), &fakeConnector{}, w)

	resp, err := http.Get(hs.URL + "/v1/threads/t1/events")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := wire.NewFrameReader(resp.Body)
	data, err := frames.Next()
	require.NoError(t, err)
	var got stream.Lifecycle
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, stream.LifecycleStarted, got.Kind)
	require.Equal(t, "s1", got.SessionID)
	w.mu.Lock()
	defer w.mu.Unlock()
	require.Equal(t, "t1", w.thread)
}

func TestEventsWatchFailure(t *testing.T) {
	_, hs := newTestServer(t, inmem.New(), &fakeConnector{}, &fakeWatcher{err: errors.New("redis down")})

	resp, err := http.Get(hs.URL + "/v1/threads/t1/events")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestHTTPSinkPingWaitsForStart(t *testing.T) {
	rec := httptest.NewRecorder()
	k := &httpSink{w: rec, enc: wire.NewEncoder(rec)}
	require.NoError(t, k.ping())
	require.Empty(t, rec.Body.String())
	require.False(t, rec.Flushed)

	require.NoError(t, k.Open(context.Background()))
	require.NoError(t, k.ping())
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, ": ping\n\n", rec.Body.String())
}

func TestHTTPSinkStartsOnce(t *testing.T) {
	rec := httptest.NewRecorder()
	k := &httpSink{w: rec, enc: wire.NewEncoder(rec)}
	require.NoError(t, k.Send(context.Background(), wire.Session{SessionID: "s1"}))
	require.NoError(t, k.ping())
	require.NoError(t, k.Send(context.Background(), wire.Done{}))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	body := rec.Body.String()
	require.Contains(t, body, ": ping\n\n")
	events := readEvents(t, bytes.NewBufferString(body))
	require.Equal(t, []wire.Event{wire.Session{SessionID: "s1"}, wire.Done{}}, events)
}
