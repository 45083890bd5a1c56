package httpagent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/answerstream/runtime/retry"
	"goa.design/answerstream/runtime/upstream"
)

var fast = retry.Config{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffMultiplier: 2}

func newAgent(t *testing.T, unhealthy int32, answer http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var probes atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		if probes.Add(1) <= unhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/answer", answer)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &probes
}

func sseAnswer(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, f := range frames {
			_, _ = io.WriteString(w, f)
			w.(http.Flusher).Flush()
		}
	}
}

func drain(t *testing.T, s upstream.Stream) ([]upstream.Event, int) {
	t.Helper()
	var (
		events    []upstream.Event
		malformed int
	)
	for {
		ev, err := s.Recv(context.Background())
		if errors.Is(err, io.EOF) {
			return events, malformed
		}
		var de *upstream.DecodeError
		if errors.As(err, &de) {
			malformed++
			continue
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestConnectWaitsForColdStart(t *testing.T) {
	var got request
	srv, probes := newAgent(t, 2, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		require.Equal(t, "secret", r.Header.Get("X-Agent-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		sseAnswer(
			"data: {\"type\":\"text.delta\",\"delta\":\"Hel\"}\n\n",
			": keepalive\n\n",
			"data: {not json}\n\n",
			"data: {\"type\":\"text.delta\",\"delta\":\"lo\"}\n\n",
			"data: {\"type\":\"done\",\"text\":\"Hello\"}\n\n",
		)(w, r)
	})
	c, err := New(Options{BaseURL: srv.URL + "/", Probe: &fast, Header: http.Header{"X-Agent-Key": {"secret"}}})
	require.NoError(t, err)

	var readiness []upstream.Readiness
	s, err := c.Connect(context.Background(), upstream.Question{ThreadID: "t1", MessageID: "m1", Text: "hi"}, func(r upstream.Readiness) {
		readiness = append(readiness, r)
	})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.Equal(t, []upstream.Readiness{upstream.ReadinessStarting, upstream.ReadinessReady}, readiness)
	require.EqualValues(t, 3, probes.Load())
	require.Equal(t, request{ThreadID: "t1", MessageID: "m1", Question: "hi"}, got)

	events, malformed := drain(t, s)
	require.Equal(t, 1, malformed)
	require.Equal(t, []upstream.Event{
		upstream.TextDelta{Delta: "Hel"},
		upstream.TextDelta{Delta: "lo"},
		upstream.Done{Text: "Hello", Tools: []upstream.Tool{}},
	}, events)
}

func TestConnectGivesUpOnDeadAgent(t *testing.T) {
	srv, probes := newAgent(t, 100, sseAnswer())
	c, err := New(Options{BaseURL: srv.URL, Probe: &fast})
	require.NoError(t, err)

	_, err = c.Connect(context.Background(), upstream.Question{}, nil)
	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.EqualValues(t, fast.MaxAttempts, probes.Load())
}

func TestConnectRejectedQuestion(t *testing.T) {
	srv, _ := newAgent(t, 0, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad question", http.StatusBadRequest)
	})
	c, err := New(Options{BaseURL: srv.URL, Probe: &fast, Request: &fast})
	require.NoError(t, err)

	_, err = c.Connect(context.Background(), upstream.Question{}, nil)
	var status *retry.HTTPStatusError
	require.ErrorAs(t, err, &status)
	require.Equal(t, http.StatusBadRequest, status.StatusCode)
	require.Equal(t, "bad question", status.Message)
}

func TestConnectRejectsContentType(t *testing.T) {
	srv, _ := newAgent(t, 0, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, "{}")
	})
	c, err := New(Options{BaseURL: srv.URL, SkipProbe: true})
	require.NoError(t, err)
	_, err = c.Connect(context.Background(), upstream.Question{}, nil)
	require.ErrorContains(t, err, "unexpected content type")
}

func TestRecvHonorsCancellation(t *testing.T) {
	release := make(chan struct{})
	srv, _ := newAgent(t, 0, func(w http.ResponseWriter, r *http.Request) {
		sseAnswer("data: {\"type\":\"meta\"}\n\n")(w, r)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	c, err := New(Options{BaseURL: srv.URL, SkipProbe: true})
	require.NoError(t, err)
	s, err := c.Connect(context.Background(), upstream.Question{}, nil)
	require.NoError(t, err)

	ev, err := s.Recv(context.Background())
	require.NoError(t, err)
	require.Equal(t, upstream.Meta{}, ev)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewValidatesURL(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{BaseURL: "ftp://agent"})
	require.Error(t, err)
}
