// Package sse serves answer streams over HTTP server-sent events and provides
// a client that follows them, resuming after dropped connections.
//
// Endpoints:
//
//	POST /v1/stream                     start an answer, stream its events
//	POST /v1/resume                     replay and follow a session from a cursor
//	GET  /v1/sessions/{sessionID}       session status
//	GET  /v1/threads/{threadID}/active  streaming session of a thread
//	GET  /v1/threads/{threadID}/events  lifecycle notifications of a thread
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	goahttp "goa.design/goa/v3/http"

	"goa.design/answerstream/runtime/session"
	"goa.design/answerstream/runtime/stream"
	"goa.design/answerstream/runtime/telemetry"
	"goa.design/answerstream/runtime/upstream"
	"goa.design/answerstream/runtime/wire"
)

type (
	// Watcher streams the lifecycle notifications of a thread.
	Watcher interface {
		Watch(ctx context.Context, threadID string) (<-chan stream.Lifecycle, <-chan error, context.CancelFunc, error)
	}

	// Options configures the Server.
	Options struct {
		// Producer runs answers. Required.
		Producer *stream.Producer
		// Resumer serves readers. Required.
		Resumer *stream.Resumer
		// Watcher serves lifecycle notifications. The events endpoint is
		// not mounted when nil.
		Watcher Watcher
		// Buffer is the relay capacity between a producer and its
		// connection. Defaults to 256.
		Buffer int
		// SendTimeout detaches a connection that stops reading. Defaults to
		// 10s.
		SendTimeout time.Duration
		// Heartbeat is the interval of keepalive comments. Defaults to 15s.
		Heartbeat time.Duration
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Server implements the answer stream HTTP endpoints.
	Server struct {
		// Mounts lists the mounted endpoints.
		Mounts []*MountPoint

		producer    *stream.Producer
		resumer     *stream.Resumer
		watcher     Watcher
		buffer      int
		sendTimeout time.Duration
		heartbeat   time.Duration
		logger      telemetry.Logger
		schemas     *validator
	}

	// MountPoint describes a mounted endpoint.
	MountPoint struct {
		Method  string
		Verb    string
		Pattern string
	}

	streamRequest struct {
		ThreadID  string `json:"threadId"`
		MessageID string `json:"messageId"`
		Question  string `json:"question"`
	}

	resumeRequest struct {
		SessionID string `json:"sessionId"`
		Cursor    int    `json:"cursor"`
	}

	errorBody struct {
		Error string `json:"error"`
	}

	// httpSink writes events to a response, sending the SSE headers on the
	// first event.
	httpSink struct {
		w   http.ResponseWriter
		enc *wire.Encoder

		mu      sync.Mutex
		started bool
	}
)

// New returns a server.
func New(opts Options) (*Server, error) {
	if opts.Producer == nil {
		return nil, errors.New("producer is required")
	}
	if opts.Resumer == nil {
		return nil, errors.New("resumer is required")
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	v, err := newValidator()
	if err != nil {
		return nil, err
	}
	return &Server{
		producer:    opts.Producer,
		resumer:     opts.Resumer,
		watcher:     opts.Watcher,
		buffer:      opts.Buffer,
		sendTimeout: opts.SendTimeout,
		heartbeat:   opts.Heartbeat,
		logger:      opts.Logger,
		schemas:     v,
	}, nil
}

// Mount registers the endpoints on mux.
func (s *Server) Mount(mux goahttp.Muxer) {
	s.mount(mux, "Stream", "POST", "/v1/stream", s.handleStream)
	s.mount(mux, "Resume", "POST", "/v1/resume", s.handleResume)
	s.mount(mux, "Status", "GET", "/v1/sessions/{sessionID}", func(w http.ResponseWriter, r *http.Request) {
		s.handleStatus(w, r, mux.Vars(r)["sessionID"])
	})
	s.mount(mux, "Active", "GET", "/v1/threads/{threadID}/active", func(w http.ResponseWriter, r *http.Request) {
		s.handleActive(w, r, mux.Vars(r)["threadID"])
	})
	if s.watcher != nil {
		s.mount(mux, "Events", "GET", "/v1/threads/{threadID}/events", func(w http.ResponseWriter, r *http.Request) {
			s.handleEvents(w, r, mux.Vars(r)["threadID"])
		})
	}
}

func (s *Server) mount(mux goahttp.Muxer, method, verb, pattern string, h http.HandlerFunc) {
	mux.Handle(verb, pattern, h)
	s.Mounts = append(s.Mounts, &MountPoint{Method: method, Verb: verb, Pattern: pattern})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req streamRequest
	if err := decode(r.Body, s.schemas.stream, &req); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	relay := stream.NewRelay(s.buffer, s.sendTimeout)
	q := upstream.Question{ThreadID: req.ThreadID, MessageID: req.MessageID, Text: req.Question}
	go func() {
		if _, err := s.producer.Run(ctx, q, relay); err != nil {
			s.logger.Warn(ctx, "answer failed", "thread", q.ThreadID, "message", q.MessageID, "err", err)
		}
	}()

	sink := &httpSink{w: w, enc: wire.NewEncoder(w)}
	sink.start()
	tick := time.NewTicker(s.heartbeat)
	defer tick.Stop()
	for {
		select {
		case ev, ok := <-relay.Events():
			if !ok {
				return
			}
			if err := sink.Send(ctx, ev); err != nil {
				s.logger.Debug(ctx, "stream connection lost", "err", err)
				relay.Detach()
				return
			}
		case <-tick.C:
			if err := sink.ping(); err != nil {
				relay.Detach()
				return
			}
		case <-ctx.Done():
			relay.Detach()
			return
		case <-relay.Detached():
			return
		}
	}
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req resumeRequest
	if err := decode(r.Body, s.schemas.resume, &req); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	sink := &httpSink{w: w, enc: wire.NewEncoder(w)}
	stop := keepalive(sink, s.heartbeat)
	err := s.resumer.Resume(ctx, req.SessionID, req.Cursor, sink)
	stop()
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	if !sink.started {
		s.writeError(ctx, w, err)
		return
	}
	s.logger.Warn(ctx, "resume failed", "session", req.SessionID, "err", err)
	_ = sink.Send(ctx, wire.Error{Message: "stream interrupted"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, id string) {
	rep, err := s.resumer.Status(r.Context(), id)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeJSON(r.Context(), w, http.StatusOK, rep)
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request, threadID string) {
	rep, err := s.resumer.Active(r.Context(), threadID)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeJSON(r.Context(), w, http.StatusOK, rep)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, threadID string) {
	ctx := r.Context()
	events, errs, cancel, err := s.watcher.Watch(ctx, threadID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	defer cancel()
	sink := &httpSink{w: w}
	sink.start()
	tick := time.NewTicker(s.heartbeat)
	defer tick.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error(ctx, "encode lifecycle event", "err", err)
				return
			}
			if err := sink.raw(data); err != nil {
				return
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				s.logger.Warn(ctx, "lifecycle watch failed", "thread", threadID, "err", err)
				return
			}
		case <-tick.C:
			if err := sink.ping(); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		s.writeJSON(ctx, w, http.StatusBadRequest, errorBody{Error: verr.Error()})
	case errors.Is(err, session.ErrNotFound):
		s.writeJSON(ctx, w, http.StatusNotFound, errorBody{Error: session.ErrNotFound.Error()})
	case errors.Is(err, context.Canceled):
	default:
		s.logger.Error(ctx, "request failed", "err", err)
		s.writeJSON(ctx, w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func (s *Server) writeJSON(ctx context.Context, w http.ResponseWriter, code int, v any) {
	enc := goahttp.ResponseEncoder(ctx, w)
	w.WriteHeader(code)
	if err := enc.Encode(v); err != nil {
		s.logger.Debug(ctx, "write response", "err", err)
	}
}

// keepalive pings k every interval once it started, until stop returns.
func keepalive(k *httpSink, interval time.Duration) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				if err := k.ping(); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

func (k *httpSink) start() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.startLocked()
}

func (k *httpSink) startLocked() {
	if k.started {
		return
	}
	k.started = true
	h := k.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	k.w.WriteHeader(http.StatusOK)
	k.flush()
}

// Open implements stream.Opener.
func (k *httpSink) Open(context.Context) error {
	k.start()
	return nil
}

// Send implements stream.Sink.
func (k *httpSink) Send(_ context.Context, ev wire.Event) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.startLocked()
	return k.enc.Encode(ev)
}

// Close implements stream.Sink.
func (k *httpSink) Close(context.Context) error { return nil }

func (k *httpSink) raw(data []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, err := fmt.Fprintf(k.w, "data: %s\n\n", data); err != nil {
		return err
	}
	k.flush()
	return nil
}

// ping writes a comment frame. It is a no-op until the response started.
func (k *httpSink) ping() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.started {
		return nil
	}
	if _, err := fmt.Fprint(k.w, ": ping\n\n"); err != nil {
		return err
	}
	k.flush()
	return nil
}

func (k *httpSink) flush() {
	if f, ok := k.w.(http.Flusher); ok {
		f.Flush()
	}
}
