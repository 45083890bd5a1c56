package stream

import (
	"context"
	"errors"
	"io"
	"sync"

	"goa.design/answerstream/runtime/upstream"
	"goa.design/answerstream/runtime/wire"
)

type (
	recv struct {
		ev  upstream.Event
		err error
	}

	// scriptStream replays scripted upstream events. A nil channel value
	// closes the stream with io.EOF.
	scriptStream struct {
		events chan recv
		mu     sync.Mutex
		closed bool
	}

	fakeConnector struct {
		stream    *scriptStream
		err       error
		readiness []upstream.Readiness
		questions []upstream.Question
	}

	recordSink struct {
		mu        sync.Mutex
		events    []wire.Event
		failAfter int
		closed    bool
	}

	fakeConversations struct {
		mu       sync.Mutex
		canceled []string
	}

	fakeNotifier struct {
		mu     sync.Mutex
		events []Lifecycle
		err    error
	}
)

func newScript(events ...upstream.Event) *scriptStream {
	s := &scriptStream{events: make(chan recv, len(events)+16)}
	for _, ev := range events {
		s.events <- recv{ev: ev}
	}
	return s
}

func (s *scriptStream) push(ev upstream.Event) { s.events <- recv{ev: ev} }
func (s *scriptStream) fail(err error)         { s.events <- recv{err: err} }
func (s *scriptStream) end()                   { close(s.events) }

func (s *scriptStream) Recv(ctx context.Context) (upstream.Event, error) {
	select {
	case r, ok := <-s.events:
		if !ok {
			return nil, io.EOF
		}
		return r.ev, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *scriptStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (c *fakeConnector) Connect(_ context.Context, q upstream.Question, report func(upstream.Readiness)) (upstream.Stream, error) {
	c.questions = append(c.questions, q)
	for _, r := range c.readiness {
		report(r)
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.stream, nil
}

func newRecordSink() *recordSink { return &recordSink{failAfter: -1} }

func (s *recordSink) Send(_ context.Context, ev wire.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter >= 0 && len(s.events) >= s.failAfter {
		return errors.New("connection reset")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordSink) all() []wire.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wire.Event(nil), s.events...)
}

func (s *recordSink) entries() []wire.Event {
	var out []wire.Event
	for _, ev := range s.all() {
		if wire.Entry(ev) {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConversations) MarkCanceled(_ context.Context, threadID, messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.canceled = append(c.canceled, threadID+"/"+messageID)
	return nil
}

func (n *fakeNotifier) Notify(_ context.Context, ev Lifecycle) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *fakeNotifier) kinds() []LifecycleKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]LifecycleKind, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Kind)
	}
	return out
}
