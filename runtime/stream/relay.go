package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/answerstream/runtime/wire"
)

// ErrDetached is returned by Relay.Send once the reader detached.
var ErrDetached = errors.New("stream reader detached")

// Relay is a channel-backed Sink that decouples a producer from the
// connection serving its events. The producer calls Send and Close from a
// single goroutine; the connection reads Events and calls Detach when it
// goes away. Once detached, Send fails immediately so a dropped connection
// never blocks the producer.
type Relay struct {
	events      chan wire.Event
	detached    chan struct{}
	sendTimeout time.Duration
	detachOnce  sync.Once
	closeOnce   sync.Once
}

// NewRelay returns a relay buffering up to buffer events. A Send blocked for
// longer than sendTimeout detaches the reader; zero disables the timeout.
func NewRelay(buffer int, sendTimeout time.Duration) *Relay {
	return &Relay{
		events:      make(chan wire.Event, buffer),
		detached:    make(chan struct{}),
		sendTimeout: sendTimeout,
	}
}

// Events returns the channel of relayed events. It is closed by Close.
func (r *Relay) Events() <-chan wire.Event {
	return r.events
}

// Send implements Sink.
func (r *Relay) Send(ctx context.Context, ev wire.Event) error {
	select {
	case <-r.detached:
		return ErrDetached
	default:
	}
	var timeout <-chan time.Time
	if r.sendTimeout > 0 {
		t := time.NewTimer(r.sendTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case r.events <- ev:
		return nil
	case <-r.detached:
		return ErrDetached
	case <-timeout:
		r.Detach()
		return ErrDetached
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements Sink.
func (r *Relay) Close(context.Context) error {
	r.closeOnce.Do(func() { close(r.events) })
	return nil
}

// Detach marks the reader gone.
func (r *Relay) Detach() {
	r.detachOnce.Do(func() { close(r.detached) })
}

// Detached returns a channel closed once the reader detached.
func (r *Relay) Detached() <-chan struct{} {
	return r.detached
}
