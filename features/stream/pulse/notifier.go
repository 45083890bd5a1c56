// Package pulse publishes session lifecycle notifications to goa.design/pulse
// streams and consumes them back. Services build a Redis client, wrap it with
// clients/pulse and hand the resulting Notifier to the stream producer.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/answerstream/features/stream/pulse/clients/pulse"
	"goa.design/answerstream/runtime/stream"
)

type (
	// Options configures the Notifier.
	Options struct {
		// Client publishes notifications. Required.
		Client pulse.Client
		// StreamID derives the target stream of a notification. Defaults to
		// "thread/<ThreadID>".
		StreamID func(stream.Lifecycle) (string, error)
		// OnPublished runs after a notification was added to its stream.
		OnPublished func(context.Context, Published) error
	}

	// Published describes a notification stored in Pulse.
	Published struct {
		Event    stream.Lifecycle
		StreamID string
		EntryID  string
	}

	// Notifier implements stream.Notifier over Pulse. Safe for concurrent
	// use.
	Notifier struct {
		client      pulse.Client
		streamID    func(stream.Lifecycle) (string, error)
		onPublished func(context.Context, Published) error
	}
)

var _ stream.Notifier = (*Notifier)(nil)

// NewNotifier returns a Pulse-backed notifier.
func NewNotifier(opts Options) (*Notifier, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	n := &Notifier{client: opts.Client, streamID: ThreadStream, onPublished: opts.OnPublished}
	if opts.StreamID != nil {
		n.streamID = opts.StreamID
	}
	return n, nil
}

// ThreadStream returns the default stream name of a notification.
func ThreadStream(ev stream.Lifecycle) (string, error) {
	if ev.ThreadID == "" {
		return "", errors.New("lifecycle event missing thread id")
	}
	return "thread/" + ev.ThreadID, nil
}

// Notify publishes ev. The Pulse event name is the lifecycle kind.
func (n *Notifier) Notify(ctx context.Context, ev stream.Lifecycle) error {
	name, err := n.streamID(ev)
	if err != nil {
		return err
	}
	h, err := n.client.Stream(name)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode lifecycle event: %w", err)
	}
	id, err := h.Add(ctx, string(ev.Kind), payload)
	if err != nil {
		return err
	}
	if n.onPublished != nil {
		return n.onPublished(ctx, Published{Event: ev, StreamID: name, EntryID: id})
	}
	return nil
}

// ForgetThread destroys the notification stream of threadID. The sweeper
// calls it once the thread has no session left.
func (n *Notifier) ForgetThread(ctx context.Context, threadID string) error {
	name, err := n.streamID(stream.Lifecycle{ThreadID: threadID})
	if err != nil {
		return err
	}
	h, err := n.client.Stream(name)
	if err != nil {
		return err
	}
	if err := h.Destroy(ctx); err != nil {
		return fmt.Errorf("destroy stream %s: %w", name, err)
	}
	return nil
}

// Close releases the underlying client.
func (n *Notifier) Close(ctx context.Context) error {
	return n.client.Close(ctx)
}
