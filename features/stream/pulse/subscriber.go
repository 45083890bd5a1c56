package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/answerstream/features/stream/pulse/clients/pulse"
	"goa.design/answerstream/runtime/stream"
)

type (
	// SubscriberOptions configures a Subscriber.
	SubscriberOptions struct {
		// Client consumes notifications. Required.
		Client pulse.Client
		// SinkName prefixes the Pulse consumer group of each watch. Every
		// watch gets its own group so concurrent watchers all receive every
		// notification. Defaults to "answerstream_watch".
		SinkName string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber reads lifecycle notifications from Pulse streams.
	Subscriber struct {
		client pulse.Client
		name   string
		buffer int
	}
)

// NewSubscriber returns a subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.SinkName == "" {
		opts.SinkName = "answerstream_watch"
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	return &Subscriber{client: opts.Client, name: opts.SinkName, buffer: opts.Buffer}, nil
}

// Watch subscribes to the notifications of a thread. Both channels are
// closed when ctx is canceled, the sink closes or an error is reported. The
// returned cancel function stops consumption and closes the consumer group.
func (s *Subscriber) Watch(ctx context.Context, threadID string, opts ...streamopts.Sink) (<-chan stream.Lifecycle, <-chan error, context.CancelFunc, error) {
	name, err := ThreadStream(stream.Lifecycle{ThreadID: threadID})
	if err != nil {
		return nil, nil, nil, err
	}
	str, err := s.client.Stream(name)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name+"_"+uuid.NewString(), opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan stream.Lifecycle, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go consume(runCtx, sink, events, errs)
	return events, errs, func() {
		cancel()
		sink.Close(context.Background())
	}, nil
}

func consume(ctx context.Context, sink pulse.Sink, out chan<- stream.Lifecycle, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var ev stream.Lifecycle
			if err := json.Unmarshal(evt.Payload, &ev); err != nil {
				errs <- fmt.Errorf("pulse decode lifecycle event: %w", err)
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, evt); err != nil {
				errs <- fmt.Errorf("pulse ack: %w", err)
				return
			}
		}
	}
}
