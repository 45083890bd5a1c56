// Package pulse wraps goa.design/pulse streams behind the narrow interfaces
// used by the lifecycle notifier. Callers build a Redis client, pass it to New
// and receive a Client exposing only publish and consume operations.
package pulse

//go:generate cmg gen .

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis backs the Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the entries kept per stream. Zero uses Pulse
		// defaults.
		StreamMaxLen int
		// OperationTimeout bounds individual Add calls. Zero means no
		// timeout.
		OperationTimeout time.Duration
	}

	// Client opens Pulse streams.
	Client interface {
		// Stream returns a handle to the named stream, creating it if needed.
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
		// Close releases client resources. The Redis connection is owned by
		// the caller and stays open.
		Close(ctx context.Context) error
	}

	// Stream publishes to and reads from one Pulse stream.
	Stream interface {
		// Add publishes payload under the event name and returns the entry id.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink opens a consumer group on the stream.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
		// Destroy deletes the stream and its entries.
		Destroy(ctx context.Context) error
	}

	// Sink is a consumer group reading from a Pulse stream.
	Sink interface {
		Subscribe() <-chan *streaming.Event
		Ack(context.Context, *streaming.Event) error
		Close(context.Context)
	}

	client struct {
		redis   *redis.Client
		maxLen  int
		timeout time.Duration
	}

	handle struct {
		stream  *streaming.Stream
		timeout time.Duration
	}

	sinkAdapter struct {
		*streaming.Sink
	}
)

// New returns a Pulse client over opts.Redis.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{redis: opts.Redis, maxLen: opts.StreamMaxLen, timeout: opts.OperationTimeout}, nil
}

func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var all []streamopts.Stream
	if c.maxLen > 0 {
		all = append(all, streamopts.WithStreamMaxLen(c.maxLen))
	}
	all = append(all, opts...)
	str, err := streaming.NewStream(name, c.redis, all...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream %s: %w", name, err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

func (c *client) Close(context.Context) error { return nil }

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, fmt.Errorf("pulse sink %s: %w", name, err)
	}
	return sinkAdapter{Sink: sink}, nil
}

func (h *handle) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}

// Close closes the underlying consumer group.
func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
