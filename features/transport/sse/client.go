package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"goa.design/answerstream/runtime/chunk"
	"goa.design/answerstream/runtime/retry"
	"goa.design/answerstream/runtime/session"
	"goa.design/answerstream/runtime/telemetry"
	"goa.design/answerstream/runtime/wire"
)

type (
	// ClientOptions configures a Client.
	ClientOptions struct {
		// BaseURL is the answer stream server root URL. Required.
		BaseURL string
		// HTTPClient defaults to a client without timeout.
		HTTPClient *http.Client
		// Reconnect bounds consecutive failed reconnects. Defaults to
		// retry.ReconnectConfig.
		Reconnect *retry.Config
		// OnEvent, when set, receives every decoded event in order.
		OnEvent func(wire.Event)
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Client asks questions and follows answer streams, resuming through
	// /v1/resume when the connection drops.
	Client struct {
		client    *http.Client
		base      string
		reconnect retry.Config
		onEvent   func(wire.Event)
		logger    telemetry.Logger
	}

	// Result is the outcome of a followed answer.
	Result struct {
		// SessionID identifies the answer session.
		SessionID string
		// Chunks is the final chunk list.
		Chunks []chunk.Chunk
		// Cursor is the number of log entries received.
		Cursor int
		// Error is the message of a failed answer, empty on success.
		Error string
	}

	// transportError marks a failure that a reconnect may recover from.
	transportError struct {
		err error
	}

	// follower accumulates the state of one followed answer across
	// connections.
	follower struct {
		state retry.StreamState
		list  chunk.List
		res   Result
	}
)

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// NewClient returns a stream client.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", opts.BaseURL)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	reconnect := retry.ReconnectConfig()
	if opts.Reconnect != nil {
		reconnect = *opts.Reconnect
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Client{
		client:    opts.HTTPClient,
		base:      base.String(),
		reconnect: reconnect,
		onEvent:   opts.OnEvent,
		logger:    opts.Logger,
	}, nil
}

// Ask starts an answer and follows it to its terminal event. A connection
// lost after the session was announced is resumed; a failure before that is
// returned as is.
func (c *Client) Ask(ctx context.Context, threadID, messageID, question string) (*Result, error) {
	body, err := json.Marshal(streamRequest{ThreadID: threadID, MessageID: messageID, Question: question})
	if err != nil {
		return nil, fmt.Errorf("encode question: %w", err)
	}
	f := &follower{}
	err = c.consume(ctx, f, "/v1/stream", body)
	if err == nil {
		return f.result(), nil
	}
	if f.state.SessionID == "" {
		return nil, unwrapTransport(err)
	}
	return c.follow(ctx, f, err)
}

// Follow replays session id from its first entry and follows it to its
// terminal event. Returns session.ErrNotFound when the session does not
// exist.
func (c *Client) Follow(ctx context.Context, id string) (*Result, error) {
	if id == "" {
		return nil, errors.New("session id is required")
	}
	f := &follower{state: retry.StreamState{SessionID: id}}
	f.res.SessionID = id
	if err := c.resume(ctx, f); err != nil {
		return c.follow(ctx, f, err)
	}
	return f.result(), nil
}

// follow reconnects after err until the answer terminates, a permanent error
// occurs or the reconnect budget is exhausted.
func (c *Client) follow(ctx context.Context, f *follower, err error) (*Result, error) {
	for {
		var terr *transportError
		if !errors.As(err, &terr) {
			return nil, err
		}
		c.logger.Debug(ctx, "stream interrupted", "session", f.state.SessionID, "cursor", f.state.Cursor, "err", terr.err)
		if werr := f.state.Wait(ctx, c.reconnect, terr.err); werr != nil {
			return nil, werr
		}
		if err = c.resume(ctx, f); err == nil {
			return f.result(), nil
		}
	}
}

func (c *Client) resume(ctx context.Context, f *follower) error {
	body, err := json.Marshal(resumeRequest{SessionID: f.state.SessionID, Cursor: f.state.Cursor})
	if err != nil {
		return fmt.Errorf("encode resume request: %w", err)
	}
	return c.consume(ctx, f, "/v1/resume", body)
}

// consume posts body to path and applies the streamed events to f until a
// terminal event.
func (c *Client) consume(ctx context.Context, f *follower, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &transportError{err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkResponse(resp); err != nil {
		return err
	}

	frames := wire.NewFrameReader(resp.Body)
	for {
		data, err := frames.Next()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return &transportError{err: err}
		}
		ev, err := wire.Unmarshal(data)
		if err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if c.onEvent != nil {
			c.onEvent(ev)
		}
		done, err := f.apply(ev)
		if err != nil || done {
			return err
		}
	}
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode == http.StatusNotFound {
		return session.ErrNotFound
	}
	msg := strings.TrimSpace(string(raw))
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
		msg = eb.Error
	}
	err := &retry.HTTPStatusError{StatusCode: resp.StatusCode, Message: msg}
	if resp.StatusCode >= 500 || retry.IsRetryable(err) {
		return &transportError{err: err}
	}
	return err
}

// apply records ev and reports whether it terminated the answer.
func (f *follower) apply(ev wire.Event) (bool, error) {
	switch e := ev.(type) {
	case wire.Session:
		f.state.SessionID = e.SessionID
		f.res.SessionID = e.SessionID
		return false, nil
	case wire.Status:
		return false, nil
	case wire.Add, wire.Update:
		u, _ := wire.ChunkUpdate(ev)
		if err := f.list.Apply(u); err != nil {
			return false, fmt.Errorf("apply entry %d: %w", f.state.Cursor, err)
		}
		f.state.Advance(1)
		return false, nil
	case wire.Done:
		f.state.Advance(1)
		return true, nil
	case wire.Error:
		f.state.Advance(1)
		f.res.Error = e.Message
		return true, nil
	default:
		return false, fmt.Errorf("unsupported event %T", ev)
	}
}

func (f *follower) result() *Result {
	res := f.res
	res.Chunks = f.list.Chunks()
	res.Cursor = f.state.Cursor
	return &res
}

func unwrapTransport(err error) error {
	var terr *transportError
	if errors.As(err, &terr) {
		return terr.err
	}
	return err
}
