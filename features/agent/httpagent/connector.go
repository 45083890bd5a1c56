// Package httpagent connects to an upstream agent over HTTP. The agent exposes
// a health endpoint probed while it cold starts and an answer endpoint that
// streams upstream events as server-sent events.
package httpagent

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
	"sync"

	"goa.design/answerstream/runtime/retry"
	"goa.design/answerstream/runtime/telemetry"
	"goa.design/answerstream/runtime/upstream"
	"goa.design/answerstream/runtime/wire"
)

type (
	// Options configures the connector.
	Options struct {
		// BaseURL is the agent root URL. Required.
		BaseURL string
		// HTTPClient defaults to a client without timeout; answer streams are
		// long lived.
		HTTPClient *http.Client
		// HealthPath is probed until the agent answers 2xx. Defaults to
		// "/health". Set SkipProbe to connect directly.
		HealthPath string
		SkipProbe  bool
		// AnswerPath receives the question. Defaults to "/v1/answer".
		AnswerPath string
		// Probe bounds the cold start wait. Defaults to retry.ColdStartConfig.
		Probe *retry.Config
		// Request bounds retries of the answer request. Defaults to
		// retry.DefaultConfig.
		Request *retry.Config
		// Header is added to every request.
		Header http.Header
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Connector implements upstream.Connector over HTTP.
	Connector struct {
		client  *http.Client
		health  string
		answer  string
		skip    bool
		probe   retry.Config
		request retry.Config
		header  http.Header
		logger  telemetry.Logger
	}

	request struct {
		ThreadID  string `json:"threadId"`
		MessageID string `json:"messageId"`
		Question  string `json:"question"`
	}

	// stream reads upstream events from an SSE response body.
	stream struct {
		body   io.ReadCloser
		frames *wire.FrameReader
		once   sync.Once
	}
)

var _ upstream.Connector = (*Connector)(nil)

// New returns an HTTP connector.
func New(opts Options) (*Connector, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("agent base url is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse agent url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("agent url %q: scheme must be http or https", opts.BaseURL)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.HealthPath == "" {
		opts.HealthPath = "/health"
	}
	if opts.AnswerPath == "" {
		opts.AnswerPath = "/v1/answer"
	}
	probe := retry.ColdStartConfig()
	if opts.Probe != nil {
		probe = *opts.Probe
	}
	req := retry.DefaultConfig()
	if opts.Request != nil {
		req = *opts.Request
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Connector{
		client:  opts.HTTPClient,
		health:  base.String() + opts.HealthPath,
		answer:  base.String() + opts.AnswerPath,
		skip:    opts.SkipProbe,
		probe:   probe,
		request: req,
		header:  opts.Header,
		logger:  opts.Logger,
	}, nil
}

// Connect waits for the agent to become healthy, posts the question and
// returns the event stream. report receives starting before the probe and
// ready once the agent accepted the question.
func (c *Connector) Connect(ctx context.Context, q upstream.Question, report func(upstream.Readiness)) (upstream.Stream, error) {
	if report == nil {
		report = func(upstream.Readiness) {}
	}
	report(upstream.ReadinessStarting)
	if !c.skip {
		err := retry.Do(ctx, c.probe, c.ping, func(attempt int, err error) {
			c.logger.Debug(ctx, "agent not ready", "attempt", attempt, "err", err)
		})
		if err != nil {
			return nil, fmt.Errorf("agent health: %w", err)
		}
	}
	body, err := json.Marshal(request{ThreadID: q.ThreadID, MessageID: q.MessageID, Question: q.Text})
	if err != nil {
		return nil, fmt.Errorf("encode question: %w", err)
	}
	var resp *http.Response
	err = retry.Do(ctx, c.request, func(ctx context.Context) error {
		r, err := c.post(ctx, body)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, func(attempt int, err error) {
		c.logger.Warn(ctx, "retrying answer request", "attempt", attempt, "err", err)
	})
	if err != nil {
		return nil, fmt.Errorf("agent answer: %w", err)
	}
	report(upstream.ReadinessReady)
	return &stream{body: resp.Body, frames: wire.NewFrameReader(resp.Body)}, nil
}

func (c *Connector) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.health, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode/100 != 2 {
		return &retry.HTTPStatusError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return nil
}

func (c *Connector) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.answer, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &retry.HTTPStatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if ct := strings.ToLower(resp.Header.Get("Content-Type")); ct != "" && !strings.HasPrefix(ct, "text/event-stream") {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	return resp, nil
}

func (c *Connector) setHeaders(req *http.Request) {
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
}

// Recv returns the next upstream event. Canceling ctx closes the body so a
// blocked read returns.
func (s *stream) Recv(ctx context.Context) (upstream.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()
	for {
		data, err := s.frames.Next()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		return upstream.Decode(data)
	}
}

func (s *stream) Close() error {
	var err error
	s.once.Do(func() { err = s.body.Close() })
	return err
}
