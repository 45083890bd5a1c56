package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

type (
	// ClueLogger writes through goa.design/clue/log. Format and debug level
	// come from the context (log.Context, log.WithFormat, log.WithDebug).
	ClueLogger struct{}

	// OtelMetrics records metrics on the global OpenTelemetry meter provider.
	OtelMetrics struct {
		meter metric.Meter
	}

	// OtelTracer starts spans on the global OpenTelemetry tracer provider.
	OtelTracer struct {
		tracer trace.Tracer
	}

	otelSpan struct {
		span trace.Span
	}
)

const instrumentation = "goa.design/answerstream"

// NewClueLogger returns a Logger backed by clue.
func NewClueLogger() Logger { return ClueLogger{} }

// NewClueMetrics returns a Metrics recorder backed by OpenTelemetry.
func NewClueMetrics() Metrics {
	return &OtelMetrics{meter: otel.Meter(instrumentation)}
}

// NewClueTracer returns a Tracer backed by OpenTelemetry.
func NewClueTracer() Tracer {
	return &OtelTracer{tracer: otel.Tracer(instrumentation)}
}

func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	fields, _ := fielders(msg, keyvals, false)
	log.Debug(ctx, fields...)
}

func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	fields, _ := fielders(msg, keyvals, false)
	log.Info(ctx, fields...)
}

func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	fields, _ := fielders(msg, keyvals, false)
	log.Warn(ctx, fields...)
}

func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	fields, err := fielders(msg, keyvals, true)
	log.Error(ctx, err, fields...)
}

func (m *OtelMetrics) IncCounter(name string, value float64, tags ...string) {
	c, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	c.Add(context.Background(), value, metric.WithAttributes(attrs(tags)...))
}

func (m *OtelMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	h, err := m.meter.Float64Histogram(name, metric.WithUnit("s"))
	if err != nil {
		return
	}
	h.Record(context.Background(), duration.Seconds(), metric.WithAttributes(attrs(tags)...))
}

func (m *OtelMetrics) RecordGauge(name string, value float64, tags ...string) {
	g, err := m.meter.Float64Gauge(name)
	if err != nil {
		return
	}
	g.Record(context.Background(), value, metric.WithAttributes(attrs(tags)...))
}

func (t *OtelTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name, opts...)
	return ctx, &otelSpan{span: span}
}

func (t *OtelTracer) Span(ctx context.Context) Span {
	return &otelSpan{span: trace.SpanFromContext(ctx)}
}

func (s *otelSpan) End(opts ...trace.SpanEndOption) { s.span.End(opts...) }

func (s *otelSpan) AddEvent(name string, kv ...any) {
	s.span.AddEvent(name, trace.WithAttributes(spanAttrs(kv)...))
}

func (s *otelSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

func (s *otelSpan) RecordError(err error, opts ...trace.EventOption) {
	s.span.RecordError(err, opts...)
}

// fielders converts alternating key/values into clue fields prefixed with
// msg. When split is true an error under the "err" key is returned separately
// instead of being added as a field. Non-string keys are dropped; a trailing
// key is paired with nil.
func fielders(msg string, keyvals []any, split bool) ([]log.Fielder, error) {
	var err error
	fields := make([]log.Fielder, 0, 1+len(keyvals)/2)
	fields = append(fields, log.KV{K: "msg", V: msg})
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		if e, ok := v.(error); ok && split && k == "err" {
			err = e
			continue
		}
		fields = append(fields, log.KV{K: k, V: v})
	}
	return fields, err
}

func attrs(tags []string) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, (len(tags)+1)/2)
	for i := 0; i < len(tags); i += 2 {
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		out = append(out, attribute.String(tags[i], v))
	}
	return out
}

func spanAttrs(kv []any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, (len(kv)+1)/2)
	for i := 0; i < len(kv); i += 2 {
		k, _ := kv[i].(string)
		var v any
		if i+1 < len(kv) {
			v = kv[i+1]
		}
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case int64:
			out = append(out, attribute.Int64(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		case nil:
			out = append(out, attribute.String(k, ""))
		default:
			out = append(out, attribute.String(k, fmt.Sprint(val)))
		}
	}
	return out
}
