// Package telemetry defines the logging, metrics and tracing hooks used by the
// answer pipeline. Production wiring delegates to goa.design/clue/log and
// OpenTelemetry; tests use the no-op implementations.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured log messages. keyvals alternate string keys and
	// values. An "err" key carrying an error is attached as the log error.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers and gauges. tags alternate keys and
	// values.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer starts spans.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span is an in-flight trace span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}

	// Telemetry bundles the three hooks.
	Telemetry struct {
		Logger  Logger
		Metrics Metrics
		Tracer  Tracer
	}
)

// Noop returns a Telemetry bundle that discards everything.
func Noop() Telemetry {
	return Telemetry{Logger: NewNoopLogger(), Metrics: NewNoopMetrics(), Tracer: NewNoopTracer()}
}

// Clue returns a Telemetry bundle backed by clue logging and the global
// OpenTelemetry providers.
func Clue() Telemetry {
	return Telemetry{Logger: NewClueLogger(), Metrics: NewClueMetrics(), Tracer: NewClueTracer()}
}

// WithDefaults fills unset hooks with no-op implementations.
func (t Telemetry) WithDefaults() Telemetry {
	if t.Logger == nil {
		t.Logger = NewNoopLogger()
	}
	if t.Metrics == nil {
		t.Metrics = NewNoopMetrics()
	}
	if t.Tracer == nil {
		t.Tracer = NewNoopTracer()
	}
	return t
}
