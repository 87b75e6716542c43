// Package telemetry defines the small logging/metrics/tracing interfaces
// used throughout Autopack. Implementations typically delegate to Clue and
// OpenTelemetry, but the interfaces are intentionally narrow so components
// and their tests can supply lightweight stand-ins.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging. Implementations typically delegate to
// Clue (goa.design/clue/log).
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer and gauge helpers for runtime
// instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so orchestrator code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Bundle groups the three ambient concerns so components can take a single
// constructor argument instead of threading three interfaces individually.
type Bundle struct {
	Logger  Logger
	Metrics Metrics
	Tracer  Tracer
}

// Noop returns a Bundle whose Logger/Metrics/Tracer do nothing, used as the
// default in tests and for components that don't wire observability.
func Noop() Bundle {
	return Bundle{Logger: noopLogger{}, Metrics: noopMetrics{}, Tracer: noopTracer{}}
}
