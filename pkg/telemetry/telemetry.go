// Package telemetry defines the logging, metrics, and tracing interfaces
// the rest of the engine depends on, independent of the concrete
// observability backend. Concrete implementations live in this package
// (Clue/OTEL-backed, and a no-op for tests).
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the engine.
// Implementations typically delegate to Clue but the interface stays small
// so worker pool and engine tests can provide lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer, and gauge helpers for the pull loop and
// storage adapters to report throughput, lease contention, and retries.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so engine code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span, typically covering one
// workflow tick or one activity attempt.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// TickTelemetry groups the observability fields of one worker-pool
// execution of a workflow handler. Nothing in the module constructs it:
// worker.Pool logs and records these fields directly for each tick.
type TickTelemetry struct {
	WorkflowID   string
	WorkflowName string
	DurationMs   int64
	EventsStaged int
	Outcome      string // "done", "suspended", "failed"
}
