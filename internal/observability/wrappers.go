package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/daraja/internal/sandbox"
)

// InstrumentedExecutor wraps a sandbox.Executor with tracing spans. Metrics
// are recorded inside the executor itself (via Executor.WithMetrics); the
// wrapper only adds the span around the whole run.
type InstrumentedExecutor struct {
	inner  *sandbox.Executor
	tracer trace.Tracer
}

// NewInstrumentedExecutor wraps an executor with tracing. ts may be nil.
func NewInstrumentedExecutor(inner *sandbox.Executor, ts *TracerSetup) *InstrumentedExecutor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedExecutor{
		inner:  inner,
		tracer: tracer,
	}
}

// Execute runs the request with a sandbox.execute span around it.
func (e *InstrumentedExecutor) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("sandbox.user", req.User),
				attribute.Int("sandbox.timeout_seconds", req.TimeoutSeconds),
				attribute.Int("sandbox.memory_limit_mb", req.MemoryLimitMB),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := e.inner.Execute(ctx, req)

	if e.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(attribute.Int64("sandbox.duration_ms", time.Since(start).Milliseconds()))
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case result != nil && !result.Success:
			if result.Err != nil {
				span.SetAttributes(attribute.String("sandbox.error_kind", string(result.Err.Kind)))
			}
			span.SetStatus(codes.Error, "execution failed")
		}
	}

	return result, err
}

// Capabilities reports the wrapped executor's enforceable limits.
func (e *InstrumentedExecutor) Capabilities() sandbox.Capabilities {
	return e.inner.Capabilities()
}
