package engine

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"taskboard/internal/engine/policy"
	"taskboard/internal/repo"
	"taskboard/internal/telemetry"
)

const scopeName = "taskboard/engine"

type metrics struct {
	tracer      trace.Tracer
	ops         metric.Int64Counter
	dur         metric.Float64Histogram
	transitions metric.Int64Counter
}

// newMetrics binds instruments to the global providers. Instruments created
// before telemetry.Init delegate to whatever provider is installed later.
func newMetrics() *metrics {
	m := telemetry.Meter(scopeName)
	ops, _ := m.Int64Counter("taskboard.engine.operations",
		metric.WithDescription("Engine operations executed"),
	)
	dur, _ := m.Float64Histogram("taskboard.engine.operation.duration",
		metric.WithDescription("Engine operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	transitions, _ := m.Int64Counter("taskboard.transition.outcomes",
		metric.WithDescription("Status transitions by outcome"),
	)
	return &metrics{
		tracer:      telemetry.Tracer(scopeName),
		ops:         ops,
		dur:         dur,
		transitions: transitions,
	}
}

// span starts a span for an engine operation; call the returned func with the
// operation's error when it finishes.
func (e Engine) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if e.metrics == nil {
		return ctx, func(error) {}
	}
	m := e.metrics
	opAttr := attribute.String("engine.operation", name)
	ctx, span := m.tracer.Start(ctx, "engine."+name, trace.WithAttributes(append([]attribute.KeyValue{opAttr}, attrs...)...))
	start := time.Now()
	return ctx, func(err error) {
		m.ops.Add(ctx, 1, metric.WithAttributes(opAttr))
		m.dur.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(opAttr))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func (e Engine) recordTransition(ctx context.Context, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", Outcome(err))))
}

// Outcome names the class of an engine error: ok, invalid, not_found,
// forbidden, conflict or error.
func Outcome(err error) string {
	var ve ValidationError
	var fe policy.ForbiddenError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ve):
		return "invalid"
	case errors.Is(err, repo.ErrNotFound):
		return "not_found"
	case errors.As(err, &fe):
		return "forbidden"
	case errors.Is(err, ErrVersionConflict):
		return "conflict"
	default:
		return "error"
	}
}
