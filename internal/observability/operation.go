package observability

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	arcerrors "github.com/gezibash/arc-groups/pkg/errors"
)

// Operation tracks a high-level operation with span, metrics, and logging.
type Operation struct {
	ctx     context.Context
	span    trace.Span
	metrics *Metrics
	name    string
	start   time.Time
	logger  *slog.Logger
}

// Labeled is implemented by errors that carry a metric label for their
// failure class. Errors without one are labeled by the shared kind they
// wrap, if any.
type Labeled interface {
	MetricLabel() string
}

// StartOperation begins tracking an operation with a span, logger context, and timing.
// m may be nil, in which case only the span and logs are produced.
func StartOperation(ctx context.Context, m *Metrics, name string, attrs ...attribute.KeyValue) (*Operation, context.Context) {
	ctx, span := StartSpan(ctx, name, attrs...)
	logger := slog.Default().With("operation", name)
	for _, a := range attrs {
		logger = logger.With(string(a.Key), a.Value.Emit())
	}
	logger.DebugContext(ctx, "operation started")

	return &Operation{
		ctx:     ctx,
		span:    span,
		metrics: m,
		name:    name,
		start:   time.Now(),
		logger:  logger,
	}, ctx
}

// End finishes the operation, recording duration and status. Call it from
// a deferred closure so that it sees the final error value.
func (o *Operation) End(err error) {
	duration := time.Since(o.start).Seconds()
	status := "ok"
	if err != nil {
		status = "error"
		o.logger.WarnContext(o.ctx, "operation failed", "error", err, "duration", duration)
	} else {
		o.logger.DebugContext(o.ctx, "operation completed", "duration", duration)
	}

	EndSpan(o.span, err)
	if o.metrics == nil {
		return
	}
	o.metrics.OperationDuration.WithLabelValues(o.name, status).Observe(duration)
	o.metrics.OperationTotal.WithLabelValues(o.name, status).Inc()
	if err != nil {
		o.metrics.ErrorsTotal.WithLabelValues(o.name, errorLabel(err)).Inc()
	}
}

func errorLabel(err error) string {
	var l Labeled
	if errors.As(err, &l) {
		return l.MetricLabel()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "context"
	}
	if kind := arcerrors.Kind(err); kind != "" {
		return kind
	}
	return "other"
}
