package circulation

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"libracirc/internal/apperr"
)

const instrumentationName = "libracirc/circulation"

type instruments struct {
	checkouts metric.Int64Counter
	returns   metric.Int64Counter
	handoffs  metric.Int64Counter
	rejected  metric.Int64Counter
	penalties metric.Float64Counter
}

func newInstruments(meter metric.Meter) *instruments {
	return &instruments{
		checkouts: int64Counter(meter, "circulation.checkouts", "Loans opened by checkout"),
		returns:   int64Counter(meter, "circulation.returns", "Loans closed by return"),
		handoffs:  int64Counter(meter, "circulation.handoffs", "Returned copies passed to a waiting reservation"),
		rejected:  int64Counter(meter, "circulation.rejected", "Operations rejected with a typed error"),
		penalties: float64Counter(meter, "circulation.penalty.amount", "Sum of penalties reported on late returns"),
	}
}

func int64Counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		otel.Handle(err)
		return noop.Int64Counter{}
	}
	return c
}

func float64Counter(meter metric.Meter, name, desc string) metric.Float64Counter {
	c, err := meter.Float64Counter(name, metric.WithDescription(desc))
	if err != nil {
		otel.Handle(err)
		return noop.Float64Counter{}
	}
	return c
}

// finish closes the span and counts typed rejections by kind.
func (s *service) finish(ctx context.Context, span trace.Span, op string, err error) {
	defer span.End()
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.metrics.rejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("kind", apperr.Code(err)),
	))
}
