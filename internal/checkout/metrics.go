package checkout

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	outcomes metric.Int64Counter
	polls    metric.Int64Counter
	duration metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	outcomes, err := meter.Int64Counter("pos.checkout.outcomes",
		metric.WithDescription("Checkout attempts by terminal outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "outcomes counter")
	}
	polls, err := meter.Int64Counter("pos.checkout.polls",
		metric.WithDescription("Gateway status polls"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "polls counter")
	}
	duration, err := meter.Float64Histogram("pos.checkout.duration",
		metric.WithDescription("Checkout attempt duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "duration histogram")
	}
	return &metrics{outcomes: outcomes, polls: polls, duration: duration}, nil
}

func (m *metrics) record(ctx context.Context, res *Result, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("outcome", string(res.Kind)),
		attribute.String("stage", string(res.Stage)),
	)
	m.outcomes.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}
