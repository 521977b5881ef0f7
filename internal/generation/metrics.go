package generation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mathmentor/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/mathmentor/internal/generation"

// Metrics records generation call counts and latency.
type Metrics struct {
	meter    metric.Meter
	logger   *logging.Logger
	calls    metric.Int64Counter
	duration metric.Float64Histogram
	timeouts metric.Int64Counter
}

// NewMetrics creates generation instruments on the global meter provider.
func NewMetrics(logger *logging.Logger) *Metrics {
	m := &Metrics{
		meter:  otel.Meter(instrumentationName),
		logger: logging.OrNop(logger),
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	ctx := context.Background()
	var err error

	m.calls, err = m.meter.Int64Counter(
		"mathmentor.generation.calls_total",
		metric.WithDescription("Generation calls by provider and outcome"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		m.logger.Warn(ctx, "failed to create calls counter", zap.Error(err))
	}

	m.duration, err = m.meter.Float64Histogram(
		"mathmentor.generation.duration_seconds",
		metric.WithDescription("Generation call duration in seconds, retries included"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		m.logger.Warn(ctx, "failed to create duration histogram", zap.Error(err))
	}

	m.timeouts, err = m.meter.Int64Counter(
		"mathmentor.generation.timeouts_total",
		metric.WithDescription("Generation calls that hit their deadline"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		m.logger.Warn(ctx, "failed to create timeouts counter", zap.Error(err))
	}
}

// RecordCall records one Generate call.
func (m *Metrics) RecordCall(ctx context.Context, provider string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	)
	// The call context may already be canceled; metrics must still land.
	ctx = context.WithoutCancel(ctx)
	if m.calls != nil {
		m.calls.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), attrs)
	}
	if IsTimeout(err) && m.timeouts != nil {
		m.timeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
	}
}
