package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mathmentor/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/mathmentor/internal/pipeline"

// Metrics records pipeline outcomes.
type Metrics struct {
	meter    metric.Meter
	logger   *logging.Logger
	runs     metric.Int64Counter
	duration metric.Float64Histogram
}

// NewMetrics creates pipeline instruments on the global meter provider.
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

	m.runs, err = m.meter.Int64Counter(
		"mathmentor.pipeline.runs_total",
		metric.WithDescription("Pipeline runs by final stage"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		m.logger.Warn(ctx, "failed to create runs counter", zap.Error(err))
	}

	m.duration, err = m.meter.Float64Histogram(
		"mathmentor.pipeline.duration_seconds",
		metric.WithDescription("End-to-end pipeline run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		m.logger.Warn(ctx, "failed to create duration histogram", zap.Error(err))
	}
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(ctx context.Context, stage Stage, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("stage", string(stage)))
	ctx = context.WithoutCancel(ctx)
	if m.runs != nil {
		m.runs.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), attrs)
	}
}
