package quality

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/shipyard/internal/quality"

// Metrics records pipeline activity. A nil *Metrics records nothing.
type Metrics struct {
	runsTotal        metric.Int64Counter
	agentRunsTotal   metric.Int64Counter
	agentDuration    metric.Float64Histogram
	correctionCycles metric.Int64Histogram
	runDuration      metric.Float64Histogram
}

// NewMetrics creates pipeline instruments on meter, or on the global meter
// provider when meter is nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &Metrics{}
	var err error

	m.runsTotal, err = meter.Int64Counter(
		"shipyard.quality.runs.total",
		metric.WithDescription("Pipeline runs by tier and overall status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	m.agentRunsTotal, err = meter.Int64Counter(
		"shipyard.quality.agent.runs.total",
		metric.WithDescription("Agent executions by agent and status, including correction cycles"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	m.agentDuration, err = meter.Float64Histogram(
		"shipyard.quality.agent.duration.seconds",
		metric.WithDescription("Duration of a single agent execution"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200),
	)
	if err != nil {
		return nil, err
	}

	m.correctionCycles, err = meter.Int64Histogram(
		"shipyard.quality.correction_cycles",
		metric.WithDescription("Correction cycles used per run"),
		metric.WithUnit("{cycle}"),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 3, 5),
	)
	if err != nil {
		return nil, err
	}

	m.runDuration, err = meter.Float64Histogram(
		"shipyard.quality.run.duration.seconds",
		metric.WithDescription("Wall time of a whole pipeline run"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 30, 60, 300, 600, 1200, 1800),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) recordAgent(ctx context.Context, agent string, status Status, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("status", string(status)),
	)
	m.agentRunsTotal.Add(ctx, 1, attrs)
	m.agentDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("agent", agent)))
}

func (m *Metrics) recordRun(ctx context.Context, r *Report) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tier", r.Tier),
		attribute.String("status", string(r.OverallStatus)),
	)
	m.runsTotal.Add(ctx, 1, attrs)
	m.correctionCycles.Record(ctx, int64(r.CorrectionCycles), metric.WithAttributes(attribute.String("tier", r.Tier)))
	m.runDuration.Record(ctx, r.Duration.Seconds(), attrs)
}
