package workflows

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/shipyard/internal/workflows"

var (
	activityDuration     metric.Float64Histogram
	activityErrorCounter metric.Int64Counter
	registrationCounter  metric.Int64Counter
	cycleCounter         metric.Int64Counter
)

// initMetrics initializes OpenTelemetry metrics for activities.
// This is called once during package initialization.
func initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error

	activityDuration, err = meter.Float64Histogram(
		"shipyard.workflows.activity.duration",
		metric.WithDescription("Duration of workflow activity executions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity duration: %v", err))
	}

	activityErrorCounter, err = meter.Int64Counter(
		"shipyard.workflows.activity.errors",
		metric.WithDescription("Number of activity execution errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity error counter: %v", err))
	}

	registrationCounter, err = meter.Int64Counter(
		"shipyard.workflows.registrations",
		metric.WithDescription("Branches registered in the manifest by session workflows"),
		metric.WithUnit("{branch}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create registration counter: %v", err))
	}

	cycleCounter, err = meter.Int64Counter(
		"shipyard.workflows.director_cycles",
		metric.WithDescription("Director cycles run from workflows"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create cycle counter: %v", err))
	}
}

func init() {
	initMetrics()
}

// observeActivity records one activity execution.
func observeActivity(ctx context.Context, name string, start time.Time, err error) {
	attrs := metric.WithAttributes(attribute.String("activity", name))
	activityDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		activityErrorCounter.Add(ctx, 1, attrs)
	}
}
