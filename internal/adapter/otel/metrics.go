package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "curator"

// Metrics holds all curator metric instruments.
type Metrics struct {
	RunsStarted     metric.Int64Counter
	RunsCompleted   metric.Int64Counter
	RunsFailed      metric.Int64Counter
	RunsCancelled   metric.Int64Counter
	StuckRecoveries metric.Int64Counter
	ItemsAdded      metric.Int64Counter
	ScheduledFires  metric.Int64Counter
	RunDuration     metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.RunsStarted, err = meter.Int64Counter("curator.runs.started",
		metric.WithDescription("Number of agent runs started"))
	if err != nil {
		return nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter("curator.runs.completed",
		metric.WithDescription("Number of agent runs completed"))
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("curator.runs.failed",
		metric.WithDescription("Number of agent runs failed"))
	if err != nil {
		return nil, err
	}

	m.RunsCancelled, err = meter.Int64Counter("curator.runs.cancelled",
		metric.WithDescription("Number of agent runs cancelled"))
	if err != nil {
		return nil, err
	}

	m.StuckRecoveries, err = meter.Int64Counter("curator.agents.stuck_recoveries",
		metric.WithDescription("Number of stuck agents reset to idle"))
	if err != nil {
		return nil, err
	}

	m.ItemsAdded, err = meter.Int64Counter("curator.items.added",
		metric.WithDescription("Number of content items added by runs"))
	if err != nil {
		return nil, err
	}

	m.ScheduledFires, err = meter.Int64Counter("curator.scheduled.fires",
		metric.WithDescription("Number of scheduled agent executions"))
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("curator.run.duration_seconds",
		metric.WithDescription("Run duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
