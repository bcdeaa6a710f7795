package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "agentdeck"

// Metrics holds all agentdeck metric instruments.
type Metrics struct {
	RunsStarted         metric.Int64Counter
	RunsCompleted       metric.Int64Counter
	RunsFailed          metric.Int64Counter
	PermissionPrompts   metric.Int64Counter
	PermissionDecisions metric.Int64Counter
	RunDuration         metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.RunsStarted, err = meter.Int64Counter("agentdeck.runs.started",
		metric.WithDescription("Number of agent runs started"))
	if err != nil {
		return nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter("agentdeck.runs.completed",
		metric.WithDescription("Number of agent runs completed"))
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("agentdeck.runs.failed",
		metric.WithDescription("Number of agent runs ended in error"))
	if err != nil {
		return nil, err
	}

	m.PermissionPrompts, err = meter.Int64Counter("agentdeck.permission.prompts",
		metric.WithDescription("Number of tool uses suspended for a human decision"))
	if err != nil {
		return nil, err
	}

	m.PermissionDecisions, err = meter.Int64Counter("agentdeck.permission.decisions",
		metric.WithDescription("Number of human permission decisions submitted"))
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("agentdeck.run.duration_seconds",
		metric.WithDescription("Agent run duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
