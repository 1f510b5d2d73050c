package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RunInstruments records attempt outcomes and platform calls. The zero value
// is not usable; build one with NewRunInstruments.
type RunInstruments struct {
	runs          metric.Int64Counter
	runDuration   metric.Float64Histogram
	platformCalls metric.Int64Counter
}

// NewRunInstruments creates the adagent.* instruments on the global meter
// provider. With OTEL disabled they are no-ops.
func NewRunInstruments() (*RunInstruments, error) {
	meter := Meter("adagent/runner")
	runs, err := meter.Int64Counter("adagent.runs",
		metric.WithDescription("Sealed agent attempts by agent and status"),
	)
	if err != nil {
		return nil, err
	}
	dur, err := meter.Float64Histogram("adagent.run.duration",
		metric.WithDescription("Attempt duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	calls, err := Meter("adagent/platform").Int64Counter("adagent.platform.calls",
		metric.WithDescription("Ad platform calls by platform, operation and outcome"),
	)
	if err != nil {
		return nil, err
	}
	return &RunInstruments{runs: runs, runDuration: dur, platformCalls: calls}, nil
}

// RecordRun counts one sealed attempt.
func (ri *RunInstruments) RecordRun(ctx context.Context, agent, status string, elapsed time.Duration) {
	if ri == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("status", status),
	)
	ri.runs.Add(ctx, 1, attrs)
	ri.runDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
}

// RecordPlatformCall counts one call across the platform boundary.
func (ri *RunInstruments) RecordPlatformCall(ctx context.Context, platform, op, outcome string) {
	if ri == nil {
		return
	}
	ri.platformCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("platform", platform),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}
