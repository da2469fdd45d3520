package pipeline

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type pipelineMetrics struct {
	runsStarted metric.Int64Counter
	runsFailed  metric.Int64Counter
	staleDrops  metric.Int64Counter
}

func newPipelineMetrics() *pipelineMetrics {
	meter := otel.Meter("pronunciation-app/pipeline")
	m := &pipelineMetrics{}
	m.runsStarted, _ = meter.Int64Counter("pron.pipeline.runs_started",
		metric.WithDescription("Pipeline runs started per track"))
	m.runsFailed, _ = meter.Int64Counter("pron.pipeline.runs_failed",
		metric.WithDescription("Pipeline runs that ended in the failed state"))
	m.staleDrops, _ = meter.Int64Counter("pron.pipeline.stale_drops",
		metric.WithDescription("Late results discarded by run fencing"))
	return m
}

func (m *pipelineMetrics) add(ctx context.Context, c metric.Int64Counter, track string) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attribute.String("track", track)))
}
