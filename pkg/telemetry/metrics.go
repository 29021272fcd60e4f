// Package telemetry exposes OpenTelemetry instruments for the
// classification cascade and the governance decision path.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/witlox/lacuna/pkg/domain"
)

const meterName = "github.com/witlox/lacuna"

var (
	initOnce sync.Once

	stageExecutions    metric.Int64Counter
	stageShortCircuits metric.Int64Counter
	stageLatency       metric.Float64Histogram
	cacheHits          metric.Int64Counter
	decisions          metric.Int64Counter
	evaluationLatency  metric.Float64Histogram
)

func initMetrics() {
	meter := otel.Meter(meterName)
	var err error

	stageExecutions, err = meter.Int64Counter("lacuna.classification.stage.executions",
		metric.WithDescription("Classification stage invocations"))
	if err != nil {
		otel.Handle(err)
	}
	stageShortCircuits, err = meter.Int64Counter("lacuna.classification.stage.short_circuits",
		metric.WithDescription("Cascade short-circuits by stage"))
	if err != nil {
		otel.Handle(err)
	}
	stageLatency, err = meter.Float64Histogram("lacuna.classification.stage.latency",
		metric.WithDescription("Classification stage latency"),
		metric.WithUnit("ms"))
	if err != nil {
		otel.Handle(err)
	}
	cacheHits, err = meter.Int64Counter("lacuna.classification.cache.hits",
		metric.WithDescription("Classification cache hits"))
	if err != nil {
		otel.Handle(err)
	}
	decisions, err = meter.Int64Counter("lacuna.governance.decisions",
		metric.WithDescription("Governance decisions by outcome and tier"))
	if err != nil {
		otel.Handle(err)
	}
	evaluationLatency, err = meter.Float64Histogram("lacuna.governance.evaluation.latency",
		metric.WithDescription("End-to-end governance evaluation latency"),
		metric.WithUnit("ms"))
	if err != nil {
		otel.Handle(err)
	}
}

// RecordStage records one stage invocation.
func RecordStage(ctx context.Context, stage string, elapsed time.Duration, shortCircuit bool) {
	initOnce.Do(initMetrics)

	attrs := metric.WithAttributes(attribute.String("stage", stage))
	if stageExecutions != nil {
		stageExecutions.Add(ctx, 1, attrs)
	}
	if stageLatency != nil {
		stageLatency.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
	}
	if shortCircuit && stageShortCircuits != nil {
		stageShortCircuits.Add(ctx, 1, attrs)
	}
}

// RecordCacheHit records one classification cache hit.
func RecordCacheHit(ctx context.Context) {
	initOnce.Do(initMetrics)
	if cacheHits != nil {
		cacheHits.Add(ctx, 1)
	}
}

// RecordDecision records one governance decision.
func RecordDecision(ctx context.Context, allowed bool, tier domain.Tier, elapsed time.Duration) {
	initOnce.Do(initMetrics)

	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("tier", string(tier)),
	)
	if decisions != nil {
		decisions.Add(ctx, 1, attrs)
	}
	if evaluationLatency != nil {
		evaluationLatency.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
	}
}
