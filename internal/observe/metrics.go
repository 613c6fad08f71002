// Package observe provides the observability primitives shared by every
// redraft component: OpenTelemetry metrics, tracing, trace-aware structured
// logging and the HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed to
// Prometheus through the exporter bridge installed by [InitProvider]. A
// package-level instance ([DefaultMetrics]) is available for convenience;
// tests should build their own with [NewMetrics] and a private
// [metric.MeterProvider].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of all redraft metrics.
const meterName = "github.com/MrWong99/redraft"

// Metrics holds the metric instruments of the application. The underlying
// OTel types are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// GenerationDuration tracks the wall time of a whole generation run.
	// Attributes: status.
	GenerationDuration metric.Float64Histogram

	// StepDuration tracks single workflow steps. Attributes: step, status.
	StepDuration metric.Float64Histogram

	// LLMDuration tracks completion calls. Attributes: provider, status.
	LLMDuration metric.Float64Histogram

	// EmbeddingDuration tracks embedding calls. Attributes: provider, status.
	EmbeddingDuration metric.Float64Histogram

	// EvaluationDuration tracks a full evaluation including fetches.
	// Attributes: status.
	EvaluationDuration metric.Float64Histogram

	// --- Score distributions ---

	// QualityScore records the quality score of every stored evaluation.
	QualityScore metric.Float64Histogram

	// --- Counters ---

	// Generations counts finished generation runs. Attributes: status.
	Generations metric.Int64Counter

	// Evaluations counts evaluation attempts. Attributes: status.
	Evaluations metric.Int64Counter

	// TierReassignments counts tier changes. Attributes: from, to.
	TierReassignments metric.Int64Counter

	// EmbeddingFallbacks counts comparisons that used the fallback
	// similarity because embeddings were unavailable.
	EmbeddingFallbacks metric.Int64Counter

	// EmbeddingCacheLookups counts embedding cache lookups. Attributes: result.
	EmbeddingCacheLookups metric.Int64Counter

	// ProviderRequests counts provider API calls.
	// Attributes: provider, kind, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// EventsPublished counts published events. Attributes: topic.
	EventsPublished metric.Int64Counter

	// EventDeliveries counts handler invocations. Attributes: topic, status.
	EventDeliveries metric.Int64Counter

	// --- Gauges ---

	// ActiveGenerations tracks generation runs currently executing.
	ActiveGenerations metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time.
	// Attributes: method, route, status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets covers single LLM calls up to multi-call generation runs.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120,
}

var scoreBuckets = []float64{
	0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.85, 0.9, 0.95, 1,
}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.GenerationDuration, err = m.Float64Histogram("redraft.generation.duration",
		metric.WithDescription("Wall time of a generation run."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StepDuration, err = m.Float64Histogram("redraft.generation.step.duration",
		metric.WithDescription("Latency of a single generation workflow step."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("redraft.llm.duration",
		metric.WithDescription("Latency of LLM completion calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbeddingDuration, err = m.Float64Histogram("redraft.embedding.duration",
		metric.WithDescription("Latency of embedding calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EvaluationDuration, err = m.Float64Histogram("redraft.evaluation.duration",
		metric.WithDescription("Wall time of an evaluation including collaborator fetches."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.QualityScore, err = m.Float64Histogram("redraft.evaluation.quality_score",
		metric.WithDescription("Distribution of evaluation quality scores."),
		metric.WithExplicitBucketBoundaries(scoreBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Generations, err = m.Int64Counter("redraft.generations",
		metric.WithDescription("Finished generation runs by status."),
	); err != nil {
		return nil, err
	}
	if met.Evaluations, err = m.Int64Counter("redraft.evaluations",
		metric.WithDescription("Evaluation attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.TierReassignments, err = m.Int64Counter("redraft.tier.reassignments",
		metric.WithDescription("Author tier changes by source and target tier."),
	); err != nil {
		return nil, err
	}
	if met.EmbeddingFallbacks, err = m.Int64Counter("redraft.embedding.fallbacks",
		metric.WithDescription("Comparisons scored with the fallback similarity."),
	); err != nil {
		return nil, err
	}
	if met.EmbeddingCacheLookups, err = m.Int64Counter("redraft.embedding.cache.lookups",
		metric.WithDescription("Embedding cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("redraft.provider.requests",
		metric.WithDescription("Provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("redraft.provider.errors",
		metric.WithDescription("Provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.EventsPublished, err = m.Int64Counter("redraft.events.published",
		metric.WithDescription("Published events by topic."),
	); err != nil {
		return nil, err
	}
	if met.EventDeliveries, err = m.Int64Counter("redraft.events.deliveries",
		metric.WithDescription("Event handler invocations by topic and status."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveGenerations, err = m.Int64UpDownCounter("redraft.generations.active",
		metric.WithDescription("Generation runs currently executing."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("redraft.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. It panics if instrument creation
// fails, which does not happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// Status maps an error to the "ok"/"error" status attribute value.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordGeneration records a finished generation run.
func (m *Metrics) RecordGeneration(ctx context.Context, seconds float64, status string) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.Generations.Add(ctx, 1, attrs)
	m.GenerationDuration.Record(ctx, seconds, attrs)
}

// RecordStep records one executed workflow step.
func (m *Metrics) RecordStep(ctx context.Context, step string, seconds float64, status string) {
	m.StepDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("step", step),
		attribute.String("status", status),
	))
}

// RecordEvaluation records an evaluation attempt. Quality is only recorded
// for successful evaluations.
func (m *Metrics) RecordEvaluation(ctx context.Context, seconds, quality float64, status string) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.Evaluations.Add(ctx, 1, attrs)
	m.EvaluationDuration.Record(ctx, seconds, attrs)
	if status == "ok" {
		m.QualityScore.Record(ctx, quality)
	}
}

// RecordTierReassignment records an author moving between tiers.
func (m *Metrics) RecordTierReassignment(ctx context.Context, from, to string) {
	m.TierReassignments.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordEmbeddingFallback records a comparison scored without embeddings.
func (m *Metrics) RecordEmbeddingFallback(ctx context.Context) {
	m.EmbeddingFallbacks.Add(ctx, 1)
}

// RecordEmbeddingCache records an embedding cache lookup.
func (m *Metrics) RecordEmbeddingCache(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.EmbeddingCacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordProviderRequest records a provider call with its latency. kind is
// "llm" or "embeddings".
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string, seconds float64) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
	lat := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	)
	switch kind {
	case "llm":
		m.LLMDuration.Record(ctx, seconds, lat)
	case "embeddings":
		m.EmbeddingDuration.Record(ctx, seconds, lat)
	}
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

// RecordEventPublished records a published event.
func (m *Metrics) RecordEventPublished(ctx context.Context, topic string) {
	m.EventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

// RecordEventDelivery records one handler invocation. status is "ok",
// "retry" or "dead".
func (m *Metrics) RecordEventDelivery(ctx context.Context, topic, status string) {
	m.EventDeliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("status", status),
	))
}
