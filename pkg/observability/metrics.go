// Package observability implements the Observability Emitter (§4.12
// C12): a fixed set of Prometheus collectors behind a MetricsSink
// interface, and an OpenTelemetry tracer, so the Workflow Engine,
// Monitor, and Conflict Resolver never import prometheus or otel
// directly.
package observability

import "github.com/prometheus/client_golang/prometheus"

// MetricsSink is the emitter's surface as consumed by the rest of the
// orchestrator. Tests substitute NewNoopSink so unit tests never touch
// a real registry.
type MetricsSink interface {
	IncCounter(name string, labels map[string]string)
	AddCounter(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

// PrometheusSink is the MetricsSink backed by prometheus/client_golang,
// registered on its own registry (never the global DefaultRegisterer)
// so multiple Sinks can coexist in tests without a duplicate-registration
// panic.
type PrometheusSink struct {
	registry *prometheus.Registry

	workflowsCompleted  *prometheus.CounterVec
	workflowsFailed     *prometheus.CounterVec
	workflowDuration    *prometheus.HistogramVec
	taskRetriesTotal    *prometheus.CounterVec
	stackConfidence     prometheus.Histogram
	conflictsDetected   prometheus.Counter
	conflictsResolved   prometheus.Counter
	conflictSimilarity  prometheus.Histogram
	visualDiffScore     prometheus.Histogram
	tokensUsed          prometheus.Counter
	activeFileLocks     prometheus.Gauge
}

// NewPrometheusSink constructs and registers every C12 collector on a
// fresh registry.
func NewPrometheusSink() *PrometheusSink {
	s := &PrometheusSink{
		registry: prometheus.NewRegistry(),
		workflowsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflows_completed",
			Help: "Workflows that reached the completed state.",
		}, []string{"complexity"}),
		workflowsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflows_failed",
			Help: "Workflows that reached the failed state.",
		}, []string{"complexity"}),
		workflowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workflow_duration_seconds",
			Help:    "Wall-clock duration of a workflow from GeneratePlan to Finalize.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"complexity"}),
		taskRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "task_retries_total",
			Help: "Task retry attempts, labeled by retry taxonomy kind.",
		}, []string{"kind"}),
		stackConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stack_confidence",
			Help:    "Stack Inferencer confidence scores.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		conflictsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conflicts_detected",
			Help: "UI/backend artifact mismatches detected.",
		}),
		conflictsResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conflicts_resolved",
			Help: "UI/backend artifact mismatches mediated successfully.",
		}),
		conflictSimilarity: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "conflict_similarity",
			Help:    "Cosine similarity observed by DetectConflict.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		visualDiffScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "visual_diff_score",
			Help:    "VisualTest screenshot diff percentage.",
			Buckets: prometheus.LinearBuckets(0, 1, 11),
		}),
		tokensUsed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "openrouter_tokens_used",
			Help: "Total LLM tokens consumed across all completions.",
		}),
		activeFileLocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_file_locks",
			Help: "File locks currently held by the Conflict Resolver.",
		}),
	}

	s.registry.MustRegister(
		s.workflowsCompleted, s.workflowsFailed, s.workflowDuration,
		s.taskRetriesTotal, s.stackConfidence,
		s.conflictsDetected, s.conflictsResolved, s.conflictSimilarity,
		s.visualDiffScore, s.tokensUsed, s.activeFileLocks,
	)
	return s
}

// Registry exposes the underlying registry so the HTTP surface can
// mount promhttp.HandlerFor on /metrics.
func (s *PrometheusSink) Registry() *prometheus.Registry { return s.registry }

func (s *PrometheusSink) IncCounter(name string, labels map[string]string) {
	s.AddCounter(name, 1, labels)
}

func (s *PrometheusSink) AddCounter(name string, value float64, labels map[string]string) {
	switch name {
	case "workflows_completed":
		s.workflowsCompleted.WithLabelValues(labels["complexity"]).Add(value)
	case "workflows_failed":
		s.workflowsFailed.WithLabelValues(labels["complexity"]).Add(value)
	case "task_retries_total":
		s.taskRetriesTotal.WithLabelValues(labels["kind"]).Add(value)
	case "conflicts_detected":
		s.conflictsDetected.Add(value)
	case "conflicts_resolved":
		s.conflictsResolved.Add(value)
	case "openrouter_tokens_used":
		s.tokensUsed.Add(value)
	}
}

func (s *PrometheusSink) ObserveHistogram(name string, value float64, labels map[string]string) {
	switch name {
	case "workflow_duration_seconds":
		s.workflowDuration.WithLabelValues(labels["complexity"]).Observe(value)
	case "stack_confidence":
		s.stackConfidence.Observe(value)
	case "conflict_similarity":
		s.conflictSimilarity.Observe(value)
	case "visual_diff_score":
		s.visualDiffScore.Observe(value)
	}
}

func (s *PrometheusSink) SetGauge(name string, value float64, _ map[string]string) {
	if name == "active_file_locks" {
		s.activeFileLocks.Set(value)
	}
}

var _ MetricsSink = (*PrometheusSink)(nil)

// NoopSink discards every call; used by unit tests and any component
// constructed without a configured Observability section.
type NoopSink struct{}

func (NoopSink) IncCounter(string, map[string]string)                {}
func (NoopSink) AddCounter(string, float64, map[string]string)       {}
func (NoopSink) ObserveHistogram(string, float64, map[string]string) {}
func (NoopSink) SetGauge(string, float64, map[string]string)         {}

var _ MetricsSink = NoopSink{}
