package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusSink_CountersAndGauges(t *testing.T) {
	sink := NewPrometheusSink()

	sink.IncCounter("conflicts_detected", nil)
	sink.IncCounter("conflicts_detected", nil)
	sink.AddCounter("openrouter_tokens_used", 1500, nil)
	sink.SetGauge("active_file_locks", 3, nil)
	sink.ObserveHistogram("conflict_similarity", 0.42, nil)
	sink.AddCounter("task_retries_total", 1, map[string]string{"kind": "transient"})
	sink.AddCounter("workflows_completed", 1, map[string]string{"complexity": "simple"})

	assert.Equal(t, float64(2), testutil.ToFloat64(sink.conflictsDetected))
	assert.Equal(t, float64(1500), testutil.ToFloat64(sink.tokensUsed))
	assert.Equal(t, float64(3), testutil.ToFloat64(sink.activeFileLocks))
	assert.Equal(t, float64(1), testutil.ToFloat64(sink.taskRetriesTotal.WithLabelValues("transient")))
	assert.Equal(t, float64(1), testutil.ToFloat64(sink.workflowsCompleted.WithLabelValues("simple")))

	metricFamilies, err := sink.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, metricFamilies)
}

func TestNoopSink_NeverPanics(t *testing.T) {
	var s NoopSink
	s.IncCounter("x", nil)
	s.AddCounter("x", 1, nil)
	s.ObserveHistogram("x", 1, nil)
	s.SetGauge("x", 1, nil)
}
