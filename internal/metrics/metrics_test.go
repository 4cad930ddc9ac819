package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	t.Parallel()

	m := NewMetrics()

	m.RecordStreamStarted()
	m.RecordStreamStarted()
	m.RecordStreamEnded(true, false)

	m.RecordRequest(100*time.Millisecond, true)
	m.RecordRequest(300*time.Millisecond, false)

	m.RecordTaskLaunched()
	m.RecordTaskLaunched()
	m.RecordTaskEnded(true, true)
	m.RecordTaskEnded(false, true)

	m.RecordCacheHit()
	m.RecordCacheHit()
	m.RecordCacheHit()
	m.RecordCacheMiss()

	m.IncrementCustomMetric("compare_runs")
	m.IncrementCustomMetric("compare_runs")

	snapshot := m.GetSnapshot()
	require.Equal(t, int64(2), snapshot["streams_started"])
	require.Equal(t, int64(1), snapshot["active_streams"])
	require.Equal(t, int64(1), snapshot["streams_cancelled"])
	require.Equal(t, int64(2), snapshot["request_count"])
	require.Equal(t, int64(1), snapshot["error_count"])
	require.InDelta(t, 200.0, snapshot["avg_request_duration_ms"], 0.001)
	require.Equal(t, int64(1), snapshot["tasks_cancelled"])
	require.Equal(t, int64(1), snapshot["tasks_failed"])
	require.Equal(t, int64(0), snapshot["running_tasks"])
	require.InDelta(t, 0.75, snapshot["cache_hit_rate"], 0.001)
	require.Equal(t, int64(2), snapshot["compare_runs"])
}

func TestMetrics_NilIsSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	require.NotPanics(t, func() {
		m.RecordStreamStarted()
		m.RecordStreamEnded(false, true)
		m.RecordRequest(time.Second, false)
		m.RecordTaskLaunched()
		m.RecordTaskEnded(false, false)
		m.RecordDispatch()
		m.RecordCacheHit()
		m.RecordCommit(false)
		m.IncrementCustomMetric("x")
	})
}
