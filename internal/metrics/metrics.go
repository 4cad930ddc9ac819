package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects in-process counters for streams, model calls, background
// tasks and storage commits. A nil *Metrics records nothing.
type Metrics struct {
	// Stream metrics
	StreamsStarted   atomic.Int64
	StreamsCancelled atomic.Int64
	StreamsFailed    atomic.Int64
	ActiveStreams    atomic.Int64

	// Model call metrics
	RequestCount    atomic.Int64
	RequestDuration atomic.Int64 // nanoseconds
	ErrorCount      atomic.Int64

	// Background metrics
	Dispatches     atomic.Int64
	TasksLaunched  atomic.Int64
	TasksFailed    atomic.Int64
	TasksCancelled atomic.Int64
	RunningTasks   atomic.Int64

	// Provider cache metrics
	CacheHits   atomic.Int64
	CacheMisses atomic.Int64

	// Storage metrics
	Commits      atomic.Int64
	CommitErrors atomic.Int64

	// Custom metrics
	customMetrics sync.Map // map[string]*atomic.Int64

	startTime time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

func (m *Metrics) RecordStreamStarted() {
	if m == nil {
		return
	}
	m.StreamsStarted.Add(1)
	m.ActiveStreams.Add(1)
}

// RecordStreamEnded records the end of a stream started with
// RecordStreamStarted.
func (m *Metrics) RecordStreamEnded(cancelled, failed bool) {
	if m == nil {
		return
	}
	m.ActiveStreams.Add(-1)
	if cancelled {
		m.StreamsCancelled.Add(1)
	}
	if failed {
		m.StreamsFailed.Add(1)
	}
}

// RecordRequest records a model call
func (m *Metrics) RecordRequest(duration time.Duration, success bool) {
	if m == nil {
		return
	}
	m.RequestCount.Add(1)
	m.RequestDuration.Add(duration.Nanoseconds())
	if !success {
		m.ErrorCount.Add(1)
	}
}

func (m *Metrics) RecordDispatch() {
	if m == nil {
		return
	}
	m.Dispatches.Add(1)
}

func (m *Metrics) RecordTaskLaunched() {
	if m == nil {
		return
	}
	m.TasksLaunched.Add(1)
	m.RunningTasks.Add(1)
}

func (m *Metrics) RecordTaskEnded(cancelled, failed bool) {
	if m == nil {
		return
	}
	m.RunningTasks.Add(-1)
	if cancelled {
		m.TasksCancelled.Add(1)
	} else if failed {
		m.TasksFailed.Add(1)
	}
}

// RecordCacheHit records a provider cache hit
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.CacheHits.Add(1)
}

// RecordCacheMiss records a provider cache miss
func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.CacheMisses.Add(1)
}

// RecordCommit records a storage commit
func (m *Metrics) RecordCommit(success bool) {
	if m == nil {
		return
	}
	m.Commits.Add(1)
	if !success {
		m.CommitErrors.Add(1)
	}
}

// IncrementCustomMetric increments a custom metric
func (m *Metrics) IncrementCustomMetric(name string) {
	if m == nil {
		return
	}
	counter, _ := m.customMetrics.LoadOrStore(name, &atomic.Int64{})
	counter.(*atomic.Int64).Add(1)
}

// GetSnapshot returns a snapshot of current metrics
func (m *Metrics) GetSnapshot() map[string]any {
	uptime := time.Since(m.startTime)

	snapshot := map[string]any{
		"uptime_seconds":    uptime.Seconds(),
		"streams_started":   m.StreamsStarted.Load(),
		"streams_cancelled": m.StreamsCancelled.Load(),
		"streams_failed":    m.StreamsFailed.Load(),
		"active_streams":    m.ActiveStreams.Load(),
		"request_count":     m.RequestCount.Load(),
		"error_count":       m.ErrorCount.Load(),
		"dispatches":        m.Dispatches.Load(),
		"tasks_launched":    m.TasksLaunched.Load(),
		"tasks_failed":      m.TasksFailed.Load(),
		"tasks_cancelled":   m.TasksCancelled.Load(),
		"running_tasks":     m.RunningTasks.Load(),
		"cache_hits":        m.CacheHits.Load(),
		"cache_misses":      m.CacheMisses.Load(),
		"commits":           m.Commits.Load(),
		"commit_errors":     m.CommitErrors.Load(),
	}

	// Calculate averages
	if reqCount := m.RequestCount.Load(); reqCount > 0 {
		snapshot["avg_request_duration_ms"] = float64(m.RequestDuration.Load()) / float64(reqCount) / 1e6
	}

	// Calculate cache hit rate
	if hits := m.CacheHits.Load(); hits > 0 {
		total := hits + m.CacheMisses.Load()
		snapshot["cache_hit_rate"] = float64(hits) / float64(total)
	}

	// Add custom metrics
	m.customMetrics.Range(func(key, value any) bool {
		if counter, ok := value.(*atomic.Int64); ok {
			snapshot[key.(string)] = counter.Load()
		}
		return true
	})

	return snapshot
}
