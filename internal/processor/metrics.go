package processor

import (
	"sync/atomic"
	"time"
)

// ServiceMetrics counts processed events for the periodic log report.
// Prometheus carries the per-event outcomes.
type ServiceMetrics struct {
	totalProcessed  atomic.Int64
	totalFailed     atomic.Int64
	totalDurationNs atomic.Int64
	lastFailureNs   atomic.Int64
	startedNs       int64
}

func NewServiceMetrics() *ServiceMetrics {
	return &ServiceMetrics{startedNs: time.Now().UnixNano()}
}

func (m *ServiceMetrics) RecordSuccess(duration time.Duration) {
	m.totalProcessed.Add(1)
	m.totalDurationNs.Add(int64(duration))
}

func (m *ServiceMetrics) RecordFailure() {
	m.totalFailed.Add(1)
	m.lastFailureNs.Store(time.Now().UnixNano())
}

func (m *ServiceMetrics) GetStats() map[string]interface{} {
	processed := m.totalProcessed.Load()
	elapsed := time.Since(time.Unix(0, m.startedNs)).Seconds()

	rate := 0.0
	if elapsed > 0 {
		rate = float64(processed) / elapsed
	}
	avg := time.Duration(0)
	if processed > 0 {
		avg = time.Duration(m.totalDurationNs.Load() / processed)
	}
	var lastFailure time.Time
	if ns := m.lastFailureNs.Load(); ns > 0 {
		lastFailure = time.Unix(0, ns).UTC()
	}

	return map[string]interface{}{
		"total_processed": processed,
		"total_failed":    m.totalFailed.Load(),
		"rate_per_second": rate,
		"avg_duration_ms": avg.Milliseconds(),
		"uptime_seconds":  elapsed,
		"last_failure_at": lastFailure,
	}
}
