package gateway

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type ProviderMetrics struct {
	TotalRequests    atomic.Int64
	SuccessfulReqs   atomic.Int64
	FailedReqs       atomic.Int64
	TotalLatencyMs   atomic.Int64
	LastLatencyMs    atomic.Int64
	ConsecutiveFails atomic.Int64
	LastErrorTime    atomic.Int64
	LastSuccessTime  atomic.Int64

	mu        sync.RWMutex
	lastError string
	// window holds the most recent outcomes, oldest first.
	window     []outcome
	windowSize int
}

type outcome struct {
	ok        bool
	latencyMs int64
}

func NewProviderMetrics(windowSize int) *ProviderMetrics {
	if windowSize <= 0 {
		windowSize = 50
	}
	return &ProviderMetrics{
		window:     make([]outcome, 0, windowSize),
		windowSize: windowSize,
	}
}

func (m *ProviderMetrics) RecordSuccess(latencyMs int64) {
	m.TotalRequests.Add(1)
	m.SuccessfulReqs.Add(1)
	m.TotalLatencyMs.Add(latencyMs)
	m.LastLatencyMs.Store(latencyMs)
	m.ConsecutiveFails.Store(0)
	m.LastSuccessTime.Store(time.Now().Unix())
	m.push(outcome{ok: true, latencyMs: latencyMs})
}

func (m *ProviderMetrics) RecordFailure(latencyMs int64, err error) {
	m.TotalRequests.Add(1)
	m.FailedReqs.Add(1)
	m.TotalLatencyMs.Add(latencyMs)
	m.LastLatencyMs.Store(latencyMs)
	m.ConsecutiveFails.Add(1)
	m.LastErrorTime.Store(time.Now().Unix())
	m.push(outcome{ok: false, latencyMs: latencyMs})

	if err != nil {
		m.mu.Lock()
		m.lastError = err.Error()
		m.mu.Unlock()
	}
}

func (m *ProviderMetrics) push(o outcome) {
	m.mu.Lock()
	if len(m.window) >= m.windowSize {
		m.window = m.window[1:]
	}
	m.window = append(m.window, o)
	m.mu.Unlock()
}

func (m *ProviderMetrics) LastError() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// SuccessRate is computed over the rolling window.
func (m *ProviderMetrics) SuccessRate() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.window) == 0 {
		return 1.0
	}
	ok := 0
	for _, o := range m.window {
		if o.ok {
			ok++
		}
	}
	return float64(ok) / float64(len(m.window))
}

func (m *ProviderMetrics) AvgLatencyMs() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.window) == 0 {
		return 0
	}
	var total int64
	for _, o := range m.window {
		total += o.latencyMs
	}
	return float64(total) / float64(len(m.window))
}

func (m *ProviderMetrics) P95LatencyMs() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.window) == 0 {
		return 0
	}

	sorted := make([]int64, len(m.window))
	for i, o := range m.window {
		sorted[i] = o.latencyMs
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	p95Index := int(float64(len(sorted)) * 0.95)
	if p95Index >= len(sorted) {
		p95Index = len(sorted) - 1
	}
	return sorted[p95Index]
}

type ProviderState int32

const (
	StateHealthy ProviderState = iota
	StateDegraded
	StateUnhealthy
	StateCircuitOpen
)

func (s ProviderState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnhealthy:
		return "unhealthy"
	case StateCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// breaker tracks the availability of one provider.
type breaker struct {
	state            atomic.Int32
	circuitOpenUntil atomic.Int64
	lastHealthCheck  atomic.Int64
	metrics          *ProviderMetrics
	threshold        int64
	openPeriod       time.Duration
}

func newBreaker(windowSize int, threshold int64, openPeriod time.Duration) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openPeriod <= 0 {
		openPeriod = 30 * time.Second
	}
	return &breaker{
		metrics:    NewProviderMetrics(windowSize),
		threshold:  threshold,
		openPeriod: openPeriod,
	}
}

func (b *breaker) State() ProviderState {
	return ProviderState(b.state.Load())
}

func (b *breaker) setState(s ProviderState) {
	b.state.Store(int32(s))
}

// Allow reports whether a call may go out. An open circuit half-opens to
// DEGRADED once its period has elapsed.
func (b *breaker) Allow() bool {
	switch b.State() {
	case StateCircuitOpen:
		if time.Now().UnixNano() > b.circuitOpenUntil.Load() {
			b.state.CompareAndSwap(int32(StateCircuitOpen), int32(StateDegraded))
			return true
		}
		return false
	case StateUnhealthy:
		return false
	}
	return true
}

func (b *breaker) success(latency time.Duration) {
	b.metrics.RecordSuccess(latency.Milliseconds())
}

// failure records a failed call and opens the circuit once consecutive
// failures reach the threshold. It reports whether the circuit opened.
func (b *breaker) failure(latency time.Duration, err error) bool {
	b.metrics.RecordFailure(latency.Milliseconds(), err)
	if b.metrics.ConsecutiveFails.Load() < b.threshold || b.State() == StateCircuitOpen {
		return false
	}
	b.circuitOpenUntil.Store(time.Now().Add(b.openPeriod).UnixNano())
	b.setState(StateCircuitOpen)
	return true
}

// evaluate derives the state from the rolling window. An open circuit is left
// to expire on its own and only an active health check marks a provider unhealthy.
func (b *breaker) evaluate() (ProviderState, bool) {
	old := b.State()
	if old == StateCircuitOpen || old == StateUnhealthy {
		return old, false
	}

	rate := b.metrics.SuccessRate()
	latency := b.metrics.AvgLatencyMs()

	next := old
	switch {
	case rate < 0.8 || latency > 5000:
		next = StateDegraded
	case rate > 0.95 && latency < 2000:
		next = StateHealthy
	}
	if next == old {
		return old, false
	}
	b.setState(next)
	return next, true
}

// checked applies the result of an active health check.
func (b *breaker) checked(healthy bool) (ProviderState, bool) {
	b.lastHealthCheck.Store(time.Now().Unix())
	old := b.State()
	next := old
	if healthy {
		if old == StateUnhealthy || old == StateCircuitOpen {
			next = StateDegraded
		}
	} else if old != StateCircuitOpen {
		next = StateUnhealthy
	}
	if next == old {
		return old, false
	}
	b.setState(next)
	return next, true
}
