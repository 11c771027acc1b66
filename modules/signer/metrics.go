package signer

import (
	"sync"
	"time"
)

// Metrics tracks coordinator activity for observability
type Metrics struct {
	mu sync.RWMutex

	// Lifecycle metrics
	StartAttempts     int64 // Counter of Start calls
	CancelledAttempts int64 // Counter of attempts that unwound after being superseded
	StartFailures     int64 // Counter of attempts that failed outright
	Teardowns         int64 // Counter of completed teardowns

	// Correlation metrics
	Correlations          map[string]int64 // Counter of resolved terminal events per strategy
	AmbiguousCorrelations int64            // Counter of terminal events emitted without a request id
	StaleEvictions        int64            // Counter of pending requests dropped as stale
	DroppedEvents         int64            // Counter of malformed or unknown-peer transport events

	// Ping metrics
	PingLatency  []time.Duration // Histogram of successful ping latencies
	PingTimeouts int64           // Counter of pings without a response
}

func newMetrics() *Metrics {
	return &Metrics{Correlations: make(map[string]int64)}
}

func (m *Metrics) IncrementStartAttempt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StartAttempts++
}

func (m *Metrics) IncrementCancelledAttempt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelledAttempts++
}

func (m *Metrics) IncrementStartFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StartFailures++
}

func (m *Metrics) IncrementTeardown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Teardowns++
}

// RecordCorrelation counts one terminal event by how it was matched
func (m *Metrics) RecordCorrelation(how match) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if how == matchNone {
		m.AmbiguousCorrelations++
		return
	}
	m.Correlations[how.String()]++
}

func (m *Metrics) IncrementStaleEviction() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StaleEvictions++
}

func (m *Metrics) IncrementDroppedEvent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DroppedEvents++
}

func (m *Metrics) IncrementPingTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PingTimeouts++
}

// RecordPingLatency records a successful ping round trip
func (m *Metrics) RecordPingLatency(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PingLatency = append(m.PingLatency, latency)
	// Keep only last 100 entries
	if len(m.PingLatency) > 100 {
		m.PingLatency = m.PingLatency[len(m.PingLatency)-100:]
	}
}

// GetStats returns current metric statistics
func (m *Metrics) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var avgPing time.Duration
	if len(m.PingLatency) > 0 {
		var total time.Duration
		for _, l := range m.PingLatency {
			total += l
		}
		avgPing = total / time.Duration(len(m.PingLatency))
	}

	correlations := make(map[string]int64, len(m.Correlations))
	for k, v := range m.Correlations {
		correlations[k] = v
	}

	return map[string]interface{}{
		"start_attempts":         m.StartAttempts,
		"cancelled_attempts":     m.CancelledAttempts,
		"start_failures":         m.StartFailures,
		"teardowns":              m.Teardowns,
		"correlations":           correlations,
		"ambiguous_correlations": m.AmbiguousCorrelations,
		"stale_evictions":        m.StaleEvictions,
		"dropped_events":         m.DroppedEvents,
		"ping_timeouts":          m.PingTimeouts,
		"avg_ping_latency_ms":    avgPing.Milliseconds(),
	}
}
