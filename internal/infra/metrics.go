package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	quotesReceived  atomic.Uint64
	framesSent      atomic.Uint64
	seqlockRetries  atomic.Uint64
	seqlockSkips    atomic.Uint64
	sessionRestarts atomic.Uint64
	errorsTotal     atomic.Uint64

	// Hot path latency tracking
	depthLatencySumNs atomic.Int64
	depthLatencyCount atomic.Uint64

	// Gauges
	activeClients  atomic.Int32
	activeSessions atomic.Int32
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordQuote records one depth callback with its processing latency.
func (m *Metrics) RecordQuote(latencyNs int64) {
	m.quotesReceived.Add(1)
	m.depthLatencySumNs.Add(latencyNs)
	m.depthLatencyCount.Add(1)
}

// QuoteCount returns the number of quotes processed so far.
func (m *Metrics) QuoteCount() uint64 {
	return m.quotesReceived.Load()
}

// AvgDepthLatencyNs returns the running average depth handler cost.
func (m *Metrics) AvgDepthLatencyNs() int64 {
	count := m.depthLatencyCount.Load()
	if count == 0 {
		return 0
	}
	return m.depthLatencySumNs.Load() / int64(count)
}

// RecordFrameSent records one downstream frame delivery.
func (m *Metrics) RecordFrameSent() {
	m.framesSent.Add(1)
}

// RecordSeqlockRetry records a retried seqlock read attempt.
func (m *Metrics) RecordSeqlockRetry() {
	m.seqlockRetries.Add(1)
}

// RecordSeqlockSkip records a read that exhausted its retry budget.
func (m *Metrics) RecordSeqlockSkip() {
	m.seqlockSkips.Add(1)
}

// RecordSessionRestart records an upstream session restart attempt.
func (m *Metrics) RecordSessionRestart() {
	m.sessionRestarts.Add(1)
}

// RecordError records an error occurrence.
func (m *Metrics) RecordError() {
	m.errorsTotal.Add(1)
}

// IncrementClients increments active downstream clients by 1.
func (m *Metrics) IncrementClients() {
	m.activeClients.Add(1)
}

// DecrementClients decrements active downstream clients by 1.
func (m *Metrics) DecrementClients() {
	m.activeClients.Add(-1)
}

// SetActiveSessions sets the current logged-in upstream session count.
func (m *Metrics) SetActiveSessions(count int32) {
	m.activeSessions.Store(count)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	QuotesReceived  uint64
	FramesSent      uint64
	SeqlockRetries  uint64
	SeqlockSkips    uint64
	SessionRestarts uint64
	ErrorsTotal     uint64
	AvgDepthNs      int64
	ActiveClients   int32
	ActiveSessions  int32
	Timestamp       time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		QuotesReceived:  m.quotesReceived.Load(),
		FramesSent:      m.framesSent.Load(),
		SeqlockRetries:  m.seqlockRetries.Load(),
		SeqlockSkips:    m.seqlockSkips.Load(),
		SessionRestarts: m.sessionRestarts.Load(),
		ErrorsTotal:     m.errorsTotal.Load(),
		AvgDepthNs:      m.AvgDepthLatencyNs(),
		ActiveClients:   m.activeClients.Load(),
		ActiveSessions:  m.activeSessions.Load(),
		Timestamp:       time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.quotesReceived.Store(0)
	m.framesSent.Store(0)
	m.seqlockRetries.Store(0)
	m.seqlockSkips.Store(0)
	m.sessionRestarts.Store(0)
	m.errorsTotal.Store(0)
	m.depthLatencySumNs.Store(0)
	m.depthLatencyCount.Store(0)
	m.activeClients.Store(0)
	m.activeSessions.Store(0)
}
