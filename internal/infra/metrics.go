package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight hub observability.
// Uses atomic operations for thread-safety; exported to Prometheus by Collector.
type Metrics struct {
	// Ingestion
	messagesIngested  atomic.Uint64
	messagesTruncated atomic.Uint64

	// Consumption
	updatesDelivered  atomic.Uint64
	malformedMessages atomic.Uint64
	overflowEvents    atomic.Uint64
	messagesDropped   atomic.Uint64

	// Fan-out
	payloadsPublished atomic.Uint64
	publishFailures   atomic.Uint64

	// Gauges
	activeSubscribers atomic.Int64
	activeProducers   atomic.Int64
}

// GlobalMetrics is the process-wide metrics instance used when none is injected.
var GlobalMetrics = &Metrics{}

// RecordIngested records one framed message written into a feed buffer.
func (m *Metrics) RecordIngested(truncated bool) {
	m.messagesIngested.Add(1)
	if truncated {
		m.messagesTruncated.Add(1)
	}
}

// RecordUpdate records one slot handed to a transform.
func (m *Metrics) RecordUpdate() {
	m.updatesDelivered.Add(1)
}

// RecordMalformed records a frame a transform rejected.
func (m *Metrics) RecordMalformed() {
	m.malformedMessages.Add(1)
}

// RecordOverflow records a drop-oldest jump that skipped dropped messages.
func (m *Metrics) RecordOverflow(dropped uint64) {
	m.overflowEvents.Add(1)
	m.messagesDropped.Add(dropped)
}

// RecordDropped records messages lost without an overflow jump (lapped slot reads).
func (m *Metrics) RecordDropped(n uint64) {
	m.messagesDropped.Add(n)
}

// RecordPublish records one payload written to one subscriber.
func (m *Metrics) RecordPublish() {
	m.payloadsPublished.Add(1)
}

// RecordPublishFailure records a failed subscriber write.
func (m *Metrics) RecordPublishFailure() {
	m.publishFailures.Add(1)
}

// IncrementSubscribers increments active subscribers by 1.
func (m *Metrics) IncrementSubscribers() {
	m.activeSubscribers.Add(1)
}

// DecrementSubscribers decrements active subscribers by 1.
func (m *Metrics) DecrementSubscribers() {
	m.activeSubscribers.Add(-1)
}

// IncrementProducers increments active producers by 1.
func (m *Metrics) IncrementProducers() {
	m.activeProducers.Add(1)
}

// DecrementProducers decrements active producers by 1.
func (m *Metrics) DecrementProducers() {
	m.activeProducers.Add(-1)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	MessagesIngested  uint64    `json:"messages_ingested"`
	MessagesTruncated uint64    `json:"messages_truncated"`
	UpdatesDelivered  uint64    `json:"updates_delivered"`
	MalformedMessages uint64    `json:"malformed_messages"`
	OverflowEvents    uint64    `json:"overflow_events"`
	MessagesDropped   uint64    `json:"messages_dropped"`
	PayloadsPublished uint64    `json:"payloads_published"`
	PublishFailures   uint64    `json:"publish_failures"`
	ActiveSubscribers int64     `json:"active_subscribers"`
	ActiveProducers   int64     `json:"active_producers"`
	Timestamp         time.Time `json:"timestamp"`
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		MessagesIngested:  m.messagesIngested.Load(),
		MessagesTruncated: m.messagesTruncated.Load(),
		UpdatesDelivered:  m.updatesDelivered.Load(),
		MalformedMessages: m.malformedMessages.Load(),
		OverflowEvents:    m.overflowEvents.Load(),
		MessagesDropped:   m.messagesDropped.Load(),
		PayloadsPublished: m.payloadsPublished.Load(),
		PublishFailures:   m.publishFailures.Load(),
		ActiveSubscribers: m.activeSubscribers.Load(),
		ActiveProducers:   m.activeProducers.Load(),
		Timestamp:         time.Now(),
	}
}

// Reset clears all metrics. Tests use it to isolate counters.
func (m *Metrics) Reset() {
	m.messagesIngested.Store(0)
	m.messagesTruncated.Store(0)
	m.updatesDelivered.Store(0)
	m.malformedMessages.Store(0)
	m.overflowEvents.Store(0)
	m.messagesDropped.Store(0)
	m.payloadsPublished.Store(0)
	m.publishFailures.Store(0)
	m.activeSubscribers.Store(0)
	m.activeProducers.Store(0)
}
