package infra

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "markethub"

// Collector exposes a Metrics instance to Prometheus.
// Values are read from a single Snapshot per scrape.
type Collector struct {
	metrics *Metrics

	ingested    *prometheus.Desc
	truncated   *prometheus.Desc
	updates     *prometheus.Desc
	malformed   *prometheus.Desc
	overflows   *prometheus.Desc
	dropped     *prometheus.Desc
	published   *prometheus.Desc
	failures    *prometheus.Desc
	subscribers *prometheus.Desc
	producers   *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector bound to m.
func NewCollector(m *Metrics) *Collector {
	desc := func(subsystem, name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, subsystem, name), help, nil, nil)
	}
	return &Collector{
		metrics:     m,
		ingested:    desc("feed", "messages_ingested_total", "Framed messages written into feed buffers"),
		truncated:   desc("feed", "messages_truncated_total", "Messages truncated to slot capacity"),
		updates:     desc("consumer", "updates_total", "Slots handed to feature transforms"),
		malformed:   desc("consumer", "malformed_total", "Messages rejected by feature transforms"),
		overflows:   desc("consumer", "overflows_total", "Drop-oldest jumps by lagging consumer groups"),
		dropped:     desc("consumer", "dropped_total", "Messages skipped because a consumer fell behind"),
		published:   desc("publisher", "payloads_total", "Payloads written to subscribers"),
		failures:    desc("publisher", "failures_total", "Subscriber writes that failed"),
		subscribers: desc("publisher", "subscribers", "Connected subscribers"),
		producers:   desc("feed", "producers", "Connected producers"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.ingested
	ch <- c.truncated
	ch <- c.updates
	ch <- c.malformed
	ch <- c.overflows
	ch <- c.dropped
	ch <- c.published
	ch <- c.failures
	ch <- c.subscribers
	ch <- c.producers
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.metrics.Snapshot()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}
	counter(c.ingested, s.MessagesIngested)
	counter(c.truncated, s.MessagesTruncated)
	counter(c.updates, s.UpdatesDelivered)
	counter(c.malformed, s.MalformedMessages)
	counter(c.overflows, s.OverflowEvents)
	counter(c.dropped, s.MessagesDropped)
	counter(c.published, s.PayloadsPublished)
	counter(c.failures, s.PublishFailures)
	gauge(c.subscribers, s.ActiveSubscribers)
	gauge(c.producers, s.ActiveProducers)
}
