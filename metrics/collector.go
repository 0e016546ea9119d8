package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hemolab/hemo-go/broker"
	"github.com/hemolab/hemo-go/stream"
)

var (
	_ broker.StatsRecorder = (*Collector)(nil)
	_ stream.StatsRecorder = (*Collector)(nil)
)

const namespace = "hemo"

// Collector records broker and stream events as Prometheus metrics. All
// series carry a "name" label holding the topic (broker side) or the
// stream name (stream side).
type Collector struct {
	published    *prometheus.CounterVec
	delivered    *prometheus.CounterVec
	retried      *prometheus.CounterVec
	deadLettered *prometheus.CounterVec
	expired      *prometheus.CounterVec

	sent         *prometheus.CounterVec
	received     *prometheus.CounterVec
	acknowledged *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	errors       *prometheus.CounterVec
	bufferSize   *prometheus.GaugeVec
}

// NewCollector builds a Collector and registers its metrics with reg.
// Pass prometheus.DefaultRegisterer to publish on the default registry.
// Registration panics on a duplicate, matching MustRegister semantics.
func NewCollector(reg prometheus.Registerer) *Collector {
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, []string{"name"})
	}

	c := &Collector{
		published:    counter("broker_published_total", "Cells published to the broker."),
		delivered:    counter("delivered_total", "Cells delivered to handlers."),
		retried:      counter("broker_retried_total", "Delivery retries scheduled by the broker."),
		deadLettered: counter("dead_lettered_total", "Cells moved to the dead letter queue."),
		expired:      counter("broker_expired_total", "Cells discarded because their TTL elapsed."),
		sent:         counter("stream_sent_total", "Cells accepted by an outbound stream."),
		received:     counter("stream_received_total", "Cells accepted by an inbound stream."),
		acknowledged: counter("stream_acknowledged_total", "Cells acknowledged by consumers."),
		dropped:      counter("stream_dropped_total", "Cells refused or filtered out by a stream."),
		errors:       counter("stream_errors_total", "Pipeline stage and handler errors."),
		bufferSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_buffer_size",
			Help:      "Current number of cells buffered in a stream.",
		}, []string{"name"}),
	}

	reg.MustRegister(
		c.published, c.delivered, c.retried, c.deadLettered, c.expired,
		c.sent, c.received, c.acknowledged, c.dropped, c.errors,
		c.bufferSize,
	)
	return c
}

// RecordPublished implements broker.StatsRecorder.
func (c *Collector) RecordPublished(topic string) {
	c.published.WithLabelValues(topic).Inc()
}

// RecordDelivered implements broker.StatsRecorder and stream.StatsRecorder.
func (c *Collector) RecordDelivered(name string) {
	c.delivered.WithLabelValues(name).Inc()
}

// RecordRetried implements broker.StatsRecorder.
func (c *Collector) RecordRetried(topic string) {
	c.retried.WithLabelValues(topic).Inc()
}

// RecordDeadLettered implements broker.StatsRecorder.
func (c *Collector) RecordDeadLettered(topic string) {
	c.deadLettered.WithLabelValues(topic).Inc()
}

// RecordExpired implements broker.StatsRecorder.
func (c *Collector) RecordExpired(topic string) {
	c.expired.WithLabelValues(topic).Inc()
}

// RecordSent implements stream.StatsRecorder.
func (c *Collector) RecordSent(stream string) {
	c.sent.WithLabelValues(stream).Inc()
}

// RecordReceived implements stream.StatsRecorder.
func (c *Collector) RecordReceived(stream string) {
	c.received.WithLabelValues(stream).Inc()
}

// RecordAcknowledged implements stream.StatsRecorder.
func (c *Collector) RecordAcknowledged(stream string) {
	c.acknowledged.WithLabelValues(stream).Inc()
}

// RecordDropped implements stream.StatsRecorder.
func (c *Collector) RecordDropped(stream string) {
	c.dropped.WithLabelValues(stream).Inc()
}

// RecordError implements stream.StatsRecorder.
func (c *Collector) RecordError(stream string) {
	c.errors.WithLabelValues(stream).Inc()
}

// RecordBufferSize implements stream.StatsRecorder.
func (c *Collector) RecordBufferSize(stream string, size int) {
	c.bufferSize.WithLabelValues(stream).Set(float64(size))
}
