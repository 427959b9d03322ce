// Package metrics exports the activity of fake socket registries and bridge
// sessions to prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stealthrocket/fakesock/internal/fakesock"
)

const namespace = "fakesock"

// Source is implemented by *fakesock.Registry.
type Source interface {
	Stats() fakesock.Stats
}

// Collector is a prometheus.Collector reporting the statistics of a
// registry each time it is scraped.
type Collector struct {
	source Source

	slots        *prometheus.Desc
	open         *prometheus.Desc
	listening    *prometheus.Desc
	pending      *prometheus.Desc
	created      *prometheus.Desc
	handshakes   *prometheus.Desc
	bytesRead    *prometheus.Desc
	bytesWritten *prometheus.Desc
	errors       *prometheus.Desc
}

func NewCollector(source Source) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "registry", name), help, labels, nil)
	}
	return &Collector{
		source:       source,
		slots:        desc("slots", "Number of slots allocated in the registry."),
		open:         desc("open_descriptors", "Number of open socket descriptors."),
		listening:    desc("listening_sockets", "Number of sockets accepting connections."),
		pending:      desc("pending_connections", "Number of connections waiting to be accepted."),
		created:      desc("descriptors_created_total", "Total number of socket descriptors created."),
		handshakes:   desc("handshakes_total", "Total number of connections accepted."),
		bytesRead:    desc("read_bytes_total", "Total number of bytes read from sockets."),
		bytesWritten: desc("written_bytes_total", "Total number of bytes written to sockets."),
		errors:       desc("errors_total", "Total number of failed operations by errno.", "errno"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.slots
	ch <- c.open
	ch <- c.listening
	ch <- c.pending
	ch <- c.created
	ch <- c.handshakes
	ch <- c.bytesRead
	ch <- c.bytesWritten
	ch <- c.errors
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()

	gauge := func(desc *prometheus.Desc, value int) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(value))
	}
	counter := func(desc *prometheus.Desc, value uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(value), labels...)
	}

	gauge(c.slots, stats.Slots)
	gauge(c.open, stats.Open)
	gauge(c.listening, stats.Listening)
	gauge(c.pending, stats.Pending)
	counter(c.created, stats.Created)
	counter(c.handshakes, stats.Handshakes)
	counter(c.bytesRead, stats.BytesRead)
	counter(c.bytesWritten, stats.BytesWritten)
	for errno, count := range stats.Errors {
		counter(c.errors, count, errno)
	}
}

// Sessions tracks the messages exchanged over bridge sessions.
type Sessions struct {
	opened     prometheus.Counter
	active     prometheus.Gauge
	messages   *prometheus.CounterVec
	compressed prometheus.Counter
	roundTrip  prometheus.Histogram
}

// NewSessions creates the session metrics and registers them with reg.
func NewSessions(reg prometheus.Registerer) *Sessions {
	factory := promauto.With(reg)
	return &Sessions{
		opened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "sessions_total",
			Help:      "Total number of bridge sessions opened.",
		}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "sessions_active",
			Help:      "Number of bridge sessions currently open.",
		}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "messages_total",
			Help:      "Total number of messages exchanged by direction and kind.",
		}, []string{"direction", "kind"}),
		compressed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "compressed_messages_total",
			Help:      "Total number of messages sent with a compressed payload.",
		}),
		roundTrip: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "round_trip_seconds",
			Help:      "Time between sending a message and receiving its reply.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}),
	}
}

func (m *Sessions) Opened() {
	if m != nil {
		m.opened.Inc()
		m.active.Inc()
	}
}

func (m *Sessions) Closed() {
	if m != nil {
		m.active.Dec()
	}
}

func (m *Sessions) Sent(kind string, compressed bool) {
	if m != nil {
		m.messages.WithLabelValues("sent", kind).Inc()
		if compressed {
			m.compressed.Inc()
		}
	}
}

func (m *Sessions) Received(kind string) {
	if m != nil {
		m.messages.WithLabelValues("received", kind).Inc()
	}
}

func (m *Sessions) RoundTrip(d time.Duration) {
	if m != nil {
		m.roundTrip.Observe(d.Seconds())
	}
}
