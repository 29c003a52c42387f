// Package metrics owns the prometheus registry and every instrument the
// broker exports. Components receive a typed metrics struct instead of
// touching prometheus directly, which keeps metric names in one file and
// makes tests trivially isolated (each test gets its own registry).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "takhin"

// BrokerMetrics is the instrument set for the broker core.
type BrokerMetrics struct {
	registry *prometheus.Registry

	topics         prometheus.Gauge
	partitions     prometheus.Gauge
	producedTotal  *prometheus.CounterVec
	producedBytes  *prometheus.CounterVec
	dedupTotal     *prometheus.CounterVec
	fetchedTotal   *prometheus.CounterVec
	appendLatency  *prometheus.HistogramVec
	requestsTotal  *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
}

// NewBrokerMetrics builds and registers the broker instruments. A nil
// registry gets a private one, which is what tests use.
func NewBrokerMetrics(reg *prometheus.Registry) *BrokerMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &BrokerMetrics{
		registry: reg,
		topics: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "topics",
			Help:      "Number of topics on the broker.",
		}),
		partitions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "partitions",
			Help:      "Number of partitions across all topics.",
		}),
		producedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_produced_total",
			Help:      "Records appended, by topic.",
		}, []string{"topic"}),
		producedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_produced_total",
			Help:      "Record value bytes appended, by topic.",
		}, []string{"topic"}),
		dedupTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "produce_deduplicated_total",
			Help:      "Idempotent retries answered from the dedup window, by topic.",
		}, []string{"topic"}),
		fetchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_fetched_total",
			Help:      "Records served to fetches, by topic.",
		}, []string{"topic"}),
		appendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "append_latency_seconds",
			Help:      "Log append latency, by topic.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "REST requests, by method, route and status class.",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "REST request latency, by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	reg.MustRegister(
		m.topics, m.partitions,
		m.producedTotal, m.producedBytes, m.dedupTotal, m.fetchedTotal,
		m.appendLatency, m.requestsTotal, m.requestLatency,
	)
	return m
}

// Handler serves the /metrics exposition for this registry.
func (m *BrokerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TopicCreated bumps topic/partition gauges on create.
func (m *BrokerMetrics) TopicCreated(topic string, partitions int) {
	m.topics.Inc()
	m.partitions.Add(float64(partitions))
}

// TopicLoaded mirrors TopicCreated for topics recovered at startup.
func (m *BrokerMetrics) TopicLoaded(topic string, partitions int) {
	m.TopicCreated(topic, partitions)
}

// TopicDeleted reverses TopicCreated.
func (m *BrokerMetrics) TopicDeleted(topic string, partitions int) {
	m.topics.Dec()
	m.partitions.Sub(float64(partitions))
}

// MessageProduced records one successful append.
func (m *BrokerMetrics) MessageProduced(topic string, valueBytes int, latency time.Duration) {
	m.producedTotal.WithLabelValues(topic).Inc()
	m.producedBytes.WithLabelValues(topic).Add(float64(valueBytes))
	m.appendLatency.WithLabelValues(topic).Observe(latency.Seconds())
}

// ProduceDeduplicated records an idempotent retry short-circuit.
func (m *BrokerMetrics) ProduceDeduplicated(topic string) {
	m.dedupTotal.WithLabelValues(topic).Inc()
}

// MessagesFetched records records served by a fetch.
func (m *BrokerMetrics) MessagesFetched(topic string, count int) {
	if count > 0 {
		m.fetchedTotal.WithLabelValues(topic).Add(float64(count))
	}
}

// HTTPRequest records one REST request.
func (m *BrokerMetrics) HTTPRequest(method, route string, status int, latency time.Duration) {
	class := "2xx"
	switch {
	case status >= 500:
		class = "5xx"
	case status >= 400:
		class = "4xx"
	case status >= 300:
		class = "3xx"
	}
	m.requestsTotal.WithLabelValues(method, route, class).Inc()
	m.requestLatency.WithLabelValues(route).Observe(latency.Seconds())
}
