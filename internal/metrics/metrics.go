// Package metrics provides Prometheus metrics for the SOCKS5 proxy.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "socks5proxy"

// Metrics contains all Prometheus metrics exported by the proxy.
type Metrics struct {
	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	ConnectLatency    prometheus.Histogram

	// Data transfer metrics
	BytesTotal *prometheus.CounterVec

	// UDP relay metrics
	UDPAssociationsActive prometheus.Gauge
	UDPAssociationsTotal  prometheus.Counter
	UDPDatagramsTotal     *prometheus.CounterVec

	// DNS cache metrics
	DNSCacheHits   prometheus.Counter
	DNSCacheMisses prometheus.Counter
	DNSLookupErrors prometheus.Counter

	// Protocol metrics
	ReplyCodesTotal *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered
// against the default Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently active SOCKS5 connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of SOCKS5 connections accepted",
		}),
		ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_seconds",
			Help:      "Histogram of CONNECT request latency to the destination host",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		BytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total bytes relayed through TCP tunnels, by direction",
		}, []string{"direction"}),

		UDPAssociationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_associations_active",
			Help:      "Number of currently active UDP ASSOCIATE relays",
		}),
		UDPAssociationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_associations_total",
			Help:      "Total number of UDP ASSOCIATE relays created",
		}),
		UDPDatagramsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_total",
			Help:      "Total UDP datagrams relayed, by direction",
		}, []string{"direction"}),

		DNSCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_cache_hits_total",
			Help:      "Total DNS cache hits serving domain destinations",
		}),
		DNSCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_cache_misses_total",
			Help:      "Total DNS cache misses serving domain destinations",
		}),
		DNSLookupErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_lookup_errors_total",
			Help:      "Total DNS resolution failures",
		}),

		ReplyCodesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_codes_total",
			Help:      "Total SOCKS5 replies sent, by REP code",
		}, []string{"code"}),
	}

	return m
}

// RecordConnectionOpen records a newly accepted SOCKS5 connection.
func (m *Metrics) RecordConnectionOpen() {
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.Inc()
}

// RecordConnectionClose records a SOCKS5 connection tearing down.
func (m *Metrics) RecordConnectionClose() {
	m.ConnectionsActive.Dec()
}

// RecordConnectLatency records how long a CONNECT dial to the destination took.
func (m *Metrics) RecordConnectLatency(latencySeconds float64) {
	m.ConnectLatency.Observe(latencySeconds)
}

// RecordBytes adds n bytes to the counter for the given direction
// ("up" for client-to-remote, "down" for remote-to-client).
func (m *Metrics) RecordBytes(direction string, n int64) {
	if n <= 0 {
		return
	}
	m.BytesTotal.WithLabelValues(direction).Add(float64(n))
}

// RecordUDPAssociationOpen records a new UDP ASSOCIATE relay.
func (m *Metrics) RecordUDPAssociationOpen() {
	m.UDPAssociationsActive.Inc()
	m.UDPAssociationsTotal.Inc()
}

// RecordUDPAssociationClose records a UDP ASSOCIATE relay tearing down.
func (m *Metrics) RecordUDPAssociationClose() {
	m.UDPAssociationsActive.Dec()
}

// RecordUDPDatagram records a relayed UDP datagram in the given direction
// ("client_to_remote" or "remote_to_client").
func (m *Metrics) RecordUDPDatagram(direction string) {
	m.UDPDatagramsTotal.WithLabelValues(direction).Inc()
}

// RecordDNSCacheHit records a DNS cache hit.
func (m *Metrics) RecordDNSCacheHit() {
	m.DNSCacheHits.Inc()
}

// RecordDNSCacheMiss records a DNS cache miss that required a live lookup.
func (m *Metrics) RecordDNSCacheMiss() {
	m.DNSCacheMisses.Inc()
}

// RecordDNSLookupError records a failed DNS resolution.
func (m *Metrics) RecordDNSLookupError() {
	m.DNSLookupErrors.Inc()
}

// RecordReply records a SOCKS5 reply by its REP code.
func (m *Metrics) RecordReply(code byte) {
	m.ReplyCodesTotal.WithLabelValues(strconv.Itoa(int(code))).Inc()
}
