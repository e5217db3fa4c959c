// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "udprelay"
)

// Metrics contains all Prometheus metrics for the relay.
type Metrics struct {
	// Association lifecycle
	AssociationsActive prometheus.Gauge
	AssociationsTotal  prometheus.Counter
	AssociationsReaped prometheus.Counter
	AssociationErrors  *prometheus.CounterVec

	// Datagram relay
	DatagramsRelayed *prometheus.CounterVec // direction: client_to_target, target_to_client
	BytesRelayed     *prometheus.CounterVec
	DatagramsDropped *prometheus.CounterVec // reason: decode, fragment, resolve, spoof, send, closed

	// Resolution
	DNSQueries prometheus.Counter
	DNSLatency prometheus.Histogram

	// SOCKS5 front end
	SOCKS5Connections      prometheus.Gauge
	SOCKS5ConnectionsTotal prometheus.Counter
	SOCKS5AuthFailures     prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance registered with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		AssociationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "associations_active",
			Help:      "Number of currently active UDP associations",
		}),
		AssociationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "associations_total",
			Help:      "Total UDP associations created",
		}),
		AssociationsReaped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "associations_reaped_total",
			Help:      "Total associations removed by the idle reaper",
		}),
		AssociationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "association_errors_total",
			Help:      "Total association setup failures by type",
		}, []string{"error_type"}),

		DatagramsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_relayed_total",
			Help:      "Total datagrams relayed by direction",
		}, []string{"direction"}),
		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Total payload bytes relayed by direction",
		}, []string{"direction"}),
		DatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Total datagrams dropped by reason",
		}, []string{"reason"}),

		DNSQueries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_queries_total",
			Help:      "Total DNS queries performed for datagram destinations",
		}),
		DNSLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dns_latency_seconds",
			Help:      "Histogram of DNS query latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),

		SOCKS5Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "socks5_connections_active",
			Help:      "Number of active SOCKS5 control connections",
		}),
		SOCKS5ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_connections_total",
			Help:      "Total SOCKS5 control connections",
		}),
		SOCKS5AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_auth_failures_total",
			Help:      "Total SOCKS5 authentication failures",
		}),
	}
}

// Relay directions.
const (
	DirClientToTarget = "client_to_target"
	DirTargetToClient = "target_to_client"
)

// Drop reasons.
const (
	DropDecode   = "decode"
	DropFragment = "fragment"
	DropResolve  = "resolve"
	DropSpoof    = "spoof"
	DropSend     = "send"
	DropClosed   = "closed"
)

// RecordAssociationOpen records a new association.
func (m *Metrics) RecordAssociationOpen() {
	m.AssociationsActive.Inc()
	m.AssociationsTotal.Inc()
}

// RecordAssociationClose records an association closing.
func (m *Metrics) RecordAssociationClose() {
	m.AssociationsActive.Dec()
}

// RecordAssociationReaped records an idle association removal.
func (m *Metrics) RecordAssociationReaped() {
	m.AssociationsReaped.Inc()
}

// RecordAssociationError records an association setup failure.
func (m *Metrics) RecordAssociationError(errorType string) {
	m.AssociationErrors.WithLabelValues(errorType).Inc()
}

// RecordDatagram records a relayed datagram and its payload size.
func (m *Metrics) RecordDatagram(direction string, bytes int) {
	m.DatagramsRelayed.WithLabelValues(direction).Inc()
	m.BytesRelayed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordDrop records a dropped datagram.
func (m *Metrics) RecordDrop(reason string) {
	m.DatagramsDropped.WithLabelValues(reason).Inc()
}

// RecordDNS records a DNS query with its latency.
func (m *Metrics) RecordDNS(latencySeconds float64) {
	m.DNSQueries.Inc()
	m.DNSLatency.Observe(latencySeconds)
}

// RecordSOCKS5Connect records a SOCKS5 connection.
func (m *Metrics) RecordSOCKS5Connect() {
	m.SOCKS5Connections.Inc()
	m.SOCKS5ConnectionsTotal.Inc()
}

// RecordSOCKS5Disconnect records a SOCKS5 disconnection.
func (m *Metrics) RecordSOCKS5Disconnect() {
	m.SOCKS5Connections.Dec()
}

// RecordSOCKS5AuthFailure records a SOCKS5 auth failure.
func (m *Metrics) RecordSOCKS5AuthFailure() {
	m.SOCKS5AuthFailures.Inc()
}
