// Package metrics provides Prometheus metrics for auxrelay.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "auxrelay"
)

// Metrics contains all Prometheus metrics for the relay client.
type Metrics struct {
	// Relay metrics
	TunnelsActive         prometheus.Gauge
	TunnelsOpened         prometheus.Counter
	UpstreamConnectErrors prometheus.Counter
	BytesForwarded        *prometheus.CounterVec
	ForwardErrors         *prometheus.CounterVec

	// Refresh metrics
	RefreshAttempts prometheus.Counter
	RefreshFailures *prometheus.CounterVec
	RefreshDuration prometheus.Histogram

	// Chain parameter metrics
	ParamsAvailable prometheus.Gauge
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

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TunnelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tunnels_active",
			Help:      "Number of currently paired relay tunnels",
		}),
		TunnelsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnels_opened_total",
			Help:      "Total number of relay tunnels opened",
		}),
		UpstreamConnectErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_connect_errors_total",
			Help:      "Total upstream connection failures",
		}),
		BytesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_forwarded_total",
			Help:      "Total bytes forwarded by direction",
		}, []string{"direction"}),
		ForwardErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_errors_total",
			Help:      "Total forwarding errors by reason",
		}, []string{"reason"}),

		RefreshAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_attempts_total",
			Help:      "Total chain parameter refresh attempts",
		}),
		RefreshFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_failures_total",
			Help:      "Total chain parameter refresh failures by reason",
		}, []string{"reason"}),
		RefreshDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Histogram of chain parameter refresh duration in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),

		ParamsAvailable: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "params_available",
			Help:      "Whether valid auxiliary chain parameters are cached (0 or 1)",
		}),
	}
}

// RecordTunnelOpen records a newly paired tunnel.
func (m *Metrics) RecordTunnelOpen() {
	m.TunnelsActive.Inc()
	m.TunnelsOpened.Inc()
}

// RecordTunnelClose records a torn-down tunnel.
func (m *Metrics) RecordTunnelClose() {
	m.TunnelsActive.Dec()
}

// RecordForward records forwarded bytes in the given direction.
func (m *Metrics) RecordForward(direction string, n int) {
	m.BytesForwarded.WithLabelValues(direction).Add(float64(n))
}

// RecordForwardError records a forwarding failure.
func (m *Metrics) RecordForwardError(reason string) {
	m.ForwardErrors.WithLabelValues(reason).Inc()
}

// RecordRefresh records one refresh attempt and its duration.
func (m *Metrics) RecordRefresh(seconds float64) {
	m.RefreshAttempts.Inc()
	m.RefreshDuration.Observe(seconds)
}

// RecordRefreshFailure records a failed refresh by reason.
func (m *Metrics) RecordRefreshFailure(reason string) {
	m.RefreshFailures.WithLabelValues(reason).Inc()
}

// SetParamsAvailable flips the availability gauge.
func (m *Metrics) SetParamsAvailable(available bool) {
	if available {
		m.ParamsAvailable.Set(1)
	} else {
		m.ParamsAvailable.Set(0)
	}
}

// Direction labels for BytesForwarded.
const (
	DirectionToNode   = "to_node"
	DirectionToClient = "to_client"
)

// Reason labels for ForwardErrors and RefreshFailures.
const (
	ReasonNotPaired   = "not_paired"
	ReasonOversized   = "oversized"
	ReasonWriteFailed = "write_failed"
	ReasonRPC         = "rpc"
	ReasonInvalidID   = "invalid_id"
)
