package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sievebridge_connections_total",
			Help: "Total number of connections established",
		},
		[]string{"protocol"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sievebridge_connections_current",
			Help: "Current number of active connections",
		},
		[]string{"protocol"},
	)

	TLSHandshakeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sievebridge_tls_handshake_failures_total",
			Help: "Total number of failed TLS handshakes on the HTTPS listener",
		},
		[]string{"reason"}, // timeout, alert, other
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sievebridge_http_requests_total",
			Help: "Total number of HTTP requests by handler and status code",
		},
		[]string{"handler", "code"},
	)
)

// Bridge metrics
var (
	BridgesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sievebridge_bridges_total",
			Help: "Total number of bridge attempts by authorization mode and result",
		},
		[]string{"auth_type", "result"},
	)

	BridgesCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sievebridge_bridges_current",
			Help: "Current number of active WebSocket to ManageSieve bridges",
		},
	)

	BridgeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sievebridge_bridge_duration_seconds",
			Help:    "Lifetime of bridges in seconds",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600},
		},
	)

	BackendConnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sievebridge_backend_connections_total",
			Help: "Total number of ManageSieve backend connection attempts",
		},
		[]string{"result"},
	)

	BytesThroughput = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sievebridge_bytes_total",
			Help: "Bytes pumped through bridges",
		},
		[]string{"direction"}, // to_backend, to_client
	)

	ProtocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sievebridge_protocol_errors_total",
			Help: "Total number of protocol errors by component",
		},
		[]string{"component", "kind"},
	)

	TimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sievebridge_timeouts_total",
			Help: "Total number of connections closed by a timeout",
		},
		[]string{"reason"}, // idle, tls_handshake
	)
)
