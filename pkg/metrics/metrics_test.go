package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConnectionMetrics(t *testing.T) {
	ConnectionsTotal.Reset()
	ConnectionsCurrent.Reset()

	ConnectionsTotal.WithLabelValues("https").Inc()
	ConnectionsTotal.WithLabelValues("https").Inc()
	ConnectionsCurrent.WithLabelValues("websocket").Inc()
	ConnectionsCurrent.WithLabelValues("websocket").Dec()

	if got := testutil.ToFloat64(ConnectionsTotal.WithLabelValues("https")); got != 2 {
		t.Errorf("Expected 2 https connections, got %v", got)
	}
	if got := testutil.ToFloat64(ConnectionsCurrent.WithLabelValues("websocket")); got != 0 {
		t.Errorf("Expected 0 current websocket connections, got %v", got)
	}
}

func TestBridgeMetrics(t *testing.T) {
	BridgesTotal.Reset()
	BytesThroughput.Reset()

	tests := []struct {
		name     string
		authType string
		result   string
		count    int
	}{
		{"client_success", "client", "success", 3},
		{"token_backend_failure", "token", "backend_error", 1},
		{"authorization_auth_failure", "authorization", "auth_failed", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.count; i++ {
				BridgesTotal.WithLabelValues(tt.authType, tt.result).Inc()
			}
			if got := testutil.ToFloat64(BridgesTotal.WithLabelValues(tt.authType, tt.result)); got != float64(tt.count) {
				t.Errorf("Expected %d, got %v", tt.count, got)
			}
		})
	}

	BytesThroughput.WithLabelValues("to_backend").Add(128)
	if got := testutil.ToFloat64(BytesThroughput.WithLabelValues("to_backend")); got != 128 {
		t.Errorf("Expected 128 bytes, got %v", got)
	}
}
