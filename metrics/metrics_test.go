package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetrics_Init(t *testing.T) {
	// Init should not panic when called multiple times
	Init()
	Init()
}

func TestMetrics_Handler(t *testing.T) {
	Init()

	// Vec metrics appear in the output only once a label combination
	// exists, so create one child of each before scraping.
	ConnectionsTotal.WithLabelValues("postgres")
	BackendAcquireLatency.WithLabelValues("replica")
	CompileCacheHits.WithLabelValues("hit")
	AuthAttemptsTotal.WithLabelValues("jwt", "failure")
	CapabilityRejectionsTotal.WithLabelValues("http")

	// Create a test request to /metrics
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	body := w.Body.String()

	// Check that our custom metrics are registered
	expectedMetrics := []string{
		"dbfrontend_connections_total",
		"dbfrontend_backend_acquire_latency_seconds",
		"dbfrontend_compile_cache_total",
		"dbfrontend_auth_attempts_total",
		"dbfrontend_capability_rejections_total",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(body, metric) {
			t.Errorf("Expected metric %q not found in response", metric)
		}
	}
}

func TestMetrics_Increment(t *testing.T) {
	Init()

	// Test incrementing counters
	ConnectionsTotal.WithLabelValues("binary").Inc()
	AuthAttemptsTotal.WithLabelValues("scram", "success").Inc()
	CompileCacheHits.WithLabelValues("hit").Inc()
	CompileCacheHits.WithLabelValues("miss").Inc()
	CapabilityRejectionsTotal.WithLabelValues("binary").Inc()

	// Test observing histogram
	BackendAcquireLatency.WithLabelValues("primary").Observe(0.001)

	// Verify by checking /metrics output
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, `protocol="binary"`) {
		t.Error("Expected label protocol=binary in output")
	}
}
