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

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	body := w.Body.String()

	expectedMetrics := []string{
		"cqlproxy_queries_total",
		"cqlproxy_query_duration_seconds",
		"cqlproxy_prepared_cache_size",
		"cqlproxy_result_cache_hits_total",
		"cqlproxy_result_cache_misses_total",
		"cqlproxy_use_keyspace_pending",
		"cqlproxy_batch_flush_size",
		"cqlproxy_active_clients",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(body, metric) {
			t.Errorf("Expected metric %q not found in response", metric)
		}
	}
}

func TestMetrics_Increment(t *testing.T) {
	Init()

	QueriesTotal.WithLabelValues("intercepted").Inc()
	QueriesTotal.WithLabelValues("forwarded").Inc()
	QueryDuration.WithLabelValues("intercepted").Observe(0.001)
	PreparedCacheSize.Set(3)
	ResultCacheHits.Inc()
	ResultCacheMisses.Inc()
	UseKeyspacePending.Set(1)
	BatchFlushSize.Observe(4)
	ActiveClients.Set(2)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, `outcome="intercepted"`) {
		t.Error("Expected label outcome=intercepted in output")
	}
	if !strings.Contains(body, `outcome="forwarded"`) {
		t.Error("Expected label outcome=forwarded in output")
	}
}
