package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveActivity("Follow", "committed")
	m.ObserveActivity("Follow", "committed")
	m.ObserveFetch("timeout", 2*time.Second)
	m.ObserveDelivery("ok")
	m.IncNotifications()

	if got := testutil.ToFloat64(m.Activities.WithLabelValues("Follow", "committed")); got != 2 {
		t.Errorf("Expected 2 committed follows, got %v", got)
	}
	if got := testutil.ToFloat64(m.Fetches.WithLabelValues("timeout")); got != 1 {
		t.Errorf("Expected 1 fetch timeout, got %v", got)
	}
	if got := testutil.ToFloat64(m.Notifications); got != 1 {
		t.Errorf("Expected 1 notification, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveDelivery("dropped")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `fedgraph_deliveries_total{result="dropped"} 1`) {
		t.Errorf("Expected delivery counter in output, got:\n%s", rec.Body.String())
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveActivity("Follow", "rejected")
	m.ObserveFetch("ok", time.Millisecond)
	m.ObserveDelivery("ok")
	m.IncNotifications()
}
