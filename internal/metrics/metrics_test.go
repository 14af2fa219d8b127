package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ObserveRequest("routed", 200, time.Millisecond)
	m.CertLookup("miss")
	m.ProxyLogDropped(3)
	if m.Registry() != nil {
		t.Fatal("expected nil registry for nil metrics")
	}
}

func TestCountersIncrement(t *testing.T) {
	t.Parallel()

	m := New()
	m.CertLookup("hit")
	m.CertLookup("hit")
	m.CertLookup("miss")
	m.RouteReload(false)

	if got := testutil.ToFloat64(m.certLookups.WithLabelValues("hit")); got != 2 {
		t.Fatalf("expected 2 hits, got %v", got)
	}
	if got := testutil.ToFloat64(m.routeReloads.WithLabelValues("error")); got != 1 {
		t.Fatalf("expected 1 failed reload, got %v", got)
	}
}

func TestHandlerExposesNamespace(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveRequest("no_route", http.StatusNotFound, 2*time.Millisecond)
	m.SetRouteTableSize(4)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`edgeproxy_requests_total{code="404",routing_status="no_route"} 1`,
		"edgeproxy_route_table_entries 4",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("expected %q in metrics output", want)
		}
	}
}
