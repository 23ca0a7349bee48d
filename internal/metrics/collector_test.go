package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRequest(t *testing.T) {
	c := NewCollector()

	c.RecordRequest(http.MethodGet, http.StatusOK, 10*time.Millisecond)
	c.RecordRequest(http.MethodGet, http.StatusOK, 20*time.Millisecond)
	c.RecordRequest(http.MethodPost, http.StatusBadGateway, time.Millisecond)

	if got := testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("GET", "200")); got != 2 {
		t.Errorf("expected 2 GET 200 requests, got %v", got)
	}
	if got := testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("POST", "502")); got != 1 {
		t.Errorf("expected 1 POST 502 request, got %v", got)
	}
}

func TestGatewayCounters(t *testing.T) {
	c := NewCollector()

	c.RecordResolution("header")
	c.RecordResolution("header")
	c.RecordResolution("path")
	c.RecordUnresolved()
	c.RecordUpstreamError()
	c.TrackRequestInFlight(true)
	c.TrackWebSocket(1)
	c.TrackWebSocket(1)
	c.TrackWebSocket(-1)

	if got := testutil.ToFloat64(c.resolutionsTotal.WithLabelValues("header")); got != 2 {
		t.Errorf("expected 2 header resolutions, got %v", got)
	}
	if got := testutil.ToFloat64(c.unresolvedTotal); got != 1 {
		t.Errorf("expected 1 unresolved, got %v", got)
	}
	if got := testutil.ToFloat64(c.upstreamErrorsTotal); got != 1 {
		t.Errorf("expected 1 upstream error, got %v", got)
	}
	if got := testutil.ToFloat64(c.httpRequestsInFlight); got != 1 {
		t.Errorf("expected 1 in flight, got %v", got)
	}
	if got := testutil.ToFloat64(c.websocketsActive); got != 1 {
		t.Errorf("expected 1 active websocket, got %v", got)
	}
}

func TestNilCollector(t *testing.T) {
	var c *Collector

	c.RecordRequest(http.MethodGet, http.StatusOK, time.Second)
	c.TrackRequestInFlight(true)
	c.RecordResolution("default")
	c.RecordUnresolved()
	c.RecordUpstreamError()
	c.TrackWebSocket(1)

	w := httptest.NewRecorder()
	c.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 from a nil collector, got %d", w.Code)
	}
}

func TestServeHTTP(t *testing.T) {
	c := NewCollector()
	c.RecordUnresolved()

	w := httptest.NewRecorder()
	c.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "gateway_target_unresolved_total 1") {
		t.Errorf("metrics output missing counter:\n%s", w.Body.String())
	}
}
