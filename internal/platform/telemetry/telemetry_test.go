package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
)

func serve(e *echo.Echo, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

func TestHistogram_CumulativeBuckets(t *testing.T) {
	h := newHistogram([]float64{1, 5, 10})
	for _, v := range []float64{0.5, 1, 3, 7, 20} {
		h.Observe(v)
	}
	got := h.cumulativeBuckets()
	want := []int64{2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("bucket[%d] = %d, want %d", i, got[i], want[i])
		}
	}
	if h.Count() != 5 {
		t.Errorf("count = %d, want 5", h.Count())
	}
	if h.Sum() != 31.5 {
		t.Errorf("sum = %g, want 31.5", h.Sum())
	}
}

func TestLabelSet(t *testing.T) {
	if got := labelSet([]string{"type", "patient.ready", "stage"}); got != `type="patient.ready"` {
		t.Errorf("labelSet = %s", got)
	}
	if got := Labels(); got != "" {
		t.Errorf("empty labels = %q", got)
	}
}

// ---------------------------------------------------------------------------
// Counters
// ---------------------------------------------------------------------------

func TestIncCounter(t *testing.T) {
	m := New()
	m.IncCounter("flow_events_total", "type", "patient.triaged")
	m.IncCounter("flow_events_total", "type", "patient.triaged")
	m.IncCounter("flow_events_total", "type", "patient.ready")

	if got := m.Counter("flow_events_total", "type", "patient.triaged"); got != 2 {
		t.Errorf("triaged = %d, want 2", got)
	}
	if got := m.Counter("flow_events_total", "type", "patient.ready"); got != 1 {
		t.Errorf("ready = %d, want 1", got)
	}
	if got := m.Counter("missing"); got != 0 {
		t.Errorf("missing = %d, want 0", got)
	}
}

func TestIncCounter_Concurrent(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				m.IncCounter("c", "k", "v")
			}
		}()
	}
	wg.Wait()
	if got := m.Counter("c", "k", "v"); got != 1000 {
		t.Errorf("counter = %d, want 1000", got)
	}
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func TestMiddleware_RecordsRouteAndStatus(t *testing.T) {
	m := New()
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/patients/:id", func(c echo.Context) error {
		if c.Param("id") == "missing" {
			return echo.NewHTTPError(http.StatusNotFound, "not found")
		}
		return c.String(http.StatusOK, "ok")
	})

	serve(e, http.MethodGet, "/patients/a")
	serve(e, http.MethodGet, "/patients/b")
	rec := serve(e, http.MethodGet, "/patients/missing")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if got := m.RequestCount(http.MethodGet, "/patients/:id", http.StatusOK); got != 2 {
		t.Errorf("200 count = %d, want 2", got)
	}
	if got := m.RequestCount(http.MethodGet, "/patients/:id", http.StatusNotFound); got != 1 {
		t.Errorf("404 count = %d, want 1", got)
	}
	if m.ActiveRequests() != 0 {
		t.Errorf("active = %d, want 0", m.ActiveRequests())
	}
}

func TestMiddleware_ActiveRequests(t *testing.T) {
	m := New()
	e := echo.New()
	e.Use(m.Middleware())

	var during int64
	e.GET("/slow", func(c echo.Context) error {
		during = m.ActiveRequests()
		return c.NoContent(http.StatusNoContent)
	})
	serve(e, http.MethodGet, "/slow")

	if during != 1 {
		t.Errorf("active during request = %d, want 1", during)
	}
	if m.ActiveRequests() != 0 {
		t.Errorf("active after request = %d, want 0", m.ActiveRequests())
	}
}

func TestMiddleware_SkipPrefixes(t *testing.T) {
	m := New()
	e := echo.New()
	e.Use(m.Middleware("/api/v1/ws"))
	e.GET("/api/v1/ws", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	serve(e, http.MethodGet, "/api/v1/ws")
	if got := m.RequestCount(http.MethodGet, "/api/v1/ws", http.StatusOK); got != 0 {
		t.Errorf("skipped path recorded %d times", got)
	}
}

// ---------------------------------------------------------------------------
// Exposition
// ---------------------------------------------------------------------------

func TestHandler_PrometheusFormat(t *testing.T) {
	m := New()
	m.DescribeCounter("flow_events_total", "Committed flow events by type.")
	m.IncCounter("flow_events_total", "type", "patient.discharged")
	m.RegisterGauge("flow_patients", "Patients by stage.", func(context.Context) (map[string]float64, error) {
		return map[string]float64{
			Labels("stage", "queueing"):         3,
			Labels("stage", "ready_to_be_seen"): 1,
		}, nil
	})
	m.RegisterGauge("broken", "Always fails.", func(context.Context) (map[string]float64, error) {
		return nil, errors.New("store down")
	})

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/ok", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", m.Handler())

	serve(e, http.MethodGet, "/ok")
	rec := serve(e, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"# TYPE http_server_request_duration_seconds histogram",
		`http_server_request_duration_seconds_count{method="GET",route="/ok",status_code="200"} 1`,
		`http_server_request_duration_seconds_bucket{method="GET",route="/ok",status_code="200",le="+Inf"} 1`,
		"# TYPE http_server_active_requests gauge",
		"# HELP flow_events_total Committed flow events by type.",
		`flow_events_total{type="patient.discharged"} 1`,
		`flow_patients{stage="queueing"} 3`,
		`flow_patients{stage="ready_to_be_seen"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in:\n%s", want, body)
		}
	}
	if strings.Contains(body, "broken") {
		t.Error("failing gauge should be omitted")
	}
}
