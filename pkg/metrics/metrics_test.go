package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCounter(t *testing.T) {
	r := New()
	c := r.Counter("jobs_total", "Jobs processed")
	c.Inc()
	c.Add(4)
	if c.Value() != 5 {
		t.Fatalf("Value = %d", c.Value())
	}
	// Same name returns the same counter.
	if r.Counter("jobs_total", "").Value() != 5 {
		t.Fatal("registry returned a fresh counter for an existing name")
	}
}

func TestGauge(t *testing.T) {
	r := New()
	g := r.Gauge("index_rows", "")
	g.Set(10)
	g.Inc()
	g.Dec()
	g.Dec()
	if g.Value() != 9 {
		t.Fatalf("Value = %d", g.Value())
	}
}

func TestWithLabels(t *testing.T) {
	if got := WithLabels("jobs_total", "outcome", "matched"); got != `jobs_total{outcome="matched"}` {
		t.Fatalf("WithLabels = %s", got)
	}
	if got := WithLabels("jobs_total", "a", "1", "b", "2"); got != `jobs_total{a="1",b="2"}` {
		t.Fatalf("WithLabels = %s", got)
	}
	// An odd pair count is ignored rather than emitting a broken name.
	if got := WithLabels("jobs_total", "dangling"); got != "jobs_total" {
		t.Fatalf("WithLabels = %s", got)
	}
}

func TestRenderText(t *testing.T) {
	r := New()
	r.Counter(WithLabels("jobs_total", "outcome", "matched"), "Jobs by outcome").Add(3)
	r.Counter(WithLabels("jobs_total", "outcome", "no_match"), "Jobs by outcome").Add(2)
	r.Gauge("index_rows", "Rows").Set(7)

	out := r.Render()
	for _, want := range []string{
		"# HELP jobs_total Jobs by outcome",
		"# TYPE jobs_total counter",
		`jobs_total{outcome="matched"} 3`,
		`jobs_total{outcome="no_match"} 2`,
		"# TYPE index_rows gauge",
		"index_rows 7",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestHistogramRender(t *testing.T) {
	r := New()
	h := r.Histogram("latency_seconds", "Latency", []float64{0.1, 1, 10})
	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(100)

	out := r.Render()
	for _, want := range []string{
		`latency_seconds_bucket{le="0.1"} 1`,
		`latency_seconds_bucket{le="1"} 2`,
		`latency_seconds_bucket{le="10"} 2`,
		`latency_seconds_bucket{le="+Inf"} 3`,
		"latency_seconds_count 3",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestHistogramSince(t *testing.T) {
	r := New()
	h := r.Histogram("d", "", nil)
	h.Since(time.Now().Add(-10 * time.Millisecond))
	_, _, sum, total := h.snapshot()
	if total != 1 || sum <= 0 {
		t.Fatalf("snapshot = sum %v, total %d", sum, total)
	}
}

func TestHandler(t *testing.T) {
	r := New()
	r.Counter("hits_total", "").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Fatalf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "hits_total 1") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}
