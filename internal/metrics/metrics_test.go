package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.IncSignup()
	m.IncLogin()
	m.IncLogin()
	m.IncConn()
	m.IncConn()
	m.DecConn()
	m.PresenceTransition("online")
	m.RelayFailed("not_found")
	m.ObserveSweep(time.Millisecond)

	if got := testutil.ToFloat64(m.logins); got != 2 {
		t.Fatalf("expected 2 logins, got %v", got)
	}
	if got := testutil.ToFloat64(m.activeConns); got != 1 {
		t.Fatalf("expected 1 active connection, got %v", got)
	}
	if got := testutil.ToFloat64(m.transitions.WithLabelValues("online")); got != 1 {
		t.Fatalf("expected 1 online transition, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, name := range []string{"pulsechat_signups_total 1", "pulsechat_relay_failures_total{reason=\"not_found\"} 1", "pulsechat_presence_sweep_duration_seconds_count 1"} {
		if !strings.Contains(body, name) {
			t.Fatalf("metrics output missing %q:\n%s", name, body)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.IncSignup()
	m.IncConn()
	m.PresenceTransition("offline")
	m.ObserveSweep(time.Second)
	m.SessionsPurged(3)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("expected 404 from nil metrics handler, got %d", rec.Code)
	}
}
