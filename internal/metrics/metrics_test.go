package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestIncAndSnapshot(t *testing.T) {
	m := New()
	m.Inc(EventRelayDropped)
	m.Inc(EventRelayDropped)
	m.Inc(EventStoreOpFailure)

	if got := m.Get(EventRelayDropped); got != 2 {
		t.Fatalf("Get(%s) = %d, want 2", EventRelayDropped, got)
	}
	if got := m.Get("never_incremented"); got != 0 {
		t.Fatalf("Get(unknown) = %d, want 0", got)
	}

	snap := m.Snapshot()
	m.Inc(EventRelayDropped)
	if snap[EventRelayDropped] != 2 {
		t.Fatalf("snapshot mutated by a later Inc: %v", snap)
	}
}

func TestIncConcurrent(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.Inc(EventBroadcastSendFailure)
			}
		}()
	}
	wg.Wait()

	if got := m.Get(EventBroadcastSendFailure); got != 8000 {
		t.Fatalf("count = %d, want 8000", got)
	}
}

func TestPrometheusHandler(t *testing.T) {
	m := New()
	m.Inc(EventMalformedMessage)

	rec := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "# TYPE multicam_relay_events_total counter") {
		t.Fatalf("missing TYPE line:\n%s", body)
	}
	if !strings.Contains(body, `multicam_relay_events_total{event="malformed_message"} 1`) {
		t.Fatalf("missing counter sample:\n%s", body)
	}
}

func TestPrometheusHandlerNilMetrics(t *testing.T) {
	rec := httptest.NewRecorder()
	PrometheusHandler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}
