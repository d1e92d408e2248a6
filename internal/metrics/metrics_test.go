package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRelayRecordsMetrics(t *testing.T) {
	collector, err := NewRelay()
	if err != nil {
		t.Fatalf("NewRelay returned error: %v", err)
	}

	collector.EventReceived("telegram")
	collector.Execution("twitter", "success")
	collector.QueueJob("duplicate")
	collector.MediaDownloaded(2048, nil)
	collector.MediaDownloaded(0, errors.New("boom"))
	collector.ListenerStates("telegram", map[string]int{"connected": 2})
	collector.ListenerStates("telegram", map[string]int{"reauth_required": 1})

	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected metrics handler to return 200, got %d", rr.Code)
	}

	body := rr.Body.String()
	for _, want := range []string{
		`relayflow_listener_events_received_total{platform="telegram"} 1`,
		`relayflow_relay_executions_total{platform="twitter",status="success"} 1`,
		`relayflow_queue_jobs_total{outcome="duplicate"} 1`,
		`relayflow_media_downloaded_bytes_total 2048`,
		`relayflow_media_downloads_total{status="failed"} 1`,
		`relayflow_listener_sessions{platform="telegram",state="reauth_required"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in body=%q", want, body)
		}
	}
	if strings.Contains(body, `state="connected"`) {
		t.Errorf("stale listener state should be replaced, body=%q", body)
	}
}

func TestNilRelayIsNoop(t *testing.T) {
	var collector *Relay
	collector.EventReceived("telegram")
	collector.QueueJob("run")
	collector.ListenerStates("twitter", map[string]int{"streaming": 1})

	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 from nil collector, got %d", rr.Code)
	}
}
