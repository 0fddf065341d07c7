package telemetry

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cctalk/host/internal/logging"
)

func newTestHub() *Hub {
	return NewHub(10, logging.New(logging.Debug, logging.Text, io.Discard))
}

func TestReportAppendsHistoryAndFansOutToSubscribers(t *testing.T) {
	hub := newTestHub()
	ch, cancel := hub.Subscribe()
	defer cancel()

	hub.Report(KindCredit, 3, 100, "coin credit", nil)

	select {
	case sample := <-ch:
		if sample.Kind != KindCredit || sample.Address != 3 || sample.Value != 100 {
			t.Fatalf("sample = %+v", sample)
		}
	default:
		t.Fatal("expected a sample on the subscriber channel")
	}

	history := hub.History()
	if len(history) != 1 || history[0].Kind != KindCredit {
		t.Fatalf("history = %+v", history)
	}
}

func TestReportTrimsHistoryToLimit(t *testing.T) {
	hub := NewHub(2, logging.New(logging.Debug, logging.Text, io.Discard))
	hub.Report(KindCredit, 1, 10, "", nil)
	hub.Report(KindCredit, 1, 20, "", nil)
	hub.Report(KindCredit, 1, 30, "", nil)

	history := hub.History()
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	if history[0].Value != 20 || history[1].Value != 30 {
		t.Fatalf("history = %+v, want oldest sample dropped", history)
	}
}

func TestHandleDiagnosticsReturnsProcessMetrics(t *testing.T) {
	hub := newTestHub()

	req := httptest.NewRequest(http.MethodGet, "/api/diagnostics", nil)
	rr := httptest.NewRecorder()
	hub.handleDiagnostics(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp ProcessMetrics
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.NumGoroutine == 0 {
		t.Fatal("expected goroutine count to be reported")
	}
}

func TestHandleDiagnosticsMethodNotAllowed(t *testing.T) {
	hub := newTestHub()
	req := httptest.NewRequest(http.MethodPost, "/api/diagnostics", nil)
	rr := httptest.NewRecorder()
	hub.handleDiagnostics(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	hub := newTestHub()
	req := httptest.NewRequest(http.MethodGet, "/api/diagnostics/health", nil)
	rr := httptest.NewRecorder()
	hub.handleHealth(rr, req)

	var resp HealthStatus
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("status = %q, want ok", resp.Status)
	}
}

func TestHandleSetConfigRejectsInvalidLogLevel(t *testing.T) {
	hub := newTestHub()
	body := `{"historyLimit": 0, "logLevel": "garbage", "logFormat": "text"}`
	req := httptest.NewRequest(http.MethodPost, "/api/config/update", strings.NewReader(body))
	rr := httptest.NewRecorder()
	hub.handleSetConfig(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid log level, got %d", rr.Code)
	}
}
