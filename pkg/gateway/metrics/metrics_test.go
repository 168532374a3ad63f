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

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordLiveSessionStart()
	m.RecordLiveSessionEnd("ok", time.Second)
	m.ObserveAudio("in", 10)
	m.ObserveToolCall("log_run", "ok", time.Millisecond)
	m.ObserveUpstreamError("event")
	if m.Registry() != nil {
		t.Fatal("nil metrics returned a registry")
	}
}

func TestMetrics_RecordsLiveAndTools(t *testing.T) {
	m := New("")

	m.RecordLiveSessionStart()
	m.RecordLiveSessionStart()
	m.RecordLiveSessionEnd("ok", 3*time.Second)
	m.ObserveAudio("in", 320)
	m.ObserveAudio("in", 320)
	m.ObserveAudio("out", 0)
	m.ObserveToolCall("log_run", "ok", time.Millisecond)
	m.ObserveToolCall("log_run", "error", time.Millisecond)

	if got := testutil.ToFloat64(m.LiveSessionsActive); got != 1 {
		t.Fatalf("active=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LiveSessionsTotal.WithLabelValues("ok")); got != 1 {
		t.Fatalf("total ok=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LiveAudioBytesTotal.WithLabelValues("in")); got != 640 {
		t.Fatalf("audio in=%v, want 640", got)
	}
	if got := testutil.ToFloat64(m.ToolCallsTotal.WithLabelValues("log_run", "error")); got != 1 {
		t.Fatalf("tool errors=%v, want 1", got)
	}
}

func TestMetrics_MiddlewareAndHandler(t *testing.T) {
	m := New("stride")
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/users/{user_id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	h := m.Middleware(mux)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/users/9", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rr.Code)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "GET /api/users/{user_id}", "404")); got != 1 {
		t.Fatalf("requests=%v, want 1", got)
	}

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "stride_http_requests_total") {
		t.Fatalf("metrics body missing request counter")
	}
}
