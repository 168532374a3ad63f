package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/stride-coach/stride/pkg/gateway/live/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Pinger reports whether the record store is reachable. *store.Store satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

type ReadyHandler struct {
	DB           Pinger
	LiveSessions *sessions.Tracker
	// APIKeyConfigured reports whether live chat can dial the realtime service.
	APIKeyConfigured bool
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK           bool     `json:"ok"`
		Draining     bool     `json:"draining"`
		LiveSessions int      `json:"live_sessions"`
		Issues       []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 3)

	draining := h.LiveSessions.IsDraining()
	if draining {
		issues = append(issues, "server is draining")
	}
	if h.DB == nil {
		issues = append(issues, "record store is not configured")
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := h.DB.Ping(ctx)
		cancel()
		if err != nil {
			issues = append(issues, "record store is unreachable")
		}
	}
	if !h.APIKeyConfigured {
		issues = append(issues, "realtime api key is not configured")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:           ok,
		Draining:     draining,
		LiveSessions: h.LiveSessions.Count(),
		Issues:       issues,
	})
}
