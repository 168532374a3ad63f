package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/stride-coach/stride/pkg/coach/tools"
	"github.com/stride-coach/stride/pkg/coach/weather"
	"github.com/stride-coach/stride/pkg/gateway/config"
	"github.com/stride-coach/stride/pkg/gateway/handlers"
	"github.com/stride-coach/stride/pkg/gateway/live/sessions"
	"github.com/stride-coach/stride/pkg/gateway/live/upstream"
	"github.com/stride-coach/stride/pkg/gateway/metrics"
	"github.com/stride-coach/stride/pkg/gateway/mw"
	"github.com/stride-coach/stride/pkg/store"
)

// Dependencies are the external services the server talks to. Nil fields
// other than Store are built from the config.
type Dependencies struct {
	Store   *store.Store
	Dialer  handlers.UpstreamDialer
	Weather tools.WeatherSource
	Now     func() time.Time
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	store        *store.Store
	dialer       handlers.UpstreamDialer
	dispatcher   *tools.Dispatcher
	catalog      tools.Catalog
	metrics      *metrics.Metrics
	liveSessions *sessions.Tracker
	now          func() time.Time
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("server: store is required")
	}

	catalog, err := tools.LoadCatalog()
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New("stride")
	}

	weatherSource := deps.Weather
	if weatherSource == nil {
		weatherSource = weather.NewClient(cfg.WeatherBaseURL, &http.Client{
			Timeout: cfg.WeatherTimeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout: 5 * time.Second,
				}).DialContext,
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 5 * time.Second,
			},
		})
	}

	dialer := deps.Dialer
	if dialer == nil {
		d := upstream.NewDialer(cfg.RealtimeURL, cfg.OpenAIAPIKey, cfg.UpstreamDialTimeout)
		d.ReadLimit = cfg.WSMaxMessageBytes * 8
		dialer = d
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	toolOpts := tools.Options{
		Weather:         weatherSource,
		DefaultLocation: cfg.DefaultLocation,
		Timeout:         cfg.ToolTimeout,
		Now:             now,
		Logger:          logger,
	}
	if m != nil {
		toolOpts.Observer = m
	}

	s := &Server{
		cfg:          cfg,
		logger:       logger,
		mux:          http.NewServeMux(),
		store:        deps.Store,
		dialer:       dialer,
		dispatcher:   tools.NewDispatcher(toolOpts),
		catalog:      catalog,
		metrics:      m,
		liveSessions: sessions.NewTracker(),
		now:          now,
	}

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	history := handlers.HistoryHandler{Store: s.store, Now: s.now}

	s.mux.Handle("GET /healthz", handlers.HealthHandler{})
	s.mux.Handle("GET /readyz", handlers.ReadyHandler{
		DB:               s.store,
		LiveSessions:     s.liveSessions,
		APIKeyConfigured: strings.TrimSpace(s.cfg.OpenAIAPIKey) != "",
	})
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.mux.HandleFunc("GET /{$}", history.Root)
	s.mux.HandleFunc("GET /api/users/{user_id}", history.GetUser)
	s.mux.HandleFunc("GET /api/users/{user_id}/conversations", history.ListConversations)
	s.mux.HandleFunc("POST /api/users/{user_id}/conversations", history.CreateConversation)
	s.mux.HandleFunc("GET /api/conversations/{conversation_id}/messages", history.ListMessages)
	s.mux.HandleFunc("GET /api/users/{user_id}/runs", history.ListRuns)
	s.mux.HandleFunc("GET /api/users/{user_id}/goals", history.ListGoals)

	s.mux.Handle("/ws/chat/{user_id}", handlers.ChatHandler{
		Config:       s.cfg,
		Store:        s.store,
		Dialer:       s.dialer,
		Tools:        s.dispatcher,
		Catalog:      s.catalog,
		Logger:       s.logger,
		Metrics:      s.metrics,
		LiveSessions: s.liveSessions,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.metrics.Middleware(h)
	h = mw.CORS(s.cfg.CORSAllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining stops new live sessions from starting.
func (s *Server) SetDraining() {
	s.liveSessions.SetDraining(true)
}

// NotifyLiveSessions sends message to every live session and reports how many accepted it.
func (s *Server) NotifyLiveSessions(message string) int {
	return s.liveSessions.NotifyAll(message)
}

func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.liveSessions.Wait(ctx)
}

func (s *Server) CancelLiveSessions() int {
	return s.liveSessions.CancelAll()
}

func (s *Server) LiveSessionCount() int {
	return s.liveSessions.Count()
}
