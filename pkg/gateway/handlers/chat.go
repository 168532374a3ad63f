package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stride-coach/stride/pkg/coach/tools"
	"github.com/stride-coach/stride/pkg/gateway/apierror"
	"github.com/stride-coach/stride/pkg/gateway/config"
	"github.com/stride-coach/stride/pkg/gateway/live/protocol"
	"github.com/stride-coach/stride/pkg/gateway/live/session"
	"github.com/stride-coach/stride/pkg/gateway/live/sessions"
	"github.com/stride-coach/stride/pkg/gateway/live/upstream"
	"github.com/stride-coach/stride/pkg/gateway/metrics"
	"github.com/stride-coach/stride/pkg/gateway/mw"
	"github.com/stride-coach/stride/pkg/store"
)

var errUpstreamUnavailable = errors.New("realtime service unavailable")

// UpstreamDialer opens a realtime connection. *upstream.Dialer satisfies it.
type UpstreamDialer interface {
	Dial(ctx context.Context) (*websocket.Conn, error)
}

// ChatHandler handles /ws/chat/{user_id} voice sessions.
type ChatHandler struct {
	Config       config.Config
	Store        *store.Store
	Dialer       UpstreamDialer
	Tools        session.Dispatcher
	Catalog      tools.Catalog
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	LiveSessions *sessions.Tracker
}

func (h ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	if r.Method != http.MethodGet {
		apierror.Write(w, http.StatusMethodNotAllowed, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed", RequestID: reqID})
		return
	}
	userID, err := parseID(r.PathValue("user_id"))
	if err != nil {
		apierror.Write(w, http.StatusBadRequest, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "user_id must be a positive integer", Param: "user_id", RequestID: reqID})
		return
	}
	if h.LiveSessions.IsDraining() {
		apierror.Write(w, http.StatusServiceUnavailable, &apierror.Error{Type: apierror.ErrUnavailable, Message: "server is draining", Code: "draining", RequestID: reqID})
		return
	}
	if limit := h.Config.WSMaxSessionsPerUser; limit > 0 && h.LiveSessions.CountForUser(userID) >= limit {
		apierror.Write(w, http.StatusTooManyRequests, &apierror.Error{Type: apierror.ErrRateLimit, Message: "too many live sessions for this user", Code: "too_many_sessions", RequestID: reqID})
		return
	}
	if !h.originAllowed(r) {
		apierror.Write(w, http.StatusForbidden, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "origin is not allowed", Param: "Origin", RequestID: reqID})
		return
	}
	if h.Store == nil || h.Dialer == nil || h.Tools == nil {
		apierror.Write(w, http.StatusInternalServerError, &apierror.Error{Type: apierror.ErrAPI, Message: "live chat is not configured", RequestID: reqID})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if h.Config.WSMaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.WSMaxMessageBytes)
	}

	sessionID := uuid.NewString()
	cs := &chatSession{
		client:       conn,
		writeTimeout: h.Config.WSWriteTimeout,
		logger:       h.logger().With("session_id", sessionID, "user_id", userID, "request_id", reqID),
	}
	err = h.serve(r.Context(), cs, sessionID, userID)
	cs.teardown(err)
}

// serve sets up the session and relays until it ends. Resources acquired
// along the way are recorded on cs so teardown can release them.
func (h ChatHandler) serve(ctx context.Context, cs *chatSession, sessionID string, userID uint) error {
	handle, err := h.Store.Acquire(ctx)
	if err != nil {
		return err
	}
	cs.handle = handle

	if _, err := handle.EnsureUser(ctx, userID); err != nil {
		return err
	}
	conv, err := handle.CreateConversation(ctx, userID, store.LiveConversationTitle)
	if err != nil {
		return err
	}
	cs.logger = cs.logger.With("conversation_id", conv.ID)

	up, err := h.Dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", errUpstreamUnavailable, err)
	}
	cs.upstream = up

	update := upstream.NewSessionUpdate(h.Catalog.Instructions, h.Config.RealtimeVoice, h.Catalog.Tools)
	if err := upstream.Negotiate(up, update, h.Config.WSWriteTimeout); err != nil {
		return fmt.Errorf("%w: %w", errUpstreamUnavailable, err)
	}

	deps := session.Dependencies{
		Client:         cs.client,
		Upstream:       up,
		Store:          handle,
		Tools:          h.Tools,
		Logger:         cs.logger,
		UserID:         userID,
		ConversationID: conv.ID,
		Config: session.Config{
			PingInterval:      h.Config.WSPingInterval,
			WriteTimeout:      h.Config.WSWriteTimeout,
			OutboundQueueSize: h.Config.WSOutboundQueue,
		},
	}
	if h.Metrics != nil {
		deps.Observer = h.Metrics
	}
	relay, err := session.New(deps)
	if err != nil {
		return err
	}

	startedAt := time.Now()
	unregister, err := h.LiveSessions.Register(sessionID, sessions.Handle{
		UserID:    userID,
		StartedAt: startedAt,
		Cancel:    relay.Cancel,
		Notify:    relay.Notify,
	})
	if err != nil {
		return err
	}
	cs.unregister = unregister

	cs.logger.Info("live session started", "user_live_sessions", h.LiveSessions.CountForUser(userID))
	h.Metrics.RecordLiveSessionStart()
	runErr := cs.runRelay(ctx, relay)
	h.Metrics.RecordLiveSessionEnd(sessionStatus(runErr), time.Since(startedAt))
	cs.logger.Info("live session ended", "duration_ms", time.Since(startedAt).Milliseconds(), "status", sessionStatus(runErr))
	return runErr
}

func (h ChatHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || len(h.Config.CORSAllowedOrigins) == 0 {
		return true
	}
	return mw.OriginAllowed(h.Config.CORSAllowedOrigins, origin)
}

func (h ChatHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// chatSession owns the per-connection resources released by teardown.
type chatSession struct {
	client *websocket.Conn
	// upstream is closed by teardown until a relay takes it over.
	upstream     session.Conn
	handle       *store.Handle
	unregister   func()
	writeTimeout time.Duration
	logger       *slog.Logger

	once sync.Once
}

// runRelay hands the upstream connection to relay, which closes it when Run returns.
func (cs *chatSession) runRelay(ctx context.Context, relay *session.Relay) error {
	cs.upstream = nil
	return relay.Run(ctx)
}

// teardown releases everything the session acquired. Only the first call has any effect.
func (cs *chatSession) teardown(endErr error) {
	cs.once.Do(func() {
		if cs.upstream != nil {
			_ = cs.upstream.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = cs.upstream.Close()
		}
		if cs.unregister != nil {
			cs.unregister()
		}
		cs.handle.Release()

		closeCode := websocket.CloseNormalClosure
		if msg := endMessage(endErr); msg != "" {
			cs.logger.Warn("live session ended with error", "error", endErr)
			if cs.writeTimeout > 0 {
				_ = cs.client.SetWriteDeadline(time.Now().Add(cs.writeTimeout))
			}
			_ = cs.client.WriteJSON(protocol.Error(msg))
			closeCode = websocket.CloseInternalServerErr
		} else if errors.Is(endErr, context.Canceled) {
			closeCode = websocket.CloseGoingAway
		}
		_ = cs.client.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, ""), time.Now().Add(time.Second))
		_ = cs.client.Close()
	})
}

// endMessage is the final error text for an abnormal end, or "" for a normal one.
func endMessage(err error) string {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return ""
	case errors.Is(err, session.ErrUpstreamClosed):
		return "Realtime connection closed"
	case errors.Is(err, errUpstreamUnavailable):
		return "Could not connect to the realtime service"
	case errors.Is(err, sessions.ErrDraining):
		return "Server is shutting down"
	default:
		return "Session ended unexpectedly"
	}
}

func sessionStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, session.ErrUpstreamClosed):
		return "upstream_closed"
	default:
		return "error"
	}
}

func parseID(raw string) (uint, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 0)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("id must be > 0")
	}
	return uint(n), nil
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := mw.RequestIDFrom(ctx); ok {
		return id
	}
	return ""
}
