package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stride-coach/stride/pkg/gateway/apierror"
	"github.com/stride-coach/stride/pkg/store"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 500
)

// HistoryStore is the read side of the record store used by the REST API.
// *store.Store satisfies it.
type HistoryStore interface {
	GetUser(ctx context.Context, id uint) (store.User, error)
	ListConversations(ctx context.Context, userID uint) ([]store.ConversationSummary, error)
	CreateConversation(ctx context.Context, userID uint, title string) (store.Conversation, error)
	ListMessages(ctx context.Context, conversationID uint) ([]store.Message, error)
	RecentRuns(ctx context.Context, userID uint, limit int) ([]store.Run, error)
	GoalsFrom(ctx context.Context, userID uint, from time.Time) ([]store.Goal, error)
}

// HistoryHandler serves the training log and conversation history.
type HistoryHandler struct {
	Store HistoryStore
	Now   func() time.Time
}

type userResponse struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
}

type conversationResponse struct {
	ID           uint   `json:"id"`
	Title        string `json:"title"`
	CreatedAt    string `json:"created_at,omitempty"`
	MessageCount *int64 `json:"message_count,omitempty"`
}

type messageResponse struct {
	ID        uint   `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

type runResponse struct {
	ID              uint    `json:"id"`
	DistanceMiles   float64 `json:"distance_miles"`
	DurationMinutes int     `json:"duration_minutes"`
	PacePerMile     string  `json:"pace_per_mile"`
	Notes           *string `json:"notes"`
	RunDate         string  `json:"run_date"`
}

type goalResponse struct {
	ID            uint    `json:"id"`
	RaceName      string  `json:"race_name"`
	RaceDate      string  `json:"race_date"`
	TargetTime    *string `json:"target_time"`
	DistanceMiles float64 `json:"distance_miles"`
}

func (h HistoryHandler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Stride - Voice Running Coach API",
		"status":  "running",
	})
}

func (h HistoryHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "user_id")
	if !ok {
		return
	}
	u, err := h.Store.GetUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierror.Write(w, http.StatusNotFound, &apierror.Error{Type: apierror.ErrNotFound, Message: "User not found", RequestID: requestIDFromContext(r.Context())})
			return
		}
		apierror.WriteError(w, requestIDFromContext(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{ID: u.ID, Name: u.Name})
}

func (h HistoryHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "user_id")
	if !ok {
		return
	}
	convs, err := h.Store.ListConversations(r.Context(), userID)
	if err != nil {
		apierror.WriteError(w, requestIDFromContext(r.Context()), err)
		return
	}
	out := make([]conversationResponse, 0, len(convs))
	for _, c := range convs {
		count := c.MessageCount
		out = append(out, conversationResponse{
			ID:           c.ID,
			Title:        c.Title,
			CreatedAt:    timestamp(c.CreatedAt),
			MessageCount: &count,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h HistoryHandler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "user_id")
	if !ok {
		return
	}
	c, err := h.Store.CreateConversation(r.Context(), userID, store.DefaultConversationTitle)
	if err != nil {
		apierror.WriteError(w, requestIDFromContext(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse{ID: c.ID, Title: c.Title})
}

func (h HistoryHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := pathID(w, r, "conversation_id")
	if !ok {
		return
	}
	msgs, err := h.Store.ListMessages(r.Context(), conversationID)
	if err != nil {
		apierror.WriteError(w, requestIDFromContext(r.Context()), err)
		return
	}
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageResponse{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: timestamp(m.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h HistoryHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "user_id")
	if !ok {
		return
	}
	limit := defaultRunsLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxRunsLimit {
			apierror.Write(w, http.StatusBadRequest, &apierror.Error{
				Type:      apierror.ErrInvalidRequest,
				Message:   "limit must be an integer between 1 and " + strconv.Itoa(maxRunsLimit),
				Param:     "limit",
				RequestID: requestIDFromContext(r.Context()),
			})
			return
		}
		limit = n
	}
	runs, err := h.Store.RecentRuns(r.Context(), userID, limit)
	if err != nil {
		apierror.WriteError(w, requestIDFromContext(r.Context()), err)
		return
	}
	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, runResponse{
			ID:              run.ID,
			DistanceMiles:   run.DistanceMiles,
			DurationMinutes: run.DurationMinutes,
			PacePerMile:     run.PacePerMile,
			Notes:           run.Notes,
			RunDate:         run.RunDate.Format(time.DateOnly),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// ListGoals returns goals whose race date is today or later, soonest first.
func (h HistoryHandler) ListGoals(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "user_id")
	if !ok {
		return
	}
	goals, err := h.Store.GoalsFrom(r.Context(), userID, h.now())
	if err != nil {
		apierror.WriteError(w, requestIDFromContext(r.Context()), err)
		return
	}
	out := make([]goalResponse, 0, len(goals))
	for _, g := range goals {
		out = append(out, goalResponse{
			ID:            g.ID,
			RaceName:      g.RaceName,
			RaceDate:      g.RaceDate.Format(time.DateOnly),
			TargetTime:    g.TargetTime,
			DistanceMiles: g.DistanceMiles,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h HistoryHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uint, bool) {
	id, err := parseID(r.PathValue(name))
	if err != nil {
		apierror.Write(w, http.StatusBadRequest, &apierror.Error{
			Type:      apierror.ErrInvalidRequest,
			Message:   name + " must be a positive integer",
			Param:     name,
			RequestID: requestIDFromContext(r.Context()),
		})
		return 0, false
	}
	return id, true
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
