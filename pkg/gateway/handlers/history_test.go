package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stride-coach/stride/pkg/store"
)

func newHistoryFixture(t *testing.T, now time.Time) (*store.Store, http.Handler) {
	t.Helper()
	st, err := store.Open(":memory:", store.Options{Now: func() time.Time { return now }})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	h := HistoryHandler{Store: st, Now: func() time.Time { return now }}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.Root)
	mux.HandleFunc("GET /api/users/{user_id}", h.GetUser)
	mux.HandleFunc("GET /api/users/{user_id}/conversations", h.ListConversations)
	mux.HandleFunc("POST /api/users/{user_id}/conversations", h.CreateConversation)
	mux.HandleFunc("GET /api/conversations/{conversation_id}/messages", h.ListMessages)
	mux.HandleFunc("GET /api/users/{user_id}/runs", h.ListRuns)
	mux.HandleFunc("GET /api/users/{user_id}/goals", h.ListGoals)
	return st, mux
}

func get(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestHistory_Root(t *testing.T) {
	_, h := newHistoryFixture(t, time.Now())
	rr := get(t, h, http.MethodGet, "/")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[map[string]string](t, rr)
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, "Stride - Voice Running Coach API", body["message"])
}

func TestHistory_GetUser(t *testing.T) {
	st, h := newHistoryFixture(t, time.Now())
	_, err := st.EnsureUser(context.Background(), 2)
	require.NoError(t, err)

	rr := get(t, h, http.MethodGet, "/api/users/2")
	require.Equal(t, http.StatusOK, rr.Code)
	u := decode[userResponse](t, rr)
	assert.Equal(t, uint(2), u.ID)
	assert.Equal(t, store.DefaultUserName, u.Name)

	rr = get(t, h, http.MethodGet, "/api/users/3")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "User not found")

	rr = get(t, h, http.MethodGet, "/api/users/abc")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), `"param":"user_id"`)
}

func TestHistory_ConversationsAndMessages(t *testing.T) {
	st, h := newHistoryFixture(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()
	_, err := st.EnsureUser(ctx, 1)
	require.NoError(t, err)

	rr := get(t, h, http.MethodPost, "/api/users/1/conversations")
	require.Equal(t, http.StatusOK, rr.Code)
	created := decode[conversationResponse](t, rr)
	assert.Equal(t, store.DefaultConversationTitle, created.Title)
	assert.Nil(t, created.MessageCount)

	_, err = st.AppendMessage(ctx, created.ID, store.RoleUser, "how far should I run")
	require.NoError(t, err)
	_, err = st.AppendMessage(ctx, created.ID, store.RoleAssistant, "try four easy miles")
	require.NoError(t, err)

	rr = get(t, h, http.MethodGet, "/api/users/1/conversations")
	require.Equal(t, http.StatusOK, rr.Code)
	convs := decode[[]conversationResponse](t, rr)
	require.Len(t, convs, 1)
	require.NotNil(t, convs[0].MessageCount)
	assert.Equal(t, int64(2), *convs[0].MessageCount)
	assert.Equal(t, "2026-03-01T09:00:00Z", convs[0].CreatedAt)

	rr = get(t, h, http.MethodGet, "/api/conversations/"+jsonID(created.ID)+"/messages")
	require.Equal(t, http.StatusOK, rr.Code)
	msgs := decode[[]messageResponse](t, rr)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, "try four easy miles", msgs[1].Content)
}

func TestHistory_EmptyListsAreArrays(t *testing.T) {
	_, h := newHistoryFixture(t, time.Now())
	for _, path := range []string{
		"/api/users/1/conversations",
		"/api/conversations/1/messages",
		"/api/users/1/runs",
		"/api/users/1/goals",
	} {
		rr := get(t, h, http.MethodGet, path)
		require.Equal(t, http.StatusOK, rr.Code, path)
		assert.JSONEq(t, "[]", rr.Body.String(), path)
	}
}

func TestHistory_ListRunsLimit(t *testing.T) {
	st, h := newHistoryFixture(t, time.Now())
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, st.AppendRun(ctx, &store.Run{
			UserID:          1,
			DistanceMiles:   float64(3 + i),
			DurationMinutes: 30,
			PacePerMile:     "10:00",
			RunDate:         base.AddDate(0, 0, i),
		}))
	}

	rr := get(t, h, http.MethodGet, "/api/users/1/runs?limit=2")
	require.Equal(t, http.StatusOK, rr.Code)
	runs := decode[[]runResponse](t, rr)
	require.Len(t, runs, 2)
	assert.Equal(t, "2026-02-03", runs[0].RunDate)
	assert.Nil(t, runs[0].Notes)

	for _, bad := range []string{"0", "-1", "abc", "501"} {
		rr = get(t, h, http.MethodGet, "/api/users/1/runs?limit="+bad)
		assert.Equal(t, http.StatusBadRequest, rr.Code, bad)
		assert.Contains(t, rr.Body.String(), `"param":"limit"`, bad)
	}
}

func TestHistory_ListGoalsFromToday(t *testing.T) {
	now := time.Date(2026, 4, 10, 15, 0, 0, 0, time.UTC)
	st, h := newHistoryFixture(t, now)
	ctx := context.Background()
	target := "3:45:00"
	for _, g := range []store.Goal{
		{UserID: 1, RaceName: "Spring Half", RaceDate: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), DistanceMiles: 13.1},
		{UserID: 1, RaceName: "City Marathon", RaceDate: time.Date(2026, 10, 4, 0, 0, 0, 0, time.UTC), TargetTime: &target, DistanceMiles: 26.2},
		{UserID: 1, RaceName: "Today 5K", RaceDate: time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC), DistanceMiles: 3.1},
	} {
		g := g
		require.NoError(t, st.AppendGoal(ctx, &g))
	}

	rr := get(t, h, http.MethodGet, "/api/users/1/goals")
	require.Equal(t, http.StatusOK, rr.Code)
	goals := decode[[]goalResponse](t, rr)
	require.Len(t, goals, 2)
	assert.Equal(t, "Today 5K", goals[0].RaceName)
	assert.Equal(t, "2026-10-04", goals[1].RaceDate)
	require.NotNil(t, goals[1].TargetTime)
	assert.Equal(t, target, *goals[1].TargetTime)
}

type failingHistory struct{ HistoryStore }

func (failingHistory) RecentRuns(context.Context, uint, int) ([]store.Run, error) {
	return nil, errors.New("disk I/O error")
}

func TestHistory_StoreErrorIsInternal(t *testing.T) {
	h := HistoryHandler{Store: failingHistory{}}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/users/1/runs", nil)
	req.SetPathValue("user_id", "1")
	h.ListRuns(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "disk I/O")
}

func jsonID(id uint) string {
	b, _ := json.Marshal(id)
	return string(b)
}
