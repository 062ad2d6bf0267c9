package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"podlive/internal/core/domain"
	"podlive/internal/core/services"
	"podlive/internal/infrastructure/episodes"
	"podlive/internal/infrastructure/middleware"
	"podlive/internal/infrastructure/monitoring"
	"podlive/internal/infrastructure/repositories/memory"
	"podlive/internal/infrastructure/storage"
)

type recordingCloser struct {
	closed []domain.RoomID
}

func (r *recordingCloser) CloseRoom(_ context.Context, room domain.RoomID) error {
	r.closed = append(r.closed, room)
	return nil
}

type fixture struct {
	router    *gin.Engine
	directory *episodes.StaticDirectory
	closer    *recordingCloser
}

func newFixture(t *testing.T, healthy bool) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop().Sugar()
	ctx := context.Background()

	directory := episodes.NewStaticDirectory(
		domain.Episode{ID: "ep1", CreatorID: "host", Type: domain.EpisodeTypeLive, IsActive: true},
		domain.Episode{ID: "pod", CreatorID: "host", Type: "recording"},
	)
	directory.AddUser(domain.User{ID: "host", Username: "Hana"})

	logs := memory.NewMemoryLogStore()
	require.NoError(t, logs.AppendSessionEvent(ctx, "ep1", domain.SessionEvent{Type: domain.EventJoin, ClientID: "host", Timestamp: 1000}))
	require.NoError(t, logs.AppendSessionEvent(ctx, "ep1", domain.SessionEvent{Type: domain.EventJoin, ClientID: "guest", Timestamp: 3000}))
	require.NoError(t, logs.AppendChatMessage(ctx, "ep1", domain.ChatMessage{Sender: "guest", Content: "hello", Timestamp: 3500}))

	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	payload := []byte{0x1A, 0x45, 0xDF, 0xA3, 0x01}
	require.NoError(t, store.Put(ctx, "ep1_20240101T000000.webm", bytes.NewReader(payload), int64(len(payload)), "audio/webm"))

	closer := &recordingCloser{}
	checker := monitoring.NewHealthChecker()
	checker.AddCheck("dependency", func(context.Context) (bool, error) {
		if healthy {
			return true, nil
		}
		return false, errors.New("down")
	}, 0, time.Second)

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(log))
	NewReplayHandler(services.NewReplayService(logs, directory, directory, log), logs, store, directory, log).SetupRoutes(router)
	NewLiveHandler(services.NewLiveService(directory, closer, log)).SetupRoutes(router)
	NewHealthHandler(checker).SetupRoutes(router, prometheus.NewRegistry())

	return &fixture{router: router, directory: directory, closer: closer}
}

func (f *fixture) do(method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestReplayHandler_ListEpisodes(t *testing.T) {
	f := newFixture(t, true)
	w := f.do(http.MethodGet, "/api/v1/replay")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"episodes":["ep1"]}`, w.Body.String())
}

func TestReplayHandler_Logs(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(http.MethodGet, "/api/v1/replay/ep1/session_log")
	require.Equal(t, http.StatusOK, w.Code)
	var session domain.SessionLog
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))
	assert.Len(t, session.Events, 2)

	w = f.do(http.MethodGet, "/api/v1/replay/ep1/comments_log")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"messages"`)

	w = f.do(http.MethodGet, "/api/v1/replay/ep1/speech_log")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, "/api/v1/replay/pod/session_log")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, "/api/v1/replay/nope/session_log")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReplayHandler_Media(t *testing.T) {
	f := newFixture(t, true)
	w := f.do(http.MethodGet, "/api/v1/replay/ep1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "audio/webm", w.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0x1A, 0x45, 0xDF, 0xA3, 0x01}, w.Body.Bytes())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "ep1_20240101T000000.webm")
}

func TestReplayHandler_State(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(http.MethodGet, "/api/v1/replay/ep1/state?t=500")
	require.Equal(t, http.StatusOK, w.Code)
	var view domain.ReplayView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.Len(t, view.Participants, 1)
	assert.Equal(t, "Hana", view.Participants[0].Username)
	assert.True(t, view.Participants[0].IsHost)

	w = f.do(http.MethodGet, "/api/v1/replay/ep1/state?t=5000")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Len(t, view.Participants, 2)
	assert.Len(t, view.Chat, 1)

	w = f.do(http.MethodGet, "/api/v1/replay/ep1/state?t=soon")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLiveHandler_EndLive(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(http.MethodPut, "/api/v1/episodes/live/end_live/ep1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []domain.RoomID{"episode_ep1"}, f.closer.closed)

	ep, err := f.directory.GetEpisode(context.Background(), "ep1")
	require.NoError(t, err)
	assert.False(t, ep.IsActive)

	w = f.do(http.MethodPut, "/api/v1/episodes/live/end_live/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthHandler(t *testing.T) {
	f := newFixture(t, true)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/ready").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/metrics").Code)

	f = newFixture(t, false)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/ready").Code)
}
