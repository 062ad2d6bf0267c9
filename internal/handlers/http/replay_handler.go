package http

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"podlive/internal/core/domain"
	"podlive/internal/core/ports"
	"podlive/internal/infrastructure/recording"
	"podlive/pkg/errors"
	"podlive/pkg/validation"
)

type ReplayHandler struct {
	replay     ports.ReplayService
	logs       ports.LogStore
	recordings ports.RecordingStore
	episodes   ports.EpisodeDirectory
	logger     *zap.SugaredLogger
}

func NewReplayHandler(
	replay ports.ReplayService,
	logs ports.LogStore,
	recordings ports.RecordingStore,
	episodes ports.EpisodeDirectory,
	logger *zap.SugaredLogger,
) *ReplayHandler {
	return &ReplayHandler{
		replay:     replay,
		logs:       logs,
		recordings: recordings,
		episodes:   episodes,
		logger:     logger,
	}
}

func (h *ReplayHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1/replay")
	{
		api.GET("", h.ListEpisodes)
		api.GET("/:episode_id", h.GetMedia)
		api.GET("/:episode_id/session_log", h.GetSessionLog)
		api.GET("/:episode_id/speech_log", h.GetSpeechLog)
		api.GET("/:episode_id/comments_log", h.GetCommentsLog)
		api.GET("/:episode_id/state", h.GetState)
	}
}

func (h *ReplayHandler) ListEpisodes(c *gin.Context) {
	ids, err := h.logs.Episodes(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"episodes": ids})
}

// GetMedia streams the newest recording of a live episode.
func (h *ReplayHandler) GetMedia(c *gin.Context) {
	id, ok := h.liveEpisode(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	info, err := h.recordings.Latest(ctx, recording.EpisodePrefix(id))
	if err != nil {
		_ = c.Error(err)
		return
	}
	body, info, err := h.recordings.Open(ctx, info.Key)
	if err != nil {
		_ = c.Error(err)
		return
	}
	defer body.Close()

	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.DataFromReader(http.StatusOK, info.Size, contentType, body, map[string]string{
		"Content-Disposition": fmt.Sprintf(`inline; filename="%s"`, info.Key),
	})
}

func (h *ReplayHandler) GetSessionLog(c *gin.Context) {
	id, ok := h.liveEpisode(c)
	if !ok {
		return
	}
	log, err := h.logs.SessionLog(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, log)
}

func (h *ReplayHandler) GetSpeechLog(c *gin.Context) {
	id, ok := h.liveEpisode(c)
	if !ok {
		return
	}
	log, err := h.logs.SpeechLog(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, log)
}

func (h *ReplayHandler) GetCommentsLog(c *gin.Context) {
	id, ok := h.liveEpisode(c)
	if !ok {
		return
	}
	log, err := h.logs.CommentsLog(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, log)
}

// GetState computes the replay view at ?t=<ms since first join>.
func (h *ReplayHandler) GetState(c *gin.Context) {
	id, ok := h.episodeID(c)
	if !ok {
		return
	}

	var cursor int64
	if raw := c.Query("t"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			_ = c.Error(errors.NewInvalidInputError("t must be a non-negative integer of milliseconds"))
			return
		}
		cursor = v
	}

	view, err := h.replay.StateAt(c.Request.Context(), id, cursor)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *ReplayHandler) episodeID(c *gin.Context) (domain.EpisodeID, bool) {
	raw := c.Param("episode_id")
	if err := validation.ValidateEpisodeID(raw); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.EpisodeID(raw), true
}

// liveEpisode resolves the path episode and requires it to be a live
// episode, active or ended.
func (h *ReplayHandler) liveEpisode(c *gin.Context) (domain.EpisodeID, bool) {
	id, ok := h.episodeID(c)
	if !ok {
		return "", false
	}
	ep, err := h.episodes.GetEpisode(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return "", false
	}
	if ep.Type != domain.EpisodeTypeLive {
		_ = c.Error(errors.NewNotFoundError("live episode"))
		return "", false
	}
	return id, true
}
