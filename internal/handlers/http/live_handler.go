package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"podlive/internal/core/domain"
	"podlive/internal/core/ports"
	"podlive/pkg/errors"
	"podlive/pkg/validation"
)

type LiveHandler struct {
	live ports.LiveService
}

func NewLiveHandler(live ports.LiveService) *LiveHandler {
	return &LiveHandler{live: live}
}

func (h *LiveHandler) SetupRoutes(router gin.IRouter) {
	router.PUT("/api/v1/episodes/live/end_live/:episode_id", h.EndLive)
}

func (h *LiveHandler) EndLive(c *gin.Context) {
	raw := c.Param("episode_id")
	if err := validation.ValidateEpisodeID(raw); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	ep, err := h.live.EndLive(c.Request.Context(), domain.EpisodeID(raw))
	if err != nil && ep == nil {
		_ = c.Error(err)
		return
	}
	// ep != nil with err means the episode ended upstream but the room
	// could not be closed cleanly
	c.JSON(http.StatusOK, ep)
}
