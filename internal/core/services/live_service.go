package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"podlive/internal/core/domain"
	"podlive/internal/core/ports"
)

type liveService struct {
	episodes ports.EpisodeDirectory
	rooms    ports.RoomCloser
	logger   *zap.SugaredLogger
}

func NewLiveService(episodes ports.EpisodeDirectory, rooms ports.RoomCloser, logger *zap.SugaredLogger) ports.LiveService {
	return &liveService{episodes: episodes, rooms: rooms, logger: logger}
}

// EndLive marks the episode inactive, then finalizes the room recording
// and tells every member the live is over.
func (s *liveService) EndLive(ctx context.Context, episodeID domain.EpisodeID) (*domain.Episode, error) {
	ep, err := s.episodes.EndLive(ctx, episodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to end live %s: %w", episodeID, err)
	}

	room := domain.RoomForEpisode(episodeID)
	if err := s.rooms.CloseRoom(ctx, room); err != nil {
		// the episode is already inactive upstream; clients see live-ended
		// only if the broadcast got out
		s.logger.Errorw("failed to close room", "room_id", room, "error", err)
		return ep, err
	}

	s.logger.Infow("live ended", "episode_id", episodeID, "room_id", room)
	return ep, nil
}
