package ports

import (
	"context"

	"podlive/internal/core/domain"
)

type EpisodeDirectory interface {
	GetEpisode(ctx context.Context, id domain.EpisodeID) (*domain.Episode, error)
	EndLive(ctx context.Context, id domain.EpisodeID) (*domain.Episode, error)
}

type UserDirectory interface {
	GetUser(ctx context.Context, id domain.ParticipantID) (*domain.User, error)
}

type ReplayService interface {
	StateAt(ctx context.Context, episodeID domain.EpisodeID, cursorMs int64) (*domain.ReplayView, error)
	Logs(ctx context.Context, episodeID domain.EpisodeID) (*domain.SessionLog, *domain.SpeechLog, *domain.CommentsLog, error)
}

type LiveService interface {
	EndLive(ctx context.Context, episodeID domain.EpisodeID) (*domain.Episode, error)
}

// RoomCloser is implemented by the relay: it finalizes any recording and
// tells every member the live has ended.
type RoomCloser interface {
	CloseRoom(ctx context.Context, roomID domain.RoomID) error
}
