package ports

import (
	"context"
	"io"

	"podlive/internal/core/domain"
)

// LogStore persists the three append-only episode logs.
type LogStore interface {
	AppendSessionEvent(ctx context.Context, episodeID domain.EpisodeID, event domain.SessionEvent) error
	AppendSpeechEvent(ctx context.Context, episodeID domain.EpisodeID, event domain.SpeechEvent) error
	AppendChatMessage(ctx context.Context, episodeID domain.EpisodeID, msg domain.ChatMessage) error
	SessionLog(ctx context.Context, episodeID domain.EpisodeID) (*domain.SessionLog, error)
	SpeechLog(ctx context.Context, episodeID domain.EpisodeID) (*domain.SpeechLog, error)
	CommentsLog(ctx context.Context, episodeID domain.EpisodeID) (*domain.CommentsLog, error)
	// Episodes lists every episode with at least one logged event.
	Episodes(ctx context.Context) ([]domain.EpisodeID, error)
}

// RecordingStore keeps finalized recordings.
type RecordingStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, *domain.RecordingInfo, error)
	// Latest returns the newest recording whose key starts with prefix.
	Latest(ctx context.Context, prefix string) (*domain.RecordingInfo, error)
}
