package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"podlive/internal/core/domain"
	"podlive/internal/core/ports"
	"podlive/internal/core/replay"
	apperrors "podlive/pkg/errors"
	"podlive/pkg/tracing"
)

// PlaceholderUsername is shown for participants whose profile could not be loaded.
const PlaceholderUsername = "Unknown user"

type replayService struct {
	logs     ports.LogStore
	episodes ports.EpisodeDirectory
	users    ports.UserDirectory
	observe  func(time.Duration)
	logger   *zap.SugaredLogger
}

// ReplayOption tunes a replay service.
type ReplayOption func(*replayService)

// WithComputeObserver reports the duration of every state computation.
func WithComputeObserver(f func(time.Duration)) ReplayOption {
	return func(s *replayService) { s.observe = f }
}

func NewReplayService(
	logs ports.LogStore,
	episodes ports.EpisodeDirectory,
	users ports.UserDirectory,
	logger *zap.SugaredLogger,
	opts ...ReplayOption,
) ports.ReplayService {
	s := &replayService{
		logs:     logs,
		episodes: episodes,
		users:    users,
		observe:  func(time.Duration) {},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Logs loads the three logs of an episode. A missing session log is an
// error; missing speech or chat logs are treated as empty.
func (s *replayService) Logs(ctx context.Context, episodeID domain.EpisodeID) (*domain.SessionLog, *domain.SpeechLog, *domain.CommentsLog, error) {
	session, err := s.logs.SessionLog(ctx, episodeID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load session log: %w", err)
	}

	speech, err := s.logs.SpeechLog(ctx, episodeID)
	if errors.Is(err, domain.ErrLogNotFound) {
		speech, err = &domain.SpeechLog{Events: []domain.SpeechEvent{}}, nil
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load speech log: %w", err)
	}

	comments, err := s.logs.CommentsLog(ctx, episodeID)
	if errors.Is(err, domain.ErrLogNotFound) {
		comments, err = &domain.CommentsLog{Messages: []domain.ChatMessage{}}, nil
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load comments log: %w", err)
	}
	return session, speech, comments, nil
}

func (s *replayService) StateAt(ctx context.Context, episodeID domain.EpisodeID, cursorMs int64) (*domain.ReplayView, error) {
	ctx, span := tracing.TraceReplay(ctx, string(episodeID), cursorMs)
	defer span.End()

	if cursorMs < 0 {
		cursorMs = 0
	}

	session, speech, comments, err := s.Logs(ctx, episodeID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	view := &domain.ReplayView{
		EpisodeID:    episodeID,
		CursorMs:     cursorMs,
		Participants: []domain.ReplayParticipant{},
		Chat:         []domain.ChatMessage{},
	}

	firstJoin, ok := replay.FirstJoin(session.Events)
	if !ok {
		return view, nil
	}
	view.FirstJoin = firstJoin
	view.HostID = s.hostOf(ctx, episodeID)

	start := time.Now()
	state := replay.ComputeState(session.Events, speech.Events, firstJoin, cursorMs, view.HostID)
	view.Chat = replay.ChatUpTo(comments.Messages, firstJoin, cursorMs)
	s.observe(time.Since(start))

	for _, id := range state.Active {
		p := domain.ReplayParticipant{
			ID:              id,
			IsHost:          id == view.HostID,
			IsSpeaker:       state.Speakers[id],
			IsSpeaking:      state.Speaking[id],
			IsScreenSharing: state.Sharing[id],
		}
		s.hydrate(ctx, &p)
		view.Participants = append(view.Participants, p)
	}
	return view, nil
}

// hostOf resolves the episode creator. Lookup failure degrades to no host.
func (s *replayService) hostOf(ctx context.Context, episodeID domain.EpisodeID) domain.ParticipantID {
	ep, err := s.episodes.GetEpisode(ctx, episodeID)
	if err != nil {
		s.logger.Warnw("replay host lookup failed",
			"episode_id", episodeID,
			"error", apperrors.NewReplayDataError("episode", err),
		)
		return ""
	}
	return ep.CreatorID
}

func (s *replayService) hydrate(ctx context.Context, p *domain.ReplayParticipant) {
	u, err := s.users.GetUser(ctx, p.ID)
	if err != nil {
		s.logger.Warnw("replay participant lookup failed",
			"participant_id", p.ID,
			"error", apperrors.NewReplayDataError("user", err),
		)
		p.Username = PlaceholderUsername
		p.Placeholder = true
		return
	}
	p.Username = u.Username
	p.ProfilePicture = u.ProfilePicture
}
