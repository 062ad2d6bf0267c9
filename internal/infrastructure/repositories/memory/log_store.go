package memory

import (
	"context"
	"sort"
	"sync"

	"podlive/internal/core/domain"
	"podlive/internal/core/ports"
)

type episodeLogs struct {
	session []domain.SessionEvent
	speech  []domain.SpeechEvent
	chat    []domain.ChatMessage
}

// MemoryLogStore keeps the episode logs in process. Appends preserve
// arrival order.
type MemoryLogStore struct {
	logs map[domain.EpisodeID]*episodeLogs
	mu   sync.RWMutex
}

func NewMemoryLogStore() ports.LogStore {
	return &MemoryLogStore{
		logs: make(map[domain.EpisodeID]*episodeLogs),
	}
}

func (s *MemoryLogStore) entry(id domain.EpisodeID) *episodeLogs {
	l, ok := s.logs[id]
	if !ok {
		l = &episodeLogs{}
		s.logs[id] = l
	}
	return l
}

func (s *MemoryLogStore) AppendSessionEvent(ctx context.Context, episodeID domain.EpisodeID, event domain.SessionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.entry(episodeID)
	l.session = append(l.session, event)
	return nil
}

func (s *MemoryLogStore) AppendSpeechEvent(ctx context.Context, episodeID domain.EpisodeID, event domain.SpeechEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.entry(episodeID)
	l.speech = append(l.speech, event)
	return nil
}

func (s *MemoryLogStore) AppendChatMessage(ctx context.Context, episodeID domain.EpisodeID, msg domain.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.entry(episodeID)
	l.chat = append(l.chat, msg)
	return nil
}

func (s *MemoryLogStore) SessionLog(ctx context.Context, episodeID domain.EpisodeID) (*domain.SessionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[episodeID]
	if !ok || len(l.session) == 0 {
		return nil, domain.ErrLogNotFound
	}
	return &domain.SessionLog{Events: append([]domain.SessionEvent(nil), l.session...)}, nil
}

func (s *MemoryLogStore) SpeechLog(ctx context.Context, episodeID domain.EpisodeID) (*domain.SpeechLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[episodeID]
	if !ok || len(l.speech) == 0 {
		return nil, domain.ErrLogNotFound
	}
	return &domain.SpeechLog{Events: append([]domain.SpeechEvent(nil), l.speech...)}, nil
}

func (s *MemoryLogStore) CommentsLog(ctx context.Context, episodeID domain.EpisodeID) (*domain.CommentsLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[episodeID]
	if !ok || len(l.chat) == 0 {
		return nil, domain.ErrLogNotFound
	}
	return &domain.CommentsLog{Messages: append([]domain.ChatMessage(nil), l.chat...)}, nil
}

func (s *MemoryLogStore) Episodes(ctx context.Context) ([]domain.EpisodeID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]domain.EpisodeID, 0, len(s.logs))
	for id := range s.logs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
