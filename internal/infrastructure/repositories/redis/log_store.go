package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"podlive/internal/core/domain"
	"podlive/internal/core/ports"
)

const (
	keyPrefix   = "podlive:log:"
	episodesKey = keyPrefix + "episodes"
)

// RedisLogStore keeps each log in a list of JSON entries under
// podlive:log:<kind>:<episode>; RPUSH preserves arrival order.
type RedisLogStore struct {
	client *redis.Client
}

func NewRedisLogStore(client *redis.Client) ports.LogStore {
	return &RedisLogStore{client: client}
}

func logKey(kind domain.LogKind, id domain.EpisodeID) string {
	return keyPrefix + string(kind) + ":" + string(id)
}

func (s *RedisLogStore) push(ctx context.Context, kind domain.LogKind, id domain.EpisodeID, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s entry: %w", kind, err)
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, logKey(kind, id), data)
	pipe.SAdd(ctx, episodesKey, string(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append %s entry in Redis: %w", kind, err)
	}
	return nil
}

func (s *RedisLogStore) entries(ctx context.Context, kind domain.LogKind, id domain.EpisodeID) ([]string, error) {
	items, err := s.client.LRange(ctx, logKey(kind, id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from Redis: %w", kind, err)
	}
	if len(items) == 0 {
		return nil, domain.ErrLogNotFound
	}
	return items, nil
}

func (s *RedisLogStore) AppendSessionEvent(ctx context.Context, episodeID domain.EpisodeID, event domain.SessionEvent) error {
	return s.push(ctx, domain.LogSession, episodeID, event)
}

func (s *RedisLogStore) AppendSpeechEvent(ctx context.Context, episodeID domain.EpisodeID, event domain.SpeechEvent) error {
	return s.push(ctx, domain.LogSpeech, episodeID, event)
}

func (s *RedisLogStore) AppendChatMessage(ctx context.Context, episodeID domain.EpisodeID, msg domain.ChatMessage) error {
	return s.push(ctx, domain.LogComments, episodeID, msg)
}

func (s *RedisLogStore) SessionLog(ctx context.Context, episodeID domain.EpisodeID) (*domain.SessionLog, error) {
	items, err := s.entries(ctx, domain.LogSession, episodeID)
	if err != nil {
		return nil, err
	}
	log := &domain.SessionLog{Events: make([]domain.SessionEvent, 0, len(items))}
	for _, item := range items {
		var e domain.SessionEvent
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session event: %w", err)
		}
		log.Events = append(log.Events, e)
	}
	return log, nil
}

func (s *RedisLogStore) SpeechLog(ctx context.Context, episodeID domain.EpisodeID) (*domain.SpeechLog, error) {
	items, err := s.entries(ctx, domain.LogSpeech, episodeID)
	if err != nil {
		return nil, err
	}
	log := &domain.SpeechLog{Events: make([]domain.SpeechEvent, 0, len(items))}
	for _, item := range items {
		var e domain.SpeechEvent
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal speech event: %w", err)
		}
		log.Events = append(log.Events, e)
	}
	return log, nil
}

func (s *RedisLogStore) CommentsLog(ctx context.Context, episodeID domain.EpisodeID) (*domain.CommentsLog, error) {
	items, err := s.entries(ctx, domain.LogComments, episodeID)
	if err != nil {
		return nil, err
	}
	log := &domain.CommentsLog{Messages: make([]domain.ChatMessage, 0, len(items))}
	for _, item := range items {
		var m domain.ChatMessage
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal chat message: %w", err)
		}
		log.Messages = append(log.Messages, m)
	}
	return log, nil
}

func (s *RedisLogStore) Episodes(ctx context.Context) ([]domain.EpisodeID, error) {
	members, err := s.client.SMembers(ctx, episodesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list episodes from Redis: %w", err)
	}
	sort.Strings(members)
	ids := make([]domain.EpisodeID, 0, len(members))
	for _, m := range members {
		ids = append(ids, domain.EpisodeID(m))
	}
	return ids, nil
}
