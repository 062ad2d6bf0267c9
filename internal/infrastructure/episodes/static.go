package episodes

import (
	"context"
	"sync"

	"podlive/internal/core/domain"
	"podlive/pkg/config"
)

// StaticDirectory serves a fixed set of live episodes, for standalone
// relays and tests. Users resolve to an identity named after their id.
type StaticDirectory struct {
	mu       sync.RWMutex
	episodes map[domain.EpisodeID]*domain.Episode
	users    map[domain.ParticipantID]*domain.User
}

func NewStaticDirectory(episodes ...domain.Episode) *StaticDirectory {
	d := &StaticDirectory{
		episodes: make(map[domain.EpisodeID]*domain.Episode),
		users:    make(map[domain.ParticipantID]*domain.User),
	}
	for i := range episodes {
		ep := episodes[i]
		d.episodes[ep.ID] = &ep
	}
	return d
}

// StaticFromConfig builds a directory from the episodes.static entries.
func StaticFromConfig(cfg *config.Config) *StaticDirectory {
	eps := make([]domain.Episode, 0, len(cfg.Episodes.Static))
	for _, e := range cfg.Episodes.Static {
		eps = append(eps, domain.Episode{
			ID:        domain.EpisodeID(e.ID),
			Name:      e.Name,
			CreatorID: domain.ParticipantID(e.CreatorID),
			Type:      domain.EpisodeTypeLive,
			IsActive:  true,
		})
	}
	return NewStaticDirectory(eps...)
}

// AddUser registers a user profile returned by GetUser.
func (d *StaticDirectory) AddUser(u domain.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = &u
}

func (d *StaticDirectory) GetEpisode(_ context.Context, id domain.EpisodeID) (*domain.Episode, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ep, ok := d.episodes[id]
	if !ok {
		return nil, domain.ErrEpisodeNotFound
	}
	cp := *ep
	return &cp, nil
}

func (d *StaticDirectory) EndLive(_ context.Context, id domain.EpisodeID) (*domain.Episode, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ep, ok := d.episodes[id]
	if !ok {
		return nil, domain.ErrEpisodeNotFound
	}
	ep.IsActive = false
	cp := *ep
	return &cp, nil
}

func (d *StaticDirectory) GetUser(_ context.Context, id domain.ParticipantID) (*domain.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if u, ok := d.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	if id == "" {
		return nil, domain.ErrUserNotFound
	}
	return &domain.User{ID: id, Username: string(id)}, nil
}
