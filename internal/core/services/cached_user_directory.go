package services

import (
	"context"
	"time"

	"podlive/internal/core/domain"
	"podlive/internal/core/ports"
	"podlive/pkg/cache"
)

// CachedUserDirectory wraps a UserDirectory with a TTL cache. Replays
// hydrate the same participants on every cursor move.
type CachedUserDirectory struct {
	base  ports.UserDirectory
	cache *cache.TTL[domain.ParticipantID, domain.User]
}

func NewCachedUserDirectory(base ports.UserDirectory, ttl time.Duration) *CachedUserDirectory {
	return &CachedUserDirectory{
		base:  base,
		cache: cache.New[domain.ParticipantID, domain.User](ttl),
	}
}

// GetUser returns a cached profile. Failures are not cached.
func (d *CachedUserDirectory) GetUser(ctx context.Context, id domain.ParticipantID) (*domain.User, error) {
	u, err := d.cache.GetOrLoad(ctx, id, func(ctx context.Context) (domain.User, error) {
		u, err := d.base.GetUser(ctx, id)
		if err != nil {
			return domain.User{}, err
		}
		return *u, nil
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (d *CachedUserDirectory) Invalidate(id domain.ParticipantID) {
	d.cache.Delete(id)
}

func (d *CachedUserDirectory) Stop() {
	d.cache.Stop()
}
