package monitoring

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"podlive/internal/core/ports"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddLogStoreCheck lists logged episodes as a liveness check of the store.
func (h *HealthChecker) AddLogStoreCheck(logs ports.LogStore, interval, timeout time.Duration) {
	h.AddCheck("log_store", func(ctx context.Context) (bool, error) {
		if _, err := logs.Episodes(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// StorageChecker is implemented by recording stores that can check their backend.
type StorageChecker interface {
	HealthCheck(ctx context.Context) error
}

func (h *HealthChecker) AddStorageCheck(store StorageChecker, interval, timeout time.Duration) {
	h.AddCheck("recording_store", func(ctx context.Context) (bool, error) {
		if err := store.HealthCheck(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}
