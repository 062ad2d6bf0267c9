package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Options struct {
	Address  string
	Password string
	DB       int
	PoolSize int
	// ConnectAttempts bounds the startup pings; at least one is made.
	ConnectAttempts int
}

// Connect pings the server until it answers or the attempts run out, then
// brings the log schema up to date.
func Connect(ctx context.Context, opts Options, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: 2,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	attempts := opts.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = 250 * time.Millisecond
	ebo.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(ebo, uint64(attempts-1)), ctx)
	ping := func() error { return client.Ping(ctx).Err() }
	if err := backoff.Retry(ping, policy); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Address, err)
	}

	if err := Migrate(ctx, client, logger); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if logger != nil {
		logger.Infow("connected to Redis", "address", opts.Address, "db", opts.DB)
	}
	return client, nil
}
