package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = "podlive:schema:version"
	currentSchemaVersion = 2
)

type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client) error
}

// Migrate runs every migration newer than the stored schema version.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}
	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Infow("schema is up to date", "current_version", currentVersion)
		}
		return nil
	}

	for _, migration := range migrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}
		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

func migrations() []Migration {
	return []Migration{
		{
			// 1: logs are lists of JSON entries; nothing to create.
			Version: 1,
			Up:      func(context.Context, *redis.Client) error { return nil },
		},
		{
			// 2: index episodes that already have logs.
			Version: 2,
			Up:      backfillEpisodeIndex,
		},
	}
}

func backfillEpisodeIndex(ctx context.Context, client *redis.Client) error {
	iter := client.Scan(ctx, 0, keyPrefix+"*:*", 100).Iterator()
	for iter.Next(ctx) {
		id, ok := episodeFromKey(iter.Val())
		if !ok {
			continue
		}
		if err := client.SAdd(ctx, episodesKey, id).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// episodeFromKey parses podlive:log:<kind>:<episode>.
func episodeFromKey(key string) (string, bool) {
	rest := strings.TrimPrefix(key, keyPrefix)
	if rest == key {
		return "", false
	}
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
