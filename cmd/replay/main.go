package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"podlive/internal/core/domain"
	"podlive/internal/core/services"
	"podlive/internal/infrastructure/episodes"
	"podlive/pkg/config"
	"podlive/pkg/logger"
)

var errReadOnly = errors.New("remote logs are read-only")

// remoteLogs serves the three logs from the platform API.
type remoteLogs struct {
	client *episodes.Client
}

func (r remoteLogs) SessionLog(ctx context.Context, id domain.EpisodeID) (*domain.SessionLog, error) {
	return r.client.FetchSessionLog(ctx, id)
}

func (r remoteLogs) SpeechLog(ctx context.Context, id domain.EpisodeID) (*domain.SpeechLog, error) {
	return r.client.FetchSpeechLog(ctx, id)
}

func (r remoteLogs) CommentsLog(ctx context.Context, id domain.EpisodeID) (*domain.CommentsLog, error) {
	return r.client.FetchCommentsLog(ctx, id)
}

func (remoteLogs) AppendSessionEvent(context.Context, domain.EpisodeID, domain.SessionEvent) error {
	return errReadOnly
}

func (remoteLogs) AppendSpeechEvent(context.Context, domain.EpisodeID, domain.SpeechEvent) error {
	return errReadOnly
}

func (remoteLogs) AppendChatMessage(context.Context, domain.EpisodeID, domain.ChatMessage) error {
	return errReadOnly
}

func (remoteLogs) Episodes(context.Context) ([]domain.EpisodeID, error) {
	return nil, errReadOnly
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	baseURL := flag.String("api", "", "platform API base URL")
	episodeID := flag.String("episode", "", "episode to replay")
	at := flag.String("at", "0", "comma separated cursor offsets in milliseconds")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, _, err = config.LoadFirst("configs/config.yaml", "config.yaml")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *baseURL != "" {
		cfg.Episodes.BaseURL = *baseURL
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, "console")
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if *episodeID == "" || cfg.Episodes.BaseURL == "" {
		log.Fatal("episode and api are required")
	}
	cursors, err := parseCursors(*at)
	if err != nil {
		log.Fatalw("invalid cursors", "error", err)
	}

	client := episodes.NewClient(episodes.ClientConfig{
		BaseURL:    cfg.Episodes.BaseURL,
		Timeout:    cfg.Episodes.Timeout,
		MaxRetries: cfg.Episodes.MaxRetries,
	}, log)
	replay := services.NewReplayService(remoteLogs{client: client}, client, client, log)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	ctx := context.Background()
	for _, cursor := range cursors {
		view, err := replay.StateAt(ctx, domain.EpisodeID(*episodeID), cursor)
		if err != nil {
			log.Fatalw("failed to compute replay state", "cursor_ms", cursor, "error", err)
		}
		if err := enc.Encode(view); err != nil {
			log.Fatalw("failed to write replay state", "error", err)
		}
	}
}

func parseCursors(s string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ms, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cursor %q: %w", part, err)
		}
		out = append(out, ms)
	}
	if len(out) == 0 {
		return nil, errors.New("no cursors given")
	}
	return out, nil
}
