package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"podlive/internal/core/ports"
	"podlive/internal/core/services"
	httphandlers "podlive/internal/handlers/http"
	"podlive/internal/infrastructure/distributed"
	"podlive/internal/infrastructure/episodes"
	"podlive/internal/infrastructure/middleware"
	"podlive/internal/infrastructure/monitoring"
	"podlive/internal/infrastructure/recording"
	"podlive/internal/infrastructure/repositories"
	signalinfra "podlive/internal/infrastructure/signal"
	"podlive/internal/infrastructure/storage"
	"podlive/pkg/config"
	"podlive/pkg/logger"
	"podlive/pkg/tracing"
)

type directory interface {
	ports.EpisodeDirectory
	ports.UserDirectory
}

func main() {
	cfg, path, err := config.LoadFirst(
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/podlive/config.yaml",
		"config.yaml",
	)
	if err != nil {
		panic(err)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if path != "" {
		log.Infow("loaded config", "path", path)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "podlive-signal",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	logs := repoFactory.CreateLogStore()

	recordings, err := storage.NewRecordingStore(cfg, log)
	if err != nil {
		log.Fatalw("failed to create recording store", "error", err)
	}
	ingest := recording.NewIngestor(recordings, cfg.Recording.TempDir, cfg.Recording.MaxPendingChunk, log)

	var dir directory
	if cfg.Episodes.BaseURL != "" {
		dir = episodes.NewClient(episodes.ClientConfig{
			BaseURL:    cfg.Episodes.BaseURL,
			Timeout:    cfg.Episodes.Timeout,
			MaxRetries: cfg.Episodes.MaxRetries,
		}, log)
	} else {
		log.Warn("no episodes API configured, serving static episodes from config")
		dir = episodes.StaticFromConfig(cfg)
	}
	users := services.NewCachedUserDirectory(dir, 5*time.Minute)
	defer users.Stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(registry)

	hubCfg := signalinfra.DefaultHubConfig()
	hubCfg.PingInterval = cfg.Signal.PingInterval
	hubCfg.ReadTimeout = cfg.Signal.PongTimeout
	hubCfg.WriteTimeout = cfg.Signal.WriteTimeout
	hubCfg.SendBuffer = cfg.Signal.SendBufferSize
	if cfg.RateLimiting.Enabled {
		hubCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		hubCfg.Burst = cfg.RateLimiting.WebSocket.Burst
		hubCfg.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	}
	hub := signalinfra.NewHub(hubCfg, dir, logs, ingest, log)
	hub.SetMetrics(collector)

	if client := repoFactory.RedisClient(); client != nil {
		bus := distributed.NewRoomBus(client, uuid.NewString(), log)
		defer bus.Close()
		hub.SetRelay(bus)
		go func() {
			if err := bus.Subscribe(ctx, hub.Deliver); err != nil && ctx.Err() == nil {
				log.Errorw("room bus subscription ended", "error", err)
			}
		}()
	}

	health := monitoring.NewHealthChecker()
	health.AddLogStoreCheck(logs, 30*time.Second, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 30*time.Second, 2*time.Second)
	}
	if checker, ok := recordings.(monitoring.StorageChecker); ok {
		health.AddStorageCheck(checker, 30*time.Second, 5*time.Second)
	}
	health.StartBackgroundChecks(ctx)

	replay := services.NewReplayService(logs, dir, users, log, services.WithComputeObserver(collector.ReplayComputed))
	live := services.NewLiveService(dir, hub, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLogger(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	var gatherer prometheus.Gatherer
	if cfg.Monitoring.PrometheusEnabled {
		gatherer = registry
	}
	httphandlers.NewHealthHandler(health).SetupRoutes(router, gatherer)
	httphandlers.NewReplayHandler(replay, logs, recordings, dir, log).SetupRoutes(router)
	httphandlers.NewLiveHandler(live).SetupRoutes(router)
	router.GET("/api/v1/websocket/:episode_id/:user_id", hub.HandleWebSocket)

	// no WriteTimeout: websocket connections manage their own write deadlines
	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting podlive signal server", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}
	cancel()
	ingest.Abort()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	log.Info("podlive signal server stopped")
}
