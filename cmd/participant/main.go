package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	pion "github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"podlive/internal/core/domain"
	"podlive/internal/core/ports"
	"podlive/internal/infrastructure/episodes"
	"podlive/internal/infrastructure/monitoring"
	"podlive/internal/infrastructure/recording"
	signalinfra "podlive/internal/infrastructure/signal"
	"podlive/internal/infrastructure/speech"
	"podlive/internal/infrastructure/webrtc"
	"podlive/internal/room"
	"podlive/pkg/config"
	"podlive/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	episodeID := flag.String("episode", "", "episode to join")
	userID := flag.String("user", "", "participant id")
	name := flag.String("name", "", "display name")
	signalURL := flag.String("signal", "", "relay base URL, e.g. ws://localhost:8000")
	audioFile := flag.String("audio", "", "Ogg/Opus file played as the microphone")
	screenFile := flag.String("screen", "", "IVF/VP8 file shared as the screen")
	record := flag.Bool("record", false, "record the call (host only)")
	autoApprove := flag.Bool("auto-approve", false, "approve every speaker request (host only)")
	requestSpeak := flag.Bool("request-speak", false, "ask the host to speak after joining")
	endLive := flag.Bool("end-live", false, "end the live on exit (host only)")
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

	p := &cfg.Participant
	override(&p.EpisodeID, *episodeID)
	override(&p.UserID, *userID)
	override(&p.Name, *name)
	override(&p.SignalURL, *signalURL)
	override(&p.AudioFile, *audioFile)
	override(&p.ScreenFile, *screenFile)
	p.Record = p.Record || *record
	p.AutoApproveSpeaker = p.AutoApproveSpeaker || *autoApprove
	p.RequestToSpeak = p.RequestToSpeak || *requestSpeak

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if p.EpisodeID == "" || p.UserID == "" {
		log.Fatal("episode and user are required")
	}
	self := domain.ParticipantID(p.UserID)
	episode := domain.EpisodeID(p.EpisodeID)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Episodes.Timeout)
	dir := newDirectory(cfg, log)
	ep, err := dir.GetEpisode(ctx, episode)
	cancel()
	if err != nil {
		log.Fatalw("failed to look up episode", "episode_id", episode, "error", err)
	}
	if !ep.Live() {
		log.Fatalw("episode is not live", "episode_id", episode)
	}

	linkCfg := linkConfig(cfg)
	factory, err := webrtc.NewPionFactory(linkCfg)
	if err != nil {
		log.Fatalw("failed to create peer connection factory", "error", err)
	}

	roomCfg := room.DefaultConfig()
	roomCfg.Self = self
	roomCfg.Name = p.Name
	roomCfg.Episode = episode
	roomCfg.Host = ep.CreatorID
	roomCfg.GracePeriod = cfg.Room.LeaveGracePeriod
	roomCfg.ScreenReofferPeriod = cfg.WebRTC.ScreenReofferPeriod
	roomCfg.Speech = speech.Config{Window: cfg.Room.SpeechWindow, Threshold: cfg.Room.SpeechThreshold}
	roomCfg.Recording = recording.Config{
		Cadence:      cfg.Room.RecordingChunkCadence,
		CloseTimeout: recording.DefaultConfig().CloseTimeout,
	}

	wsURL := roomURL(p.SignalURL, episode, self, p.Name)
	coordinator := room.New(roomCfg, room.Dependencies{
		Dial: func(ctx context.Context) (room.Transport, error) {
			ch, err := signalinfra.Dial(ctx, wsURL, log)
			if err != nil {
				return nil, err
			}
			return ch, nil
		},
		NewLinks: func(sink webrtc.EventSink) room.Links {
			return webrtc.NewLinkManager(self, linkCfg, factory, sink, log)
		},
		Devices: &fileDevices{
			audioFile:  p.AudioFile,
			screenFile: p.ScreenFile,
			streamID:   string(self),
			logger:     log,
		},
		Episodes: dir,
		Metrics:  monitoring.NewPrometheusCollector(prometheus.NewRegistry()),
	}, log)

	joinCtx, joinCancel := context.WithTimeout(context.Background(), cfg.Signal.WriteTimeout)
	err = coordinator.Join(joinCtx)
	joinCancel()
	if err != nil {
		log.Fatalw("failed to join room", "error", err)
	}

	isHost := self == ep.CreatorID
	start(coordinator, p, isHost, log)

	go watchNotifications(coordinator, isHost && p.AutoApproveSpeaker, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	case <-coordinator.Done():
		if err := coordinator.Err(); err != nil {
			log.Errorw("session ended", "error", err)
			os.Exit(1)
		}
		log.Info("session ended")
		return
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if isHost && *endLive {
		if err := coordinator.EndLive(shutdownCtx); err != nil {
			log.Errorw("failed to end live", "error", err)
		} else {
			return
		}
	}
	if err := coordinator.Leave(shutdownCtx); err != nil {
		log.Errorw("failed to leave room", "error", err)
	}
}

type directory interface {
	ports.EpisodeDirectory
	room.LiveEnder
}

func newDirectory(cfg *config.Config, log *zap.SugaredLogger) directory {
	if cfg.Episodes.BaseURL == "" {
		return episodes.StaticFromConfig(cfg)
	}
	return episodes.NewClient(episodes.ClientConfig{
		BaseURL:    cfg.Episodes.BaseURL,
		Timeout:    cfg.Episodes.Timeout,
		MaxRetries: cfg.Episodes.MaxRetries,
	}, log)
}

func linkConfig(cfg *config.Config) webrtc.Config {
	lc := webrtc.DefaultConfig()
	if len(cfg.WebRTC.ICEServers) > 0 {
		lc.ICEServers = nil
		for _, s := range cfg.WebRTC.ICEServers {
			lc.ICEServers = append(lc.ICEServers, pion.ICEServer{
				URLs:       s.URLs,
				Username:   s.Username,
				Credential: s.Credential,
			})
		}
	}
	lc.PortRange.Min = cfg.WebRTC.PortRange.Min
	lc.PortRange.Max = cfg.WebRTC.PortRange.Max
	lc.NegotiationTimeout = cfg.WebRTC.NegotiationTimeout
	lc.KeyframeInterval = cfg.WebRTC.KeyframeInterval
	return lc
}

func roomURL(base string, episode domain.EpisodeID, self domain.ParticipantID, name string) string {
	u := strings.TrimRight(base, "/") + "/api/v1/websocket/" +
		url.PathEscape(string(episode)) + "/" + url.PathEscape(string(self))
	if name != "" {
		u += "?name=" + url.QueryEscape(name)
	}
	return u
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// start runs the configured intents after joining. Failures are logged;
// the participant stays in the room as a listener.
func start(c *room.Coordinator, p *config.ParticipantConfig, isHost bool, log *zap.SugaredLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.StartCall(ctx); err != nil {
		log.Errorw("failed to start call", "error", err)
		return
	}
	if p.RequestToSpeak && !isHost {
		if err := c.RequestSpeak(ctx); err != nil {
			log.Warnw("failed to request to speak", "error", err)
		}
	}
	if p.ScreenFile != "" {
		if err := c.StartShare(ctx); err != nil {
			log.Warnw("failed to share screen", "error", err)
		}
	}
	if p.Record && isHost {
		if err := c.StartRecording(ctx); err != nil {
			log.Warnw("failed to start recording", "error", err)
		}
	}
}

func watchNotifications(c *room.Coordinator, autoApprove bool, log *zap.SugaredLogger) {
	for n := range c.Notifications() {
		log.Infow(n.Text, "kind", n.Kind, "peer_id", n.Participant)
		if !autoApprove || n.Kind != room.NotifySpeakerRequest {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := c.Approve(ctx, n.Participant)
		cancel()
		// a withdrawn request is no longer pending
		if err != nil && !errors.Is(err, domain.ErrNotPending) {
			log.Warnw("failed to approve speaker", "peer_id", n.Participant, "error", err)
		}
	}
}
