package media

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ScreenCapture is the local VP8 screen track. Ended closes when the
// source runs out or Stop is called, whichever happens first.
type ScreenCapture struct {
	track  *webrtc.TrackLocalStaticSample
	source VideoSource
	sinks  sampleSinks
	logger *zap.SugaredLogger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	ended   chan struct{}
	endOnce sync.Once
}

func NewScreenCapture(source VideoSource, streamID string, logger *zap.SugaredLogger) (*ScreenCapture, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"screen", streamID,
	)
	if err != nil {
		return nil, err
	}
	return &ScreenCapture{
		track:  track,
		source: source,
		logger: logger,
		ended:  make(chan struct{}),
	}, nil
}

func (s *ScreenCapture) Track() webrtc.TrackLocal { return s.track }

func (s *ScreenCapture) AttachSink(name string, sink SampleSink) { s.sinks.attach(name, sink) }

func (s *ScreenCapture) DetachSink(name string) { s.sinks.detach(name) }

func (s *ScreenCapture) Dimensions() (int, int) { return s.source.Dimensions() }

func (s *ScreenCapture) Ended() <-chan struct{} { return s.ended }

func (s *ScreenCapture) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
	return nil
}

func (s *ScreenCapture) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.end()
}

func (s *ScreenCapture) end() {
	s.endOnce.Do(func() {
		close(s.ended)
		if err := s.source.Close(); err != nil {
			s.logger.Warnw("failed to close screen source", "error", err)
		}
	})
}

func (s *ScreenCapture) run(ctx context.Context) {
	defer close(s.done)
	defer s.end()

	ticker := time.NewTicker(time.Second / 30)
	defer ticker.Stop()
	first := true

	for {
		frame, err := s.source.NextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warnw("screen source failed", "error", err)
			}
			return
		}
		if first && frame.Duration > 0 {
			ticker.Reset(frame.Duration)
			first = false
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := s.track.WriteSample(frame); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			s.logger.Debugw("failed to write screen frame", "error", err)
		}
		s.sinks.fanout(frame, 0)
	}
}
