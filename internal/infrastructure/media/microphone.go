package media

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Microphone is the local audio track shared by every audio link. Samples
// reach the wire and the attached sinks only while it is enabled.
type Microphone struct {
	track   *webrtc.TrackLocalStaticSample
	source  AudioSource
	enabled atomic.Bool
	sinks   sampleSinks
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewMicrophone wraps source in an Opus track labelled with streamID.
func NewMicrophone(source AudioSource, streamID string, logger *zap.SugaredLogger) (*Microphone, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		return nil, err
	}
	return &Microphone{track: track, source: source, logger: logger}, nil
}

func (m *Microphone) Track() webrtc.TrackLocal { return m.track }

func (m *Microphone) AttachSink(name string, sink SampleSink) { m.sinks.attach(name, sink) }

func (m *Microphone) DetachSink(name string) { m.sinks.detach(name) }

func (m *Microphone) SetEnabled(enabled bool) { m.enabled.Store(enabled) }

func (m *Microphone) Enabled() bool { return m.enabled.Load() }

// Start begins pacing samples from the source. Calling it twice is a no-op.
func (m *Microphone) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil || m.stopped {
		return nil
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx)
	return nil
}

// Stop ends the pump and releases the source.
func (m *Microphone) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.enabled.Store(false)
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if err := m.source.Close(); err != nil {
		m.logger.Warnw("failed to close audio source", "error", err)
	}
}

func (m *Microphone) run(ctx context.Context) {
	defer close(m.done)

	next := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		sample, level, err := m.source.NextSample()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				m.logger.Warnw("audio source failed", "error", err)
			}
			return
		}

		next = next.Add(sample.Duration)
		if wait := time.Until(next); wait > 0 {
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return
		}

		if !m.enabled.Load() {
			continue
		}
		if err := m.track.WriteSample(sample); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			m.logger.Debugw("failed to write microphone sample", "error", err)
		}
		m.sinks.fanout(sample, level)
	}
}
