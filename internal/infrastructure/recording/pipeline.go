package recording

import (
	"fmt"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/webm"
	"go.uber.org/zap"

	"podlive/internal/core/domain"
	"podlive/internal/infrastructure/media"
	apperrors "podlive/pkg/errors"
)

const sinkName = "recorder"

type Config struct {
	Cadence      time.Duration
	CloseTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{Cadence: time.Second, CloseTimeout: 2 * time.Second}
}

// VideoTap is a local screen capture.
type VideoTap interface {
	media.SampleTap
	Dimensions() (width, height int)
}

// Sources are the inputs fixed at Start.
type Sources struct {
	Microphone media.SampleTap
	Remote     []media.PacketTap
	Screen     VideoTap
}

// ChunkFunc delivers one drained chunk.
type ChunkFunc func(chunk domain.RecordingChunk) error

// Pipeline records the room into a WebM container and emits it in chunks.
type Pipeline struct {
	cfg    Config
	emit   ChunkFunc
	logger *zap.SugaredLogger

	mu     sync.Mutex
	active *session
}

type session struct {
	buf      *chunkBuffer
	tracks   []*trackWriter
	detach   []func()
	mimeType string
	hasVideo bool
	seq      uint64
	started  time.Time
	stop     chan struct{}
	done     chan struct{}
}

func NewPipeline(cfg Config, emit ChunkFunc, logger *zap.SugaredLogger) *Pipeline {
	if cfg.Cadence <= 0 {
		cfg.Cadence = DefaultConfig().Cadence
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultConfig().CloseTimeout
	}
	return &Pipeline{cfg: cfg, emit: emit, logger: logger}
}

func (p *Pipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active != nil
}

// MimeType of the running recording, "" when idle.
func (p *Pipeline) MimeType() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil {
		return ""
	}
	return p.active.mimeType
}

// Start begins a recording. A second Start while recording returns
// domain.ErrRecordingActive and leaves the running recording untouched.
func (p *Pipeline) Start(src Sources) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active != nil {
		return domain.ErrRecordingActive
	}
	if src.Microphone == nil {
		return apperrors.NewRecorderFailedError(fmt.Errorf("no microphone source"))
	}

	entries := []webm.TrackEntry{opusEntry(1, "local")}
	for i, remote := range src.Remote {
		entries = append(entries, opusEntry(uint64(i+2), remote.ID()))
	}
	if src.Screen != nil {
		w, h := src.Screen.Dimensions()
		entries = append(entries, webm.TrackEntry{
			Name:        "screen",
			TrackNumber: uint64(len(entries) + 1),
			TrackUID:    uint64(len(entries) + 1),
			CodecID:     "V_VP8",
			TrackType:   1,
			Video: &webm.Video{
				PixelWidth:  uint64(w),
				PixelHeight: uint64(h),
			},
		})
	}

	buf := newChunkBuffer()
	writers, err := webm.NewSimpleBlockWriter(buf, entries)
	if err != nil {
		return apperrors.NewRecorderFailedError(fmt.Errorf("failed to create WebM writer: %w", err))
	}

	now := time.Now()
	s := &session{
		buf:      buf,
		mimeType: domain.MimeAudioWebM,
		hasVideo: src.Screen != nil,
		started:  now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if s.hasVideo {
		s.mimeType = domain.MimeVideoWebM
	}
	for i, w := range writers {
		s.tracks = append(s.tracks, &trackWriter{w: w, start: now, video: s.hasVideo && i == len(writers)-1})
	}

	src.Microphone.AttachSink(sinkName, sampleTrack{s.tracks[0]})
	s.detach = append(s.detach, func() { src.Microphone.DetachSink(sinkName) })
	for i, remote := range src.Remote {
		remote := remote
		remote.AttachSink(sinkName, packetTrack{s.tracks[i+1]})
		s.detach = append(s.detach, func() { remote.DetachSink(sinkName) })
	}
	if src.Screen != nil {
		src.Screen.AttachSink(sinkName, sampleTrack{s.tracks[len(s.tracks)-1]})
		s.detach = append(s.detach, func() { src.Screen.DetachSink(sinkName) })
	}

	p.active = s
	go p.run(s)

	p.logger.Infow("recording started",
		"tracks", len(entries),
		"remote_streams", len(src.Remote),
		"video", s.hasVideo,
	)
	return nil
}

// Stop flushes the final chunk. Stopping while idle is a no-op.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	s := p.active
	p.active = nil
	p.mu.Unlock()
	if s == nil {
		return nil
	}

	for _, detach := range s.detach {
		detach()
	}
	close(s.stop)
	<-s.done

	var closeErr error
	for _, t := range s.tracks {
		if err := t.close(); err != nil && closeErr == nil {
			closeErr = err
		}
	}
	select {
	case <-s.buf.closed:
	case <-time.After(p.cfg.CloseTimeout):
		p.logger.Warnw("recording container did not finish in time")
	}
	p.flush(s)

	p.logger.Infow("recording stopped", "chunks", s.seq, "duration", time.Since(s.started))
	if closeErr != nil {
		return apperrors.NewRecorderFailedError(closeErr)
	}
	return nil
}

func (p *Pipeline) run(s *session) {
	defer close(s.done)
	ticker := time.NewTicker(p.cfg.Cadence)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			p.flush(s)
		}
	}
}

func (p *Pipeline) flush(s *session) {
	payload := s.buf.Drain()
	if len(payload) == 0 {
		return
	}
	chunk := domain.RecordingChunk{
		Payload:  payload,
		MimeType: s.mimeType,
		Sequence: s.seq,
		HasVideo: s.hasVideo,
	}
	s.seq++
	if err := p.emit(chunk); err != nil {
		p.logger.Warnw("failed to send recording chunk", "sequence", chunk.Sequence, "error", err)
	}
}

func opusEntry(n uint64, name string) webm.TrackEntry {
	return webm.TrackEntry{
		Name:        name,
		TrackNumber: n,
		TrackUID:    n,
		CodecID:     "A_OPUS",
		TrackType:   2,
		Audio: &webm.Audio{
			SamplingFrequency: 48000.0,
			Channels:          2,
		},
	}
}
