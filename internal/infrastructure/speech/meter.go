package speech

import (
	"sync"

	"github.com/pion/rtp"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"

	"podlive/internal/infrastructure/media"
)

// Meter is an audio analysis context. Level returns the mean magnitude
// observed since the previous call, and false when nothing arrived.
type Meter interface {
	Level() (float64, bool)
	Close()
}

type accumulator struct {
	mu     sync.Mutex
	sum    float64
	count  int
	closed bool
}

func (a *accumulator) add(v float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.sum += v
	a.count++
}

func (a *accumulator) Level() (float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.count == 0 {
		return 0, false
	}
	avg := a.sum / float64(a.count)
	a.sum, a.count = 0, 0
	return avg, true
}

func (a *accumulator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.sum, a.count = 0, 0
}

func (a *accumulator) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// RTPLevelMeter measures a remote track from the audio level header
// extension. With no negotiated extension it falls back to payload size.
type RTPLevelMeter struct {
	accumulator
	extensionID uint8
}

func NewRTPLevelMeter(extensionID uint8) *RTPLevelMeter {
	return &RTPLevelMeter{extensionID: extensionID}
}

var _ media.PacketSink = (*RTPLevelMeter)(nil)

func (m *RTPLevelMeter) WriteRTP(pkt *rtp.Packet) {
	if m.extensionID != 0 {
		if raw := pkt.GetExtension(m.extensionID); raw != nil {
			var ext rtp.AudioLevelExtension
			if err := ext.Unmarshal(raw); err == nil {
				m.add(levelFromDBov(ext.Level))
				return
			}
		}
	}
	m.add(media.PacketLevel(len(pkt.Payload)))
}

// levelFromDBov maps -dBov (0 loudest, 127 silent) to [0, 1].
func levelFromDBov(level uint8) float64 {
	if level > 127 {
		level = 127
	}
	return float64(127-level) / 127
}

// SampleMeter measures the local microphone from source-supplied levels.
type SampleMeter struct {
	accumulator
}

func NewSampleMeter() *SampleMeter { return &SampleMeter{} }

var _ media.SampleSink = (*SampleMeter)(nil)

func (m *SampleMeter) ConsumeSample(_ pionmedia.Sample, level float64) {
	m.add(level)
}
