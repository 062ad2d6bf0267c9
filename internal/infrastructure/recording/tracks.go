package recording

import (
	"sync"
	"time"

	"github.com/at-wat/ebml-go/webm"
	"github.com/pion/rtp"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"

	"podlive/internal/infrastructure/media"
)

// trackWriter serializes writes into one container track and refuses
// writes after close.
type trackWriter struct {
	mu     sync.Mutex
	w      webm.BlockWriteCloser
	start  time.Time
	closed bool
	video  bool
	synced bool
}

func (t *trackWriter) write(keyframe bool, payload []byte) {
	if len(payload) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if t.video && !t.synced {
		// the first video block must be decodable on its own
		if !keyframe {
			return
		}
		t.synced = true
	}
	ts := time.Since(t.start).Milliseconds()
	_, _ = t.w.Write(keyframe, ts, payload)
}

func (t *trackWriter) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.w.Close()
}

type sampleTrack struct{ *trackWriter }

var _ media.SampleSink = sampleTrack{}

func (s sampleTrack) ConsumeSample(sample pionmedia.Sample, _ float64) {
	keyframe := true
	if s.video {
		keyframe = media.IsVP8Keyframe(sample.Data)
	}
	s.write(keyframe, sample.Data)
}

type packetTrack struct{ *trackWriter }

var _ media.PacketSink = packetTrack{}

func (p packetTrack) WriteRTP(pkt *rtp.Packet) {
	p.write(true, pkt.Payload)
}
