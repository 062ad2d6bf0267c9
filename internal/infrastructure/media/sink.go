package media

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media"
)

// SampleSink consumes locally produced samples. level is the source's
// normalized loudness estimate in [0, 1].
type SampleSink interface {
	ConsumeSample(sample media.Sample, level float64)
}

// PacketSink consumes RTP packets read from a remote track.
type PacketSink interface {
	WriteRTP(pkt *rtp.Packet)
}

// SampleTap is a local source that fans samples out to named sinks.
type SampleTap interface {
	AttachSink(name string, sink SampleSink)
	DetachSink(name string)
}

// PacketTap is a remote track that fans packets out to named sinks.
type PacketTap interface {
	ID() string
	AttachSink(name string, sink PacketSink)
	DetachSink(name string)
}

type sampleSinks struct {
	mu    sync.RWMutex
	sinks map[string]SampleSink
}

func (s *sampleSinks) attach(name string, sink SampleSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sinks == nil {
		s.sinks = make(map[string]SampleSink)
	}
	s.sinks[name] = sink
}

func (s *sampleSinks) detach(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sinks, name)
}

func (s *sampleSinks) fanout(sample media.Sample, level float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sink := range s.sinks {
		sink.ConsumeSample(sample, level)
	}
}

// PacketFanout is the PacketTap used by remote tracks.
type PacketFanout struct {
	id    string
	mu    sync.RWMutex
	sinks map[string]PacketSink
}

func NewPacketFanout(id string) *PacketFanout {
	return &PacketFanout{id: id, sinks: make(map[string]PacketSink)}
}

func (f *PacketFanout) ID() string { return f.id }

func (f *PacketFanout) AttachSink(name string, sink PacketSink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks[name] = sink
}

func (f *PacketFanout) DetachSink(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sinks, name)
}

// Dispatch delivers one packet to every attached sink.
func (f *PacketFanout) Dispatch(pkt *rtp.Packet) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, sink := range f.sinks {
		sink.WriteRTP(pkt)
	}
}
