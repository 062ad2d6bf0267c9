package room

import (
	"context"
	"time"

	pion "github.com/pion/webrtc/v3"

	"podlive/internal/core/domain"
	"podlive/internal/infrastructure/media"
	"podlive/internal/infrastructure/recording"
	"podlive/internal/infrastructure/signal"
	"podlive/internal/infrastructure/webrtc"
)

// Transport is the signaling channel as the coordinator uses it.
type Transport interface {
	Send(msg signal.Message) error
	Messages() <-chan signal.Message
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Links is the subset of webrtc.LinkManager driven by the coordinator.
type Links interface {
	SetAudioTrack(track pion.TrackLocal)
	SetScreenTrack(track pion.TrackLocal)
	Offer(peer domain.ParticipantID, class domain.StreamClass) (string, uint64, error)
	Accept(peer domain.ParticipantID, class domain.StreamClass, sdp string, negotiation uint64) (string, bool, error)
	ApplyAnswer(peer domain.ParticipantID, class domain.StreamClass, sdp string, negotiation uint64) error
	AddCandidate(peer domain.ParticipantID, class domain.StreamClass, candidate pion.ICECandidateInit, negotiation uint64) error
	Close(peer domain.ParticipantID, class domain.StreamClass)
	CloseGen(peer domain.ParticipantID, class domain.StreamClass, gen uint64) bool
	ClosePeer(peer domain.ParticipantID)
	CloseClass(class domain.StreamClass)
	CloseAll()
	StateOf(peer domain.ParticipantID, class domain.StreamClass) webrtc.LinkState
	RemoteAudio() []media.PacketTap
}

var _ Links = (*webrtc.LinkManager)(nil)

type Microphone interface {
	media.SampleTap
	Track() pion.TrackLocal
	SetEnabled(enabled bool)
	Start(ctx context.Context) error
	Stop()
}

type Screen interface {
	recording.VideoTap
	Track() pion.TrackLocal
	Ended() <-chan struct{}
	Start(ctx context.Context) error
	Stop()
}

var (
	_ Microphone = (*media.Microphone)(nil)
	_ Screen     = (*media.ScreenCapture)(nil)
)

// Devices acquires local capture sources. Errors are reported to the
// caller as permission failures.
type Devices interface {
	Microphone() (Microphone, error)
	Screen() (Screen, error)
}

type Recorder interface {
	Active() bool
	MimeType() string
	Start(src recording.Sources) error
	Stop() error
}

var _ Recorder = (*recording.Pipeline)(nil)

// LiveEnder ends a live episode upstream.
type LiveEnder interface {
	EndLive(ctx context.Context, id domain.EpisodeID) (*domain.Episode, error)
}

type Metrics interface {
	LinkStateChanged(class domain.StreamClass, from, to string)
	NegotiationFailed(class domain.StreamClass)
	LinkConnected(setup time.Duration)
	SpeechTransition(speaking bool)
}

type nopMetrics struct{}

func (nopMetrics) LinkStateChanged(domain.StreamClass, string, string) {}
func (nopMetrics) NegotiationFailed(domain.StreamClass)                {}
func (nopMetrics) LinkConnected(time.Duration)                         {}
func (nopMetrics) SpeechTransition(bool)                               {}

// Dependencies wires the coordinator to its collaborators. Dial, NewLinks
// and Devices are required.
type Dependencies struct {
	Dial        func(ctx context.Context) (Transport, error)
	NewLinks    func(sink webrtc.EventSink) Links
	Devices     Devices
	NewRecorder func(emit recording.ChunkFunc) Recorder
	Episodes    LiveEnder
	Metrics     Metrics
}
