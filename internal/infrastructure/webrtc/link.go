package webrtc

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v3"

	"podlive/internal/core/domain"
	"podlive/internal/infrastructure/media"
)

var ErrNegotiationTimeout = errors.New("negotiation timed out")

type LinkState int

const (
	LinkNegotiating LinkState = iota
	LinkConnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkConnected:
		return "connected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	default:
		return "negotiating"
	}
}

// Link is one peer connection for a (participant, stream class) pair.
type Link struct {
	Peer  domain.ParticipantID
	Class domain.StreamClass
	Gen   uint64

	pc             PeerConnection
	state          LinkState
	negotiation    uint64
	awaitingAnswer bool
	remoteSet      bool
	pending        []webrtc.ICECandidateInit
	remote         *RemoteTrack

	ctx    context.Context
	cancel context.CancelFunc
	timer  *time.Timer
}

func (l *Link) State() LinkState { return l.state }

// matches reports whether a remote message belongs to the link's
// negotiation. Zero on either side is an untagged exchange.
func (l *Link) matches(negotiation uint64) bool {
	return negotiation == 0 || l.negotiation == 0 || negotiation == l.negotiation
}

// RemoteTrack is a received track fanned out to attached sinks.
type RemoteTrack struct {
	*media.PacketFanout
	Peer         domain.ParticipantID
	Class        domain.StreamClass
	Kind         webrtc.RTPCodecType
	MimeType     string
	AudioLevelID uint8
	SSRC         webrtc.SSRC
}

// Event is posted from pion callbacks and timers.
type Event interface {
	LinkKey() (domain.ParticipantID, domain.StreamClass, uint64)
}

type CandidateEvent struct {
	Peer        domain.ParticipantID
	Class       domain.StreamClass
	Gen         uint64
	Negotiation uint64
	Candidate   webrtc.ICECandidateInit
}

type StateEvent struct {
	Peer  domain.ParticipantID
	Class domain.StreamClass
	Gen   uint64
	State LinkState
	Cause error
}

type TrackEvent struct {
	Peer  domain.ParticipantID
	Class domain.StreamClass
	Gen   uint64
	Track *RemoteTrack
}

func (e CandidateEvent) LinkKey() (domain.ParticipantID, domain.StreamClass, uint64) {
	return e.Peer, e.Class, e.Gen
}

func (e StateEvent) LinkKey() (domain.ParticipantID, domain.StreamClass, uint64) {
	return e.Peer, e.Class, e.Gen
}

func (e TrackEvent) LinkKey() (domain.ParticipantID, domain.StreamClass, uint64) {
	return e.Peer, e.Class, e.Gen
}
