package room

import (
	pion "github.com/pion/webrtc/v3"

	"podlive/internal/core/domain"
	"podlive/internal/infrastructure/signal"
	"podlive/internal/infrastructure/webrtc"
)

// Effect is a side effect requested by a handler and executed by the
// coordinator loop.
type Effect interface {
	effect()
}

// Send queues a message on the signaling channel.
type Send struct {
	Msg signal.Message
}

// OfferLink opens a link to Peer and sends the offer.
type OfferLink struct {
	Peer  domain.ParticipantID
	Class domain.StreamClass
}

// AnswerOffer accepts a remote offer and sends the answer. Negotiation
// is echoed back so the offerer can match the answer to its offer.
type AnswerOffer struct {
	Peer        domain.ParticipantID
	Class       domain.StreamClass
	SDP         string
	Negotiation uint64
}

// ApplyAnswer sets the remote description of a local offer.
type ApplyAnswer struct {
	Peer        domain.ParticipantID
	Class       domain.StreamClass
	SDP         string
	Negotiation uint64
}

type AddCandidate struct {
	Peer        domain.ParticipantID
	Class       domain.StreamClass
	Candidate   pion.ICECandidateInit
	Negotiation uint64
}

// CloseLink closes the pair's link. A zero Class closes both classes.
type CloseLink struct {
	Peer  domain.ParticipantID
	Class domain.StreamClass
	// Gen, when set, only closes the link of that generation.
	Gen uint64
}

// SetMicrophone gates the local microphone track.
type SetMicrophone struct {
	Enabled bool
}

// StartDetector watches a remote audio track for speech.
type StartDetector struct {
	Peer  domain.ParticipantID
	Track *webrtc.RemoteTrack
}

type StopDetector struct {
	Peer domain.ParticipantID
}

type Notify struct {
	Notification
}

// EndSession tears the local session down after the effects before it.
type EndSession struct {
	Reason string
}

func (Send) effect()          {}
func (OfferLink) effect()     {}
func (AnswerOffer) effect()   {}
func (ApplyAnswer) effect()   {}
func (AddCandidate) effect()  {}
func (CloseLink) effect()     {}
func (SetMicrophone) effect() {}
func (StartDetector) effect() {}
func (StopDetector) effect()  {}
func (Notify) effect()        {}
func (EndSession) effect()    {}

type NotificationKind string

const (
	NotifyJoined         NotificationKind = "joined"
	NotifyLeft           NotificationKind = "left"
	NotifySpeakerRequest NotificationKind = "speaker-request"
	NotifyRole           NotificationKind = "role"
	NotifyScreen         NotificationKind = "screen"
	NotifyChat           NotificationKind = "chat"
	NotifyRecording      NotificationKind = "recording"
	NotifyLiveEnded      NotificationKind = "live-ended"
	NotifyError          NotificationKind = "error"
)

// Notification is a human readable event for the UI layer.
type Notification struct {
	Kind        NotificationKind
	Text        string
	Participant domain.ParticipantID
}

func notify(kind NotificationKind, who domain.ParticipantID, text string) Effect {
	return Notify{Notification{Kind: kind, Text: text, Participant: who}}
}
