package room

import (
	"fmt"
	"time"

	"podlive/internal/core/domain"
	"podlive/internal/infrastructure/signal"
	"podlive/internal/infrastructure/webrtc"
)

// handler applies one inbound message to the state and returns the side
// effects it requires. Handlers never touch links, media or the transport.
type handler func(s *State, msg signal.Message) []Effect

var handlers = map[signal.MessageType]handler{
	signal.TypeUsersList:              onUsersList,
	signal.TypeUserJoined:             onUserJoined,
	signal.TypeOffer:                  onOffer,
	signal.TypeAnswer:                 onAnswer,
	signal.TypeICECandidate:           onCandidate,
	signal.TypeSpeakerRequest:         onSpeakerRequest,
	signal.TypeSpeakerRequestResponse: onSpeakerResponse,
	signal.TypeRevokeSpeaker:          onRevoke,
	signal.TypeUserStatusUpdate:       onStatusUpdate,
	signal.TypeScreenShareStarted:     onScreenShareStarted,
	signal.TypeScreenShareStopped:     onScreenShareStopped,
	signal.TypeRequestScreenOffer:     onRequestScreenOffer,
	signal.TypeSpeechEvent:            onSpeechEvent,
	signal.TypeChatMessage:            onChat,
	signal.TypeDisconnect:             onDisconnect,
	signal.TypeLiveEnded:              onLiveEnded,
	signal.TypeRecordingStarted:       onRecordingNotice,
	signal.TypeRecordingStopped:       onRecordingNotice,
	signal.TypeRecordingCreated:       onRecordingNotice,
	signal.TypeError:                  onRelayError,
}

// Dispatch routes msg to its handler. Unknown types produce no effects.
func Dispatch(s *State, msg signal.Message) []Effect {
	h, ok := handlers[msg.Type]
	if !ok {
		return nil
	}
	return h(s, msg)
}

func streamType(class domain.StreamClass) string {
	if class == domain.StreamScreen {
		return string(domain.StreamScreen)
	}
	return ""
}

func messageTime(msg signal.Message, s *State) time.Time {
	if msg.Timestamp > 0 {
		return time.UnixMilli(msg.Timestamp)
	}
	return s.Now()
}

func onUsersList(s *State, msg signal.Message) []Effect {
	now := s.Now()
	var effects []Effect
	for _, u := range msg.Users {
		if u.ID == s.Self || u.ID == "" {
			continue
		}
		p := s.Registry.Upsert(u.ID, u.Name, now)
		s.syncFlags(p)
		if s.InCall {
			effects = append(effects, OfferLink{Peer: u.ID, Class: domain.StreamAudio})
		}
	}
	if s.IsHost() && len(msg.Users) > 0 {
		effects = append(effects, Send{s.statusUpdate()})
	}
	return effects
}

func onUserJoined(s *State, msg signal.Message) []Effect {
	id := msg.Sender
	if id == "" || id == s.Self {
		return nil
	}

	var effects []Effect
	if _, known := s.Registry.Get(id); known {
		// a second session replaces the first without a disconnect
		effects = append(effects, CloseLink{Peer: id}, StopDetector{Peer: id})
	}
	p := s.Registry.Upsert(id, msg.Name, s.Now())
	s.syncFlags(p)
	delete(s.AudioAbsent, id)

	effects = append(effects, notify(NotifyJoined, id, fmt.Sprintf("%s joined", p.Name)))
	if s.IsHost() {
		effects = append(effects, Send{s.statusUpdate()})
	}
	if s.Sharing {
		effects = append(effects, Send{signal.Message{
			Type:      signal.TypeScreenShareStarted,
			Recipient: id,
		}})
	}
	return effects
}

func onOffer(s *State, msg signal.Message) []Effect {
	if !s.Registry.IsActive(msg.Sender) || msg.Sender == s.Self {
		return nil
	}
	class := msg.Class()
	if class == domain.StreamAudio && !s.InCall {
		return nil
	}
	return []Effect{AnswerOffer{Peer: msg.Sender, Class: class, SDP: msg.SDP, Negotiation: msg.Negotiation}}
}

func onAnswer(s *State, msg signal.Message) []Effect {
	if !s.Registry.IsActive(msg.Sender) {
		return nil
	}
	return []Effect{ApplyAnswer{Peer: msg.Sender, Class: msg.Class(), SDP: msg.SDP, Negotiation: msg.Negotiation}}
}

func onCandidate(s *State, msg signal.Message) []Effect {
	if !s.Registry.IsActive(msg.Sender) || msg.Candidate == nil {
		return nil
	}
	return []Effect{AddCandidate{
		Peer:        msg.Sender,
		Class:       msg.Class(),
		Candidate:   *msg.Candidate,
		Negotiation: msg.Negotiation,
	}}
}

func onSpeakerRequest(s *State, msg signal.Message) []Effect {
	if !s.IsHost() || !s.Registry.IsActive(msg.Sender) {
		return nil
	}
	at := msg.Timestamp
	if at == 0 {
		at = s.nowMillis()
	}
	if err := s.Roles.Request(msg.Sender, at); err != nil {
		// repeated requests collapse onto the pending one
		return nil
	}
	return []Effect{notify(NotifySpeakerRequest, msg.Sender, fmt.Sprintf("%s wants to speak", s.name(msg.Sender)))}
}

func onSpeakerResponse(s *State, msg signal.Message) []Effect {
	approved := msg.Approved != nil && *msg.Approved
	target := msg.Recipient

	if s.IsHost() {
		// the only response the host receives is a requester withdrawing
		if msg.Sender != target || approved {
			return nil
		}
		if err := s.Roles.Decline(target); err != nil {
			return nil
		}
		return []Effect{
			Send{s.statusUpdate()},
			notify(NotifySpeakerRequest, target, fmt.Sprintf("%s withdrew their request", s.name(target))),
		}
	}

	if target != s.Self || msg.Sender != s.Roles.Host() {
		return nil
	}
	self, _ := s.Registry.Get(s.Self)
	if approved {
		s.Roles.Grant(s.Self)
		s.syncFlags(self)
		return []Effect{
			SetMicrophone{Enabled: true},
			notify(NotifyRole, s.Self, "Your request to speak was approved"),
		}
	}
	if err := s.Roles.Decline(s.Self); err != nil {
		return nil
	}
	s.syncFlags(self)
	return []Effect{notify(NotifyRole, s.Self, "Your request to speak was declined")}
}

func onRevoke(s *State, msg signal.Message) []Effect {
	if s.IsHost() || msg.Recipient != s.Self || msg.Sender != s.Roles.Host() {
		return nil
	}
	_ = s.Roles.Revoke(s.Self)
	self, _ := s.Registry.Get(s.Self)
	s.syncFlags(self)
	// the microphone goes off whether or not we thought we were speaking
	return []Effect{
		SetMicrophone{Enabled: false},
		notify(NotifyRole, s.Self, "You are no longer a speaker"),
	}
}

func onStatusUpdate(s *State, msg signal.Message) []Effect {
	if s.IsHost() || msg.Sender != s.Roles.Host() {
		return nil
	}
	could := s.SelfRole().CanSpeak()
	s.Roles.Reconcile(msg.Statuses)
	s.syncAll()

	can := s.SelfRole().CanSpeak()
	if can == could {
		return nil
	}
	text := "You are no longer a speaker"
	if can {
		text = "You are now a speaker"
	}
	return []Effect{SetMicrophone{Enabled: can}, notify(NotifyRole, s.Self, text)}
}

func onScreenShareStarted(s *State, msg signal.Message) []Effect {
	sharer := msg.Sender
	if sharer == s.Self || !s.Registry.IsActive(sharer) {
		return nil
	}
	s.Sharer = sharer
	s.syncAll()
	return []Effect{
		notify(NotifyScreen, sharer, fmt.Sprintf("%s is sharing their screen", s.name(sharer))),
		Send{signal.Message{Type: signal.TypeRequestScreenOffer, Recipient: sharer}},
	}
}

func onScreenShareStopped(s *State, msg signal.Message) []Effect {
	sharer := msg.Sender
	if sharer == s.Self {
		return nil
	}
	effects := []Effect{CloseLink{Peer: sharer, Class: domain.StreamScreen}}
	if s.Sharer == sharer {
		s.Sharer = ""
		s.syncAll()
		effects = append(effects, notify(NotifyScreen, sharer, fmt.Sprintf("%s stopped sharing", s.name(sharer))))
	}
	return effects
}

func onRequestScreenOffer(s *State, msg signal.Message) []Effect {
	if !s.Sharing || !s.Registry.IsActive(msg.Sender) {
		return nil
	}
	return []Effect{OfferLink{Peer: msg.Sender, Class: domain.StreamScreen}}
}

func onSpeechEvent(s *State, msg signal.Message) []Effect {
	if msg.Speaking == nil || msg.Sender == s.Self {
		return nil
	}
	var since time.Time
	if msg.SpeakingStart > 0 {
		since = time.UnixMilli(msg.SpeakingStart)
	}
	s.setSpeaking(msg.Sender, *msg.Speaking, messageTime(msg, s), since)
	return nil
}

func onChat(s *State, msg signal.Message) []Effect {
	return []Effect{notify(NotifyChat, msg.Sender, fmt.Sprintf("%s: %s", s.name(msg.Sender), msg.Content))}
}

func onDisconnect(s *State, msg signal.Message) []Effect {
	id := msg.ClientID
	if id == "" {
		id = msg.Sender
	}
	if id == "" || id == s.Self {
		return nil
	}
	if !s.Registry.MarkLeft(id, s.Now()) {
		return nil
	}
	delete(s.AudioAbsent, id)

	effects := []Effect{CloseLink{Peer: id}, StopDetector{Peer: id}}
	if s.Sharer == id {
		s.Sharer = ""
	}
	if s.IsHost() {
		_ = s.Roles.Decline(id)
		effects = append(effects, Send{s.statusUpdate()})
	}
	return append(effects, notify(NotifyLeft, id, fmt.Sprintf("%s left", s.name(id))))
}

func onLiveEnded(s *State, _ signal.Message) []Effect {
	if s.Ended {
		return nil
	}
	s.Ended = true
	return []Effect{
		notify(NotifyLiveEnded, "", "The live has ended"),
		EndSession{Reason: "live ended"},
	}
}

func onRecordingNotice(_ *State, msg signal.Message) []Effect {
	var text string
	switch msg.Type {
	case signal.TypeRecordingStarted:
		text = "Recording started"
	case signal.TypeRecordingStopped:
		text = "Recording saved"
	default:
		text = "Recording created"
	}
	if msg.Filename != "" {
		text += ": " + msg.Filename
	}
	return []Effect{notify(NotifyRecording, msg.Sender, text)}
}

func onRelayError(_ *State, msg signal.Message) []Effect {
	return []Effect{notify(NotifyError, "", msg.Error)}
}

// HandleLinkEvent applies an event from the link manager.
func HandleLinkEvent(s *State, ev webrtc.Event) []Effect {
	switch ev := ev.(type) {
	case webrtc.CandidateEvent:
		if !s.Registry.IsActive(ev.Peer) {
			return nil
		}
		candidate := ev.Candidate
		return []Effect{Send{signal.Message{
			Type:        signal.TypeICECandidate,
			Recipient:   ev.Peer,
			StreamType:  streamType(ev.Class),
			Candidate:   &candidate,
			Negotiation: ev.Negotiation,
		}}}
	case webrtc.StateEvent:
		switch ev.State {
		case webrtc.LinkConnected:
			if ev.Class == domain.StreamAudio {
				delete(s.AudioAbsent, ev.Peer)
			}
		case webrtc.LinkFailed:
			if ev.Class == domain.StreamAudio && s.Registry.IsActive(ev.Peer) {
				s.AudioAbsent[ev.Peer] = true
			}
			effects := []Effect{CloseLink{Peer: ev.Peer, Class: ev.Class, Gen: ev.Gen}}
			if ev.Class == domain.StreamAudio {
				effects = append(effects, StopDetector{Peer: ev.Peer})
			}
			return effects
		}
	case webrtc.TrackEvent:
		if !s.Registry.IsActive(ev.Peer) {
			return nil
		}
		if ev.Class == domain.StreamAudio {
			return []Effect{StartDetector{Peer: ev.Peer, Track: ev.Track}}
		}
		return []Effect{notify(NotifyScreen, ev.Peer, fmt.Sprintf("Receiving %s's screen", s.name(ev.Peer)))}
	}
	return nil
}
