package room

import (
	"testing"
	"time"

	pion "github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podlive/internal/core/domain"
	"podlive/internal/infrastructure/signal"
	"podlive/internal/infrastructure/webrtc"
)

func newTestState(self, host domain.ParticipantID, members ...domain.ParticipantID) *State {
	s := NewState(self, string(self), "ep1", host, time.Minute)
	now := time.Unix(1000, 0)
	s.Now = func() time.Time { return now }
	for _, id := range members {
		s.Registry.Upsert(id, string(id), now)
	}
	s.syncAll()
	return s
}

func sends(effects []Effect) []signal.Message {
	var out []signal.Message
	for _, e := range effects {
		if s, ok := e.(Send); ok {
			out = append(out, s.Msg)
		}
	}
	return out
}

func TestDispatch_UsersListOffersWhenInCall(t *testing.T) {
	s := newTestState("me", "host")
	s.InCall = true

	effects := Dispatch(s, members("me", "a", "b"))

	assert.Equal(t, []Effect{
		OfferLink{Peer: "a", Class: domain.StreamAudio},
		OfferLink{Peer: "b", Class: domain.StreamAudio},
	}, effects)
	assert.Equal(t, []domain.ParticipantID{"me", "a", "b"}, s.activeIDs())
}

func TestDispatch_UsersListHostBroadcastsStatus(t *testing.T) {
	s := newTestState("host", "host")

	msgs := sends(Dispatch(s, members("a")))
	require.Len(t, msgs, 1)
	assert.Equal(t, signal.TypeUserStatusUpdate, msgs[0].Type)
	assert.Len(t, msgs[0].Statuses, 2)
}

func TestDispatch_UserJoinedReplacesSession(t *testing.T) {
	s := newTestState("me", "host", "a")

	effects := Dispatch(s, joined("a"))
	require.GreaterOrEqual(t, len(effects), 3)
	assert.Equal(t, CloseLink{Peer: "a"}, effects[0])
	assert.Equal(t, StopDetector{Peer: "a"}, effects[1])

	effects = Dispatch(s, joined("b"))
	require.Len(t, effects, 1)
	n, ok := effects[0].(Notify)
	require.True(t, ok)
	assert.Equal(t, NotifyJoined, n.Kind)
}

func TestDispatch_UserJoinedSeesActiveShare(t *testing.T) {
	s := newTestState("me", "host")
	s.Sharing = true
	s.Sharer = "me"

	msgs := sends(Dispatch(s, joined("a")))
	require.Len(t, msgs, 1)
	assert.Equal(t, signal.TypeScreenShareStarted, msgs[0].Type)
	assert.Equal(t, domain.ParticipantID("a"), msgs[0].Recipient)
}

func TestDispatch_OfferRequiresCallForAudio(t *testing.T) {
	s := newTestState("me", "host", "a")
	offer := signal.Message{Type: signal.TypeOffer, Sender: "a", SDP: "v=0", Negotiation: 3}

	assert.Empty(t, Dispatch(s, offer))

	s.InCall = true
	assert.Equal(t, []Effect{AnswerOffer{Peer: "a", Class: domain.StreamAudio, SDP: "v=0", Negotiation: 3}}, Dispatch(s, offer))

	screen := offer
	screen.StreamType = "screen"
	s.InCall = false
	assert.Equal(t, []Effect{AnswerOffer{Peer: "a", Class: domain.StreamScreen, SDP: "v=0", Negotiation: 3}}, Dispatch(s, screen))

	stranger := offer
	stranger.Sender = "ghost"
	assert.Empty(t, Dispatch(s, stranger))
}

func TestDispatch_AnswerAndCandidateKeepNegotiation(t *testing.T) {
	s := newTestState("me", "host", "a")
	candidate := pion.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 5000 typ host"}

	answer := signal.Message{Type: signal.TypeAnswer, Sender: "a", StreamType: "screen", SDP: "v=0", Negotiation: 4}
	assert.Equal(t, []Effect{ApplyAnswer{Peer: "a", Class: domain.StreamScreen, SDP: "v=0", Negotiation: 4}}, Dispatch(s, answer))

	ice := signal.Message{Type: signal.TypeICECandidate, Sender: "a", StreamType: "screen", Candidate: &candidate, Negotiation: 4}
	assert.Equal(t, []Effect{AddCandidate{
		Peer:        "a",
		Class:       domain.StreamScreen,
		Candidate:   candidate,
		Negotiation: 4,
	}}, Dispatch(s, ice))
}

func TestDispatch_SpeakerRequestCollapses(t *testing.T) {
	s := newTestState("host", "host", "a")
	req := signal.Message{Type: signal.TypeSpeakerRequest, Sender: "a", Timestamp: 500}

	require.Len(t, Dispatch(s, req), 1)
	assert.Empty(t, Dispatch(s, req))
	pending := s.Roles.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, int64(500), pending[0].Timestamp)

	listener := newTestState("b", "host", "a")
	assert.Empty(t, Dispatch(listener, req))
	assert.Empty(t, listener.Roles.Pending())
}

func TestDispatch_HostSeesWithdraw(t *testing.T) {
	s := newTestState("host", "host", "a")
	require.NoError(t, s.Roles.Request("a", 1))

	effects := Dispatch(s, signal.Message{
		Type:      signal.TypeSpeakerRequestResponse,
		Sender:    "a",
		Recipient: "a",
		Approved:  domain.Bool(false),
	})
	msgs := sends(effects)
	require.Len(t, msgs, 1)
	assert.Equal(t, signal.TypeUserStatusUpdate, msgs[0].Type)
	assert.Equal(t, domain.RoleListener, s.Roles.Role("a"))
}

func TestDispatch_ApprovalFromHostOnly(t *testing.T) {
	s := newTestState("me", "host", "host", "mallory")
	require.NoError(t, s.Roles.Request("me", 1))
	approve := signal.Message{
		Type:      signal.TypeSpeakerRequestResponse,
		Sender:    "mallory",
		Recipient: "me",
		Approved:  domain.Bool(true),
	}

	assert.Empty(t, Dispatch(s, approve))
	assert.Equal(t, domain.RolePendingSpeaker, s.SelfRole())

	approve.Sender = "host"
	effects := Dispatch(s, approve)
	require.NotEmpty(t, effects)
	assert.Equal(t, SetMicrophone{Enabled: true}, effects[0])
	assert.Equal(t, domain.RoleSpeaker, s.SelfRole())
	self, _ := s.Registry.Get("me")
	assert.True(t, self.IsSpeaker)
}

func TestDispatch_RevokeDisablesMicrophone(t *testing.T) {
	s := newTestState("me", "host", "host")
	s.Roles.Grant("me")

	effects := Dispatch(s, signal.Message{Type: signal.TypeRevokeSpeaker, Sender: "host", Recipient: "me"})
	require.NotEmpty(t, effects)
	assert.Equal(t, SetMicrophone{Enabled: false}, effects[0])
	assert.Equal(t, domain.RoleListener, s.SelfRole())
}

func TestDispatch_StatusUpdateTogglesMicrophone(t *testing.T) {
	s := newTestState("me", "host", "host", "a")
	update := signal.Message{
		Type:   signal.TypeUserStatusUpdate,
		Sender: "host",
		Statuses: []domain.ParticipantStatus{
			{ID: "host", IsHost: true, IsSpeaker: true},
			{ID: "me", IsSpeaker: true},
			{ID: "a"},
		},
	}

	effects := Dispatch(s, update)
	require.Len(t, effects, 2)
	assert.Equal(t, SetMicrophone{Enabled: true}, effects[0])

	assert.Empty(t, Dispatch(s, update))

	forged := update
	forged.Sender = "a"
	forged.Statuses = []domain.ParticipantStatus{{ID: "me"}}
	assert.Empty(t, Dispatch(s, forged))
	assert.Equal(t, domain.RoleSpeaker, s.SelfRole())
}

func TestDispatch_ScreenShareFlow(t *testing.T) {
	s := newTestState("me", "host", "a")

	msgs := sends(Dispatch(s, signal.Message{Type: signal.TypeScreenShareStarted, Sender: "a"}))
	require.Len(t, msgs, 1)
	assert.Equal(t, signal.TypeRequestScreenOffer, msgs[0].Type)
	assert.Equal(t, domain.ParticipantID("a"), msgs[0].Recipient)
	assert.Equal(t, domain.ParticipantID("a"), s.Sharer)
	p, _ := s.Registry.Get("a")
	assert.True(t, p.IsScreenSharing)

	effects := Dispatch(s, signal.Message{Type: signal.TypeScreenShareStopped, Sender: "a"})
	assert.Equal(t, CloseLink{Peer: "a", Class: domain.StreamScreen}, effects[0])
	assert.Empty(t, s.Sharer)
	assert.False(t, p.IsScreenSharing)
}

func TestDispatch_RequestScreenOffer(t *testing.T) {
	s := newTestState("me", "host", "a")
	req := signal.Message{Type: signal.TypeRequestScreenOffer, Sender: "a"}

	assert.Empty(t, Dispatch(s, req))
	s.Sharing = true
	assert.Equal(t, []Effect{OfferLink{Peer: "a", Class: domain.StreamScreen}}, Dispatch(s, req))
}

func TestDispatch_SpeechEventAccumulates(t *testing.T) {
	s := newTestState("me", "host", "a")
	start := time.Unix(2000, 0)

	Dispatch(s, signal.Message{Type: signal.TypeSpeechEvent, Sender: "a", Speaking: domain.Bool(true), Timestamp: domain.Millis(start)})
	p, _ := s.Registry.Get("a")
	assert.True(t, p.IsSpeaking)

	Dispatch(s, signal.Message{
		Type:          signal.TypeSpeechEvent,
		Sender:        "a",
		Speaking:      domain.Bool(false),
		Timestamp:     domain.Millis(start.Add(1500 * time.Millisecond)),
		SpeakingStart: domain.Millis(start),
	})
	assert.False(t, p.IsSpeaking)
	assert.Equal(t, 1500*time.Millisecond, p.SpeakingTime)
}

func TestDispatch_DisconnectCleansUp(t *testing.T) {
	s := newTestState("host", "host", "a")
	require.NoError(t, s.Roles.Request("a", 1))
	s.Sharer = "a"
	s.AudioAbsent["a"] = true

	effects := Dispatch(s, signal.Message{Type: signal.TypeDisconnect, ClientID: "a"})
	assert.Equal(t, CloseLink{Peer: "a"}, effects[0])
	assert.Equal(t, StopDetector{Peer: "a"}, effects[1])
	assert.False(t, s.Registry.IsActive("a"))
	assert.Empty(t, s.Sharer)
	assert.Empty(t, s.AudioAbsent)
	assert.Empty(t, s.Roles.Pending())

	msgs := sends(effects)
	require.Len(t, msgs, 1)
	assert.Len(t, msgs[0].Statuses, 1)

	assert.Empty(t, Dispatch(s, signal.Message{Type: signal.TypeDisconnect, ClientID: "a"}))
}

func TestDispatch_LiveEndedOnce(t *testing.T) {
	s := newTestState("me", "host")

	effects := Dispatch(s, signal.Message{Type: signal.TypeLiveEnded, Sender: "host"})
	require.Len(t, effects, 2)
	assert.IsType(t, EndSession{}, effects[1])
	assert.True(t, s.Ended)
	assert.Empty(t, Dispatch(s, signal.Message{Type: signal.TypeLiveEnded, Sender: "host"}))
}

func TestDispatch_UnknownType(t *testing.T) {
	s := newTestState("me", "host")
	assert.Nil(t, Dispatch(s, signal.Message{Type: "bogus"}))
}

func TestHandleLinkEvent_FailedMarksAudioAbsent(t *testing.T) {
	s := newTestState("me", "host", "a")

	effects := HandleLinkEvent(s, webrtc.StateEvent{Peer: "a", Class: domain.StreamAudio, Gen: 3, State: webrtc.LinkFailed})
	assert.Equal(t, []Effect{
		CloseLink{Peer: "a", Class: domain.StreamAudio, Gen: 3},
		StopDetector{Peer: "a"},
	}, effects)
	assert.True(t, s.AudioAbsent["a"])

	assert.Empty(t, HandleLinkEvent(s, webrtc.StateEvent{Peer: "a", Class: domain.StreamAudio, Gen: 4, State: webrtc.LinkConnected}))
	assert.False(t, s.AudioAbsent["a"])

	effects = HandleLinkEvent(s, webrtc.StateEvent{Peer: "a", Class: domain.StreamScreen, Gen: 5, State: webrtc.LinkFailed})
	assert.Equal(t, []Effect{CloseLink{Peer: "a", Class: domain.StreamScreen, Gen: 5}}, effects)
	assert.False(t, s.AudioAbsent["a"])
}

func TestHandleLinkEvent_CandidateIsRelayed(t *testing.T) {
	s := newTestState("me", "host", "a")

	msgs := sends(HandleLinkEvent(s, webrtc.CandidateEvent{Peer: "a", Class: domain.StreamScreen, Negotiation: 9}))
	require.Len(t, msgs, 1)
	assert.Equal(t, signal.TypeICECandidate, msgs[0].Type)
	assert.Equal(t, "screen", msgs[0].StreamType)
	assert.Equal(t, uint64(9), msgs[0].Negotiation)
	assert.NotNil(t, msgs[0].Candidate)

	assert.Empty(t, HandleLinkEvent(s, webrtc.CandidateEvent{Peer: "ghost", Class: domain.StreamAudio}))
}

func TestHandleLinkEvent_AudioTrackStartsDetector(t *testing.T) {
	s := newTestState("me", "host", "a")

	effects := HandleLinkEvent(s, webrtc.TrackEvent{Peer: "a", Class: domain.StreamAudio})
	assert.Equal(t, []Effect{StartDetector{Peer: "a"}}, effects)
}
