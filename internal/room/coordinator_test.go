package room

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"podlive/internal/core/domain"
	"podlive/internal/infrastructure/signal"
	"podlive/internal/infrastructure/webrtc"
	apperrors "podlive/pkg/errors"
)

func kinds(ns []Notification) []NotificationKind {
	out := make([]NotificationKind, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.Kind)
	}
	return out
}

func waitDone(t *testing.T, c *Coordinator) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
}

func TestCoordinator_NotJoined(t *testing.T) {
	c := New(Config{Self: "me", Host: "host"}, Dependencies{}, zap.NewNop().Sugar())
	assert.ErrorIs(t, c.StartCall(context.Background()), ErrNotJoined)
	assert.Equal(t, signal.StatusDisconnected, c.Status())
}

func TestCoordinator_JoinTwice(t *testing.T) {
	h := newHarness(t, "me", "host")
	assert.ErrorIs(t, h.c.Join(context.Background()), ErrAlreadyJoined)
	assert.Equal(t, signal.StatusConnected, h.c.Status())
}

func TestCoordinator_DialFailure(t *testing.T) {
	c := New(Config{Self: "me", Host: "host"}, Dependencies{
		Dial: func(context.Context) (Transport, error) { return nil, errors.New("refused") },
	}, zap.NewNop().Sugar())

	err := c.Join(context.Background())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTransportClosed))
	assert.Equal(t, signal.StatusDisconnected, c.Status())
}

func TestCoordinator_ListenerCallFollowsRole(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "me", "host")
	h.deliver(members("me", "host", "a"))

	require.NoError(t, h.c.StartCall(ctx))
	assert.ErrorIs(t, h.c.StartCall(ctx), domain.ErrAlreadyInCall)

	assert.ElementsMatch(t, []string{"host/audio", "a/audio"}, h.links.offered())
	assert.Len(t, h.transport.messages(signal.TypeOffer), 2)
	mic := h.devices.currentMic()
	require.NotNil(t, mic)
	assert.False(t, mic.isEnabled())
	assert.True(t, mic.attached(speechSink))

	require.NoError(t, h.c.RequestSpeak(ctx))
	assert.ErrorIs(t, h.c.RequestSpeak(ctx), domain.ErrAlreadyPending)
	assert.Len(t, h.transport.messages(signal.TypeSpeakerRequest), 1)
	assert.Equal(t, domain.RolePendingSpeaker, h.view().Role)

	seen := h.deliver(signal.Message{
		Type:      signal.TypeSpeakerRequestResponse,
		Sender:    "host",
		Recipient: "me",
		Approved:  domain.Bool(true),
	})
	assert.Contains(t, kinds(seen), NotifyRole)
	assert.True(t, mic.isEnabled())
	assert.Equal(t, domain.RoleSpeaker, h.view().Role)

	h.deliver(signal.Message{Type: signal.TypeRevokeSpeaker, Sender: "host", Recipient: "me"})
	assert.False(t, mic.isEnabled())
	assert.Equal(t, domain.RoleListener, h.view().Role)
}

func TestCoordinator_OfferIgnoredOutsideCall(t *testing.T) {
	h := newHarness(t, "me", "host")
	h.deliver(members("a"))

	h.deliver(signal.Message{Type: signal.TypeOffer, Sender: "a", SDP: "v=0"})
	assert.Empty(t, h.transport.messages(signal.TypeAnswer))

	require.NoError(t, h.c.StartCall(context.Background()))
	h.deliver(signal.Message{Type: signal.TypeOffer, Sender: "a", SDP: "v=0"})
	answers := h.transport.messages(signal.TypeAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, domain.ParticipantID("a"), answers[0].Recipient)
}

func TestCoordinator_GlareKeepsOwnOffer(t *testing.T) {
	h := newHarness(t, "a", "host")
	h.deliver(members("b"))
	require.NoError(t, h.c.StartCall(context.Background()))

	h.links.collide = true
	h.deliver(signal.Message{Type: signal.TypeOffer, Sender: "b", SDP: "v=0"})
	assert.Empty(t, h.transport.messages(signal.TypeAnswer))
}

func TestCoordinator_HostApprovesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "host", "host")
	h.deliver(members("host", "a"))

	seen := h.deliver(signal.Message{Type: signal.TypeSpeakerRequest, Sender: "a", Timestamp: 100})
	assert.Equal(t, []NotificationKind{NotifySpeakerRequest}, kinds(seen))
	require.Len(t, h.view().Pending, 1)

	statuses := len(h.transport.messages(signal.TypeUserStatusUpdate))
	require.NoError(t, h.c.Approve(ctx, "a"))

	responses := h.transport.messages(signal.TypeSpeakerRequestResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, domain.ParticipantID("a"), responses[0].Recipient)
	require.NotNil(t, responses[0].Approved)
	assert.True(t, *responses[0].Approved)

	updates := h.transport.messages(signal.TypeUserStatusUpdate)
	require.Len(t, updates, statuses+1)
	last := updates[len(updates)-1]
	assert.Contains(t, last.Statuses, domain.ParticipantStatus{ID: "a", IsSpeaker: true})

	require.NoError(t, h.c.Approve(ctx, "a"))
	assert.Len(t, h.transport.messages(signal.TypeSpeakerRequestResponse), 1)
	assert.Len(t, h.transport.messages(signal.TypeUserStatusUpdate), statuses+1)
	assert.Empty(t, h.view().Pending)
}

func TestCoordinator_HostOnlyActions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "me", "host")
	h.deliver(members("host", "a"))

	assert.ErrorIs(t, h.c.Approve(ctx, "a"), domain.ErrNotHost)
	assert.ErrorIs(t, h.c.Decline(ctx, "a"), domain.ErrNotHost)
	assert.ErrorIs(t, h.c.Revoke(ctx, "a"), domain.ErrNotHost)
	assert.ErrorIs(t, h.c.StartRecording(ctx), domain.ErrNotHost)
	assert.ErrorIs(t, h.c.EndLive(ctx), domain.ErrNotHost)
	assert.Empty(t, h.transport.messages(signal.TypeSpeakerRequestResponse))
}

func TestCoordinator_EndLiveStopsWaitingOnCancel(t *testing.T) {
	c := New(Config{Self: "host", Host: "host", Episode: "ep1"}, Dependencies{}, zap.NewNop().Sugar())
	c.joined = true
	// answer the intent without running it so the loop never finishes
	go func() {
		in := <-c.intents
		in.reply <- nil
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.EndLive(ctx), context.DeadlineExceeded)
}

func TestCoordinator_HostCannotRevokeSelf(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "host", "host")
	h.deliver(members("host", "a"))

	assert.ErrorIs(t, h.c.Revoke(ctx, "host"), domain.ErrHostNotRevocable)
	assert.ErrorIs(t, h.c.Revoke(ctx, "a"), domain.ErrNotSpeaker)
	assert.ErrorIs(t, h.c.Approve(ctx, "ghost"), domain.ErrParticipantNotFound)
	assert.Equal(t, domain.RoleHost, h.view().Role)
}

func TestCoordinator_WithdrawRequest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "me", "host")
	h.deliver(members("host"))

	assert.ErrorIs(t, h.c.Withdraw(ctx), domain.ErrNotPending)
	require.NoError(t, h.c.RequestSpeak(ctx))
	require.NoError(t, h.c.Withdraw(ctx))

	responses := h.transport.messages(signal.TypeSpeakerRequestResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, domain.ParticipantID("me"), responses[0].Recipient)
	assert.False(t, *responses[0].Approved)
	assert.Equal(t, domain.RoleListener, h.view().Role)
}

func TestCoordinator_RecordingStartsOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "host", "host")
	h.deliver(members("host", "a"))

	assert.ErrorIs(t, h.c.StartRecording(ctx), domain.ErrNotInCall)
	require.NoError(t, h.c.StopRecording(ctx))
	assert.Empty(t, h.transport.messages(signal.TypeStopRecording))

	require.NoError(t, h.c.StartCall(ctx))
	require.NoError(t, h.c.StartRecording(ctx))
	assert.ErrorIs(t, h.c.StartRecording(ctx), domain.ErrRecordingActive)
	assert.Equal(t, 1, h.recorder.starts)
	assert.NotNil(t, h.recorder.src.Microphone)

	started := h.transport.messages(signal.TypeStartRecording)
	require.Len(t, started, 1)
	assert.Equal(t, domain.MimeAudioWebM, started[0].MimeType)
	assert.True(t, h.view().Recording)

	require.NoError(t, h.c.StopRecording(ctx))
	require.NoError(t, h.c.StopRecording(ctx))
	assert.Len(t, h.transport.messages(signal.TypeStopRecording), 1)
	assert.False(t, h.view().Recording)
}

func TestCoordinator_LeaveOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "host", "host")
	h.deliver(members("host", "a"))
	require.NoError(t, h.c.StartCall(ctx))
	require.NoError(t, h.c.StartRecording(ctx))

	require.NoError(t, h.c.Leave(ctx))
	waitDone(t, h.c)

	order := []string{"send:disconnect", "links:close-all", "mic:stop", "recorder:stop", "transport:close"}
	last := -1
	for _, entry := range order {
		i := h.log.index(entry)
		require.NotEqual(t, -1, i, "missing %s in %v", entry, h.log.all())
		assert.Greater(t, i, last, "%s out of order in %v", entry, h.log.all())
		last = i
	}
	assert.NoError(t, h.c.Err())
	assert.Equal(t, signal.StatusDisconnected, h.c.Status())
	assert.ErrorIs(t, h.c.StartCall(ctx), domain.ErrRoomClosed)
	assert.NoError(t, h.c.Leave(ctx))
}

func TestCoordinator_TransportDrop(t *testing.T) {
	h := newHarness(t, "me", "host")
	h.deliver(members("host"))
	require.NoError(t, h.c.StartCall(context.Background()))

	h.transport.drop(errors.New("connection reset"))
	waitDone(t, h.c)

	assert.True(t, apperrors.HasCode(h.c.Err(), apperrors.ErrCodeTransportClosed))
	assert.Empty(t, h.transport.messages(signal.TypeDisconnect))
	assert.NotEqual(t, -1, h.log.index("mic:stop"))
	assert.NotEqual(t, -1, h.log.index("links:close-all"))
	assert.Equal(t, signal.StatusDisconnected, h.c.Status())
}

func TestCoordinator_ScreenOfferLoopStopsWithTrack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "me", "host", func(cfg *Config) {
		cfg.ScreenReofferPeriod = 20 * time.Millisecond
	})
	h.deliver(members("host", "a"))

	require.NoError(t, h.c.StartShare(ctx))
	assert.ErrorIs(t, h.c.StartShare(ctx), domain.ErrAlreadySharing)
	require.Len(t, h.transport.messages(signal.TypeScreenShareStarted), 1)
	assert.Equal(t, domain.ParticipantID("me"), h.view().Sharer)

	h.deliver(signal.Message{Type: signal.TypeRequestScreenOffer, Sender: "a"})
	assert.GreaterOrEqual(t, h.links.countOffers("a/screen"), 1)

	require.Eventually(t, func() bool {
		return h.links.countOffers("host/screen") >= 2
	}, 2*time.Second, 5*time.Millisecond)

	h.devices.lastScreen().end()
	require.Eventually(t, func() bool {
		return len(h.transport.messages(signal.TypeScreenShareStopped)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	v := h.view()
	assert.False(t, v.Sharing)
	assert.Empty(t, v.Sharer)

	before := len(h.links.offered())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, len(h.links.offered()))
	assert.NotEqual(t, -1, h.log.index("links:close-class:screen"))
}

func TestCoordinator_ReofferSkipsConnected(t *testing.T) {
	h := newHarness(t, "me", "host", func(cfg *Config) {
		cfg.ScreenReofferPeriod = 20 * time.Millisecond
	})
	h.deliver(members("a"))
	h.links.setState("a", domain.StreamScreen, webrtc.LinkConnected)

	require.NoError(t, h.c.StartShare(context.Background()))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, h.c.StopShare(context.Background()))
	assert.Zero(t, h.links.countOffers("a/screen"))
	assert.ErrorIs(t, h.c.StopShare(context.Background()), domain.ErrNotSharing)
}

func TestCoordinator_ReofferLeavesFreshOfferPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "me", "host", func(cfg *Config) {
		cfg.ScreenReofferPeriod = time.Hour
	})
	h.deliver(members("a"))
	require.NoError(t, h.c.StartShare(ctx))

	reoffer := func() {
		require.NoError(t, h.c.do(ctx, func() error {
			h.c.reofferScreen()
			return nil
		}))
	}
	reoffer()
	require.Equal(t, 1, h.links.countOffers("a/screen"))
	offers := h.transport.messages(signal.TypeOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, uint64(1), offers[0].Negotiation)

	reoffer()
	assert.Equal(t, 1, h.links.countOffers("a/screen"), "offer still within its period")

	require.NoError(t, h.c.do(ctx, func() error {
		k := linkKey{"a", domain.StreamScreen}
		meta := h.c.linkMeta[k]
		meta.opened = time.Now().Add(-2 * time.Hour)
		h.c.linkMeta[k] = meta
		return nil
	}))
	reoffer()
	assert.Equal(t, 2, h.links.countOffers("a/screen"), "stalled offer is replaced")

	h.links.setState("a", domain.StreamScreen, webrtc.LinkFailed)
	reoffer()
	assert.Equal(t, 3, h.links.countOffers("a/screen"))
	assert.Equal(t, uint64(3), h.transport.messages(signal.TypeOffer)[2].Negotiation)
}

func TestCoordinator_LiveEndedEndsSession(t *testing.T) {
	h := newHarness(t, "me", "host")
	h.deliver(members("host"))

	seen := h.deliver(signal.Message{Type: signal.TypeLiveEnded, Sender: "host"})
	waitDone(t, h.c)

	assert.Contains(t, kinds(seen), NotifyLiveEnded)
	assert.NoError(t, h.c.Err())
	assert.Len(t, h.transport.messages(signal.TypeDisconnect), 1)
}

func TestCoordinator_MicrophoneDenied(t *testing.T) {
	h := newHarness(t, "me", "host")
	h.devices.denyMic = true

	err := h.c.StartCall(context.Background())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodePermissionDenied))
	assert.False(t, h.view().InCall)
	assert.Empty(t, h.links.offered())
}

func TestCoordinator_Chat(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "me", "host")

	err := h.c.SendChat(ctx, "   ")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))

	require.NoError(t, h.c.SendChat(ctx, "hello"))
	chats := h.transport.messages(signal.TypeChatMessage)
	require.Len(t, chats, 1)
	assert.Equal(t, "hello", chats[0].Content)
}

func TestCoordinator_DisconnectAndRejoin(t *testing.T) {
	h := newHarness(t, "me", "host")
	h.deliver(members("host", "a"))
	require.NoError(t, h.c.StartCall(context.Background()))

	seen := h.deliver(signal.Message{Type: signal.TypeDisconnect, ClientID: "a"})
	assert.Contains(t, kinds(seen), NotifyLeft)
	assert.NotEqual(t, -1, h.log.index("links:close:a/audio"))
	assert.Len(t, h.view().Participants, 2)

	seen = h.deliver(joined("a"))
	assert.Contains(t, kinds(seen), NotifyJoined)
	assert.Len(t, h.view().Participants, 3)
}
