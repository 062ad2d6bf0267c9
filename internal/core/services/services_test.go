package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"podlive/internal/core/domain"
	"podlive/internal/core/ports"
	"podlive/internal/infrastructure/repositories/memory"
)

type MockEpisodeDirectory struct {
	mock.Mock
}

func (m *MockEpisodeDirectory) GetEpisode(ctx context.Context, id domain.EpisodeID) (*domain.Episode, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Episode), args.Error(1)
}

func (m *MockEpisodeDirectory) EndLive(ctx context.Context, id domain.EpisodeID) (*domain.Episode, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Episode), args.Error(1)
}

type MockUserDirectory struct {
	mock.Mock
}

func (m *MockUserDirectory) GetUser(ctx context.Context, id domain.ParticipantID) (*domain.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

type MockRoomCloser struct {
	mock.Mock
}

func (m *MockRoomCloser) CloseRoom(ctx context.Context, roomID domain.RoomID) error {
	return m.Called(ctx, roomID).Error(0)
}

func approved() *bool {
	v := true
	return &v
}

func seedLogs(t *testing.T) ports.LogStore {
	t.Helper()
	ctx := context.Background()
	logs := memory.NewMemoryLogStore()
	for _, ev := range []domain.SessionEvent{
		{Type: domain.EventJoin, ClientID: "host", Timestamp: 1000},
		{Type: domain.EventJoin, ClientID: "bob", Timestamp: 2000},
		{Type: domain.EventSpeakerRequest, ClientID: "bob", Timestamp: 3000},
		{Type: domain.EventSpeakerRequestResponse, ClientID: "host", Recipient: "bob", Approved: approved(), Timestamp: 4000},
		{Type: domain.EventJoin, ClientID: "carol", Timestamp: 4500},
	} {
		require.NoError(t, logs.AppendSessionEvent(ctx, "ep1", ev))
	}
	require.NoError(t, logs.AppendSpeechEvent(ctx, "ep1", domain.SpeechEvent{ClientID: "bob", Speaking: true, Timestamp: 5000}))
	require.NoError(t, logs.AppendChatMessage(ctx, "ep1", domain.ChatMessage{Sender: "carol", Content: "hi", Timestamp: 4600}))
	require.NoError(t, logs.AppendChatMessage(ctx, "ep1", domain.ChatMessage{Sender: "bob", Content: "later", Timestamp: 9000}))
	return logs
}

func TestReplayService_StateAt(t *testing.T) {
	episodes := new(MockEpisodeDirectory)
	users := new(MockUserDirectory)
	episodes.On("GetEpisode", mock.Anything, domain.EpisodeID("ep1")).
		Return(&domain.Episode{ID: "ep1", CreatorID: "host", Type: domain.EpisodeTypeLive}, nil)
	users.On("GetUser", mock.Anything, domain.ParticipantID("host")).Return(&domain.User{ID: "host", Username: "Hana"}, nil)
	users.On("GetUser", mock.Anything, domain.ParticipantID("bob")).Return(&domain.User{ID: "bob", Username: "Bob"}, nil)
	users.On("GetUser", mock.Anything, domain.ParticipantID("carol")).Return(nil, domain.ErrUserNotFound)

	var observed int
	svc := NewReplayService(seedLogs(t), episodes, users, zap.NewNop().Sugar(),
		WithComputeObserver(func(time.Duration) { observed++ }))

	view, err := svc.StateAt(context.Background(), "ep1", 4000)
	require.NoError(t, err)

	assert.Equal(t, int64(1000), view.FirstJoin)
	assert.Equal(t, domain.ParticipantID("host"), view.HostID)
	require.Len(t, view.Participants, 3)

	host, bob, carol := view.Participants[0], view.Participants[1], view.Participants[2]
	assert.True(t, host.IsHost)
	assert.True(t, host.IsSpeaker)
	assert.Equal(t, "Hana", host.Username)

	assert.True(t, bob.IsSpeaker)
	assert.True(t, bob.IsSpeaking)

	assert.True(t, carol.Placeholder)
	assert.Equal(t, PlaceholderUsername, carol.Username)
	assert.False(t, carol.IsSpeaker)

	require.Len(t, view.Chat, 1)
	assert.Equal(t, "hi", view.Chat[0].Content)
	assert.Equal(t, 1, observed)
	episodes.AssertExpectations(t)
}

func TestReplayService_EarlyCursor(t *testing.T) {
	episodes := new(MockEpisodeDirectory)
	users := new(MockUserDirectory)
	episodes.On("GetEpisode", mock.Anything, mock.Anything).Return(&domain.Episode{ID: "ep1", CreatorID: "host"}, nil)
	users.On("GetUser", mock.Anything, mock.Anything).Return(&domain.User{Username: "x"}, nil)

	svc := NewReplayService(seedLogs(t), episodes, users, zap.NewNop().Sugar())
	view, err := svc.StateAt(context.Background(), "ep1", 0)
	require.NoError(t, err)
	require.Len(t, view.Participants, 1)
	assert.Equal(t, domain.ParticipantID("host"), view.Participants[0].ID)
	assert.Empty(t, view.Chat)
}

func TestReplayService_HostLookupFailureDegrades(t *testing.T) {
	episodes := new(MockEpisodeDirectory)
	users := new(MockUserDirectory)
	episodes.On("GetEpisode", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))
	users.On("GetUser", mock.Anything, mock.Anything).Return(&domain.User{Username: "x"}, nil)

	svc := NewReplayService(seedLogs(t), episodes, users, zap.NewNop().Sugar())
	view, err := svc.StateAt(context.Background(), "ep1", 10_000)
	require.NoError(t, err)
	assert.Empty(t, view.HostID)
	for _, p := range view.Participants {
		assert.False(t, p.IsHost)
	}
}

func TestReplayService_MissingLogs(t *testing.T) {
	ctx := context.Background()
	logs := memory.NewMemoryLogStore()
	svc := NewReplayService(logs, new(MockEpisodeDirectory), new(MockUserDirectory), zap.NewNop().Sugar())

	_, err := svc.StateAt(ctx, "nothing", 0)
	assert.ErrorIs(t, err, domain.ErrLogNotFound)

	require.NoError(t, logs.AppendSessionEvent(ctx, "quiet", domain.SessionEvent{Type: domain.EventLeave, ClientID: "a", Timestamp: 5}))
	session, speech, comments, err := svc.Logs(ctx, "quiet")
	require.NoError(t, err)
	assert.Len(t, session.Events, 1)
	assert.NotNil(t, speech.Events)
	assert.NotNil(t, comments.Messages)

	// no join: nothing to place on the timeline
	view, err := svc.StateAt(ctx, "quiet", 100)
	require.NoError(t, err)
	assert.Empty(t, view.Participants)
}

func TestLiveService_EndLive(t *testing.T) {
	episodes := new(MockEpisodeDirectory)
	rooms := new(MockRoomCloser)
	episodes.On("EndLive", mock.Anything, domain.EpisodeID("ep1")).Return(&domain.Episode{ID: "ep1", IsActive: false}, nil)
	rooms.On("CloseRoom", mock.Anything, domain.RoomID("episode_ep1")).Return(nil)

	svc := NewLiveService(episodes, rooms, zap.NewNop().Sugar())
	ep, err := svc.EndLive(context.Background(), "ep1")
	require.NoError(t, err)
	assert.False(t, ep.IsActive)
	episodes.AssertExpectations(t)
	rooms.AssertExpectations(t)
}

func TestLiveService_EndLiveUpstreamFailure(t *testing.T) {
	episodes := new(MockEpisodeDirectory)
	rooms := new(MockRoomCloser)
	episodes.On("EndLive", mock.Anything, mock.Anything).Return(nil, domain.ErrEpisodeNotFound)

	svc := NewLiveService(episodes, rooms, zap.NewNop().Sugar())
	_, err := svc.EndLive(context.Background(), "gone")
	assert.ErrorIs(t, err, domain.ErrEpisodeNotFound)
	rooms.AssertNotCalled(t, "CloseRoom", mock.Anything, mock.Anything)
}

func TestCachedUserDirectory(t *testing.T) {
	users := new(MockUserDirectory)
	users.On("GetUser", mock.Anything, domain.ParticipantID("bob")).Return(&domain.User{ID: "bob", Username: "Bob"}, nil).Once()

	d := NewCachedUserDirectory(users, time.Minute)
	defer d.Stop()

	for i := 0; i < 3; i++ {
		u, err := d.GetUser(context.Background(), "bob")
		require.NoError(t, err)
		assert.Equal(t, "Bob", u.Username)
	}
	users.AssertNumberOfCalls(t, "GetUser", 1)
}
