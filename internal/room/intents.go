package room

import (
	"context"
	"errors"
	"fmt"

	"podlive/internal/core/domain"
	"podlive/internal/infrastructure/recording"
	"podlive/internal/infrastructure/signal"
	"podlive/internal/infrastructure/webrtc"
	apperrors "podlive/pkg/errors"
	"podlive/pkg/validation"
)

// Leave disconnects from the room and waits for teardown to finish.
func (c *Coordinator) Leave(ctx context.Context) error {
	err := c.do(ctx, func() error {
		c.teardown(true, nil)
		return nil
	})
	if err != nil && !errors.Is(err, domain.ErrRoomClosed) {
		return err
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartCall acquires the microphone and offers audio to every member. The
// track stays muted until the local participant may speak.
func (c *Coordinator) StartCall(ctx context.Context) error {
	return c.do(ctx, c.startCall)
}

func (c *Coordinator) startCall() error {
	if c.state.InCall {
		return domain.ErrAlreadyInCall
	}
	mic, err := c.deps.Devices.Microphone()
	if err != nil {
		return apperrors.NewPermissionDeniedError("microphone", err)
	}
	mic.SetEnabled(c.state.SelfRole().CanSpeak())
	if err := mic.Start(c.ctx); err != nil {
		mic.Stop()
		return apperrors.NewPermissionDeniedError("microphone", err)
	}
	c.links.SetAudioTrack(mic.Track())
	c.mic = mic
	c.startLocalDetector()
	c.state.InCall = true

	peers := c.state.Peers()
	c.logger.Infow("started call", "peers", len(peers), "speaker", c.state.SelfRole().CanSpeak())
	for _, peer := range peers {
		c.offer(peer, domain.StreamAudio)
	}
	return nil
}

// StopCall closes every audio link and releases the microphone. The
// signaling session stays open.
func (c *Coordinator) StopCall(ctx context.Context) error {
	return c.do(ctx, func() error {
		if !c.state.InCall {
			return domain.ErrNotInCall
		}
		if err := c.stopRecording(); err != nil {
			c.logger.Warnw("failed to stop recording", "error", err)
		}
		c.closeClass(domain.StreamAudio)
		for peer := range c.remoteSpeech {
			c.stopRemoteDetector(peer)
		}
		c.stopLocalDetector()
		c.mic.Stop()
		c.mic = nil
		c.links.SetAudioTrack(nil)
		c.state.InCall = false
		c.logger.Infow("stopped call")
		return nil
	})
}

// StartShare captures the screen and announces it. Receivers ask for an
// offer; the re-offer loop covers any that were missed.
func (c *Coordinator) StartShare(ctx context.Context) error {
	return c.do(ctx, c.startShare)
}

func (c *Coordinator) startShare() error {
	if c.state.Sharing || (c.state.Sharer != "" && c.state.Sharer != c.cfg.Self) {
		return domain.ErrAlreadySharing
	}
	screen, err := c.deps.Devices.Screen()
	if err != nil {
		return apperrors.NewPermissionDeniedError("screen", err)
	}
	if err := screen.Start(c.ctx); err != nil {
		screen.Stop()
		return apperrors.NewPermissionDeniedError("screen", err)
	}
	c.links.SetScreenTrack(screen.Track())
	c.screen = screen
	c.state.Sharing = true
	c.state.Sharer = c.cfg.Self
	c.state.syncAll()

	shareCtx, cancel := context.WithCancel(c.ctx)
	c.shareCancel = cancel
	go func() {
		select {
		case <-screen.Ended():
			c.post(shareCtx, shareEnded{screen: screen})
		case <-shareCtx.Done():
		}
	}()
	c.screenLoop = webrtc.StartScreenOfferLoop(c.cfg.ScreenReofferPeriod, screen.Ended(), func(ctx context.Context) {
		c.post(ctx, screenTick{})
	})

	c.send(signal.Message{Type: signal.TypeScreenShareStarted})
	if c.state.IsHost() {
		c.send(c.state.statusUpdate())
	}
	c.logger.Infow("started screen share")
	return nil
}

func (c *Coordinator) StopShare(ctx context.Context) error {
	return c.do(ctx, c.stopShare)
}

func (c *Coordinator) stopShare() error {
	if !c.state.Sharing {
		return domain.ErrNotSharing
	}
	c.screenLoop.Stop()
	c.screenLoop = nil
	c.shareCancel()
	c.shareCancel = nil
	c.screen.Stop()
	c.screen = nil
	c.links.SetScreenTrack(nil)
	c.closeClass(domain.StreamScreen)

	c.state.Sharing = false
	c.state.Sharer = ""
	c.state.syncAll()

	c.send(signal.Message{Type: signal.TypeScreenShareStopped})
	if c.state.IsHost() {
		c.send(c.state.statusUpdate())
	}
	c.logger.Infow("stopped screen share")
	return nil
}

// StartRecording records the local microphone, every remote audio stream
// currently held and the local screen when shared. Host only.
func (c *Coordinator) StartRecording(ctx context.Context) error {
	return c.do(ctx, func() error {
		if !c.state.IsHost() {
			return domain.ErrNotHost
		}
		if c.recorder.Active() {
			return domain.ErrRecordingActive
		}
		if c.mic == nil {
			return domain.ErrNotInCall
		}
		src := recording.Sources{Microphone: c.mic, Remote: c.links.RemoteAudio()}
		if c.screen != nil {
			src.Screen = c.screen
		}
		if err := c.recorder.Start(src); err != nil {
			return err
		}
		c.state.Recording = true
		c.send(signal.Message{Type: signal.TypeStartRecording, MimeType: c.recorder.MimeType()})
		c.notify(Notification{Kind: NotifyRecording, Participant: c.cfg.Self, Text: "Recording started"})
		return nil
	})
}

// StopRecording flushes the last chunk. It is a no-op when idle.
func (c *Coordinator) StopRecording(ctx context.Context) error {
	return c.do(ctx, c.stopRecording)
}

func (c *Coordinator) stopRecording() error {
	if !c.recorder.Active() {
		return nil
	}
	err := c.recorder.Stop()
	c.state.Recording = false
	c.send(signal.Message{Type: signal.TypeStopRecording})
	return err
}

// RequestSpeak asks the host for the floor.
func (c *Coordinator) RequestSpeak(ctx context.Context) error {
	return c.do(ctx, func() error {
		if err := c.state.Roles.Request(c.cfg.Self, c.state.nowMillis()); err != nil {
			return err
		}
		c.syncSelf()
		c.send(signal.Message{Type: signal.TypeSpeakerRequest})
		return nil
	})
}

// Withdraw cancels the local pending request.
func (c *Coordinator) Withdraw(ctx context.Context) error {
	return c.do(ctx, func() error {
		if err := c.state.Roles.Decline(c.cfg.Self); err != nil {
			return err
		}
		c.syncSelf()
		c.send(signal.Message{
			Type:      signal.TypeSpeakerRequestResponse,
			Recipient: c.cfg.Self,
			Approved:  domain.Bool(false),
		})
		return nil
	})
}

// Approve grants a pending request. Approving a current speaker sends
// nothing.
func (c *Coordinator) Approve(ctx context.Context, id domain.ParticipantID) error {
	return c.do(ctx, func() error {
		if err := c.hostOver(id); err != nil {
			return err
		}
		changed, err := c.state.Roles.Approve(id)
		if err != nil || !changed {
			return err
		}
		c.state.syncAll()
		c.send(signal.Message{Type: signal.TypeSpeakerRequestResponse, Recipient: id, Approved: domain.Bool(true)})
		c.send(c.state.statusUpdate())
		c.logger.Infow("approved speaker", "peer_id", id)
		return nil
	})
}

func (c *Coordinator) Decline(ctx context.Context, id domain.ParticipantID) error {
	return c.do(ctx, func() error {
		if err := c.hostOver(id); err != nil {
			return err
		}
		if err := c.state.Roles.Decline(id); err != nil {
			return err
		}
		c.send(signal.Message{Type: signal.TypeSpeakerRequestResponse, Recipient: id, Approved: domain.Bool(false)})
		c.send(c.state.statusUpdate())
		return nil
	})
}

// Revoke demotes a speaker. Revoking the host returns ErrHostNotRevocable.
func (c *Coordinator) Revoke(ctx context.Context, id domain.ParticipantID) error {
	return c.do(ctx, func() error {
		if err := c.hostOver(id); err != nil {
			return err
		}
		if err := c.state.Roles.Revoke(id); err != nil {
			return err
		}
		c.state.syncAll()
		c.send(signal.Message{Type: signal.TypeRevokeSpeaker, Recipient: id})
		c.send(c.state.statusUpdate())
		c.logger.Infow("revoked speaker", "peer_id", id)
		return nil
	})
}

func (c *Coordinator) hostOver(id domain.ParticipantID) error {
	if !c.state.IsHost() {
		return domain.ErrNotHost
	}
	if !c.state.Registry.IsActive(id) {
		return domain.ErrParticipantNotFound
	}
	return nil
}

func (c *Coordinator) syncSelf() {
	if p, ok := c.state.Registry.Get(c.cfg.Self); ok {
		c.state.syncFlags(p)
	}
}

func (c *Coordinator) SendChat(ctx context.Context, text string) error {
	if err := validation.ValidateChatContent(text); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	return c.do(ctx, func() error {
		c.send(signal.Message{Type: signal.TypeChatMessage, Content: text})
		c.notify(Notification{Kind: NotifyChat, Participant: c.cfg.Self, Text: fmt.Sprintf("%s: %s", c.cfg.Name, text)})
		return nil
	})
}

// EndLive ends the episode upstream, tells the room and leaves. Host only.
func (c *Coordinator) EndLive(ctx context.Context) error {
	if c.cfg.Self != c.cfg.Host {
		return domain.ErrNotHost
	}
	if c.deps.Episodes != nil {
		if _, err := c.deps.Episodes.EndLive(ctx, c.cfg.Episode); err != nil {
			return fmt.Errorf("failed to end live: %w", err)
		}
	}
	err := c.do(ctx, func() error {
		c.state.Ended = true
		c.send(signal.Message{Type: signal.TypeLiveEnded, Timestamp: c.state.nowMillis()})
		c.teardown(true, nil)
		return nil
	})
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// View is a copy of the room state for display.
type View struct {
	Self         domain.ParticipantID
	Role         domain.Role
	Participants []domain.Participant
	Pending      []domain.SpeakerRequest
	Sharer       domain.ParticipantID
	InCall       bool
	Sharing      bool
	Recording    bool
	AudioAbsent  []domain.ParticipantID
}

// Snapshot returns the current view of the room.
func (c *Coordinator) Snapshot(ctx context.Context) (View, error) {
	var v View
	err := c.do(ctx, func() error {
		s := c.state
		v = View{
			Self:      s.Self,
			Role:      s.SelfRole(),
			Pending:   s.Roles.Pending(),
			Sharer:    s.Sharer,
			InCall:    s.InCall,
			Sharing:   s.Sharing,
			Recording: c.recorder.Active(),
		}
		for _, p := range s.Registry.Active() {
			v.Participants = append(v.Participants, *p)
		}
		for id := range s.AudioAbsent {
			v.AudioAbsent = append(v.AudioAbsent, id)
		}
		return nil
	})
	return v, err
}
