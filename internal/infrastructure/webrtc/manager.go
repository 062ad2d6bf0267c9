package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"podlive/internal/core/domain"
	"podlive/internal/infrastructure/media"
	apperrors "podlive/pkg/errors"
)

// EventSink receives link events. It must not block the caller for long;
// ctx is cancelled when the link that produced the event closes.
type EventSink func(ctx context.Context, ev Event)

// LinkManager owns one audio and one screen link map keyed by remote
// participant. Mutating methods are called from a single goroutine;
// pion callbacks only read.
type LinkManager struct {
	self    domain.ParticipantID
	cfg     Config
	factory PeerConnectionFactory
	sink    EventSink
	logger  *zap.SugaredLogger

	mu          sync.RWMutex
	links       map[domain.StreamClass]map[domain.ParticipantID]*Link
	gen         uint64
	audioTrack  webrtc.TrackLocal
	screenTrack webrtc.TrackLocal
}

func NewLinkManager(
	self domain.ParticipantID,
	cfg Config,
	factory PeerConnectionFactory,
	sink EventSink,
	logger *zap.SugaredLogger,
) *LinkManager {
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultConfig().NegotiationTimeout
	}
	if cfg.KeyframeInterval <= 0 {
		cfg.KeyframeInterval = DefaultConfig().KeyframeInterval
	}
	return &LinkManager{
		self:    self,
		cfg:     cfg,
		factory: factory,
		sink:    sink,
		logger:  logger,
		links: map[domain.StreamClass]map[domain.ParticipantID]*Link{
			domain.StreamAudio:  make(map[domain.ParticipantID]*Link),
			domain.StreamScreen: make(map[domain.ParticipantID]*Link),
		},
	}
}

// SetAudioTrack sets the microphone track added to audio links created later.
func (m *LinkManager) SetAudioTrack(track webrtc.TrackLocal) {
	m.mu.Lock()
	m.audioTrack = track
	m.mu.Unlock()
}

// SetScreenTrack sets or clears the track offered on screen links.
func (m *LinkManager) SetScreenTrack(track webrtc.TrackLocal) {
	m.mu.Lock()
	m.screenTrack = track
	m.mu.Unlock()
}

// Offer opens a fresh link to peer and returns the local offer with its
// negotiation id. The answer and candidates of this exchange must carry
// the same id. An existing link for the pair is closed first.
func (m *LinkManager) Offer(peer domain.ParticipantID, class domain.StreamClass) (string, uint64, error) {
	m.Close(peer, class)

	link, err := m.newLink(peer, class, true, 0)
	if err != nil {
		return "", 0, err
	}
	if err := m.attachLocal(link, true); err != nil {
		m.fail(link, err)
		return "", 0, apperrors.NewNegotiationFailedError(string(peer), string(class), err)
	}

	offer, err := link.pc.CreateOffer(nil)
	if err == nil {
		err = link.pc.SetLocalDescription(offer)
	}
	if err != nil {
		m.fail(link, err)
		return "", 0, apperrors.NewNegotiationFailedError(string(peer), string(class), err)
	}
	link.awaitingAnswer = true

	m.logger.Infow("created offer", "peer_id", peer, "stream_type", class, "gen", link.Gen)
	return offer.SDP, link.negotiation, nil
}

// Accept answers a remote offer made under negotiation id negotiation.
// On an offer collision the smaller participant id keeps its own offer:
// Accept then returns ("", false, nil).
func (m *LinkManager) Accept(peer domain.ParticipantID, class domain.StreamClass, sdp string, negotiation uint64) (string, bool, error) {
	if existing := m.get(peer, class); existing != nil && existing.awaitingAnswer {
		if m.self < peer {
			m.logger.Infow("ignoring colliding offer", "peer_id", peer, "stream_type", class)
			return "", false, nil
		}
		m.logger.Infow("abandoning local offer for colliding remote offer", "peer_id", peer, "stream_type", class)
	}
	m.Close(peer, class)

	link, err := m.newLink(peer, class, false, negotiation)
	if err != nil {
		return "", false, err
	}
	if class == domain.StreamScreen {
		if _, err := link.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			m.fail(link, err)
			return "", false, apperrors.NewNegotiationFailedError(string(peer), string(class), err)
		}
	}

	if err := link.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		m.fail(link, err)
		return "", false, apperrors.NewNegotiationFailedError(string(peer), string(class), err)
	}
	m.markRemoteSet(link)

	if class == domain.StreamAudio {
		if err := m.attachLocal(link, false); err != nil {
			m.fail(link, err)
			return "", false, apperrors.NewNegotiationFailedError(string(peer), string(class), err)
		}
	}

	answer, err := link.pc.CreateAnswer(nil)
	if err == nil {
		err = link.pc.SetLocalDescription(answer)
	}
	if err != nil {
		m.fail(link, err)
		return "", false, apperrors.NewNegotiationFailedError(string(peer), string(class), err)
	}

	m.logger.Infow("answered offer", "peer_id", peer, "stream_type", class, "gen", link.Gen)
	return answer.SDP, true, nil
}

// ApplyAnswer completes a negotiation this side initiated. An answer to an
// earlier offer on the pair is dropped. A zero negotiation id matches any
// offer.
func (m *LinkManager) ApplyAnswer(peer domain.ParticipantID, class domain.StreamClass, sdp string, negotiation uint64) error {
	link := m.get(peer, class)
	if link == nil {
		return domain.ErrLinkNotFound
	}
	if !link.matches(negotiation) {
		m.logger.Debugw("dropping stale answer", "peer_id", peer, "stream_type", class, "negotiation", negotiation, "gen", link.Gen)
		return nil
	}
	if !link.awaitingAnswer {
		m.logger.Debugw("ignoring unexpected answer", "peer_id", peer, "stream_type", class)
		return nil
	}
	if err := link.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return apperrors.NewNegotiationFailedError(string(peer), string(class), err)
	}
	link.awaitingAnswer = false
	m.markRemoteSet(link)
	return nil
}

// AddCandidate applies a remote candidate, queueing it until the remote
// description is known. Candidates of an earlier negotiation are dropped.
func (m *LinkManager) AddCandidate(peer domain.ParticipantID, class domain.StreamClass, candidate webrtc.ICECandidateInit, negotiation uint64) error {
	link := m.get(peer, class)
	if link == nil {
		return domain.ErrLinkNotFound
	}
	if !link.matches(negotiation) {
		m.logger.Debugw("dropping stale ICE candidate", "peer_id", peer, "stream_type", class, "negotiation", negotiation)
		return nil
	}

	m.mu.Lock()
	if !link.remoteSet {
		link.pending = append(link.pending, candidate)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := link.pc.AddICECandidate(candidate); err != nil {
		m.logger.Warnw("failed to add ICE candidate", "peer_id", peer, "stream_type", class, "error", err)
		return err
	}
	return nil
}

// Close removes and closes the link for the pair, if any.
func (m *LinkManager) Close(peer domain.ParticipantID, class domain.StreamClass) {
	m.mu.Lock()
	link := m.links[class][peer]
	delete(m.links[class], peer)
	m.mu.Unlock()

	if link != nil {
		m.closeLink(link)
	}
}

// CloseGen closes the pair only if its current link has generation gen.
func (m *LinkManager) CloseGen(peer domain.ParticipantID, class domain.StreamClass, gen uint64) bool {
	m.mu.Lock()
	link := m.links[class][peer]
	if link == nil || link.Gen != gen {
		m.mu.Unlock()
		return false
	}
	delete(m.links[class], peer)
	m.mu.Unlock()

	m.closeLink(link)
	return true
}

// ClosePeer closes both classes for one participant.
func (m *LinkManager) ClosePeer(peer domain.ParticipantID) {
	m.Close(peer, domain.StreamAudio)
	m.Close(peer, domain.StreamScreen)
}

// CloseClass closes every link of one class.
func (m *LinkManager) CloseClass(class domain.StreamClass) {
	m.mu.Lock()
	links := make([]*Link, 0, len(m.links[class]))
	for peer, link := range m.links[class] {
		links = append(links, link)
		delete(m.links[class], peer)
	}
	m.mu.Unlock()

	for _, link := range links {
		m.closeLink(link)
	}
}

// CloseAll releases every link and track.
func (m *LinkManager) CloseAll() {
	m.CloseClass(domain.StreamAudio)
	m.CloseClass(domain.StreamScreen)
}

// StateOf returns the pair's link state; LinkClosed when absent.
func (m *LinkManager) StateOf(peer domain.ParticipantID, class domain.StreamClass) LinkState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if link := m.links[class][peer]; link != nil {
		return link.state
	}
	return LinkClosed
}

// RemoteAudio returns the remote audio tracks currently received.
func (m *LinkManager) RemoteAudio() []media.PacketTap {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]media.PacketTap, 0, len(m.links[domain.StreamAudio]))
	for _, link := range m.links[domain.StreamAudio] {
		if link.remote != nil {
			out = append(out, link.remote)
		}
	}
	return out
}

func (m *LinkManager) get(peer domain.ParticipantID, class domain.StreamClass) *Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.links[class][peer]
}

func (m *LinkManager) current(link *Link) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.links[link.Class][link.Peer] == link
}

// newLink registers a link for the pair. An offering link names its
// negotiation after its own generation; an answering one takes the
// offerer's.
func (m *LinkManager) newLink(peer domain.ParticipantID, class domain.StreamClass, offering bool, negotiation uint64) (*Link, error) {
	pc, err := m.factory.NewPeerConnection()
	if err != nil {
		return nil, apperrors.NewNegotiationFailedError(string(peer), string(class), fmt.Errorf("failed to create peer connection: %w", err))
	}

	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if _, exists := m.links[class][peer]; exists {
		m.mu.Unlock()
		cancel()
		pc.Close()
		return nil, domain.ErrLinkExists
	}
	m.gen++
	if offering {
		negotiation = m.gen
	}
	link := &Link{
		Peer:        peer,
		Class:       class,
		Gen:         m.gen,
		pc:          pc,
		state:       LinkNegotiating,
		negotiation: negotiation,
		ctx:         ctx,
		cancel:      cancel,
	}
	m.links[class][peer] = link
	m.mu.Unlock()

	pc.OnICECandidate(m.handleICECandidate(link))
	pc.OnConnectionStateChange(m.handleConnectionState(link))
	pc.OnTrack(m.handleTrack(link))

	link.timer = time.AfterFunc(m.cfg.NegotiationTimeout, func() {
		m.mu.RLock()
		stalled := link.state == LinkNegotiating && m.links[class][peer] == link
		m.mu.RUnlock()
		if stalled {
			m.logger.Warnw("peer link negotiation timed out", "peer_id", peer, "stream_type", class)
			m.emit(link, StateEvent{Peer: peer, Class: class, Gen: link.Gen, State: LinkFailed, Cause: ErrNegotiationTimeout})
		}
	})
	return link, nil
}

func (m *LinkManager) attachLocal(link *Link, offering bool) error {
	m.mu.RLock()
	audio, screen := m.audioTrack, m.screenTrack
	m.mu.RUnlock()

	switch link.Class {
	case domain.StreamAudio:
		if audio == nil {
			if !offering {
				return nil
			}
			_, err := link.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			})
			return err
		}
		return m.addTrack(link, audio)
	case domain.StreamScreen:
		if screen == nil {
			return domain.ErrNotSharing
		}
		return m.addTrack(link, screen)
	}
	return nil
}

func (m *LinkManager) addTrack(link *Link, track webrtc.TrackLocal) error {
	sender, err := link.pc.AddTrack(track)
	if err != nil {
		return err
	}
	if sender != nil {
		go m.readSenderRTCP(link, sender)
	}
	return nil
}

// readSenderRTCP drains RTCP so pion can process receiver feedback.
func (m *LinkManager) readSenderRTCP(link *Link, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range packets {
			if _, ok := p.(*rtcp.PictureLossIndication); ok {
				m.logger.Debugw("received PLI", "peer_id", link.Peer, "stream_type", link.Class)
			}
		}
	}
}

func (m *LinkManager) markRemoteSet(link *Link) {
	m.mu.Lock()
	link.remoteSet = true
	pending := link.pending
	link.pending = nil
	m.mu.Unlock()

	for _, c := range pending {
		if err := link.pc.AddICECandidate(c); err != nil {
			m.logger.Warnw("failed to add queued ICE candidate", "peer_id", link.Peer, "stream_type", link.Class, "error", err)
		}
	}
}

func (m *LinkManager) fail(link *Link, cause error) {
	m.logger.Warnw("peer link negotiation failed", "peer_id", link.Peer, "stream_type", link.Class, "error", cause)
	m.CloseGen(link.Peer, link.Class, link.Gen)
}

func (m *LinkManager) closeLink(link *Link) {
	m.mu.Lock()
	if link.state == LinkClosed {
		m.mu.Unlock()
		return
	}
	link.state = LinkClosed
	m.mu.Unlock()

	link.cancel()
	if link.timer != nil {
		link.timer.Stop()
	}
	if err := link.pc.Close(); err != nil {
		m.logger.Debugw("error closing peer connection", "peer_id", link.Peer, "stream_type", link.Class, "error", err)
	}
	m.logger.Infow("closed peer link", "peer_id", link.Peer, "stream_type", link.Class, "gen", link.Gen)
}

func (m *LinkManager) emit(link *Link, ev Event) {
	if !m.current(link) || m.sink == nil {
		return
	}
	m.sink(link.ctx, ev)
}

func (m *LinkManager) handleICECandidate(link *Link) func(*webrtc.ICECandidate) {
	return func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		m.emit(link, CandidateEvent{
			Peer:        link.Peer,
			Class:       link.Class,
			Gen:         link.Gen,
			Negotiation: link.negotiation,
			Candidate:   c.ToJSON(),
		})
	}
}

func (m *LinkManager) handleConnectionState(link *Link) func(webrtc.PeerConnectionState) {
	return func(state webrtc.PeerConnectionState) {
		m.logger.Infow("peer connection state changed",
			"peer_id", link.Peer,
			"stream_type", link.Class,
			"connection_state", state,
		)

		var next LinkState
		switch state {
		case webrtc.PeerConnectionStateConnected:
			next = LinkConnected
		case webrtc.PeerConnectionStateFailed:
			next = LinkFailed
		default:
			return
		}

		m.mu.Lock()
		if link.state == LinkClosed {
			m.mu.Unlock()
			return
		}
		link.state = next
		m.mu.Unlock()

		if next == LinkConnected && link.timer != nil {
			link.timer.Stop()
		}
		var cause error
		if next == LinkFailed {
			cause = errors.New("ice failed")
		}
		m.emit(link, StateEvent{Peer: link.Peer, Class: link.Class, Gen: link.Gen, State: next, Cause: cause})
	}
}

func (m *LinkManager) handleTrack(link *Link) func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
	return func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		m.logger.Infow("remote track started",
			"peer_id", link.Peer,
			"stream_type", link.Class,
			"track_id", track.ID(),
			"codec", track.Codec().MimeType,
		)

		remote := &RemoteTrack{
			PacketFanout: media.NewPacketFanout(string(link.Peer)),
			Peer:         link.Peer,
			Class:        link.Class,
			Kind:         track.Kind(),
			MimeType:     track.Codec().MimeType,
			SSRC:         track.SSRC(),
		}
		for _, ext := range receiver.GetParameters().HeaderExtensions {
			if ext.URI == AudioLevelURI {
				remote.AudioLevelID = uint8(ext.ID)
			}
		}

		m.mu.Lock()
		link.remote = remote
		m.mu.Unlock()

		go m.pumpTrack(link, track, remote)
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go m.requestKeyframes(link, track.SSRC())
		}
		m.emit(link, TrackEvent{Peer: link.Peer, Class: link.Class, Gen: link.Gen, Track: remote})
	}
}

func (m *LinkManager) pumpTrack(link *Link, track *webrtc.TrackRemote, remote *RemoteTrack) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			m.logger.Debugw("remote track ended", "peer_id", link.Peer, "stream_type", link.Class, "error", err)
			return
		}
		remote.Dispatch(pkt)
	}
}

// requestKeyframes sends PLI on a fixed interval until the link closes.
func (m *LinkManager) requestKeyframes(link *Link, ssrc webrtc.SSRC) {
	ticker := time.NewTicker(m.cfg.KeyframeInterval)
	defer ticker.Stop()

	for {
		if err := link.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}}); err != nil {
			m.logger.Debugw("failed to send PLI", "peer_id", link.Peer, "error", err)
		}
		select {
		case <-link.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
