package room

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"podlive/internal/core/domain"
	"podlive/internal/infrastructure/recording"
	"podlive/internal/infrastructure/signal"
	"podlive/internal/infrastructure/speech"
	"podlive/internal/infrastructure/webrtc"
	apperrors "podlive/pkg/errors"
	"podlive/pkg/tracing"
)

const speechSink = "speech"

var (
	ErrNotJoined     = errors.New("room not joined")
	ErrAlreadyJoined = errors.New("room already joined")
)

type Config struct {
	Self    domain.ParticipantID
	Name    string
	Episode domain.EpisodeID
	// Host is the episode creator.
	Host domain.ParticipantID

	GracePeriod         time.Duration
	ScreenReofferPeriod time.Duration
	Speech              speech.Config
	Recording           recording.Config
}

func DefaultConfig() Config {
	return Config{
		GracePeriod:         DefaultGracePeriod,
		ScreenReofferPeriod: 10 * time.Second,
		Speech:              speech.DefaultConfig(),
		Recording:           recording.DefaultConfig(),
	}
}

type linkKey struct {
	peer  domain.ParticipantID
	class domain.StreamClass
}

type linkMeta struct {
	state  string
	opened time.Time
}

type remoteDetector struct {
	detector *speech.Detector
	track    *webrtc.RemoteTrack
}

type speechTransition struct {
	peer     domain.ParticipantID
	local    bool
	detector *speech.Detector
	tr       speech.Transition
}

type screenTick struct{}

type shareEnded struct {
	screen Screen
}

type intent struct {
	fn    func() error
	reply chan error
}

// Coordinator runs a participant's side of a room on one event loop.
// Inbound messages, link events, detector transitions, timers and local
// intents are all serialized through it.
type Coordinator struct {
	cfg     Config
	deps    Dependencies
	metrics Metrics
	logger  *zap.SugaredLogger

	// owned by the loop
	state        *State
	transport    Transport
	links        Links
	recorder     Recorder
	mic          Microphone
	screen       Screen
	localSpeech  *speech.Detector
	remoteSpeech map[domain.ParticipantID]remoteDetector
	screenLoop   *webrtc.ScreenOfferLoop
	shareCancel  context.CancelFunc
	linkMeta     map[linkKey]linkMeta
	closing      bool
	closed       bool

	ctx           context.Context
	cancel        context.CancelFunc
	events        chan any
	intents       chan intent
	notifications chan Notification
	done          chan struct{}
	status        atomic.Int32

	mu     sync.Mutex
	joined bool
	err    error
}

func New(cfg Config, deps Dependencies, logger *zap.SugaredLogger) *Coordinator {
	def := DefaultConfig()
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.ScreenReofferPeriod <= 0 {
		cfg.ScreenReofferPeriod = def.ScreenReofferPeriod
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.NewRecorder == nil {
		rc := cfg.Recording
		deps.NewRecorder = func(emit recording.ChunkFunc) Recorder {
			return recording.NewPipeline(rc, emit, logger)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:     cfg,
		deps:    deps,
		metrics: deps.Metrics,
		logger: logger.With(
			"room_id", domain.RoomForEpisode(cfg.Episode),
			"participant_id", cfg.Self,
		),
		state:         NewState(cfg.Self, cfg.Name, cfg.Episode, cfg.Host, cfg.GracePeriod),
		remoteSpeech:  make(map[domain.ParticipantID]remoteDetector),
		linkMeta:      make(map[linkKey]linkMeta),
		ctx:           ctx,
		cancel:        cancel,
		events:        make(chan any, 256),
		intents:       make(chan intent),
		notifications: make(chan Notification, 64),
		done:          make(chan struct{}),
	}
	c.status.Store(int32(signal.StatusDisconnected))
	return c
}

// Join dials the room and starts the loop.
func (c *Coordinator) Join(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joined {
		return ErrAlreadyJoined
	}

	c.status.Store(int32(signal.StatusConnecting))
	transport, err := c.deps.Dial(ctx)
	if err != nil {
		c.status.Store(int32(signal.StatusDisconnected))
		return apperrors.NewTransportClosedError(err)
	}
	c.joined = true
	c.transport = transport
	c.links = c.deps.NewLinks(c.postLinkEvent)
	c.recorder = c.deps.NewRecorder(c.sendChunk)
	c.status.Store(int32(signal.StatusConnected))

	c.logger.Infow("joined room", "host_id", c.cfg.Host)
	go c.run()
	return nil
}

// Status is the signaling connection state.
func (c *Coordinator) Status() signal.ConnectionStatus {
	return signal.ConnectionStatus(c.status.Load())
}

// Notifications delivers UI notifications. It is closed when the session
// ends. Notifications are dropped when nobody reads them.
func (c *Coordinator) Notifications() <-chan Notification {
	return c.notifications
}

// Done closes once the session is fully torn down.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err is the transport failure that ended the session, if any.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Coordinator) run() {
	defer close(c.done)
	defer close(c.notifications)

	interval := c.cfg.GracePeriod / 2
	if interval < time.Second {
		interval = time.Second
	}
	purge := time.NewTicker(interval)
	defer purge.Stop()

	messages := c.transport.Messages()
	for !c.closed {
		select {
		case msg, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			c.handleMessage(msg)
		case ev := <-c.events:
			c.handleEvent(ev)
		case in := <-c.intents:
			in.reply <- in.fn()
		case <-c.transport.Done():
			cause := c.transport.Err()
			c.logger.Warnw("signaling transport closed", "error", cause)
			c.teardown(false, apperrors.NewTransportClosedError(cause))
		case now := <-purge.C:
			for _, id := range c.state.Registry.Purge(now) {
				c.state.Roles.Forget(id)
				c.logger.Debugw("purged departed participant", "peer_id", id)
			}
		}
		if c.closing {
			c.teardown(true, nil)
		}
	}
}

func (c *Coordinator) handleMessage(msg signal.Message) {
	_, span := tracing.TraceSignalMessage(c.ctx, string(msg.Type),
		string(domain.RoomForEpisode(c.cfg.Episode)), string(c.cfg.Self))
	defer span.End()

	c.exec(Dispatch(c.state, msg))
}

func (c *Coordinator) handleEvent(ev any) {
	switch ev := ev.(type) {
	case webrtc.Event:
		c.observeLink(ev)
		c.exec(HandleLinkEvent(c.state, ev))
	case speechTransition:
		c.onSpeech(ev)
	case screenTick:
		c.reofferScreen()
	case shareEnded:
		if c.screen == ev.screen {
			c.logger.Infow("screen capture ended")
			if err := c.stopShare(); err != nil {
				c.logger.Warnw("failed to stop screen share", "error", err)
			}
			c.notify(Notification{Kind: NotifyScreen, Participant: c.cfg.Self, Text: "Screen sharing ended"})
		}
	}
}

// post hands an event to the loop. It gives up when ctx is cancelled or
// the session has ended.
func (c *Coordinator) post(ctx context.Context, ev any) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	case <-c.done:
	}
}

func (c *Coordinator) postLinkEvent(ctx context.Context, ev webrtc.Event) {
	c.post(ctx, ev)
}

// do runs fn on the loop and returns its error.
func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	c.mu.Lock()
	joined := c.joined
	c.mu.Unlock()
	if !joined {
		return ErrNotJoined
	}

	in := intent{fn: fn, reply: make(chan error, 1)}
	select {
	case c.intents <- in:
	case <-c.done:
		return domain.ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-in.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) exec(effects []Effect) {
	for _, e := range effects {
		switch e := e.(type) {
		case Send:
			c.send(e.Msg)
		case OfferLink:
			c.offer(e.Peer, e.Class)
		case AnswerOffer:
			c.answer(e.Peer, e.Class, e.SDP, e.Negotiation)
		case ApplyAnswer:
			if err := c.links.ApplyAnswer(e.Peer, e.Class, e.SDP, e.Negotiation); err != nil {
				c.logger.Warnw("failed to apply answer", "peer_id", e.Peer, "stream_type", e.Class, "error", err)
			}
		case AddCandidate:
			if err := c.links.AddCandidate(e.Peer, e.Class, e.Candidate, e.Negotiation); err != nil {
				c.logger.Debugw("dropped ICE candidate", "peer_id", e.Peer, "stream_type", e.Class, "error", err)
			}
		case CloseLink:
			c.closeLink(e.Peer, e.Class, e.Gen)
		case SetMicrophone:
			c.setMicrophone(e.Enabled)
		case StartDetector:
			c.startRemoteDetector(e.Peer, e.Track)
		case StopDetector:
			c.stopRemoteDetector(e.Peer)
		case Notify:
			c.notify(e.Notification)
		case EndSession:
			c.logger.Infow("ending session", "reason", e.Reason)
			c.closing = true
		}
	}
}

func (c *Coordinator) send(msg signal.Message) {
	if err := c.transport.Send(msg); err != nil {
		c.logger.Warnw("failed to send signaling message", "type", msg.Type, "error", err)
	}
}

func (c *Coordinator) notify(n Notification) {
	select {
	case c.notifications <- n:
	default:
		c.logger.Debugw("dropped notification", "kind", n.Kind)
	}
}

func (c *Coordinator) offer(peer domain.ParticipantID, class domain.StreamClass) {
	sdp, negotiation, err := c.links.Offer(peer, class)
	c.forgetLink(peer, class)
	if err != nil {
		c.logger.Warnw("failed to create offer", "peer_id", peer, "stream_type", class, "error", err)
		if !errors.Is(err, domain.ErrNotSharing) {
			c.metrics.NegotiationFailed(class)
		}
		return
	}
	c.trackLink(peer, class)
	c.send(signal.Message{
		Type:        signal.TypeOffer,
		Recipient:   peer,
		StreamType:  streamType(class),
		SDP:         sdp,
		Negotiation: negotiation,
	})
}

func (c *Coordinator) answer(peer domain.ParticipantID, class domain.StreamClass, sdp string, negotiation uint64) {
	answer, ok, err := c.links.Accept(peer, class, sdp, negotiation)
	if err != nil {
		c.forgetLink(peer, class)
		c.logger.Warnw("failed to answer offer", "peer_id", peer, "stream_type", class, "error", err)
		c.metrics.NegotiationFailed(class)
		return
	}
	if !ok {
		// our own offer wins the collision
		return
	}
	c.forgetLink(peer, class)
	c.trackLink(peer, class)
	c.send(signal.Message{
		Type:        signal.TypeAnswer,
		Recipient:   peer,
		StreamType:  streamType(class),
		SDP:         answer,
		Negotiation: negotiation,
	})
}

func (c *Coordinator) trackLink(peer domain.ParticipantID, class domain.StreamClass) {
	state := webrtc.LinkNegotiating.String()
	c.linkMeta[linkKey{peer, class}] = linkMeta{state: state, opened: time.Now()}
	c.metrics.LinkStateChanged(class, "", state)
}

func (c *Coordinator) forgetLink(peer domain.ParticipantID, class domain.StreamClass) {
	key := linkKey{peer, class}
	if meta, ok := c.linkMeta[key]; ok {
		c.metrics.LinkStateChanged(class, meta.state, "")
		delete(c.linkMeta, key)
	}
}

func (c *Coordinator) observeLink(ev webrtc.Event) {
	st, ok := ev.(webrtc.StateEvent)
	if !ok {
		return
	}
	key := linkKey{st.Peer, st.Class}
	meta, ok := c.linkMeta[key]
	if !ok {
		return
	}
	to := st.State.String()
	c.metrics.LinkStateChanged(st.Class, meta.state, to)
	meta.state = to
	c.linkMeta[key] = meta

	switch st.State {
	case webrtc.LinkConnected:
		c.metrics.LinkConnected(time.Since(meta.opened))
	case webrtc.LinkFailed:
		c.metrics.NegotiationFailed(st.Class)
		c.logger.Warnw("peer link failed", "peer_id", st.Peer, "stream_type", st.Class, "error", st.Cause)
	}
}

func (c *Coordinator) closeLink(peer domain.ParticipantID, class domain.StreamClass, gen uint64) {
	switch {
	case class == "":
		c.links.ClosePeer(peer)
		c.forgetLink(peer, domain.StreamAudio)
		c.forgetLink(peer, domain.StreamScreen)
	case gen != 0:
		if c.links.CloseGen(peer, class, gen) {
			c.forgetLink(peer, class)
		}
	default:
		c.links.Close(peer, class)
		c.forgetLink(peer, class)
	}
}

func (c *Coordinator) closeClass(class domain.StreamClass) {
	c.links.CloseClass(class)
	for key := range c.linkMeta {
		if key.class == class {
			c.forgetLink(key.peer, key.class)
		}
	}
}

// setMicrophone never enables the track for a participant who may not speak.
func (c *Coordinator) setMicrophone(enabled bool) {
	if c.mic == nil {
		return
	}
	c.mic.SetEnabled(enabled && c.state.SelfRole().CanSpeak())
}

func (c *Coordinator) startLocalDetector() {
	meter := speech.NewSampleMeter()
	c.mic.AttachSink(speechSink, meter)

	var det *speech.Detector
	det = speech.NewDetector(meter, c.cfg.Speech, func(ctx context.Context, tr speech.Transition) {
		c.post(ctx, speechTransition{peer: c.cfg.Self, local: true, detector: det, tr: tr})
	})
	c.localSpeech = det
	det.Start()
}

func (c *Coordinator) stopLocalDetector() {
	if c.localSpeech == nil {
		return
	}
	if c.mic != nil {
		c.mic.DetachSink(speechSink)
	}
	c.localSpeech.Stop()
	c.localSpeech = nil
}

func (c *Coordinator) startRemoteDetector(peer domain.ParticipantID, track *webrtc.RemoteTrack) {
	c.stopRemoteDetector(peer)
	if track == nil || track.AudioLevelID == 0 {
		c.logger.Debugw("remote audio has no level extension", "peer_id", peer)
		return
	}
	meter := speech.NewRTPLevelMeter(track.AudioLevelID)
	track.AttachSink(speechSink, meter)

	var det *speech.Detector
	det = speech.NewDetector(meter, c.cfg.Speech, func(ctx context.Context, tr speech.Transition) {
		c.post(ctx, speechTransition{peer: peer, detector: det, tr: tr})
	})
	c.remoteSpeech[peer] = remoteDetector{detector: det, track: track}
	det.Start()
}

func (c *Coordinator) stopRemoteDetector(peer domain.ParticipantID) {
	rd, ok := c.remoteSpeech[peer]
	if !ok {
		return
	}
	rd.track.DetachSink(speechSink)
	rd.detector.Stop()
	delete(c.remoteSpeech, peer)
}

func (c *Coordinator) onSpeech(ev speechTransition) {
	if !ev.local {
		rd, ok := c.remoteSpeech[ev.peer]
		if !ok || rd.detector != ev.detector {
			return
		}
		// the peer's own speech-event carries the timing
		if p, ok := c.state.Registry.Get(ev.peer); ok && p.Active() {
			p.IsSpeaking = ev.tr.Speaking
		}
		return
	}
	if ev.detector != c.localSpeech {
		return
	}

	c.state.setSpeaking(c.cfg.Self, ev.tr.Speaking, ev.tr.At, ev.tr.Since)
	c.metrics.SpeechTransition(ev.tr.Speaking)

	msg := signal.Message{
		Type:      signal.TypeSpeechEvent,
		Speaking:  domain.Bool(ev.tr.Speaking),
		Timestamp: domain.Millis(ev.tr.At),
	}
	if !ev.tr.Speaking && !ev.tr.Since.IsZero() {
		msg.SpeakingStart = domain.Millis(ev.tr.Since)
	}
	c.send(msg)
}

// reofferScreen offers the screen to every receiver without a connected
// link. An offer younger than one period is left to finish.
func (c *Coordinator) reofferScreen() {
	if !c.state.Sharing {
		return
	}
	for _, peer := range c.state.Peers() {
		switch c.links.StateOf(peer, domain.StreamScreen) {
		case webrtc.LinkConnected:
			continue
		case webrtc.LinkNegotiating:
			meta, ok := c.linkMeta[linkKey{peer, domain.StreamScreen}]
			if ok && time.Since(meta.opened) < c.cfg.ScreenReofferPeriod {
				continue
			}
		}
		c.offer(peer, domain.StreamScreen)
	}
}

func (c *Coordinator) sendChunk(chunk domain.RecordingChunk) error {
	seq := chunk.Sequence
	msg := signal.Message{
		Type:     signal.TypeAudioData,
		MimeType: chunk.MimeType,
		Sequence: &seq,
	}
	encoded := base64.StdEncoding.EncodeToString(chunk.Payload)
	if chunk.HasVideo {
		msg.Type = signal.TypeVideoData
		msg.Video = encoded
	} else {
		msg.Audio = encoded
	}
	return c.transport.Send(msg)
}

// teardown releases everything the session holds. Peers are told first,
// then links close, then local media stops, then every detector, loop
// and recorder.
func (c *Coordinator) teardown(notifyPeers bool, cause error) {
	if c.closed {
		return
	}
	c.closed = true

	if notifyPeers {
		c.send(signal.Message{Type: signal.TypeDisconnect})
	}

	c.links.CloseAll()
	for key := range c.linkMeta {
		c.forgetLink(key.peer, key.class)
	}

	if c.mic != nil {
		c.mic.Stop()
	}
	if c.screen != nil {
		c.screen.Stop()
	}

	if c.screenLoop != nil {
		c.screenLoop.Stop()
		c.screenLoop = nil
	}
	if c.shareCancel != nil {
		c.shareCancel()
		c.shareCancel = nil
	}
	c.stopLocalDetector()
	for peer := range c.remoteSpeech {
		c.stopRemoteDetector(peer)
	}
	if c.recorder.Active() {
		if err := c.recorder.Stop(); err != nil {
			c.logger.Warnw("failed to finalize recording", "error", err)
		}
		if notifyPeers {
			c.send(signal.Message{Type: signal.TypeStopRecording})
		}
	}

	c.mic, c.screen = nil, nil
	c.state.InCall, c.state.Sharing, c.state.Recording = false, false, false

	if err := c.transport.Close(); err != nil {
		c.logger.Debugw("error closing signaling transport", "error", err)
	}
	c.status.Store(int32(signal.StatusDisconnected))
	c.cancel()

	c.mu.Lock()
	c.err = cause
	c.mu.Unlock()
	c.logger.Infow("left room", "error", cause)
}
