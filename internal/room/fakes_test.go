package room

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	pion "github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"podlive/internal/core/domain"
	"podlive/internal/infrastructure/media"
	"podlive/internal/infrastructure/recording"
	"podlive/internal/infrastructure/signal"
	"podlive/internal/infrastructure/webrtc"
)

// callLog records calls across fakes in order.
type callLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *callLog) add(entry string) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func (l *callLog) index(entry string) int {
	for i, e := range l.all() {
		if e == entry {
			return i
		}
	}
	return -1
}

type fakeTransport struct {
	log  *callLog
	in   chan signal.Message
	done chan struct{}

	mu     sync.Mutex
	sent   []signal.Message
	closed bool
	err    error
}

func newFakeTransport(log *callLog) *fakeTransport {
	return &fakeTransport{log: log, in: make(chan signal.Message, 64), done: make(chan struct{})}
}

func (f *fakeTransport) Send(msg signal.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return signal.ErrChannelClosed
	}
	f.sent = append(f.sent, msg)
	f.log.add("send:" + string(msg.Type))
	return nil
}

func (f *fakeTransport) Messages() <-chan signal.Message { return f.in }
func (f *fakeTransport) Done() <-chan struct{}           { return f.done }

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.log.add("transport:close")
	return nil
}

// drop simulates the socket going away.
func (f *fakeTransport) drop(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	close(f.done)
}

func (f *fakeTransport) messages(t signal.MessageType) []signal.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []signal.Message
	for _, m := range f.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type fakeLinks struct {
	log  *callLog
	sink webrtc.EventSink

	mu       sync.Mutex
	gen      uint64
	offers   []string
	accepted []string
	states   map[string]webrtc.LinkState
	audio    pion.TrackLocal
	screen   pion.TrackLocal
	collide  bool
}

func newFakeLinks(log *callLog) *fakeLinks {
	return &fakeLinks{log: log, states: make(map[string]webrtc.LinkState)}
}

func key(peer domain.ParticipantID, class domain.StreamClass) string {
	return fmt.Sprintf("%s/%s", peer, class)
}

func (f *fakeLinks) SetAudioTrack(track pion.TrackLocal) {
	f.mu.Lock()
	f.audio = track
	f.mu.Unlock()
}

func (f *fakeLinks) SetScreenTrack(track pion.TrackLocal) {
	f.mu.Lock()
	f.screen = track
	f.mu.Unlock()
}

func (f *fakeLinks) Offer(peer domain.ParticipantID, class domain.StreamClass) (string, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gen++
	f.offers = append(f.offers, key(peer, class))
	f.states[key(peer, class)] = webrtc.LinkNegotiating
	return "offer-" + string(peer), f.gen, nil
}

func (f *fakeLinks) Accept(peer domain.ParticipantID, class domain.StreamClass, _ string, _ uint64) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.collide {
		return "", false, nil
	}
	f.accepted = append(f.accepted, key(peer, class))
	f.states[key(peer, class)] = webrtc.LinkNegotiating
	return "answer-" + string(peer), true, nil
}

func (f *fakeLinks) ApplyAnswer(domain.ParticipantID, domain.StreamClass, string, uint64) error {
	return nil
}

func (f *fakeLinks) AddCandidate(domain.ParticipantID, domain.StreamClass, pion.ICECandidateInit, uint64) error {
	return nil
}

func (f *fakeLinks) Close(peer domain.ParticipantID, class domain.StreamClass) {
	f.mu.Lock()
	delete(f.states, key(peer, class))
	f.mu.Unlock()
	f.log.add("links:close:" + key(peer, class))
}

func (f *fakeLinks) CloseGen(peer domain.ParticipantID, class domain.StreamClass, _ uint64) bool {
	f.Close(peer, class)
	return true
}

func (f *fakeLinks) ClosePeer(peer domain.ParticipantID) {
	f.Close(peer, domain.StreamAudio)
	f.Close(peer, domain.StreamScreen)
}

func (f *fakeLinks) CloseClass(class domain.StreamClass) {
	f.mu.Lock()
	for k := range f.states {
		if len(k) > len(class) && k[len(k)-len(class):] == string(class) {
			delete(f.states, k)
		}
	}
	f.mu.Unlock()
	f.log.add("links:close-class:" + string(class))
}

func (f *fakeLinks) CloseAll() {
	f.mu.Lock()
	f.states = make(map[string]webrtc.LinkState)
	f.mu.Unlock()
	f.log.add("links:close-all")
}

func (f *fakeLinks) StateOf(peer domain.ParticipantID, class domain.StreamClass) webrtc.LinkState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.states[key(peer, class)]; ok {
		return s
	}
	return webrtc.LinkClosed
}

func (f *fakeLinks) RemoteAudio() []media.PacketTap { return nil }

func (f *fakeLinks) setState(peer domain.ParticipantID, class domain.StreamClass, s webrtc.LinkState) {
	f.mu.Lock()
	f.states[key(peer, class)] = s
	f.mu.Unlock()
}

func (f *fakeLinks) offered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.offers...)
}

func (f *fakeLinks) countOffers(k string) int {
	n := 0
	for _, o := range f.offered() {
		if o == k {
			n++
		}
	}
	return n
}

type fakeMic struct {
	log *callLog

	mu      sync.Mutex
	enabled bool
	sinks   map[string]media.SampleSink
}

func (m *fakeMic) AttachSink(name string, s media.SampleSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sinks == nil {
		m.sinks = make(map[string]media.SampleSink)
	}
	m.sinks[name] = s
}

func (m *fakeMic) DetachSink(name string) {
	m.mu.Lock()
	delete(m.sinks, name)
	m.mu.Unlock()
}

func (m *fakeMic) Track() pion.TrackLocal { return nil }

func (m *fakeMic) Start(context.Context) error {
	m.log.add("mic:start")
	return nil
}

func (m *fakeMic) Stop() { m.log.add("mic:stop") }

func (m *fakeMic) SetEnabled(enabled bool) {
	m.mu.Lock()
	m.enabled = enabled
	m.mu.Unlock()
}

func (m *fakeMic) isEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

func (m *fakeMic) attached(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sinks[name]
	return ok
}

type fakeScreen struct {
	log   *callLog
	ended chan struct{}
	once  sync.Once
}

func (s *fakeScreen) AttachSink(string, media.SampleSink) {}
func (s *fakeScreen) DetachSink(string)                   {}
func (s *fakeScreen) Dimensions() (int, int)              { return 1280, 720 }
func (s *fakeScreen) Track() pion.TrackLocal              { return nil }
func (s *fakeScreen) Ended() <-chan struct{}              { return s.ended }

func (s *fakeScreen) Start(context.Context) error {
	s.log.add("screen:start")
	return nil
}

func (s *fakeScreen) Stop() {
	s.log.add("screen:stop")
	s.end()
}

// end simulates the user stopping the capture from the OS.
func (s *fakeScreen) end() {
	s.once.Do(func() { close(s.ended) })
}

type fakeDevices struct {
	log     *callLog
	denyMic bool

	mu      sync.Mutex
	mic     *fakeMic
	screens []*fakeScreen
}

func (d *fakeDevices) Microphone() (Microphone, error) {
	if d.denyMic {
		return nil, fmt.Errorf("permission denied")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mic = &fakeMic{log: d.log}
	return d.mic, nil
}

func (d *fakeDevices) Screen() (Screen, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &fakeScreen{log: d.log, ended: make(chan struct{})}
	d.screens = append(d.screens, s)
	return s, nil
}

func (d *fakeDevices) currentMic() *fakeMic {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mic
}

func (d *fakeDevices) lastScreen() *fakeScreen {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.screens[len(d.screens)-1]
}

type fakeRecorder struct {
	log *callLog

	mu     sync.Mutex
	active bool
	starts int
	src    recording.Sources
}

func (r *fakeRecorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *fakeRecorder) MimeType() string { return domain.MimeAudioWebM }

func (r *fakeRecorder) Start(src recording.Sources) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return domain.ErrRecordingActive
	}
	r.active = true
	r.starts++
	r.src = src
	return nil
}

func (r *fakeRecorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		r.log.add("recorder:stop")
	}
	r.active = false
	return nil
}

type harness struct {
	t         *testing.T
	c         *Coordinator
	log       *callLog
	transport *fakeTransport
	links     *fakeLinks
	devices   *fakeDevices
	recorder  *fakeRecorder
	seq       int
}

func newHarness(t *testing.T, self, host domain.ParticipantID, tweak ...func(*Config)) *harness {
	t.Helper()
	log := &callLog{}
	h := &harness{
		t:         t,
		log:       log,
		transport: newFakeTransport(log),
		links:     newFakeLinks(log),
		devices:   &fakeDevices{log: log},
		recorder:  &fakeRecorder{log: log},
	}

	cfg := DefaultConfig()
	cfg.Self = self
	cfg.Name = string(self)
	cfg.Episode = "ep1"
	cfg.Host = host
	for _, fn := range tweak {
		fn(&cfg)
	}

	h.c = New(cfg, Dependencies{
		Dial: func(context.Context) (Transport, error) { return h.transport, nil },
		NewLinks: func(sink webrtc.EventSink) Links {
			h.links.sink = sink
			return h.links
		},
		Devices:     h.devices,
		NewRecorder: func(recording.ChunkFunc) Recorder { return h.recorder },
	}, zap.NewNop().Sugar())

	require.NoError(t, h.c.Join(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.c.Leave(ctx)
	})
	return h
}

// deliver feeds msgs and waits until the loop has handled all of them.
// Notifications seen on the way are returned.
func (h *harness) deliver(msgs ...signal.Message) []Notification {
	h.t.Helper()
	h.seq++
	marker := fmt.Sprintf("sync-%d", h.seq)
	for _, m := range msgs {
		h.transport.in <- m
	}
	h.transport.in <- signal.Message{Type: signal.TypeChatMessage, Sender: "sync", Content: marker}

	var seen []Notification
	timeout := time.After(2 * time.Second)
	for {
		select {
		case n, ok := <-h.c.Notifications():
			if !ok {
				return seen
			}
			if n.Kind == NotifyChat && n.Participant == "sync" {
				if n.Text == "sync: "+marker {
					return seen
				}
				continue
			}
			seen = append(seen, n)
		case <-timeout:
			h.t.Fatalf("timed out waiting for %s", marker)
			return nil
		}
	}
}

func (h *harness) view() View {
	h.t.Helper()
	v, err := h.c.Snapshot(context.Background())
	require.NoError(h.t, err)
	return v
}

func members(ids ...domain.ParticipantID) signal.Message {
	msg := signal.Message{Type: signal.TypeUsersList}
	for _, id := range ids {
		msg.Users = append(msg.Users, domain.Member{ID: id, Name: string(id)})
	}
	return msg
}

func joined(id domain.ParticipantID) signal.Message {
	return signal.Message{Type: signal.TypeUserJoined, Sender: id, Name: string(id)}
}
