package signal

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"podlive/internal/core/domain"
	"podlive/internal/core/ports"
	"podlive/pkg/tracing"
	"podlive/pkg/validation"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// ChunkIngestor assembles recording chunks per room.
type ChunkIngestor interface {
	Begin(room domain.RoomID, mimeType string) (string, error)
	Append(room domain.RoomID, seq *uint64, payload []byte, mimeType string) error
	Finish(ctx context.Context, room domain.RoomID) (*domain.RecordingInfo, error)
	Active(room domain.RoomID) bool
}

// Metrics is what the hub reports.
type Metrics interface {
	ParticipantConnected(room domain.RoomID)
	ParticipantDisconnected(room domain.RoomID)
	MessageRouted(msgType string)
	MessageRejected(reason string)
	ChunkIngested(msgType string, bytes int)
}

// Envelope is one delivery handed to other relay instances.
type Envelope struct {
	Room      domain.RoomID        `json:"room"`
	Recipient domain.ParticipantID `json:"recipient,omitempty"`
	Exclude   domain.ParticipantID `json:"exclude,omitempty"`
	Payload   []byte               `json:"payload"`
}

// Relay forwards deliveries to members connected to other instances.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
}

type HubConfig struct {
	PingInterval      time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	SendBuffer        int
	MessagesPerSecond float64
	Burst             int
	MaxMessageSize    int64
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		SendBuffer:        256,
		MessagesPerSecond: 50,
		Burst:             100,
		MaxMessageSize:    8 << 20,
	}
}

// Hub is the room relay. It stamps the sender on every inbound message,
// delivers it to its recipient or to the rest of the room, and persists
// the session, speech and chat logs.
type Hub struct {
	cfg      HubConfig
	episodes ports.EpisodeDirectory
	logs     ports.LogStore
	ingest   ChunkIngestor
	relay    Relay
	metrics  Metrics
	now      func() time.Time

	mu    sync.RWMutex
	rooms map[domain.RoomID]*room

	logger *zap.SugaredLogger
}

type room struct {
	host    domain.ParticipantID
	members map[domain.ParticipantID]*member
	order   []domain.ParticipantID
}

func NewHub(cfg HubConfig, episodes ports.EpisodeDirectory, logs ports.LogStore, ingest ChunkIngestor, logger *zap.SugaredLogger) *Hub {
	return &Hub{
		cfg:      cfg,
		episodes: episodes,
		logs:     logs,
		ingest:   ingest,
		metrics:  nopMetrics{},
		now:      time.Now,
		rooms:    make(map[domain.RoomID]*room),
		logger:   logger,
	}
}

func (h *Hub) SetRelay(r Relay) {
	h.relay = r
}

func (h *Hub) SetMetrics(m Metrics) {
	if m != nil {
		h.metrics = m
	}
}

// HandleWebSocket serves GET /api/v1/websocket/:episode_id/:user_id?name=.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	episodeID := c.Param("episode_id")
	userID := c.Param("user_id")
	if err := validation.ValidateEpisodeID(episodeID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validation.ValidateParticipantID(userID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	name := c.Query("name")
	if name == "" {
		name = userID
	}
	if err := validation.ValidateDisplayName(name); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	episode, err := h.episodes.GetEpisode(c.Request.Context(), domain.EpisodeID(episodeID))
	if err != nil || !episode.Live() {
		h.logger.Infow("rejecting connection to episode that is not live",
			"episode_id", episodeID,
			"user_id", userID,
			"error", err,
		)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "episode is not live"),
			time.Now().Add(h.cfg.WriteTimeout))
		_ = ws.Close()
		return
	}

	roomID := domain.RoomForEpisode(episode.ID)
	m := newMember(domain.ParticipantID(userID), name, roomID, ws, h.cfg)
	h.serve(context.Background(), m, episode.CreatorID)
}

func (h *Hub) serve(ctx context.Context, m *member, host domain.ParticipantID) {
	previous, others := h.register(m, host)
	if previous != nil {
		previous.close(4001, "session replaced")
	}
	go m.writeLoop()
	h.metrics.ParticipantConnected(m.room)
	h.logger.Infow("participant connected",
		"room_id", m.room,
		"participant_id", m.id,
		"reconnect", previous != nil,
	)

	h.reply(m, Message{Type: TypeUsersList, Users: others})
	h.broadcast(ctx, m.room, m.id, Message{Type: TypeUserJoined, Sender: m.id, Name: m.name})
	h.appendSession(ctx, m.room, domain.SessionEvent{
		Type:      domain.EventJoin,
		ClientID:  m.id,
		Timestamp: domain.Millis(h.now()),
	})

	h.readLoop(ctx, m)

	if !h.unregister(m) {
		// replaced by a newer connection of the same participant
		return
	}
	h.metrics.ParticipantDisconnected(m.room)
	h.broadcast(ctx, m.room, m.id, Message{Type: TypeDisconnect, ClientID: m.id})
	h.appendSession(ctx, m.room, domain.SessionEvent{
		Type:      domain.EventLeave,
		ClientID:  m.id,
		Timestamp: domain.Millis(h.now()),
	})
	h.logger.Infow("participant disconnected", "room_id", m.room, "participant_id", m.id)
}

func (h *Hub) readLoop(ctx context.Context, m *member) {
	defer m.close(websocket.CloseNormalClosure, "")

	m.ws.SetReadLimit(h.cfg.MaxMessageSize)
	_ = m.ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	m.ws.SetPongHandler(func(string) error {
		return m.ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	for {
		_, data, err := m.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Infow("error reading message from participant", "participant_id", m.id, "error", err)
			}
			return
		}
		_ = m.ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))

		if !m.limiter.Allow() {
			h.metrics.MessageRejected("rate_limit")
			h.reply(m, ErrorMessage(errors.New("rate limit exceeded")))
			continue
		}
		msg, err := Decode(data)
		if err != nil {
			h.metrics.MessageRejected("malformed")
			h.reply(m, ErrorMessage(err))
			continue
		}
		if err := h.handleMessage(ctx, m, msg); err != nil {
			h.metrics.MessageRejected("invalid")
			h.logger.Infow("error handling message from participant",
				"participant_id", m.id,
				"type", msg.Type,
				"error", err,
			)
			h.reply(m, ErrorMessage(err))
		}
	}
}

func (h *Hub) handleMessage(ctx context.Context, m *member, msg Message) error {
	ctx, span := tracing.TraceSignalMessage(ctx, string(msg.Type), string(m.room), string(m.id))
	defer span.End()

	msg.Sender = m.id
	switch msg.Type {
	case typeStartScreenShare:
		msg.Type = TypeScreenShareStarted
	case typeStopScreenShare:
		msg.Type = TypeScreenShareStopped
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := h.authorize(m, msg); err != nil {
		return err
	}
	h.metrics.MessageRouted(string(msg.Type))

	switch msg.Type {
	case TypeAudioData, TypeVideoData:
		return h.handleChunk(m, msg)
	case TypeStartRecording:
		key, err := h.ingest.Begin(m.room, msg.MimeType)
		if err != nil {
			return err
		}
		h.broadcast(ctx, m.room, m.id, Message{Type: TypeRecordingStarted, Filename: key})
		return nil
	case TypeCreateTempRecording:
		key, err := h.ingest.Begin(m.room, msg.MimeType)
		if err != nil {
			return err
		}
		h.reply(m, Message{Type: TypeRecordingCreated, Filename: key})
		return nil
	case TypeStopRecording:
		if err := h.finishRecording(ctx, m.room, m.id); err != nil && !errors.Is(err, domain.ErrRecordingIdle) {
			return err
		}
		return nil
	case TypeSpeechEvent:
		h.stampTime(&msg)
		h.appendSpeech(ctx, m.room, domain.SpeechEvent{
			ClientID:      m.id,
			Speaking:      *msg.Speaking,
			Timestamp:     msg.Timestamp,
			SpeakingStart: msg.SpeakingStart,
		})
	case TypeChatMessage:
		if err := validation.ValidateChatContent(msg.Content); err != nil {
			return err
		}
		h.stampTime(&msg)
		h.appendChat(ctx, m.room, domain.ChatMessage{Sender: m.id, Content: msg.Content, Timestamp: msg.Timestamp})
	case TypeSpeakerRequest, TypeSpeakerRequestResponse, TypeRevokeSpeaker:
		h.stampTime(&msg)
		h.appendSession(ctx, m.room, domain.SessionEvent{
			Type:      domain.SessionEventType(msg.Type),
			ClientID:  m.id,
			Timestamp: msg.Timestamp,
			Recipient: msg.Recipient,
			Approved:  msg.Approved,
		})
		// the recipient names the subject; everyone sees role changes
		h.broadcast(ctx, m.room, m.id, msg)
		return nil
	case TypeScreenShareStarted, TypeScreenShareStopped:
		h.stampTime(&msg)
		if !msg.Targeted() {
			h.appendSession(ctx, m.room, domain.SessionEvent{
				Type:      domain.SessionEventType(msg.Type),
				ClientID:  m.id,
				Timestamp: msg.Timestamp,
			})
		}
	case TypeDisconnect:
		msg.ClientID = m.id
	}

	h.route(ctx, m.room, m.id, msg)
	return nil
}

// authorize rejects host-only messages from anyone but the host. A
// participant may decline its own pending request.
func (h *Hub) authorize(m *member, msg Message) error {
	switch msg.Type {
	case TypeSpeakerRequestResponse:
		selfWithdraw := msg.Recipient == m.id && !*msg.Approved
		if selfWithdraw {
			return nil
		}
	case TypeRevokeSpeaker, TypeUserStatusUpdate, TypeLiveEnded,
		TypeStartRecording, TypeStopRecording, TypeCreateTempRecording,
		TypeAudioData, TypeVideoData:
	default:
		return nil
	}
	if h.hostOf(m.room) != m.id {
		return domain.ErrNotHost
	}
	return nil
}

func (h *Hub) handleChunk(m *member, msg Message) error {
	encoded := msg.Audio
	if msg.Type == TypeVideoData {
		encoded = msg.Video
	}
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("%w: chunk is not base64: %v", domain.ErrInvalidMessage, err)
	}
	mimeType := msg.MimeType
	if mimeType == "" && msg.Type == TypeVideoData {
		mimeType = domain.MimeVideoWebM
	}
	if err := h.ingest.Append(m.room, msg.Sequence, payload, mimeType); err != nil {
		if errors.Is(err, domain.ErrRecordingIdle) {
			// a recorder's last flush can trail the room being closed
			h.logger.Debugw("dropping chunk for idle recording", "room_id", m.room, "participant_id", m.id)
			return nil
		}
		return fmt.Errorf("failed to ingest chunk: %w", err)
	}
	h.metrics.ChunkIngested(string(msg.Type), len(payload))
	return nil
}

func (h *Hub) finishRecording(ctx context.Context, roomID domain.RoomID, exclude domain.ParticipantID) error {
	info, err := h.ingest.Finish(ctx, roomID)
	if err != nil {
		return err
	}
	h.broadcast(ctx, roomID, exclude, Message{Type: TypeRecordingStopped, Filename: info.Key})
	return nil
}

// CloseRoom finalizes any running recording and tells every member the
// live has ended.
func (h *Hub) CloseRoom(ctx context.Context, roomID domain.RoomID) error {
	var finishErr error
	if h.ingest.Active(roomID) {
		if err := h.finishRecording(ctx, roomID, ""); err != nil {
			finishErr = fmt.Errorf("failed to finalize recording: %w", err)
		}
	}
	h.broadcast(ctx, roomID, "", Message{Type: TypeLiveEnded, Timestamp: domain.Millis(h.now())})
	h.logger.Infow("room closed", "room_id", roomID)
	return finishErr
}

// Members lists the participants connected to this instance.
func (h *Hub) Members(roomID domain.RoomID) []domain.Member {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r := h.rooms[roomID]
	if r == nil {
		return nil
	}
	return r.list("")
}

// Deliver hands a relayed envelope to members connected here.
func (h *Hub) Deliver(env Envelope) {
	if env.Recipient != "" {
		h.sendLocal(env.Room, env.Recipient, env.Payload)
		return
	}
	h.broadcastLocal(env.Room, env.Exclude, env.Payload)
}

func (h *Hub) route(ctx context.Context, roomID domain.RoomID, sender domain.ParticipantID, msg Message) {
	if !msg.Targeted() {
		h.broadcast(ctx, roomID, sender, msg)
		return
	}
	payload, err := Encode(msg)
	if err != nil {
		h.logger.Errorw("failed to encode message", "type", msg.Type, "error", err)
		return
	}
	if h.sendLocal(roomID, msg.Recipient, payload) {
		return
	}
	h.publish(ctx, Envelope{Room: roomID, Recipient: msg.Recipient, Payload: payload})
}

func (h *Hub) broadcast(ctx context.Context, roomID domain.RoomID, exclude domain.ParticipantID, msg Message) {
	payload, err := Encode(msg)
	if err != nil {
		h.logger.Errorw("failed to encode message", "type", msg.Type, "error", err)
		return
	}
	h.broadcastLocal(roomID, exclude, payload)
	h.publish(ctx, Envelope{Room: roomID, Exclude: exclude, Payload: payload})
}

func (h *Hub) publish(ctx context.Context, env Envelope) {
	if h.relay == nil {
		return
	}
	if err := h.relay.Publish(ctx, env); err != nil {
		h.logger.Warnw("failed to relay message", "room_id", env.Room, "error", err)
	}
}

func (h *Hub) sendLocal(roomID domain.RoomID, to domain.ParticipantID, payload []byte) bool {
	h.mu.RLock()
	r := h.rooms[roomID]
	var m *member
	if r != nil {
		m = r.members[to]
	}
	h.mu.RUnlock()
	if m == nil {
		return false
	}
	return m.send(payload) == nil
}

func (h *Hub) broadcastLocal(roomID domain.RoomID, exclude domain.ParticipantID, payload []byte) int {
	h.mu.RLock()
	r := h.rooms[roomID]
	var targets []*member
	if r != nil {
		for _, id := range r.order {
			if id != exclude {
				targets = append(targets, r.members[id])
			}
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, m := range targets {
		if err := m.send(payload); err == nil {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) reply(m *member, msg Message) {
	payload, err := Encode(msg)
	if err != nil {
		h.logger.Errorw("failed to encode reply", "type", msg.Type, "error", err)
		return
	}
	_ = m.send(payload)
}

func (h *Hub) register(m *member, host domain.ParticipantID) (*member, []domain.Member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[m.room]
	if r == nil {
		r = &room{host: host, members: make(map[domain.ParticipantID]*member)}
		h.rooms[m.room] = r
	}
	previous := r.members[m.id]
	if previous == nil {
		r.order = append(r.order, m.id)
	}
	r.members[m.id] = m
	return previous, r.list(m.id)
}

// unregister removes m unless a newer connection replaced it.
func (h *Hub) unregister(m *member) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[m.room]
	if r == nil || r.members[m.id] != m {
		return false
	}
	delete(r.members, m.id)
	for i, id := range r.order {
		if id == m.id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if len(r.members) == 0 {
		delete(h.rooms, m.room)
	}
	return true
}

func (h *Hub) hostOf(roomID domain.RoomID) domain.ParticipantID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if r := h.rooms[roomID]; r != nil {
		return r.host
	}
	return ""
}

func (r *room) list(exclude domain.ParticipantID) []domain.Member {
	out := make([]domain.Member, 0, len(r.order))
	for _, id := range r.order {
		if id == exclude {
			continue
		}
		out = append(out, domain.Member{ID: id, Name: r.members[id].name})
	}
	return out
}

func (h *Hub) stampTime(msg *Message) {
	if msg.Timestamp == 0 {
		msg.Timestamp = domain.Millis(h.now())
	}
}

func (h *Hub) appendSession(ctx context.Context, roomID domain.RoomID, event domain.SessionEvent) {
	episode, ok := domain.EpisodeForRoom(roomID)
	if !ok {
		return
	}
	if err := h.logs.AppendSessionEvent(ctx, episode, event); err != nil {
		h.logger.Errorw("failed to append session event", "room_id", roomID, "type", event.Type, "error", err)
	}
}

func (h *Hub) appendSpeech(ctx context.Context, roomID domain.RoomID, event domain.SpeechEvent) {
	episode, ok := domain.EpisodeForRoom(roomID)
	if !ok {
		return
	}
	if err := h.logs.AppendSpeechEvent(ctx, episode, event); err != nil {
		h.logger.Errorw("failed to append speech event", "room_id", roomID, "error", err)
	}
}

func (h *Hub) appendChat(ctx context.Context, roomID domain.RoomID, msg domain.ChatMessage) {
	episode, ok := domain.EpisodeForRoom(roomID)
	if !ok {
		return
	}
	if err := h.logs.AppendChatMessage(ctx, episode, msg); err != nil {
		h.logger.Errorw("failed to append chat message", "room_id", roomID, "error", err)
	}
}

type nopMetrics struct{}

func (nopMetrics) ParticipantConnected(domain.RoomID)    {}
func (nopMetrics) ParticipantDisconnected(domain.RoomID) {}
func (nopMetrics) MessageRouted(string)                  {}
func (nopMetrics) MessageRejected(string)                {}
func (nopMetrics) ChunkIngested(string, int)             {}
