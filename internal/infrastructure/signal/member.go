package signal

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"podlive/internal/core/domain"
)

var errMemberClosed = errors.New("connection closed")

// member is one relay-side socket. Outbound writes go through a buffered
// channel drained by writeLoop.
type member struct {
	id   domain.ParticipantID
	name string
	room domain.RoomID

	ws           *websocket.Conn
	outbound     chan []byte
	limiter      *rate.Limiter
	pingInterval time.Duration
	writeTimeout time.Duration

	once   sync.Once
	closed chan struct{}
}

func newMember(id domain.ParticipantID, name string, roomID domain.RoomID, ws *websocket.Conn, cfg HubConfig) *member {
	return &member{
		id:           id,
		name:         name,
		room:         roomID,
		ws:           ws,
		outbound:     make(chan []byte, cfg.SendBuffer),
		limiter:      rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.Burst),
		pingInterval: cfg.PingInterval,
		writeTimeout: cfg.WriteTimeout,
		closed:       make(chan struct{}),
	}
}

// send enqueues payload. A slow client whose buffer is full is dropped.
func (m *member) send(payload []byte) error {
	select {
	case <-m.closed:
		return errMemberClosed
	default:
	}
	select {
	case m.outbound <- payload:
		return nil
	default:
		m.close(websocket.CloseGoingAway, "send buffer full")
		return errors.New("connection buffer exceeded")
	}
}

func (m *member) close(code int, reason string) {
	m.once.Do(func() {
		close(m.closed)
		_ = m.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(m.writeTimeout))
		_ = m.ws.Close()
	})
}

func (m *member) writeLoop() {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.closed:
			return
		case payload := <-m.outbound:
			if err := m.write(websocket.TextMessage, payload); err != nil {
				m.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := m.write(websocket.PingMessage, nil); err != nil {
				m.close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

func (m *member) write(kind int, payload []byte) error {
	if err := m.ws.SetWriteDeadline(time.Now().Add(m.writeTimeout)); err != nil {
		return err
	}
	return m.ws.WriteMessage(kind, payload)
}
