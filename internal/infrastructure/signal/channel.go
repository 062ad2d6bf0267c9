package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "podlive/pkg/errors"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = 60 * time.Second
)

// ConnectionStatus is surfaced to the UI.
type ConnectionStatus int32

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

var ErrChannelClosed = errors.New("signaling channel closed")

// Channel is the client end of a room's signaling socket. Outbound
// messages go through a buffered queue drained by one write goroutine;
// inbound messages are delivered in arrival order on Messages.
type Channel struct {
	ws     *websocket.Conn
	logger *zap.SugaredLogger

	status     atomic.Int32
	send       chan []byte
	in         chan Message
	closing    chan struct{}
	writerDone chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	once       sync.Once

	errMu sync.Mutex
	err   error
}

// Dial opens the socket at url. The channel is connecting until the
// handshake completes.
func Dial(ctx context.Context, url string, logger *zap.SugaredLogger) (*Channel, error) {
	c := &Channel{
		logger:     logger,
		send:       make(chan []byte, 256),
		in:         make(chan Message, 256),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	c.status.Store(int32(StatusConnecting))

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		c.status.Store(int32(StatusDisconnected))
		return nil, apperrors.NewTransportClosedError(fmt.Errorf("dial %s: %w", url, err))
	}
	c.ws = ws
	c.status.Store(int32(StatusConnected))

	go c.writeLoop()
	go c.readLoop()

	logger.Infow("signaling channel connected", "url", url)
	return c, nil
}

func (c *Channel) Status() ConnectionStatus {
	return ConnectionStatus(c.status.Load())
}

// Messages delivers inbound messages to a single consumer. It is closed
// after Done.
func (c *Channel) Messages() <-chan Message {
	return c.in
}

// Done is closed when the transport drops or Close is called.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns what closed the channel.
func (c *Channel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send enqueues msg. It never blocks: a full queue closes the channel.
func (c *Channel) Send(msg Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Type, err)
	}
	select {
	case <-c.done:
		return apperrors.NewTransportClosedError(ErrChannelClosed)
	case <-c.closing:
		return apperrors.NewTransportClosedError(ErrChannelClosed)
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.shutdown(errors.New("send buffer full"))
		return apperrors.NewTransportClosedError(ErrChannelClosed)
	}
}

// Close flushes queued messages, waiting at most writeWait, then closes
// the socket.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	select {
	case <-c.writerDone:
	case <-time.After(writeWait):
	}
	c.shutdown(ErrChannelClosed)
	return nil
}

func (c *Channel) shutdown(cause error) {
	c.once.Do(func() {
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()
		c.status.Store(int32(StatusDisconnected))
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = c.ws.Close()
		c.logger.Infow("signaling channel closed", "reason", cause)
	})
}

func (c *Channel) readLoop() {
	defer close(c.in)

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := Decode(data)
		if err != nil {
			c.logger.Warnw("dropping malformed signaling message", "error", err)
			continue
		}
		select {
		case c.in <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Channel) writeLoop() {
	defer close(c.writerDone)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.closing:
			c.flush()
			return
		case payload := <-c.send:
			if err := c.write(websocket.TextMessage, payload); err != nil {
				c.shutdown(err)
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.shutdown(err)
				return
			}
		}
	}
}

func (c *Channel) flush() {
	for {
		select {
		case payload := <-c.send:
			if err := c.write(websocket.TextMessage, payload); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Channel) write(kind int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(kind, payload)
}
