package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dmcore/internal/logger"
	"github.com/dmcore/internal/ws"
)

const (
	socketHandshakeTimeout = 10 * time.Second
	reconnectBase          = time.Second
	reconnectMax           = 30 * time.Second
)

// Socket maintains the WebSocket connection, reconnecting with backoff.
// Room membership is per connection, so onConnect re-issues the joins
// after every (re)connect.
type Socket struct {
	url       string
	onMessage func(raw []byte)
	onConnect func()

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	done   chan struct{}
}

// NewSocket prepares a socket against wsURL (ws://host/ws?token=...).
// onConnect fires after every successful dial, onMessage for every frame.
func NewSocket(wsURL string, onConnect func(), onMessage func(raw []byte)) *Socket {
	return &Socket{
		url:       wsURL,
		onConnect: onConnect,
		onMessage: onMessage,
		done:      make(chan struct{}),
	}
}

// Run dials and reads until ctx is cancelled or Close is called,
// redialing with doubling backoff on any failure.
func (s *Socket) Run(ctx context.Context) {
	defer close(s.done)
	backoff := reconnectBase
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		dialer := websocket.Dialer{HandshakeTimeout: socketHandshakeTimeout}
		conn, _, err := dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			logger.Errorf("socket dial: %v (retry in %v)", err, backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < reconnectMax {
				backoff *= 2
			}
			continue
		}
		backoff = reconnectBase

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conn = conn
		s.mu.Unlock()

		if s.onConnect != nil {
			s.onConnect()
		}

		s.readLoop(ctx, conn)

		s.mu.Lock()
		s.conn = nil
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
	}
}

func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("socket read: %v", err)
			}
			return
		}
		if s.onMessage != nil {
			s.onMessage(raw)
		}
	}
}

// Send writes one event. Fails when disconnected; the caller decides
// whether the event matters enough to resend after reconnect.
func (s *Socket) Send(ev ws.IncomingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return websocket.ErrCloseSent
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close tears the connection down for good; Run returns.
func (s *Socket) Close() {
	s.mu.Lock()
	s.closed = true
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	<-s.done
}
