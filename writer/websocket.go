package writer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"bookflow/logger"
)

const (
	defaultWriteWait = 10 * time.Second
	maxClientMessage = 512
)

// WebSocketSubscriber delivers payloads as text frames on one websocket
// connection.
type WebSocketSubscriber struct {
	id           string
	conn         *websocket.Conn
	pingInterval time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	log       *logger.Entry
}

func NewWebSocketSubscriber(conn *websocket.Conn, pingInterval time.Duration) *WebSocketSubscriber {
	id := uuid.NewString()
	return &WebSocketSubscriber{
		id:           id,
		conn:         conn,
		pingInterval: pingInterval,
		done:         make(chan struct{}),
		log: logger.GetLogger().WithComponent("ws_subscriber").WithFields(logger.Fields{
			"subscriber": id,
			"remote":     conn.RemoteAddr().String(),
		}),
	}
}

func (s *WebSocketSubscriber) ID() string { return s.id }

func (s *WebSocketSubscriber) Send(ctx context.Context, msg Message) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteWait)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, msg.Payload)
}

// Close sends a close frame and closes the connection. Repeated calls are
// no-ops.
func (s *WebSocketSubscriber) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

// Run keeps the connection alive until the client goes away or the
// subscriber is closed. It starts the ping loop and blocks in the read pump;
// onClose is called once the client side is gone.
func (s *WebSocketSubscriber) Run(ctx context.Context, onClose func()) {
	s.conn.SetReadLimit(maxClientMessage)
	if s.pingInterval > 0 {
		pongWait := 2 * s.pingInterval
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go s.pingLoop(ctx)
	}

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			select {
			case <-s.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.log.WithError(err).Warn("websocket read failed")
				} else {
					s.log.Debug("websocket client disconnected")
				}
			}
			break
		}
	}

	if onClose != nil {
		onClose()
	}
}

func (s *WebSocketSubscriber) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
			s.writeMu.Unlock()
			if err != nil {
				s.log.WithError(err).Debug("failed to send websocket ping")
				return
			}
		}
	}
}
