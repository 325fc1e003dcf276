package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jensholdgaard/auctionhouse/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 25 * time.Second
	maxMessageSize = 4096
)

// Session is one authenticated client connection. A single writer goroutine
// owns the socket's outbound side; everyone else enqueues frames onto the
// bounded out channel and never blocks.
type Session struct {
	id       string
	userID   string
	username string

	conn *websocket.Conn
	out  chan []byte
	// inflight caps concurrently processed inbound messages.
	inflight chan struct{}

	closeOnce sync.Once
	closed    chan struct{}

	logger *slog.Logger
}

func newSession(id, userID, username string, conn *websocket.Conn, writeBuffer, inflightCap int, logger *slog.Logger) *Session {
	return &Session{
		id:       id,
		userID:   userID,
		username: username,
		conn:     conn,
		out:      make(chan []byte, writeBuffer),
		inflight: make(chan struct{}, inflightCap),
		closed:   make(chan struct{}),
		logger:   logger.With(slog.String("session_id", id), slog.String("user_id", userID)),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// UserID returns the authenticated user id.
func (s *Session) UserID() string { return s.userID }

// Username returns the authenticated username.
func (s *Session) Username() string { return s.username }

// Send enqueues a frame for the writer goroutine. It reports false when the
// buffer is full or the session is closed; the hub treats that as a slow
// consumer.
func (s *Session) Send(frame []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.out <- frame:
		return true
	default:
		return false
	}
}

// SendEvent encodes and enqueues one typed frame.
func (s *Session) SendEvent(kind string, payload any) bool {
	frame, err := protocol.Encode(kind, payload)
	if err != nil {
		s.logger.Error("encoding frame failed", slog.String("kind", kind), slog.Any("error", err))
		return false
	}
	return s.Send(frame)
}

// Kick sends a final error frame (best effort) and closes the session.
func (s *Session) Kick(reason string) {
	s.SendEvent(protocol.KindError, protocol.ErrorMessage{Message: reason})
	s.Close()
}

// Close terminates the session. Safe to call multiple times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// writePump is the single socket writer: it drains the out channel and keeps
// the connection alive with pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case <-s.closed:
			return
		case frame := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
