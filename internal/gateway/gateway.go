// Package gateway terminates authenticated full-duplex client sessions and
// dispatches inbound messages to the bid pipeline, the room hub and the
// store.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auctionhouse/internal/bidding"
	"github.com/jensholdgaard/auctionhouse/internal/hotstate"
	"github.com/jensholdgaard/auctionhouse/internal/hub"
	"github.com/jensholdgaard/auctionhouse/internal/protocol"
	"github.com/jensholdgaard/auctionhouse/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
	requestTimeout      = 10 * time.Second
)

// Presence is the slice of the hot-state client the gateway uses.
type Presence interface {
	SetSession(ctx context.Context, meta hotstate.SessionMeta) error
	ClearSession(ctx context.Context, userID string) error
}

// Config holds gateway settings.
type Config struct {
	JWTSigningKey string
	InflightCap   int
	WriteBuffer   int
	ReplicaID     string
}

// handlerFunc processes one parsed inbound frame.
type handlerFunc func(ctx context.Context, s *Session, payload json.RawMessage)

// Server upgrades, authenticates and serves client sessions.
type Server struct {
	cfg       Config
	upgrader  websocket.Upgrader
	validator *bidding.Validator
	rooms     *hub.Hub
	auctions  store.AuctionRepository
	presence  Presence
	logger    *slog.Logger
	tracer    trace.Tracer

	handlers map[string]handlerFunc

	mu       sync.RWMutex
	sessions map[string]map[string]*Session // userID -> sessionID -> session
}

// New returns a Server with its dispatch table wired.
func New(cfg Config, validator *bidding.Validator, rooms *hub.Hub, auctions store.AuctionRepository, presence Presence, logger *slog.Logger, tp trace.TracerProvider) *Server {
	srv := &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		validator: validator,
		rooms:     rooms,
		auctions:  auctions,
		presence:  presence,
		logger:    logger,
		tracer:    tp.Tracer("github.com/jensholdgaard/auctionhouse/internal/gateway"),
		sessions:  make(map[string]map[string]*Session),
	}
	srv.handlers = map[string]handlerFunc{
		protocol.KindJoinAuction:   srv.handleJoinAuction,
		protocol.KindPlaceBid:      srv.handlePlaceBid,
		protocol.KindGetBidHistory: srv.handleGetBidHistory,
	}
	return srv
}

// ServeHTTP upgrades the connection and runs the session until disconnect.
func (g *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	userID, username, err := verifyToken(bearerToken(r), g.cfg.JWTSigningKey)
	if err != nil {
		g.logger.Warn("authentication failed", slog.Any("error", err))
		frame, _ := protocol.Encode(protocol.KindError, protocol.ErrorMessage{Message: "authentication failed"})
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, frame)
		_ = conn.Close()
		return
	}

	sessionID := uuid.Must(uuid.NewV4()).String()
	s := newSession(sessionID, userID, username, conn, g.cfg.WriteBuffer, g.cfg.InflightCap, g.logger)

	g.register(s)
	defer g.teardown(s)

	go s.writePump()
	s.SendEvent(protocol.KindConnected, protocol.Connected{UserID: userID, Username: username})

	ctx := r.Context()
	if err := g.presence.SetSession(ctx, hotstate.SessionMeta{
		SessionID:   sessionID,
		UserID:      userID,
		Username:    username,
		ReplicaID:   g.cfg.ReplicaID,
		ConnectedAt: time.Now().UTC(),
	}); err != nil {
		g.logger.WarnContext(ctx, "recording presence failed", slog.Any("error", err))
	}

	s.logger.Info("session connected", slog.String("username", username))
	g.readLoop(s)
}

func (g *Server) register(s *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	byID, ok := g.sessions[s.userID]
	if !ok {
		byID = make(map[string]*Session)
		g.sessions[s.userID] = byID
	}
	byID[s.id] = s
}

func (g *Server) teardown(s *Session) {
	s.Close()
	g.rooms.LeaveAll(s)

	g.mu.Lock()
	if byID, ok := g.sessions[s.userID]; ok {
		delete(byID, s.id)
		if len(byID) == 0 {
			delete(g.sessions, s.userID)
		}
	}
	remaining := len(g.sessions[s.userID])
	g.mu.Unlock()

	// Only clear presence when the user has no other live session here.
	if remaining == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := g.presence.ClearSession(ctx, s.userID); err != nil {
			g.logger.Warn("clearing presence failed", slog.Any("error", err))
		}
	}
	s.logger.Info("session disconnected")
}

// readLoop consumes frames until the connection drops. Handlers run on
// worker goroutines bounded by the session's inflight semaphore, so one slow
// request cannot freeze the socket but a flood queues at the cap.
func (g *Server) readLoop(s *Session) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Warn("read failed", slog.Any("error", err))
			}
			return
		}
		g.dispatch(s, frame)
	}
}

// dispatch routes one frame by message kind.
func (g *Server) dispatch(s *Session, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		s.SendEvent(protocol.KindError, protocol.ErrorMessage{Message: "invalid message format"})
		return
	}

	handler, ok := g.handlers[env.Type]
	if !ok {
		s.SendEvent(protocol.KindError, protocol.ErrorMessage{Message: "unknown message type: " + env.Type})
		return
	}

	// Acquire an inflight slot; blocking here applies backpressure on the
	// read loop rather than growing an unbounded queue.
	select {
	case s.inflight <- struct{}{}:
	case <-s.closed:
		return
	}

	go func() {
		defer func() { <-s.inflight }()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		ctx, span := g.tracer.Start(ctx, "Gateway.Dispatch",
			trace.WithAttributes(
				attribute.String("message.kind", env.Type),
				attribute.String("session_id", s.id),
			),
		)
		defer span.End()

		handler(ctx, s, env.Payload)
	}()
}

func (g *Server) handleJoinAuction(ctx context.Context, s *Session, payload json.RawMessage) {
	var req protocol.JoinAuction
	if err := json.Unmarshal(payload, &req); err != nil || req.AuctionID == "" {
		s.SendEvent(protocol.KindError, protocol.ErrorMessage{Message: "joinAuction requires auctionId"})
		return
	}

	snapshot, err := g.rooms.Join(ctx, s, req.AuctionID)
	if err != nil {
		if errors.Is(err, store.ErrAuctionNotFound) {
			s.SendEvent(protocol.KindError, protocol.ErrorMessage{Message: "auction not found"})
			return
		}
		g.logger.ErrorContext(ctx, "join failed",
			slog.String("auction_id", req.AuctionID),
			slog.Any("error", err),
		)
		s.SendEvent(protocol.KindError, protocol.ErrorMessage{Message: "could not join auction"})
		return
	}

	s.SendEvent(protocol.KindJoinedAuction, protocol.JoinedAuction{AuctionID: req.AuctionID, Snapshot: *snapshot})
	if snapshot.CurrentHighest != nil {
		s.SendEvent(protocol.KindCurrentHighestBid, snapshot.CurrentHighest)
	}
}

func (g *Server) handlePlaceBid(ctx context.Context, s *Session, payload json.RawMessage) {
	var req protocol.PlaceBid
	if err := json.Unmarshal(payload, &req); err != nil || req.AuctionID == "" {
		s.SendEvent(protocol.KindBidError, protocol.BidError{
			Code:    protocol.CodeValidationError,
			Message: "placeBid requires auctionId and amount",
		})
		return
	}

	bid, err := g.validator.Submit(ctx, s.userID, req.AuctionID, req.Amount)
	if err != nil {
		var rej *bidding.Rejection
		if errors.As(err, &rej) {
			s.SendEvent(protocol.KindBidError, protocol.BidError{Code: rej.Code, Message: rej.Message})
			return
		}
		g.logger.ErrorContext(ctx, "bid submission failed",
			slog.String("auction_id", req.AuctionID),
			slog.Any("error", err),
		)
		s.SendEvent(protocol.KindBidError, protocol.BidError{
			Code:    protocol.CodeValidationError,
			Message: "bid could not be processed",
		})
		return
	}

	s.SendEvent(protocol.KindBidPlaced, protocol.BidPlaced{BidID: bid.ID, Amount: bid.Amount})
}

func (g *Server) handleGetBidHistory(ctx context.Context, s *Session, payload json.RawMessage) {
	var req protocol.GetBidHistory
	if err := json.Unmarshal(payload, &req); err != nil || req.AuctionID == "" {
		s.SendEvent(protocol.KindError, protocol.ErrorMessage{Message: "getBidHistory requires auctionId"})
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	bids, err := g.auctions.ListBids(ctx, req.AuctionID, limit)
	if err != nil {
		g.logger.ErrorContext(ctx, "listing bid history failed",
			slog.String("auction_id", req.AuctionID),
			slog.Any("error", err),
		)
		s.SendEvent(protocol.KindError, protocol.ErrorMessage{Message: "could not load bid history"})
		return
	}

	out := protocol.BidHistory{AuctionID: req.AuctionID, Bids: make([]protocol.BidInfo, 0, len(bids))}
	for _, b := range bids {
		out.Bids = append(out.Bids, protocol.BidInfo{
			BidID:     b.ID,
			AuctionID: b.AuctionID,
			Amount:    b.Amount,
			UserID:    b.UserID,
			Username:  b.Username,
			Timestamp: b.Timestamp,
		})
	}
	s.SendEvent(protocol.KindBidHistory, out)
}

// Deliver pushes a frame to every live session of a user. It reports whether
// at least one session accepted it; the notification sink uses this to
// decide whether the message counts as delivered.
func (g *Server) Deliver(userID, kind string, payload any) bool {
	g.mu.RLock()
	sessions := make([]*Session, 0, len(g.sessions[userID]))
	for _, s := range g.sessions[userID] {
		sessions = append(sessions, s)
	}
	g.mu.RUnlock()

	delivered := false
	for _, s := range sessions {
		if s.SendEvent(kind, payload) {
			delivered = true
		}
	}
	return delivered
}
