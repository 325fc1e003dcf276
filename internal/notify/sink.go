package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auctionhouse/internal/eventbus"
	"github.com/jensholdgaard/auctionhouse/internal/protocol"
)

// deliveryMarkerTTL bounds how long delivery markers are kept. Well past the
// bus redelivery horizon.
const deliveryMarkerTTL = 7 * 24 * time.Hour

// Deliverer pushes a frame to a user's live sessions, reporting whether any
// accepted it.
type Deliverer interface {
	Deliver(userID, kind string, payload any) bool
}

// Rooms broadcasts room-wide notices.
type Rooms interface {
	BroadcastEvent(auctionID, kind string, payload any)
}

// DedupStore records delivery markers. Implemented by the hot-state client;
// failures fall back to the in-process set.
type DedupStore interface {
	WasDelivered(ctx context.Context, key string) (bool, error)
	MarkDelivered(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Sink consumes notify.user messages and delivers them to live sessions.
// A message for an offline recipient stays unacked and is redelivered until
// the bus dead-letters it.
type Sink struct {
	bus      Consumer
	sessions Deliverer
	rooms    Rooms
	dedup    DedupStore
	consumer string
	logger   *slog.Logger
	tracer   trace.Tracer

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewSink returns a Sink.
func NewSink(bus Consumer, sessions Deliverer, rooms Rooms, dedup DedupStore, consumerName string, logger *slog.Logger, tp trace.TracerProvider) *Sink {
	return &Sink{
		bus:      bus,
		sessions: sessions,
		rooms:    rooms,
		dedup:    dedup,
		consumer: consumerName,
		logger:   logger,
		tracer:   tp.Tracer("github.com/jensholdgaard/auctionhouse/internal/notify"),
		seen:     make(map[string]struct{}),
	}
}

// Run consumes until ctx is cancelled. It blocks; run it in its own
// goroutine.
func (s *Sink) Run(ctx context.Context) error {
	return s.bus.Consume(ctx, eventbus.StreamNotifications, "notify-deliver", s.consumer, s.HandleNotification)
}

// HandleNotification delivers one notify.user message. Returning an error
// leaves the message pending for redelivery.
func (s *Sink) HandleNotification(ctx context.Context, id string, data []byte) error {
	ctx, span := s.tracer.Start(ctx, "Sink.HandleNotification",
		trace.WithAttributes(attribute.String("message.id", id)),
	)
	defer span.End()

	var n eventbus.UserNotification
	if err := json.Unmarshal(data, &n); err != nil {
		s.logger.ErrorContext(ctx, "malformed notification",
			slog.String("id", id),
			slog.Any("error", err),
		)
		return nil
	}

	key := n.Key()
	if s.alreadyDelivered(ctx, key) {
		return nil
	}

	wire := protocol.UserNotification{Kind: string(n.Kind), Payload: n.Payload}

	if n.Kind == eventbus.KindNoBidsWatcher {
		// Room-wide notice: whoever is in the room right now sees it.
		s.rooms.BroadcastEvent(n.AuctionID, protocol.KindUserNotification, wire)
		s.record(ctx, key)
		return nil
	}

	if !s.sessions.Deliver(n.UserID, protocol.KindUserNotification, wire) {
		return fmt.Errorf("recipient %s has no live session", n.UserID)
	}

	s.record(ctx, key)
	s.logger.InfoContext(ctx, "notification delivered",
		slog.String("auction_id", n.AuctionID),
		slog.String("user_id", n.UserID),
		slog.String("kind", string(n.Kind)),
	)
	return nil
}

func (s *Sink) alreadyDelivered(ctx context.Context, key string) bool {
	delivered, err := s.dedup.WasDelivered(ctx, key)
	if err == nil {
		return delivered
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[key]
	return ok
}

// record marks the key delivered, in Redis and in the local fallback set.
func (s *Sink) record(ctx context.Context, key string) {
	if _, err := s.dedup.MarkDelivered(ctx, key, deliveryMarkerTTL); err != nil {
		s.logger.WarnContext(ctx, "recording delivery marker failed",
			slog.String("key", key),
			slog.Any("error", err),
		)
	}
	s.mu.Lock()
	s.seen[key] = struct{}{}
	s.mu.Unlock()
}
