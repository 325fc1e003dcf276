// Package notify turns auction outcomes into per-recipient notifications and
// delivers them to live sessions. Both stages consume the event bus with
// at-least-once semantics; the delivery sink is idempotent on
// (auction, recipient, kind).
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auctionhouse/internal/eventbus"
)

// Consumer is the slice of the event bus the consumers use.
type Consumer interface {
	Consume(ctx context.Context, stream, group, consumer string, h eventbus.Handler) error
}

// Publisher is the slice of the event bus the dispatcher publishes with.
type Publisher interface {
	Publish(ctx context.Context, stream string, v any) error
}

// outcomePayload is what recipients see inside the notification.
type outcomePayload struct {
	AuctionID     string `json:"auctionId"`
	WinningAmount *int64 `json:"winningAmount,omitempty"`
}

// Dispatcher consumes auction.ended events and fans them out into one
// notify.user message per recipient.
type Dispatcher struct {
	bus      Consumer
	pub      Publisher
	consumer string
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewDispatcher returns a Dispatcher. The consumer name must be unique per
// replica (it names the bus consumer within the group).
func NewDispatcher(bus Consumer, pub Publisher, consumerName string, logger *slog.Logger, tp trace.TracerProvider) *Dispatcher {
	return &Dispatcher{
		bus:      bus,
		pub:      pub,
		consumer: consumerName,
		logger:   logger,
		tracer:   tp.Tracer("github.com/jensholdgaard/auctionhouse/internal/notify"),
	}
}

// Run consumes until ctx is cancelled. It blocks; run it in its own
// goroutine.
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.bus.Consume(ctx, eventbus.StreamAuctionEvents, "notify-dispatch", d.consumer, d.HandleEnded)
}

// HandleEnded expands one auction.ended event into notify.user messages.
// Publishing is idempotent from the sink's perspective, so a redelivered
// event simply re-publishes the same keyed messages.
func (d *Dispatcher) HandleEnded(ctx context.Context, id string, data []byte) error {
	ctx, span := d.tracer.Start(ctx, "Dispatcher.HandleEnded",
		trace.WithAttributes(attribute.String("message.id", id)),
	)
	defer span.End()

	var ev eventbus.AuctionEnded
	if err := json.Unmarshal(data, &ev); err != nil {
		// Malformed events can never succeed; ack them away.
		d.logger.ErrorContext(ctx, "malformed auction.ended event",
			slog.String("id", id),
			slog.Any("error", err),
		)
		return nil
	}

	payload, _ := json.Marshal(outcomePayload{AuctionID: ev.AuctionID, WinningAmount: ev.WinningAmount})

	if ev.WinnerUserID == nil {
		// Nobody bid: one room-wide watcher notice instead of per-user
		// messages.
		n := eventbus.UserNotification{
			Kind:      eventbus.KindNoBidsWatcher,
			AuctionID: ev.AuctionID,
			Payload:   payload,
		}
		if err := d.pub.Publish(ctx, eventbus.StreamNotifications, n); err != nil {
			return fmt.Errorf("publishing watcher notification: %w", err)
		}
		return nil
	}

	winner := *ev.WinnerUserID
	notifications := []eventbus.UserNotification{{
		UserID:    winner,
		Kind:      eventbus.KindWon,
		AuctionID: ev.AuctionID,
		Payload:   payload,
	}}
	for _, userID := range ev.Participants {
		if userID == winner {
			continue
		}
		notifications = append(notifications, eventbus.UserNotification{
			UserID:    userID,
			Kind:      eventbus.KindLost,
			AuctionID: ev.AuctionID,
			Payload:   payload,
		})
	}

	for _, n := range notifications {
		if err := d.pub.Publish(ctx, eventbus.StreamNotifications, n); err != nil {
			return fmt.Errorf("publishing %s notification for %s: %w", n.Kind, n.UserID, err)
		}
	}

	d.logger.InfoContext(ctx, "outcome notifications published",
		slog.String("auction_id", ev.AuctionID),
		slog.Int("count", len(notifications)),
	)
	return nil
}
