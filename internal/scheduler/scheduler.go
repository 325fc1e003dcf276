// Package scheduler ends expired auctions. Every replica sweeps; the store's
// idempotent End makes the first one win and the rest observe a no-op, so no
// coordination is required (leader election is an optional optimization
// configured at the composition root).
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auctionhouse/internal/clock"
	"github.com/jensholdgaard/auctionhouse/internal/eventbus"
	"github.com/jensholdgaard/auctionhouse/internal/hotstate"
	"github.com/jensholdgaard/auctionhouse/internal/protocol"
	"github.com/jensholdgaard/auctionhouse/internal/store"
)

// Publisher is the slice of the event bus the scheduler uses.
type Publisher interface {
	Publish(ctx context.Context, stream string, v any) error
}

// HotPublisher is the slice of the hot-state client the scheduler uses.
type HotPublisher interface {
	Publish(ctx context.Context, channel string, f hotstate.Fanout) error
}

// Rooms is the slice of the hub the scheduler uses.
type Rooms interface {
	BroadcastEvent(auctionID, kind string, payload any)
}

// Config holds scheduler settings.
type Config struct {
	TickInterval time.Duration
	ReplicaID    string
}

// Scheduler runs the periodic end-of-auction sweep.
type Scheduler struct {
	cfg      Config
	auctions store.AuctionRepository
	bus      Publisher
	hot      HotPublisher
	rooms    Rooms
	clock    clock.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New returns a Scheduler.
func New(cfg Config, auctions store.AuctionRepository, bus Publisher, hot HotPublisher, rooms Rooms, clk clock.Clock, logger *slog.Logger, tp trace.TracerProvider) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		auctions: auctions,
		bus:      bus,
		hot:      hot,
		rooms:    rooms,
		clock:    clk,
		logger:   logger,
		tracer:   tp.Tracer("github.com/jensholdgaard/auctionhouse/internal/scheduler"),
	}
}

// Run sweeps on every tick until ctx is cancelled. It blocks; run it in its
// own goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	ticks, stop := s.clock.Tick(s.cfg.TickInterval)
	defer stop()

	// One sweep at startup so a replica joining late catches up immediately.
	s.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			s.Sweep(ctx)
		}
	}
}

// Sweep ends every expired ACTIVE auction.
func (s *Scheduler) Sweep(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "Scheduler.Sweep")
	defer span.End()

	ids, err := s.auctions.ListExpired(ctx, s.clock.Now())
	if err != nil {
		s.logger.ErrorContext(ctx, "listing expired auctions failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("expired.count", len(ids)))

	for _, id := range ids {
		s.EndNow(ctx, id)
	}
}

// EndNow performs the end transition for one auction and, when this replica
// actually won the transition, emits the outcome event and room broadcasts.
// Also invoked from read paths that observe an expired auction.
func (s *Scheduler) EndNow(ctx context.Context, auctionID string) {
	ctx, span := s.tracer.Start(ctx, "Scheduler.EndNow",
		trace.WithAttributes(attribute.String("auction_id", auctionID)),
	)
	defer span.End()

	a, participants, ended, err := s.auctions.End(ctx, auctionID)
	if err != nil {
		s.logger.ErrorContext(ctx, "ending auction failed",
			slog.String("auction_id", auctionID),
			slog.Any("error", err),
		)
		return
	}
	if !ended {
		// Another replica already performed the transition and owns the
		// outcome events.
		return
	}

	var winningAmount *int64
	if a.WinnerID != nil {
		amount := a.CurrentHighestBid
		winningAmount = &amount
	}

	s.logger.InfoContext(ctx, "auction ended",
		slog.String("auction_id", auctionID),
		slog.Any("winner_id", a.WinnerID),
		slog.Int("participants", len(participants)),
	)

	// One auction.ended event per transition; the store's idempotency
	// guarantees the cluster emits it exactly once per auction.
	err = s.bus.Publish(ctx, eventbus.StreamAuctionEvents, eventbus.AuctionEnded{
		AuctionID:     auctionID,
		WinnerUserID:  a.WinnerID,
		WinningAmount: winningAmount,
		Participants:  participants,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "publishing auction.ended failed",
			slog.String("auction_id", auctionID),
			slog.Any("error", err),
		)
	}

	wire := protocol.AuctionEnded{
		AuctionID:     auctionID,
		WinnerUserID:  a.WinnerID,
		WinningAmount: winningAmount,
	}
	s.rooms.BroadcastEvent(auctionID, protocol.KindAuctionEnded, wire)

	data, _ := json.Marshal(wire)
	err = s.hot.Publish(ctx, hotstate.GlobalChannel, hotstate.Fanout{
		Replica:   s.cfg.ReplicaID,
		Kind:      protocol.KindAuctionEnded,
		AuctionID: auctionID,
		Data:      data,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "cross-replica end publish failed",
			slog.String("auction_id", auctionID),
			slog.Any("error", err),
		)
	}
}
