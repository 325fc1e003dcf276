// Package bidding implements the bid acceptance pipeline: normalization,
// rate gating, the durable store commit and the post-commit side effects.
package bidding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auctionhouse/internal/eventbus"
	"github.com/jensholdgaard/auctionhouse/internal/hotstate"
	"github.com/jensholdgaard/auctionhouse/internal/protocol"
	"github.com/jensholdgaard/auctionhouse/internal/store"
)

const (
	// storeAttempts bounds internal retries on transient SQL failures.
	storeAttempts = 3
	// sideEffectTimeout bounds the post-commit cache/bus writes. They run on
	// a context detached from the caller: a client that goes away after the
	// commit must not suppress them.
	sideEffectTimeout = 2 * time.Second
)

// Rejection is a client-visible bid rejection.
type Rejection struct {
	Code    string
	Message string
}

func (r *Rejection) Error() string { return r.Code + ": " + r.Message }

// HotState is the slice of the hot-state client the validator uses.
type HotState interface {
	IncrRate(ctx context.Context, userID, auctionID string, limit int, window time.Duration) (int64, error)
	SetHighest(ctx context.Context, s hotstate.BidSummary) error
	AppendHistory(ctx context.Context, s hotstate.BidSummary, tail int) error
	Publish(ctx context.Context, channel string, f hotstate.Fanout) error
}

// Publisher is the slice of the event bus the validator uses.
type Publisher interface {
	Publish(ctx context.Context, stream string, v any) error
}

// Broadcaster delivers accepted bids to local room subscribers.
type Broadcaster interface {
	BroadcastNewBid(auctionID string, bid protocol.BidInfo)
}

// Config holds validator settings.
type Config struct {
	RateLimitCount int
	RateWindow     time.Duration
	MaxBidAmount   int64
	HistoryTail    int
	// ReplicaID tags published fan-out messages for loop avoidance.
	ReplicaID string
}

// Validator serializes bid acceptance through the store and fans out the
// results. The store commit is ground truth; every downstream write is
// best-effort.
type Validator struct {
	cfg      Config
	auctions store.AuctionRepository
	hot      HotState
	bus      Publisher
	rooms    Broadcaster
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New returns a Validator.
func New(cfg Config, auctions store.AuctionRepository, hot HotState, bus Publisher, rooms Broadcaster, logger *slog.Logger, tp trace.TracerProvider) *Validator {
	return &Validator{
		cfg:      cfg,
		auctions: auctions,
		hot:      hot,
		bus:      bus,
		rooms:    rooms,
		logger:   logger,
		tracer:   tp.Tracer("github.com/jensholdgaard/auctionhouse/internal/bidding"),
	}
}

// Submit runs the full acceptance pipeline for one bid. On success it
// returns the durable bid; on rejection the error is a *Rejection carrying
// the client-visible code.
func (v *Validator) Submit(ctx context.Context, userID, auctionID string, amount protocol.Amount) (*store.Bid, error) {
	ctx, span := v.tracer.Start(ctx, "Validator.Submit",
		trace.WithAttributes(
			attribute.String("auction_id", auctionID),
			attribute.String("user_id", userID),
		),
	)
	defer span.End()

	amt, rej := v.normalize(amount)
	if rej != nil {
		return nil, rej
	}

	// Rate gate. An unreachable counter fails open: the store still
	// serializes correctness, the gate only sheds load.
	count, err := v.hot.IncrRate(ctx, userID, auctionID, v.cfg.RateLimitCount, v.cfg.RateWindow)
	if err != nil {
		v.logger.WarnContext(ctx, "rate counter unavailable, failing open",
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
	} else if count > int64(v.cfg.RateLimitCount) {
		return nil, &Rejection{
			Code:    protocol.CodeRateLimited,
			Message: fmt.Sprintf("more than %d bids in %s", v.cfg.RateLimitCount, v.cfg.RateWindow),
		}
	}

	bid, err := v.placeBidRetrying(ctx, auctionID, userID, amt)
	if err != nil {
		return nil, err
	}

	v.logger.InfoContext(ctx, "bid accepted",
		slog.String("auction_id", auctionID),
		slog.String("bid_id", bid.ID),
		slog.Int64("amount", bid.Amount),
	)

	v.sideEffects(ctx, bid)
	return bid, nil
}

// normalize parses the wire amount into whole currency units.
func (v *Validator) normalize(amount protocol.Amount) (int64, *Rejection) {
	raw := strings.TrimSpace(amount.String())
	if raw == "" {
		return 0, &Rejection{Code: protocol.CodeInvalidAmount, Message: "amount is required"}
	}
	amt, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		if _, ferr := strconv.ParseFloat(raw, 64); ferr == nil {
			return 0, &Rejection{Code: protocol.CodeInvalidAmount, Message: "amount must be a whole number"}
		}
		return 0, &Rejection{Code: protocol.CodeInvalidAmount, Message: "amount is not a number"}
	}
	if amt <= 0 {
		return 0, &Rejection{Code: protocol.CodeInvalidAmount, Message: "amount must be positive"}
	}
	if amt > v.cfg.MaxBidAmount {
		return 0, &Rejection{Code: protocol.CodeInvalidAmount, Message: fmt.Sprintf("amount exceeds maximum %d", v.cfg.MaxBidAmount)}
	}
	return amt, nil
}

func (v *Validator) placeBidRetrying(ctx context.Context, auctionID, userID string, amount int64) (*store.Bid, error) {
	var lastErr error
	for attempt := 0; attempt < storeAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
			}
		}

		bid, err := v.auctions.PlaceBid(ctx, auctionID, userID, amount)
		if err == nil {
			return bid, nil
		}
		if rej := mapStoreError(err); rej != nil {
			return nil, rej
		}
		if !isTransient(err) {
			return nil, fmt.Errorf("placing bid: %w", err)
		}
		lastErr = err
		v.logger.WarnContext(ctx, "transient store failure, retrying",
			slog.String("auction_id", auctionID),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err),
		)
	}
	return nil, fmt.Errorf("placing bid after %d attempts: %w", storeAttempts, lastErr)
}

// mapStoreError translates store validation failures to wire rejections.
func mapStoreError(err error) *Rejection {
	switch {
	case errors.Is(err, store.ErrAuctionNotFound):
		return &Rejection{Code: protocol.CodeValidationError, Message: "auction not found"}
	case errors.Is(err, store.ErrAuctionEnded):
		return &Rejection{Code: protocol.CodeValidationError, Message: "auction has ended"}
	case errors.Is(err, store.ErrAuctionNotActive):
		return &Rejection{Code: protocol.CodeValidationError, Message: "auction is not active"}
	case errors.Is(err, store.ErrBidTooLow):
		return &Rejection{Code: protocol.CodeValidationError, Message: "bid must exceed the current highest"}
	case errors.Is(err, store.ErrSelfOutbid):
		return &Rejection{Code: protocol.CodeValidationError, Message: "you already hold the highest bid"}
	}
	return nil
}

// isTransient reports whether a store failure is worth an internal retry.
func isTransient(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// serialization_failure, deadlock_detected
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// sideEffects runs the post-commit writes: highest-bid cache, history tail,
// cross-replica fan-out and the audit event. Failures are logged only.
func (v *Validator) sideEffects(ctx context.Context, bid *store.Bid) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()

	summary := hotstate.BidSummary{
		BidID:     bid.ID,
		AuctionID: bid.AuctionID,
		UserID:    bid.UserID,
		Username:  bid.Username,
		Amount:    bid.Amount,
		Timestamp: bid.Timestamp,
	}
	if err := v.hot.SetHighest(ctx, summary); err != nil {
		v.logger.WarnContext(ctx, "highest-bid cache write failed", slog.Any("error", err))
	}
	if err := v.hot.AppendHistory(ctx, summary, v.cfg.HistoryTail); err != nil {
		v.logger.WarnContext(ctx, "bid history write failed", slog.Any("error", err))
	}

	info := protocol.BidInfo{
		BidID:     bid.ID,
		AuctionID: bid.AuctionID,
		Amount:    bid.Amount,
		UserID:    bid.UserID,
		Username:  bid.Username,
		Timestamp: bid.Timestamp,
	}
	v.rooms.BroadcastNewBid(bid.AuctionID, info)

	data, _ := json.Marshal(info)
	err := v.hot.Publish(ctx, hotstate.BidChannel(bid.AuctionID), hotstate.Fanout{
		Replica:   v.cfg.ReplicaID,
		Kind:      protocol.KindNewBid,
		AuctionID: bid.AuctionID,
		Data:      data,
	})
	if err != nil {
		v.logger.WarnContext(ctx, "cross-replica publish failed", slog.Any("error", err))
	}

	err = v.bus.Publish(ctx, eventbus.StreamBidAudit, eventbus.BidAudit{
		BidID:     bid.ID,
		AuctionID: bid.AuctionID,
		UserID:    bid.UserID,
		Amount:    bid.Amount,
		Timestamp: bid.Timestamp,
	})
	if err != nil {
		v.logger.WarnContext(ctx, "bid audit publish failed", slog.Any("error", err))
	}
}
