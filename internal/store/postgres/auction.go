package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/auctionhouse/internal/clock"
	"github.com/jensholdgaard/auctionhouse/internal/store"
)

// AuctionRepo implements store.AuctionRepository with sqlx.
//
// Per-auction serialization relies on SELECT ... FOR UPDATE on the auction
// row: two bids on the same auction queue on the row lock, bids on different
// auctions proceed in parallel.
type AuctionRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewAuctionRepo returns a new AuctionRepo.
func NewAuctionRepo(db *sqlx.DB, clk clock.Clock) *AuctionRepo {
	return &AuctionRepo{db: db, clock: clk}
}

func (r *AuctionRepo) Create(ctx context.Context, a *store.Auction) error {
	if !a.EndTime.After(a.StartTime) {
		return fmt.Errorf("auction end time %s is not after start time %s", a.EndTime, a.StartTime)
	}
	if a.StartingBid <= 0 {
		return fmt.Errorf("starting bid must be positive, got %d", a.StartingBid)
	}

	now := r.clock.Now().UTC()
	a.ID = uuid.Must(uuid.NewV4()).String()
	a.Status = store.StatusActive
	a.CurrentHighestBid = a.StartingBid
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO auctions (id, item_id, start_time, end_time, starting_bid, current_highest_bid, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.ItemID, a.StartTime, a.EndTime, a.StartingBid, a.CurrentHighestBid, a.Status, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting auction: %w", err)
	}
	return nil
}

func (r *AuctionRepo) GetByID(ctx context.Context, id string) (*store.Auction, error) {
	var a store.Auction
	err := r.db.GetContext(ctx, &a, `SELECT * FROM auctions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrAuctionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting auction: %w", err)
	}
	return &a, nil
}

// PlaceBid re-reads the auction under a row lock, validates, inserts the bid
// and raises the current highest, all in one transaction. The bid timestamp
// is forced strictly past the previous newest bid so that commit order and
// timestamp order agree even across replicas with skewed clocks.
func (r *AuctionRepo) PlaceBid(ctx context.Context, auctionID, userID string, amount int64) (*store.Bid, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var a store.Auction
	err = tx.GetContext(ctx, &a, `SELECT * FROM auctions WHERE id = $1 FOR UPDATE`, auctionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrAuctionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("locking auction: %w", err)
	}

	now := r.clock.Now().UTC()
	switch {
	case a.Status == store.StatusEnded:
		return nil, store.ErrAuctionEnded
	case a.Status != store.StatusActive:
		return nil, store.ErrAuctionNotActive
	case !now.Before(a.EndTime):
		return nil, store.ErrAuctionEnded
	case amount < a.StartingBid, amount <= a.CurrentHighestBid:
		return nil, store.ErrBidTooLow
	}

	// Self-outbid: the caller already holds the current highest.
	var holdsHighest bool
	err = tx.GetContext(ctx, &holdsHighest,
		`SELECT EXISTS (SELECT 1 FROM bids WHERE auction_id = $1 AND user_id = $2 AND amount = $3)`,
		auctionID, userID, a.CurrentHighestBid,
	)
	if err != nil {
		return nil, fmt.Errorf("checking current highest bidder: %w", err)
	}
	if holdsHighest {
		return nil, store.ErrSelfOutbid
	}

	bid := &store.Bid{
		ID:        uuid.Must(uuid.NewV4()).String(),
		UserID:    userID,
		AuctionID: auctionID,
		Amount:    amount,
	}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO bids (id, user_id, auction_id, amount, ts)
		 VALUES ($1, $2, $3, $4, GREATEST(
		     $5::timestamptz,
		     (SELECT COALESCE(MAX(ts), $5::timestamptz - interval '1 microsecond') FROM bids WHERE auction_id = $3) + interval '1 microsecond'
		 ))
		 RETURNING ts`,
		bid.ID, userID, auctionID, amount, now,
	).Scan(&bid.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("inserting bid: %w", err)
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE auctions SET current_highest_bid = $1, updated_at = $2 WHERE id = $3`,
		amount, now, auctionID,
	); err != nil {
		return nil, fmt.Errorf("updating current highest bid: %w", err)
	}

	if err = tx.GetContext(ctx, &bid.Username, `SELECT username FROM users WHERE id = $1`, userID); err != nil {
		return nil, fmt.Errorf("resolving bidder username: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing bid: %w", err)
	}
	return bid, nil
}

// End transitions an ACTIVE auction to ENDED and resolves the winner.
// Idempotent: a terminal auction is returned unchanged with ended=false, so
// the first replica to sweep wins and the rest no-op.
func (r *AuctionRepo) End(ctx context.Context, id string) (*store.Auction, []string, bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var a store.Auction
	err = tx.GetContext(ctx, &a, `SELECT * FROM auctions WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, false, store.ErrAuctionNotFound
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("locking auction: %w", err)
	}

	if a.Status != store.StatusActive {
		if err = tx.Commit(); err != nil {
			return nil, nil, false, fmt.Errorf("committing no-op end: %w", err)
		}
		return &a, nil, false, nil
	}

	var participants []string
	if err = tx.SelectContext(ctx, &participants,
		`SELECT DISTINCT user_id FROM bids WHERE auction_id = $1`, id); err != nil {
		return nil, nil, false, fmt.Errorf("listing participants: %w", err)
	}

	var winnerID *string
	if len(participants) > 0 {
		var w string
		err = tx.GetContext(ctx, &w,
			`SELECT user_id FROM bids WHERE auction_id = $1 ORDER BY amount DESC LIMIT 1`, id)
		if err != nil {
			return nil, nil, false, fmt.Errorf("resolving winner: %w", err)
		}
		winnerID = &w
	}

	now := r.clock.Now().UTC()
	a.Status = store.StatusEnded
	a.WinnerID = winnerID
	a.UpdatedAt = now
	if _, err = tx.ExecContext(ctx,
		`UPDATE auctions SET status = $1, winner_id = $2, updated_at = $3 WHERE id = $4`,
		a.Status, a.WinnerID, now, id,
	); err != nil {
		return nil, nil, false, fmt.Errorf("ending auction: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, nil, false, fmt.Errorf("committing end: %w", err)
	}
	return &a, participants, true, nil
}

func (r *AuctionRepo) Cancel(ctx context.Context, id string) error {
	now := r.clock.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		`UPDATE auctions SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		store.StatusCancelled, now, id, store.StatusActive,
	)
	if err != nil {
		return fmt.Errorf("cancelling auction: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return store.ErrAuctionNotActive
	}
	return nil
}

func (r *AuctionRepo) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids,
		`SELECT id FROM auctions WHERE status = $1 AND end_time <= $2 ORDER BY end_time ASC`,
		store.StatusActive, now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing expired auctions: %w", err)
	}
	return ids, nil
}

func (r *AuctionRepo) ListBids(ctx context.Context, auctionID string, limit int) ([]store.Bid, error) {
	var bids []store.Bid
	err := r.db.SelectContext(ctx, &bids,
		`SELECT b.id, b.user_id, u.username, b.auction_id, b.amount, b.ts
		 FROM bids b JOIN users u ON u.id = b.user_id
		 WHERE b.auction_id = $1 ORDER BY b.ts DESC LIMIT $2`,
		auctionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing bids: %w", err)
	}
	return bids, nil
}

func (r *AuctionRepo) CountParticipants(ctx context.Context, auctionID string) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(DISTINCT user_id) FROM bids WHERE auction_id = $1`, auctionID)
	if err != nil {
		return 0, fmt.Errorf("counting participants: %w", err)
	}
	return n, nil
}
