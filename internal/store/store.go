package store

import (
	"context"
	"errors"
	"time"
)

// Auction status values. ENDED and CANCELLED are terminal.
const (
	StatusActive    = "ACTIVE"
	StatusEnded     = "ENDED"
	StatusCancelled = "CANCELLED"
)

// Errors returned by store operations.
var (
	ErrAuctionNotFound  = errors.New("auction not found")
	ErrAuctionNotActive = errors.New("auction is not active")
	ErrAuctionEnded     = errors.New("auction has ended")
	ErrBidTooLow        = errors.New("bid does not exceed current highest")
	ErrSelfOutbid       = errors.New("caller already holds the highest bid")
	ErrUserNotFound     = errors.New("user not found")
	ErrUsernameTaken    = errors.New("username already taken")
)

// User represents a registered user. Identity is immutable.
type User struct {
	ID           string    `db:"id"`
	Username     string    `db:"username"`
	Email        string    `db:"email"`
	PasswordHash string    `db:"password_hash"`
	FullName     *string   `db:"full_name"`
	IsActive     bool      `db:"is_active"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// Auction represents an auction record. CurrentHighestBid is non-decreasing
// and never below StartingBid.
type Auction struct {
	ID                string    `db:"id"`
	ItemID            string    `db:"item_id"`
	StartTime         time.Time `db:"start_time"`
	EndTime           time.Time `db:"end_time"`
	StartingBid       int64     `db:"starting_bid"`
	CurrentHighestBid int64     `db:"current_highest_bid"`
	WinnerID          *string   `db:"winner_id"`
	Status            string    `db:"status"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

// Bid represents an accepted bid. Timestamps are server-assigned and
// monotonic within an auction; the committed set is append-only.
type Bid struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	Username  string    `db:"username"`
	AuctionID string    `db:"auction_id"`
	Amount    int64     `db:"amount"`
	Timestamp time.Time `db:"ts"`
}

// UserRepository defines user persistence operations.
type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
}

// AuctionRepository defines auction and bid persistence operations.
//
// PlaceBid serializes per auction: concurrent bids on the same auction are
// applied in commit order, while bids on different auctions never block each
// other.
type AuctionRepository interface {
	Create(ctx context.Context, a *Auction) error
	GetByID(ctx context.Context, id string) (*Auction, error)
	// PlaceBid validates and inserts a bid in one transaction, updating the
	// auction's current highest. Returns ErrAuctionNotFound,
	// ErrAuctionNotActive, ErrAuctionEnded, ErrBidTooLow or ErrSelfOutbid.
	PlaceBid(ctx context.Context, auctionID, userID string, amount int64) (*Bid, error)
	// End transitions an ACTIVE auction to ENDED, resolving the winner and
	// unique participants. Idempotent: an already-terminal auction is
	// returned unchanged with ended=false.
	End(ctx context.Context, id string) (a *Auction, participants []string, ended bool, err error)
	// Cancel transitions an ACTIVE auction to CANCELLED.
	Cancel(ctx context.Context, id string) error
	// ListExpired returns ids of ACTIVE auctions whose end time has passed.
	ListExpired(ctx context.Context, now time.Time) ([]string, error)
	// ListBids returns up to limit bids, newest first.
	ListBids(ctx context.Context, auctionID string, limit int) ([]Bid, error)
	// CountParticipants returns the number of distinct bidders.
	CountParticipants(ctx context.Context, auctionID string) (int, error)
}
