package eventbus

import (
	"encoding/json"
	"time"
)

// Stream names. Streams are durable; consumers attach via named groups and
// acknowledge per message. Poison messages land in StreamDeadLetters.
const (
	StreamBidAudit      = "bid-processing"
	StreamAuctionEvents = "auction-events"
	StreamNotifications = "notifications"
	StreamDeadLetters   = "dead-letters"
)

// BidAudit is emitted once per accepted bid.
type BidAudit struct {
	BidID     string    `json:"bidId"`
	AuctionID string    `json:"auctionId"`
	UserID    string    `json:"userId"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// AuctionEnded is emitted once per ACTIVE to ENDED transition.
type AuctionEnded struct {
	AuctionID     string   `json:"auctionId"`
	WinnerUserID  *string  `json:"winnerUserId,omitempty"`
	WinningAmount *int64   `json:"winningAmount,omitempty"`
	Participants  []string `json:"participants"`
}

// NotificationKind classifies a user notification.
type NotificationKind string

const (
	KindWon           NotificationKind = "WON"
	KindLost          NotificationKind = "LOST"
	KindNoBidsWatcher NotificationKind = "NO_BIDS_WATCHER"
)

// UserNotification is one per-recipient outcome message. KindNoBidsWatcher
// carries an empty UserID and is delivered to the auction room instead.
type UserNotification struct {
	UserID    string           `json:"userId"`
	Kind      NotificationKind `json:"kind"`
	AuctionID string           `json:"auctionId"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
}

// Key returns the deterministic idempotency key for the delivery sink.
func (n UserNotification) Key() string {
	return n.AuctionID + "|" + n.UserID + "|" + string(n.Kind)
}
