// Package protocol defines the full-duplex wire messages exchanged with
// clients. Every frame is a JSON envelope tagged with a message kind;
// unknown kinds are rejected with an error frame.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client-to-server message kinds.
const (
	KindJoinAuction   = "joinAuction"
	KindPlaceBid      = "placeBid"
	KindGetBidHistory = "getBidHistory"
)

// Server-to-client message kinds.
const (
	KindConnected         = "connected"
	KindJoinedAuction     = "joinedAuction"
	KindCurrentHighestBid = "currentHighestBid"
	KindNewBid            = "newBid"
	KindBidPlaced         = "bidPlaced"
	KindBidError          = "bidError"
	KindBidHistory        = "bidHistory"
	KindAuctionEnded      = "auctionEnded"
	KindUserNotification  = "userNotification"
	KindError             = "error"
)

// Bid rejection codes surfaced to clients.
const (
	CodeRateLimited     = "RATE_LIMIT_EXCEEDED"
	CodeInvalidAmount   = "INVALID_AMOUNT"
	CodeValidationError = "BID_VALIDATION_ERROR"
)

// Envelope is one wire frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinAuction subscribes the session to an auction room.
type JoinAuction struct {
	AuctionID string `json:"auctionId"`
}

// Amount is a bid amount on the wire, accepted as a JSON number or a
// numeric string. Validation happens in the bid pipeline, not here.
type Amount string

// UnmarshalJSON accepts both `150` and `"150"`.
func (a *Amount) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Amount(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*a = Amount(n.String())
	return nil
}

// String returns the raw textual form.
func (a Amount) String() string { return string(a) }

// PlaceBid submits a bid.
type PlaceBid struct {
	AuctionID string `json:"auctionId"`
	Amount    Amount `json:"amount"`
}

// GetBidHistory requests the stored bid history for an auction.
type GetBidHistory struct {
	AuctionID string `json:"auctionId"`
	Limit     int    `json:"limit,omitempty"`
}

// Connected confirms a successful handshake.
type Connected struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// BidInfo describes one accepted bid.
type BidInfo struct {
	BidID     string    `json:"bidId"`
	AuctionID string    `json:"auctionId"`
	Amount    int64     `json:"amount"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is the room state returned on join.
type Snapshot struct {
	CurrentHighest   *BidInfo  `json:"currentHighest,omitempty"`
	RecentBids       []BidInfo `json:"recentBids"`
	ParticipantCount int       `json:"participantCount"`
}

// JoinedAuction acknowledges a join with the room snapshot.
type JoinedAuction struct {
	AuctionID string   `json:"auctionId"`
	Snapshot  Snapshot `json:"snapshot"`
}

// BidPlaced acknowledges the caller's accepted bid.
type BidPlaced struct {
	BidID  string `json:"bidId"`
	Amount int64  `json:"amount"`
}

// BidError reports a rejected bid.
type BidError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BidHistory carries stored bids, newest first.
type BidHistory struct {
	AuctionID string    `json:"auctionId"`
	Bids      []BidInfo `json:"bids"`
}

// AuctionEnded announces a terminal transition to room members.
type AuctionEnded struct {
	AuctionID     string  `json:"auctionId"`
	WinnerUserID  *string `json:"winnerUserId,omitempty"`
	WinningAmount *int64  `json:"winningAmount,omitempty"`
}

// UserNotification delivers a per-user outcome.
type UserNotification struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorMessage is a terminal or protocol-level error frame.
type ErrorMessage struct {
	Message string `json:"message"`
}

// Encode marshals a payload into an envelope frame.
func Encode(kind string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s payload: %w", kind, err)
	}
	frame, err := json.Marshal(Envelope{Type: kind, Payload: data})
	if err != nil {
		return nil, fmt.Errorf("marshalling %s envelope: %w", kind, err)
	}
	return frame, nil
}

// Decode parses one frame into its envelope.
func Decode(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("parsing envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope has no type")
	}
	return &env, nil
}
