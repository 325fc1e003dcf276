// Package hotstate wraps the shared Redis instance holding derived, ephemeral
// state: the highest-bid cache, per-auction history tails, session presence,
// rate counters and the cross-replica pub/sub channels.
//
// Every operation here is best-effort. The relational store is the source of
// truth; callers log hotstate failures and carry on.
package hotstate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jensholdgaard/auctionhouse/internal/config"
)

// TTLs for derived state. Counters get their TTL from the rate window.
const (
	highestTTL = time.Hour
	historyTTL = 7 * 24 * time.Hour
)

// GlobalChannel carries cross-replica control events (auction endings, cache
// invalidation). Per-auction bid fan-out uses BidChannel(id).
const GlobalChannel = "bid:global"

// BidChannel returns the pub/sub channel for one auction's bid fan-out.
func BidChannel(auctionID string) string {
	return "auction:" + auctionID + ":bids"
}

// BidChannelPattern matches every auction's bid channel.
const BidChannelPattern = "auction:*:bids"

// BidSummary is the cached shape of an accepted bid.
type BidSummary struct {
	BidID     string    `json:"bidId"`
	AuctionID string    `json:"auctionId"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionMeta is the presence record for a connected user.
type SessionMeta struct {
	SessionID   string    `json:"sessionId"`
	UserID      string    `json:"userId"`
	Username    string    `json:"username"`
	ReplicaID   string    `json:"replicaId"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Fanout is the envelope published on the pub/sub channels. Replica carries
// the originating replica id so subscribers can avoid re-broadcast loops.
type Fanout struct {
	Replica   string          `json:"replica"`
	Kind      string          `json:"kind"`
	AuctionID string          `json:"auctionId"`
	Data      json.RawMessage `json:"data"`
}

// Client wraps the shared Redis connection.
type Client struct {
	rdb        *redis.Client
	sessionTTL time.Duration
}

// New connects to Redis. The connection is verified lazily; a down Redis
// degrades the system (rate gate fails open, caches miss) but never stops it.
func New(cfg config.RedisConfig, sessionTTL time.Duration) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Client{rdb: rdb, sessionTTL: sessionTTL}
}

// Redis exposes the underlying client for the event bus, which shares the
// connection pool.
func (c *Client) Redis() *redis.Client { return c.rdb }

// Ping checks connectivity, for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

func highestKey(auctionID string) string { return "auction:" + auctionID + ":highest" }
func historyKey(auctionID string) string { return "auction:" + auctionID + ":history" }
func sessionKey(userID string) string    { return "session:" + userID }

// RateKey returns the counter key for one (user, auction) pair.
func RateKey(userID, auctionID string) string {
	return "rate_limit:" + userID + ":" + auctionID
}

// SetHighest caches the current highest bid. Writers must have committed to
// the store first.
func (c *Client) SetHighest(ctx context.Context, s BidSummary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshalling bid summary: %w", err)
	}
	if err := c.rdb.Set(ctx, highestKey(s.AuctionID), data, highestTTL).Err(); err != nil {
		return fmt.Errorf("caching highest bid: %w", err)
	}
	return nil
}

// GetHighest returns the cached highest bid, or nil on a miss. Callers fall
// back to the store.
func (c *Client) GetHighest(ctx context.Context, auctionID string) (*BidSummary, error) {
	data, err := c.rdb.Get(ctx, highestKey(auctionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading highest bid: %w", err)
	}
	var s BidSummary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshalling bid summary: %w", err)
	}
	return &s, nil
}

// AppendHistory pushes a bid onto the display tail, trimmed to tail entries.
func (c *Client) AppendHistory(ctx context.Context, s BidSummary, tail int) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshalling bid summary: %w", err)
	}
	key := historyKey(s.AuctionID)
	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(tail-1))
	pipe.Expire(ctx, key, historyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appending bid history: %w", err)
	}
	return nil
}

// History returns up to n most recent cached bids, newest first.
func (c *Client) History(ctx context.Context, auctionID string, n int) ([]BidSummary, error) {
	raw, err := c.rdb.LRange(ctx, historyKey(auctionID), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading bid history: %w", err)
	}
	out := make([]BidSummary, 0, len(raw))
	for _, item := range raw {
		var s BidSummary
		if err := json.Unmarshal([]byte(item), &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// SetSession records presence for a connected user.
func (c *Client) SetSession(ctx context.Context, meta SessionMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshalling session meta: %w", err)
	}
	if err := c.rdb.Set(ctx, sessionKey(meta.UserID), data, c.sessionTTL).Err(); err != nil {
		return fmt.Errorf("recording session: %w", err)
	}
	return nil
}

// GetSession returns presence for a user, or nil if absent.
func (c *Client) GetSession(ctx context.Context, userID string) (*SessionMeta, error) {
	data, err := c.rdb.Get(ctx, sessionKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}
	var meta SessionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshalling session meta: %w", err)
	}
	return &meta, nil
}

// ClearSession removes presence on disconnect.
func (c *Client) ClearSession(ctx context.Context, userID string) error {
	return c.rdb.Del(ctx, sessionKey(userID)).Err()
}

// IncrRate bumps the sliding-window counter for one (user, auction) pair and
// returns the new count. The first increment opens the window; a count past
// 2x the limit extends the expiry to 5x the window as a progressive penalty.
func (c *Client) IncrRate(ctx context.Context, userID, auctionID string, limit int, window time.Duration) (int64, error) {
	key := RateKey(userID, auctionID)
	count, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incrementing rate counter: %w", err)
	}
	switch {
	case count == 1:
		if err := c.rdb.Expire(ctx, key, window).Err(); err != nil {
			return count, fmt.Errorf("setting rate window: %w", err)
		}
	case count > int64(2*limit):
		if err := c.rdb.Expire(ctx, key, 5*window).Err(); err != nil {
			return count, fmt.Errorf("extending rate penalty: %w", err)
		}
	}
	return count, nil
}

// WasDelivered reports whether a delivery key has been recorded.
func (c *Client) WasDelivered(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, "delivered:"+key).Result()
	if err != nil {
		return false, fmt.Errorf("checking delivery marker: %w", err)
	}
	return n > 0, nil
}

// MarkDelivered records a delivery key, returning false if it was already
// present. Used by the notification sink for keyed idempotency.
func (c *Client) MarkDelivered(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, "delivered:"+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("marking delivery: %w", err)
	}
	return ok, nil
}

// Publish sends a fan-out envelope on the given channel.
func (c *Client) Publish(ctx context.Context, channel string, f Fanout) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshalling fanout: %w", err)
	}
	if err := c.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}
	return nil
}

// Message is one received pub/sub payload.
type Message struct {
	Channel string
	Fanout  Fanout
}

// Subscribe listens on the per-auction bid pattern and the global channel,
// decoding envelopes onto the returned channel until ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context) <-chan Message {
	out := make(chan Message, 64)
	pubsub := c.rdb.PSubscribe(ctx, BidChannelPattern)
	_ = pubsub.Subscribe(ctx, GlobalChannel)

	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var f Fanout
				if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
					continue
				}
				select {
				case out <- Message{Channel: msg.Channel, Fanout: f}:
				default:
					// Drop rather than stall the pub/sub reader; the
					// store remains authoritative.
				}
			}
		}
	}()
	return out
}
