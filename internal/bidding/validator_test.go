package bidding_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/auctionhouse/internal/bidding"
	"github.com/jensholdgaard/auctionhouse/internal/eventbus"
	"github.com/jensholdgaard/auctionhouse/internal/hotstate"
	"github.com/jensholdgaard/auctionhouse/internal/protocol"
	"github.com/jensholdgaard/auctionhouse/internal/store"
)

// --- mock helpers ---

type mockAuctions struct {
	store.AuctionRepository

	mu       sync.Mutex
	placeFn  func(auctionID, userID string, amount int64) (*store.Bid, error)
	attempts int
}

func (m *mockAuctions) PlaceBid(_ context.Context, auctionID, userID string, amount int64) (*store.Bid, error) {
	m.mu.Lock()
	m.attempts++
	m.mu.Unlock()
	return m.placeFn(auctionID, userID, amount)
}

type mockHot struct {
	mu        sync.Mutex
	count     int64
	incrErr   error
	highest   []hotstate.BidSummary
	history   []hotstate.BidSummary
	published []hotstate.Fanout
}

func (m *mockHot) IncrRate(context.Context, string, string, int, time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incrErr != nil {
		return 0, m.incrErr
	}
	m.count++
	return m.count, nil
}

func (m *mockHot) SetHighest(_ context.Context, s hotstate.BidSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.highest = append(m.highest, s)
	return nil
}

func (m *mockHot) AppendHistory(_ context.Context, s hotstate.BidSummary, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, s)
	return nil
}

func (m *mockHot) Publish(_ context.Context, _ string, f hotstate.Fanout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, f)
	return nil
}

type mockBus struct {
	mu     sync.Mutex
	events []any
	err    error
}

func (m *mockBus) Publish(_ context.Context, _ string, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, v)
	return nil
}

type mockRooms struct {
	mu   sync.Mutex
	bids []protocol.BidInfo
}

func (m *mockRooms) BroadcastNewBid(_ string, bid protocol.BidInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bids = append(m.bids, bid)
}

func acceptingAuctions() *mockAuctions {
	return &mockAuctions{
		placeFn: func(auctionID, userID string, amount int64) (*store.Bid, error) {
			return &store.Bid{
				ID:        "bid-1",
				UserID:    userID,
				Username:  "alice",
				AuctionID: auctionID,
				Amount:    amount,
				Timestamp: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
			}, nil
		},
	}
}

func newValidator(auctions *mockAuctions, hot *mockHot, bus *mockBus, rooms *mockRooms) *bidding.Validator {
	cfg := bidding.Config{
		RateLimitCount: 5,
		RateWindow:     30 * time.Second,
		MaxBidAmount:   1_000_000,
		HistoryTail:    50,
		ReplicaID:      "replica-test",
	}
	return bidding.New(cfg, auctions, hot, bus, rooms, slog.Default(), noop.NewTracerProvider())
}

// --- tests ---

func TestSubmit_Accepted(t *testing.T) {
	auctions := acceptingAuctions()
	hot := &mockHot{}
	bus := &mockBus{}
	rooms := &mockRooms{}
	v := newValidator(auctions, hot, bus, rooms)

	bid, err := v.Submit(context.Background(), "u1", "a1", protocol.Amount("150"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if bid.Amount != 150 {
		t.Errorf("Amount = %d, want 150", bid.Amount)
	}

	// Side effects: cache, history, local broadcast, fan-out, audit.
	if len(hot.highest) != 1 || hot.highest[0].Amount != 150 {
		t.Errorf("highest cache writes = %+v", hot.highest)
	}
	if len(hot.history) != 1 {
		t.Errorf("history writes = %d, want 1", len(hot.history))
	}
	if len(rooms.bids) != 1 || rooms.bids[0].BidID != "bid-1" {
		t.Errorf("local broadcasts = %+v", rooms.bids)
	}
	if len(hot.published) != 1 {
		t.Fatalf("fan-out publishes = %d, want 1", len(hot.published))
	}
	if hot.published[0].Replica != "replica-test" || hot.published[0].Kind != protocol.KindNewBid {
		t.Errorf("fan-out envelope = %+v", hot.published[0])
	}
	if len(bus.events) != 1 {
		t.Fatalf("bus events = %d, want 1", len(bus.events))
	}
	if audit, ok := bus.events[0].(eventbus.BidAudit); !ok || audit.BidID != "bid-1" {
		t.Errorf("audit event = %+v", bus.events[0])
	}
}

func TestSubmit_Normalization(t *testing.T) {
	tests := []struct {
		name   string
		amount string
	}{
		{name: "empty", amount: ""},
		{name: "not a number", amount: "abc"},
		{name: "fractional", amount: "150.5"},
		{name: "zero", amount: "0"},
		{name: "negative", amount: "-10"},
		{name: "over max", amount: "2000000"},
		{name: "infinity", amount: "Inf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auctions := acceptingAuctions()
			v := newValidator(auctions, &mockHot{}, &mockBus{}, &mockRooms{})

			_, err := v.Submit(context.Background(), "u1", "a1", protocol.Amount(tt.amount))
			var rej *bidding.Rejection
			if !errors.As(err, &rej) {
				t.Fatalf("error = %v, want *Rejection", err)
			}
			if rej.Code != protocol.CodeInvalidAmount {
				t.Errorf("Code = %q, want %q", rej.Code, protocol.CodeInvalidAmount)
			}
			if auctions.attempts != 0 {
				t.Errorf("store reached %d times for invalid amount", auctions.attempts)
			}
		})
	}
}

func TestSubmit_RateLimited(t *testing.T) {
	auctions := acceptingAuctions()
	hot := &mockHot{}
	v := newValidator(auctions, hot, &mockBus{}, &mockRooms{})
	ctx := context.Background()

	// The first 5 pass the gate, the 6th is shed.
	for i := 0; i < 5; i++ {
		if _, err := v.Submit(ctx, "u1", "a1", protocol.Amount("150")); err != nil {
			t.Fatalf("Submit #%d error = %v", i+1, err)
		}
	}
	_, err := v.Submit(ctx, "u1", "a1", protocol.Amount("200"))
	var rej *bidding.Rejection
	if !errors.As(err, &rej) || rej.Code != protocol.CodeRateLimited {
		t.Fatalf("error = %v, want RATE_LIMIT_EXCEEDED rejection", err)
	}
	if auctions.attempts != 5 {
		t.Errorf("store attempts = %d, want 5", auctions.attempts)
	}
}

func TestSubmit_RateCounterDown_FailsOpen(t *testing.T) {
	auctions := acceptingAuctions()
	hot := &mockHot{incrErr: errors.New("connection refused")}
	v := newValidator(auctions, hot, &mockBus{}, &mockRooms{})

	if _, err := v.Submit(context.Background(), "u1", "a1", protocol.Amount("150")); err != nil {
		t.Fatalf("Submit() error = %v, want accepted (fail open)", err)
	}
}

func TestSubmit_StoreRejections(t *testing.T) {
	tests := []struct {
		name     string
		storeErr error
	}{
		{name: "not found", storeErr: store.ErrAuctionNotFound},
		{name: "ended", storeErr: store.ErrAuctionEnded},
		{name: "not active", storeErr: store.ErrAuctionNotActive},
		{name: "too low", storeErr: store.ErrBidTooLow},
		{name: "self outbid", storeErr: store.ErrSelfOutbid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auctions := &mockAuctions{
				placeFn: func(string, string, int64) (*store.Bid, error) {
					return nil, tt.storeErr
				},
			}
			bus := &mockBus{}
			v := newValidator(auctions, &mockHot{}, bus, &mockRooms{})

			_, err := v.Submit(context.Background(), "u1", "a1", protocol.Amount("150"))
			var rej *bidding.Rejection
			if !errors.As(err, &rej) {
				t.Fatalf("error = %v, want *Rejection", err)
			}
			if rej.Code != protocol.CodeValidationError {
				t.Errorf("Code = %q, want %q", rej.Code, protocol.CodeValidationError)
			}
			if auctions.attempts != 1 {
				t.Errorf("store attempts = %d, want 1 (no retry on validation errors)", auctions.attempts)
			}
			if len(bus.events) != 0 {
				t.Errorf("no audit event expected for rejection, got %d", len(bus.events))
			}
		})
	}
}

func TestSubmit_TransientRetry(t *testing.T) {
	calls := 0
	auctions := &mockAuctions{}
	auctions.placeFn = func(auctionID, userID string, amount int64) (*store.Bid, error) {
		calls++
		if calls < 3 {
			return nil, &pq.Error{Code: "40001"}
		}
		return &store.Bid{ID: "bid-2", AuctionID: auctionID, UserID: userID, Amount: amount}, nil
	}
	v := newValidator(auctions, &mockHot{}, &mockBus{}, &mockRooms{})

	bid, err := v.Submit(context.Background(), "u1", "a1", protocol.Amount("150"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if bid.ID != "bid-2" {
		t.Errorf("bid = %+v", bid)
	}
	if calls != 3 {
		t.Errorf("store calls = %d, want 3", calls)
	}
}

func TestSubmit_TransientExhausted(t *testing.T) {
	auctions := &mockAuctions{
		placeFn: func(string, string, int64) (*store.Bid, error) {
			return nil, &pq.Error{Code: "40P01"}
		},
	}
	v := newValidator(auctions, &mockHot{}, &mockBus{}, &mockRooms{})

	_, err := v.Submit(context.Background(), "u1", "a1", protocol.Amount("150"))
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	var rej *bidding.Rejection
	if errors.As(err, &rej) {
		t.Errorf("transient exhaustion should not be a client rejection, got %+v", rej)
	}
	if auctions.attempts != 3 {
		t.Errorf("store attempts = %d, want 3", auctions.attempts)
	}
}

func TestSubmit_BusDown_BidStillAccepted(t *testing.T) {
	auctions := acceptingAuctions()
	bus := &mockBus{err: errors.New("bus unavailable")}
	v := newValidator(auctions, &mockHot{}, bus, &mockRooms{})

	if _, err := v.Submit(context.Background(), "u1", "a1", protocol.Amount("150")); err != nil {
		t.Fatalf("Submit() error = %v, want accepted despite bus failure", err)
	}
}
