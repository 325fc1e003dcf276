package postgres_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/auctionhouse/internal/clock"
	"github.com/jensholdgaard/auctionhouse/internal/store"
	"github.com/jensholdgaard/auctionhouse/internal/store/postgres"
)

func newTestUser(t *testing.T, db *sqlx.DB, username string) *store.User {
	t.Helper()
	repo := postgres.NewUserRepo(db, clock.Real{})
	u := &store.User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "x",
	}
	if err := repo.Create(context.Background(), u); err != nil {
		t.Fatalf("Create user %s: %v", username, err)
	}
	return u
}

func newTestAuction(t *testing.T, db *sqlx.DB, itemID string, startingBid int64, d time.Duration) *store.Auction {
	t.Helper()
	repo := postgres.NewAuctionRepo(db, clock.Real{})
	now := time.Now().UTC()
	a := &store.Auction{
		ItemID:      itemID,
		StartTime:   now,
		EndTime:     now.Add(d),
		StartingBid: startingBid,
	}
	if err := repo.Create(context.Background(), a); err != nil {
		t.Fatalf("Create auction %s: %v", itemID, err)
	}
	return a
}

func TestAuctionRepo_CreateAndGetByID(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewAuctionRepo(db, clock.Real{})
	ctx := context.Background()

	a := newTestAuction(t, db, "car-1", 100, time.Hour)
	if a.ID == "" {
		t.Fatal("expected ID to be set after Create")
	}
	if a.Status != store.StatusActive {
		t.Errorf("Status = %q, want %q", a.Status, store.StatusActive)
	}
	if a.CurrentHighestBid != 100 {
		t.Errorf("CurrentHighestBid = %d, want starting bid 100", a.CurrentHighestBid)
	}

	got, err := repo.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.ItemID != "car-1" {
		t.Errorf("ItemID = %q, want %q", got.ItemID, "car-1")
	}

	if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, store.ErrAuctionNotFound) {
		t.Errorf("GetByID(missing) error = %v, want ErrAuctionNotFound", err)
	}
}

func TestAuctionRepo_PlaceBid(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewAuctionRepo(db, clock.Real{})
	ctx := context.Background()

	u1 := newTestUser(t, db, "alice")
	u2 := newTestUser(t, db, "bob")
	a := newTestAuction(t, db, "car-2", 100, time.Hour)

	bid, err := repo.PlaceBid(ctx, a.ID, u1.ID, 150)
	if err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}
	if bid.Amount != 150 || bid.Username != "alice" {
		t.Errorf("bid = %+v, want amount=150 username=alice", bid)
	}

	got, _ := repo.GetByID(ctx, a.ID)
	if got.CurrentHighestBid != 150 {
		t.Errorf("CurrentHighestBid = %d, want 150", got.CurrentHighestBid)
	}

	// Equal amount is rejected.
	if _, err := repo.PlaceBid(ctx, a.ID, u2.ID, 150); !errors.Is(err, store.ErrBidTooLow) {
		t.Errorf("equal bid error = %v, want ErrBidTooLow", err)
	}

	// Self-outbid is rejected even with a higher amount.
	if _, err := repo.PlaceBid(ctx, a.ID, u1.ID, 200); !errors.Is(err, store.ErrSelfOutbid) {
		t.Errorf("self outbid error = %v, want ErrSelfOutbid", err)
	}

	// A different user can raise.
	if _, err := repo.PlaceBid(ctx, a.ID, u2.ID, 200); err != nil {
		t.Fatalf("raise: %v", err)
	}

	// Unknown auction.
	if _, err := repo.PlaceBid(ctx, "missing", u1.ID, 300); !errors.Is(err, store.ErrAuctionNotFound) {
		t.Errorf("missing auction error = %v, want ErrAuctionNotFound", err)
	}
}

func TestAuctionRepo_PlaceBid_Expired(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewAuctionRepo(db, clock.Real{})
	ctx := context.Background()

	u := newTestUser(t, db, "carol")
	a := newTestAuction(t, db, "car-3", 100, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	if _, err := repo.PlaceBid(ctx, a.ID, u.ID, 150); !errors.Is(err, store.ErrAuctionEnded) {
		t.Errorf("expired bid error = %v, want ErrAuctionEnded", err)
	}
}

func TestAuctionRepo_PlaceBid_Concurrent(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewAuctionRepo(db, clock.Real{})
	ctx := context.Background()

	u1 := newTestUser(t, db, "dave")
	u2 := newTestUser(t, db, "erin")
	a := newTestAuction(t, db, "car-4", 100, time.Hour)

	// Two users race the same amount. The row lock must serialize them so
	// exactly one wins.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, uid := range []string{u1.ID, u2.ID} {
		wg.Add(1)
		go func(i int, uid string) {
			defer wg.Done()
			_, errs[i] = repo.PlaceBid(ctx, a.ID, uid, 200)
		}(i, uid)
	}
	wg.Wait()

	var accepted, rejected int
	for _, err := range errs {
		if err == nil {
			accepted++
		} else if errors.Is(err, store.ErrBidTooLow) {
			rejected++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if accepted != 1 || rejected != 1 {
		t.Fatalf("accepted=%d rejected=%d, want exactly one of each", accepted, rejected)
	}

	got, _ := repo.GetByID(ctx, a.ID)
	if got.CurrentHighestBid != 200 {
		t.Errorf("CurrentHighestBid = %d, want 200", got.CurrentHighestBid)
	}
}

func TestAuctionRepo_MonotonicTimestamps(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewAuctionRepo(db, clock.Real{})
	ctx := context.Background()

	u1 := newTestUser(t, db, "frank")
	u2 := newTestUser(t, db, "grace")
	a := newTestAuction(t, db, "car-5", 100, time.Hour)

	users := []string{u1.ID, u2.ID}
	for i := 0; i < 6; i++ {
		if _, err := repo.PlaceBid(ctx, a.ID, users[i%2], int64(110+i*10)); err != nil {
			t.Fatalf("PlaceBid #%d: %v", i, err)
		}
	}

	bids, err := repo.ListBids(ctx, a.ID, 50)
	if err != nil {
		t.Fatalf("ListBids: %v", err)
	}
	if len(bids) != 6 {
		t.Fatalf("got %d bids, want 6", len(bids))
	}
	// Newest first: both timestamps and amounts strictly decrease.
	for i := 1; i < len(bids); i++ {
		if !bids[i].Timestamp.Before(bids[i-1].Timestamp) {
			t.Errorf("timestamps not strictly increasing: %v then %v", bids[i].Timestamp, bids[i-1].Timestamp)
		}
		if bids[i].Amount >= bids[i-1].Amount {
			t.Errorf("amounts not strictly increasing: %d then %d", bids[i].Amount, bids[i-1].Amount)
		}
	}
}

func TestAuctionRepo_End(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewAuctionRepo(db, clock.Real{})
	ctx := context.Background()

	u1 := newTestUser(t, db, "heidi")
	u2 := newTestUser(t, db, "ivan")
	a := newTestAuction(t, db, "car-6", 100, time.Hour)

	if _, err := repo.PlaceBid(ctx, a.ID, u1.ID, 300); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.PlaceBid(ctx, a.ID, u2.ID, 400); err != nil {
		t.Fatal(err)
	}

	ended, participants, did, err := repo.End(ctx, a.ID)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if !did {
		t.Fatal("expected first End to perform the transition")
	}
	if ended.Status != store.StatusEnded {
		t.Errorf("Status = %q, want %q", ended.Status, store.StatusEnded)
	}
	if ended.WinnerID == nil || *ended.WinnerID != u2.ID {
		t.Errorf("WinnerID = %v, want %q", ended.WinnerID, u2.ID)
	}
	if len(participants) != 2 {
		t.Errorf("participants = %v, want 2 entries", participants)
	}

	// Second End is a no-op returning the same terminal state.
	again, parts2, did2, err := repo.End(ctx, a.ID)
	if err != nil {
		t.Fatalf("second End: %v", err)
	}
	if did2 {
		t.Error("expected second End to be a no-op")
	}
	if parts2 != nil {
		t.Errorf("second End participants = %v, want nil", parts2)
	}
	if again.Status != store.StatusEnded || again.WinnerID == nil || *again.WinnerID != u2.ID {
		t.Errorf("terminal state changed: %+v", again)
	}
}

func TestAuctionRepo_End_NoBids(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewAuctionRepo(db, clock.Real{})
	ctx := context.Background()

	a := newTestAuction(t, db, "car-7", 100, time.Hour)

	ended, participants, did, err := repo.End(ctx, a.ID)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if !did {
		t.Fatal("expected the transition to happen")
	}
	if ended.WinnerID != nil {
		t.Errorf("WinnerID = %v, want nil for no bids", ended.WinnerID)
	}
	if len(participants) != 0 {
		t.Errorf("participants = %v, want none", participants)
	}
}

func TestAuctionRepo_ListExpired(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewAuctionRepo(db, clock.Real{})
	ctx := context.Background()

	expired := newTestAuction(t, db, "car-8", 100, time.Millisecond)
	live := newTestAuction(t, db, "car-9", 100, time.Hour)
	time.Sleep(5 * time.Millisecond)

	ids, err := repo.ListExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(ids) != 1 || ids[0] != expired.ID {
		t.Fatalf("ListExpired = %v, want [%s]", ids, expired.ID)
	}
	_ = live

	// An ended auction no longer shows up.
	if _, _, _, err := repo.End(ctx, expired.ID); err != nil {
		t.Fatal(err)
	}
	ids, _ = repo.ListExpired(ctx, time.Now())
	if len(ids) != 0 {
		t.Fatalf("ListExpired after End = %v, want empty", ids)
	}
}

func TestAuctionRepo_Cancel(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewAuctionRepo(db, clock.Real{})
	ctx := context.Background()

	u := newTestUser(t, db, "judy")
	a := newTestAuction(t, db, "car-10", 100, time.Hour)

	if err := repo.Cancel(ctx, a.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := repo.GetByID(ctx, a.ID)
	if got.Status != store.StatusCancelled {
		t.Errorf("Status = %q, want %q", got.Status, store.StatusCancelled)
	}

	// Cancelled auctions reject bids.
	if _, err := repo.PlaceBid(ctx, a.ID, u.ID, 500); !errors.Is(err, store.ErrAuctionNotActive) {
		t.Errorf("bid on cancelled error = %v, want ErrAuctionNotActive", err)
	}

	// Cancelling again fails.
	if err := repo.Cancel(ctx, a.ID); !errors.Is(err, store.ErrAuctionNotActive) {
		t.Errorf("second Cancel error = %v, want ErrAuctionNotActive", err)
	}
}

func TestAuctionRepo_CountParticipants(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewAuctionRepo(db, clock.Real{})
	ctx := context.Background()

	u1 := newTestUser(t, db, "kim")
	u2 := newTestUser(t, db, "leo")
	a := newTestAuction(t, db, "car-11", 100, time.Hour)

	for i, uid := range []string{u1.ID, u2.ID, u1.ID} {
		if _, err := repo.PlaceBid(ctx, a.ID, uid, int64(110+i*10)); err != nil {
			t.Fatalf("PlaceBid #%d: %v", i, err)
		}
	}

	n, err := repo.CountParticipants(ctx, a.ID)
	if err != nil {
		t.Fatalf("CountParticipants: %v", err)
	}
	if n != 2 {
		t.Errorf("participants = %d, want 2", n)
	}
}
