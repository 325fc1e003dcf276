package eventbus_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jensholdgaard/auctionhouse/internal/eventbus"
)

func TestUserNotification_Key(t *testing.T) {
	tests := []struct {
		name string
		n    eventbus.UserNotification
		want string
	}{
		{
			name: "winner",
			n:    eventbus.UserNotification{UserID: "u1", Kind: eventbus.KindWon, AuctionID: "a1"},
			want: "a1|u1|WON",
		},
		{
			name: "loser",
			n:    eventbus.UserNotification{UserID: "u2", Kind: eventbus.KindLost, AuctionID: "a1"},
			want: "a1|u2|LOST",
		},
		{
			name: "room broadcast has no user",
			n:    eventbus.UserNotification{Kind: eventbus.KindNoBidsWatcher, AuctionID: "a2"},
			want: "a2||NO_BIDS_WATCHER",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.n.Key(); got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAuctionEnded_JSONShape(t *testing.T) {
	winner := "u7"
	amount := int64(400)
	e := eventbus.AuctionEnded{
		AuctionID:     "a2",
		WinnerUserID:  &winner,
		WinningAmount: &amount,
		Participants:  []string{"u6", "u7"},
	}

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	var got eventbus.AuctionEnded
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.WinnerUserID == nil || *got.WinnerUserID != "u7" {
		t.Errorf("WinnerUserID = %v, want u7", got.WinnerUserID)
	}
	if len(got.Participants) != 2 {
		t.Errorf("Participants = %v, want 2 entries", got.Participants)
	}

	// No winner: optional fields are omitted entirely.
	data, _ = json.Marshal(eventbus.AuctionEnded{AuctionID: "a3"})
	if string(data) != `{"auctionId":"a3","participants":null}` {
		t.Errorf("no-winner JSON = %s", data)
	}
}

func TestBidAudit_RoundTrip(t *testing.T) {
	ts := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	a := eventbus.BidAudit{BidID: "b1", AuctionID: "a1", UserID: "u1", Amount: 150, Timestamp: ts}

	data, err := json.Marshal(a)
	if err != nil {
		t.Fatal(err)
	}
	var got eventbus.BidAudit
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.BidID != a.BidID || got.AuctionID != a.AuctionID || got.UserID != a.UserID || got.Amount != a.Amount {
		t.Errorf("round trip = %+v, want %+v", got, a)
	}
	if !got.Timestamp.Equal(a.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, a.Timestamp)
	}
}
