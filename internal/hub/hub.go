// Package hub tracks, per auction, the set of live subscriber sessions and
// fans events out to them. Fan-out never blocks on a subscriber: each
// session owns a bounded outbound buffer, and a session that lets it fill is
// disconnected as a slow consumer.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auctionhouse/internal/clock"
	"github.com/jensholdgaard/auctionhouse/internal/hotstate"
	"github.com/jensholdgaard/auctionhouse/internal/protocol"
	"github.com/jensholdgaard/auctionhouse/internal/store"
)

const snapshotBids = 20

// Subscriber is a session handle held by the hub. Send must not block: it
// reports false when the session's outbound buffer is full.
type Subscriber interface {
	ID() string
	UserID() string
	Send(frame []byte) bool
	// Kick closes the session with a reason (e.g. slow consumer).
	Kick(reason string)
}

// HotReader is the slice of the hot-state client the hub reads from.
type HotReader interface {
	GetHighest(ctx context.Context, auctionID string) (*hotstate.BidSummary, error)
	History(ctx context.Context, auctionID string, n int) ([]hotstate.BidSummary, error)
}

// EndHook is invoked when a read path observes an expired ACTIVE auction.
type EndHook func(ctx context.Context, auctionID string)

type room struct {
	subs map[string]Subscriber
	// lastAmount is the highest bid amount already broadcast to this room.
	// Cross-replica delivery may reorder; anything at or below it is stale
	// and dropped.
	lastAmount int64
}

// Hub is the per-replica room registry.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*room
	// joined tracks each session's rooms for LeaveAll.
	joined map[string]map[string]struct{}

	auctions  store.AuctionRepository
	hot       HotReader
	clock     clock.Clock
	replicaID string
	endHook   EndHook
	logger    *slog.Logger
	tracer    trace.Tracer
}

// New returns a Hub.
func New(auctions store.AuctionRepository, hot HotReader, clk clock.Clock, replicaID string, logger *slog.Logger, tp trace.TracerProvider) *Hub {
	return &Hub{
		rooms:     make(map[string]*room),
		joined:    make(map[string]map[string]struct{}),
		auctions:  auctions,
		hot:       hot,
		clock:     clk,
		replicaID: replicaID,
		logger:    logger,
		tracer:    tp.Tracer("github.com/jensholdgaard/auctionhouse/internal/hub"),
	}
}

// OnExpired registers the hook triggered when a join observes an expired
// auction. Set once at composition time.
func (h *Hub) OnExpired(hook EndHook) { h.endHook = hook }

// Join subscribes the session to an auction room and returns the snapshot.
func (h *Hub) Join(ctx context.Context, sub Subscriber, auctionID string) (*protocol.Snapshot, error) {
	ctx, span := h.tracer.Start(ctx, "Hub.Join",
		trace.WithAttributes(
			attribute.String("auction_id", auctionID),
			attribute.String("session_id", sub.ID()),
		),
	)
	defer span.End()

	a, err := h.auctions.GetByID(ctx, auctionID)
	if err != nil {
		return nil, err
	}

	// On-demand end detection: a read that sees an expired ACTIVE auction
	// triggers the end transition before answering.
	if a.Status == store.StatusActive && !h.clock.Now().Before(a.EndTime) && h.endHook != nil {
		h.endHook(ctx, auctionID)
		if a, err = h.auctions.GetByID(ctx, auctionID); err != nil {
			return nil, err
		}
	}

	snapshot := h.snapshot(ctx, a)

	h.mu.Lock()
	r, ok := h.rooms[auctionID]
	if !ok {
		r = &room{subs: make(map[string]Subscriber)}
		h.rooms[auctionID] = r
	}
	r.subs[sub.ID()] = sub
	if snapshot.CurrentHighest != nil && snapshot.CurrentHighest.Amount > r.lastAmount {
		r.lastAmount = snapshot.CurrentHighest.Amount
	}
	rooms, ok := h.joined[sub.ID()]
	if !ok {
		rooms = make(map[string]struct{})
		h.joined[sub.ID()] = rooms
	}
	rooms[auctionID] = struct{}{}
	h.mu.Unlock()

	return snapshot, nil
}

// snapshot assembles the join reply: cache first, store fallback.
func (h *Hub) snapshot(ctx context.Context, a *store.Auction) *protocol.Snapshot {
	recent := make([]protocol.BidInfo, 0, snapshotBids)
	if cached, err := h.hot.History(ctx, a.ID, snapshotBids); err == nil && len(cached) > 0 {
		for _, s := range cached {
			recent = append(recent, bidInfoFromSummary(s))
		}
	} else {
		bids, err := h.auctions.ListBids(ctx, a.ID, snapshotBids)
		if err != nil {
			h.logger.WarnContext(ctx, "listing bids for snapshot failed",
				slog.String("auction_id", a.ID),
				slog.Any("error", err),
			)
		}
		for _, b := range bids {
			recent = append(recent, protocol.BidInfo{
				BidID:     b.ID,
				AuctionID: b.AuctionID,
				Amount:    b.Amount,
				UserID:    b.UserID,
				Username:  b.Username,
				Timestamp: b.Timestamp,
			})
		}
	}

	highest := &protocol.BidInfo{AuctionID: a.ID, Amount: a.CurrentHighestBid}
	if cached, err := h.hot.GetHighest(ctx, a.ID); err == nil && cached != nil && cached.Amount >= a.CurrentHighestBid {
		hi := bidInfoFromSummary(*cached)
		highest = &hi
	} else if len(recent) > 0 {
		highest = &recent[0]
	}

	count, err := h.auctions.CountParticipants(ctx, a.ID)
	if err != nil {
		h.logger.WarnContext(ctx, "counting participants failed",
			slog.String("auction_id", a.ID),
			slog.Any("error", err),
		)
	}

	return &protocol.Snapshot{
		CurrentHighest:   highest,
		RecentBids:       recent,
		ParticipantCount: count,
	}
}

func bidInfoFromSummary(s hotstate.BidSummary) protocol.BidInfo {
	return protocol.BidInfo{
		BidID:     s.BidID,
		AuctionID: s.AuctionID,
		Amount:    s.Amount,
		UserID:    s.UserID,
		Username:  s.Username,
		Timestamp: s.Timestamp,
	}
}

// Leave removes the session from one room, discarding the room when empty.
func (h *Hub) Leave(sub Subscriber, auctionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(sub.ID(), auctionID)
}

// LeaveAll removes the session from every room it joined.
func (h *Hub) LeaveAll(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for auctionID := range h.joined[sub.ID()] {
		h.leaveLocked(sub.ID(), auctionID)
	}
	delete(h.joined, sub.ID())
}

func (h *Hub) leaveLocked(sessionID, auctionID string) {
	if r, ok := h.rooms[auctionID]; ok {
		delete(r.subs, sessionID)
		if len(r.subs) == 0 {
			delete(h.rooms, auctionID)
		}
	}
	if rooms, ok := h.joined[sessionID]; ok {
		delete(rooms, auctionID)
		if len(rooms) == 0 {
			delete(h.joined, sessionID)
		}
	}
}

// RoomSize returns the number of subscribers in a room.
func (h *Hub) RoomSize(auctionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if r, ok := h.rooms[auctionID]; ok {
		return len(r.subs)
	}
	return 0
}

// BroadcastNewBid delivers an accepted bid to local room members. Bids at or
// below the room's last broadcast amount are stale duplicates and dropped.
func (h *Hub) BroadcastNewBid(auctionID string, bid protocol.BidInfo) {
	frame, err := protocol.Encode(protocol.KindNewBid, bid)
	if err != nil {
		h.logger.Error("encoding newBid failed", slog.Any("error", err))
		return
	}

	h.mu.Lock()
	r, ok := h.rooms[auctionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if bid.Amount <= r.lastAmount {
		h.mu.Unlock()
		return
	}
	r.lastAmount = bid.Amount
	slow := h.deliverLocked(r, frame)
	h.mu.Unlock()

	h.kickSlow(auctionID, slow)
}

// BroadcastEvent delivers an arbitrary event frame to local room members.
func (h *Hub) BroadcastEvent(auctionID, kind string, payload any) {
	frame, err := protocol.Encode(kind, payload)
	if err != nil {
		h.logger.Error("encoding broadcast failed",
			slog.String("kind", kind),
			slog.Any("error", err),
		)
		return
	}

	h.mu.Lock()
	r, ok := h.rooms[auctionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	slow := h.deliverLocked(r, frame)
	h.mu.Unlock()

	h.kickSlow(auctionID, slow)
}

// deliverLocked enqueues the frame to each subscriber, collecting the ones
// whose buffers are full. Callers must hold h.mu.
func (h *Hub) deliverLocked(r *room, frame []byte) (slow []Subscriber) {
	for id, sub := range r.subs {
		if sub.Send(frame) {
			continue
		}
		slow = append(slow, sub)
		delete(r.subs, id)
	}
	return slow
}

func (h *Hub) kickSlow(auctionID string, slow []Subscriber) {
	for _, sub := range slow {
		h.logger.Warn("disconnecting slow consumer",
			slog.String("session_id", sub.ID()),
			slog.String("auction_id", auctionID),
		)
		sub.Kick("slow consumer")
	}
}

// Run consumes cross-replica fan-out messages until ctx is cancelled.
// Messages originated by this replica were already delivered locally and are
// skipped; remote messages are delivered to local members but never
// re-published.
func (h *Hub) Run(ctx context.Context, msgs <-chan hotstate.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if msg.Fanout.Replica == h.replicaID {
				continue
			}
			h.dispatchRemote(msg.Fanout)
		}
	}
}

func (h *Hub) dispatchRemote(f hotstate.Fanout) {
	switch f.Kind {
	case protocol.KindNewBid:
		var bid protocol.BidInfo
		if err := json.Unmarshal(f.Data, &bid); err != nil {
			h.logger.Warn("malformed remote newBid", slog.Any("error", err))
			return
		}
		h.BroadcastNewBid(f.AuctionID, bid)
	case protocol.KindAuctionEnded:
		var ev protocol.AuctionEnded
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			h.logger.Warn("malformed remote auctionEnded", slog.Any("error", err))
			return
		}
		h.BroadcastEvent(f.AuctionID, protocol.KindAuctionEnded, ev)
	case protocol.KindUserNotification:
		// Room-wide notifications (e.g. no-bid watcher notices).
		var n protocol.UserNotification
		if err := json.Unmarshal(f.Data, &n); err != nil {
			h.logger.Warn("malformed remote notification", slog.Any("error", err))
			return
		}
		h.BroadcastEvent(f.AuctionID, protocol.KindUserNotification, n)
	default:
		h.logger.Warn("unknown remote fan-out kind", slog.String("kind", f.Kind))
	}
}
