package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aaronwang/lotbid/internal/bidding"
	"github.com/aaronwang/lotbid/internal/models"
	"github.com/aaronwang/lotbid/internal/money"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestStore(t *testing.T) (*Store, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clk := &clock{now: t0}
	return NewStore(client, zap.NewNop(), WithClock(clk.Now), WithRules(120*time.Second, bidding.DefaultTierCaps)), clk
}

func runningLot(t *testing.T, s *Store, starting string, endsIn time.Duration, reserve *money.Money) *models.Lot {
	t.Helper()
	ctx := context.Background()
	lot, err := s.CreateLot(ctx, &models.CreateLotRequest{
		SellerID:      "seller",
		Title:         "1952 Topps #311",
		Category:      "cards",
		StartingPrice: money.MustParse(starting),
		ReservePrice:  reserve,
		EndsAt:        t0.Add(endsIn),
	})
	require.NoError(t, err)
	lot, err = s.Transition(ctx, lot.ID, models.LotStatusRunning)
	require.NoError(t, err)
	return lot
}

func verify(t *testing.T, s *Store, users ...string) {
	t.Helper()
	for _, u := range users {
		require.NoError(t, s.SetTier(context.Background(), u, models.Tier{Level: bidding.TierVerified}))
	}
}

func TestCreateLotValidation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateLot(ctx, &models.CreateLotRequest{StartingPrice: money.FromInt(10), EndsAt: t0.Add(time.Hour)})
	assert.ErrorIs(t, err, ErrInvalidLot)

	_, err = s.CreateLot(ctx, &models.CreateLotRequest{SellerID: "s", StartingPrice: money.Zero, EndsAt: t0.Add(time.Hour)})
	assert.ErrorIs(t, err, ErrInvalidLot)

	_, err = s.CreateLot(ctx, &models.CreateLotRequest{SellerID: "s", StartingPrice: money.FromInt(10), EndsAt: t0})
	assert.ErrorIs(t, err, ErrInvalidLot)

	lot, err := s.CreateLot(ctx, &models.CreateLotRequest{SellerID: "s", StartingPrice: money.FromInt(10), EndsAt: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, models.LotStatusDraft, lot.Status)

	got, err := s.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, lot.EndsAt, got.EndsAt)
	assert.Nil(t, got.CurrentPrice)
}

func TestPlaceBidScenario(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	lot := runningLot(t, s, "50", time.Hour, nil)
	verify(t, s, "A", "B")

	res, err := s.PlaceBid(ctx, PlaceBidParams{LotID: lot.ID, BidderID: "A", Offered: money.FromInt(50)})
	require.NoError(t, err)
	assert.Equal(t, "50.00", res.Lot.CurrentPrice.String())

	_, err = s.PlaceBid(ctx, PlaceBidParams{LotID: lot.ID, BidderID: "B", Offered: money.FromInt(54)})
	var rej *bidding.Rejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, bidding.ReasonBelowMinimum, rej.Reason)
	assert.Equal(t, "55.00", rej.MinimumRequired.String())

	res, err = s.PlaceBid(ctx, PlaceBidParams{LotID: lot.ID, BidderID: "B", Offered: money.FromInt(55)})
	require.NoError(t, err)
	assert.Equal(t, "55.00", res.Event.Amount.String())
	assert.Equal(t, "50.00", res.Event.PreviousPrice.String())

	snap, err := s.Snapshot(ctx, lot.ID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "55.00", snap.CurrentPrice.String())
	assert.Equal(t, "60.00", snap.NextMinimum.String())
	assert.Equal(t, "B", snap.HighBidderID)

	ledger, err := s.LedgerBids(ctx, lot.ID)
	require.NoError(t, err)
	require.Len(t, ledger, 2)
	assert.Equal(t, "A", ledger[0].BidderID)
	assert.Equal(t, "B", ledger[1].BidderID)
}

func TestPlaceBidRejections(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	lot := runningLot(t, s, "50", time.Hour, nil)

	reason := func(err error) bidding.Reason {
		var rej *bidding.Rejection
		require.True(t, errors.As(err, &rej), "got %v", err)
		return rej.Reason
	}

	_, err := s.PlaceBid(ctx, PlaceBidParams{LotID: lot.ID, BidderID: "seller", Offered: money.FromInt(50)})
	assert.Equal(t, bidding.ReasonSelfBid, reason(err))

	// unknown users are tier 0
	_, err = s.PlaceBid(ctx, PlaceBidParams{LotID: lot.ID, BidderID: "newbie", Offered: money.FromInt(250)})
	assert.Equal(t, bidding.ReasonVerificationRequired, reason(err))

	override := money.FromInt(500)
	require.NoError(t, s.SetTier(ctx, "newbie", models.Tier{Level: 0, Cap: &override}))
	_, err = s.PlaceBid(ctx, PlaceBidParams{LotID: lot.ID, BidderID: "newbie", Offered: money.FromInt(250)})
	require.NoError(t, err)

	clk.Set(lot.EndsAt)
	_, err = s.PlaceBid(ctx, PlaceBidParams{LotID: lot.ID, BidderID: "newbie", Offered: money.FromInt(400)})
	assert.Equal(t, bidding.ReasonEnded, reason(err))

	_, err = s.PlaceBid(ctx, PlaceBidParams{LotID: "missing", BidderID: "newbie", Offered: money.FromInt(400)})
	assert.ErrorIs(t, err, ErrLotNotFound)
}

func TestPlaceBidSoftCloseAndReserve(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	lot := runningLot(t, s, "50", 10*time.Second, money.Ptr(money.FromInt(75)))
	verify(t, s, "A")

	res, err := s.PlaceBid(ctx, PlaceBidParams{LotID: lot.ID, BidderID: "A", Offered: money.FromInt(60)})
	require.NoError(t, err)
	assert.True(t, res.Acceptance.Extended)
	assert.Equal(t, t0.Add(120*time.Second), res.Lot.EndsAt)
	assert.False(t, res.Lot.ReserveMet)

	res, err = s.PlaceBid(ctx, PlaceBidParams{LotID: lot.ID, BidderID: "A", Offered: money.FromInt(65), ProxyMax: money.Ptr(money.FromInt(80))})
	require.NoError(t, err)
	assert.True(t, res.Lot.ReserveMet)
	assert.True(t, res.Event.IsProxy)
	assert.False(t, res.Acceptance.Extended, "already a full window away")

	snap, err := s.Snapshot(ctx, lot.ID)
	require.NoError(t, err)
	assert.True(t, snap.ReserveMet)
}

func TestPlaceBidConcurrentNeverAcceptsTwiceAtSamePrice(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	lot := runningLot(t, s, "50", time.Hour, nil)

	const bidders = 8
	users := make([]string, bidders)
	for i := range users {
		users[i] = string(rune('a' + i))
	}
	verify(t, s, users...)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for _, u := range users {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			_, err := s.PlaceBid(ctx, PlaceBidParams{LotID: lot.ID, BidderID: u, Offered: money.FromInt(50)})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(u)
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	ledger, err := s.LedgerBids(ctx, lot.ID)
	require.NoError(t, err)
	assert.Len(t, ledger, 1)
}

func TestTransition(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	lot := runningLot(t, s, "50", time.Hour, nil)

	_, err := s.Transition(ctx, lot.ID, models.LotStatusDraft)
	assert.ErrorIs(t, err, bidding.ErrInvalidTransition)

	got, err := s.Transition(ctx, lot.ID, models.LotStatusVoid)
	require.NoError(t, err)
	assert.Equal(t, models.LotStatusVoid, got.Status)

	_, err = s.Transition(ctx, "missing", models.LotStatusVoid)
	assert.ErrorIs(t, err, ErrLotNotFound)
}

func TestTransitionCloseChecksEndTimeAndOutcome(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	lot := runningLot(t, s, "50", time.Hour, nil)

	_, err := s.Transition(ctx, lot.ID, models.LotStatusEnded)
	assert.ErrorIs(t, err, bidding.ErrLotStillOpen)
	_, err = s.Transition(ctx, lot.ID, models.LotStatusUnsold)
	assert.ErrorIs(t, err, bidding.ErrLotStillOpen)

	clk.Set(lot.EndsAt)

	// no bids, so the lot can only close unsold
	_, err = s.Transition(ctx, lot.ID, models.LotStatusEnded)
	assert.ErrorIs(t, err, bidding.ErrInvalidTransition)

	got, err := s.Transition(ctx, lot.ID, models.LotStatusUnsold)
	require.NoError(t, err)
	assert.Equal(t, models.LotStatusUnsold, got.Status)

	clk.Set(t0)
	sold := runningLot(t, s, "50", time.Hour, nil)
	_, err = s.PlaceBid(ctx, PlaceBidParams{LotID: sold.ID, BidderID: "A", Offered: money.FromInt(50)})
	require.NoError(t, err)
	clk.Set(sold.EndsAt.Add(time.Second))

	_, err = s.Transition(ctx, sold.ID, models.LotStatusUnsold)
	assert.ErrorIs(t, err, bidding.ErrInvalidTransition)
	got, err = s.Transition(ctx, sold.ID, models.LotStatusEnded)
	require.NoError(t, err)
	assert.Equal(t, models.LotStatusEnded, got.Status)
}

func TestPendingLedgerUntilAcked(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	lot := runningLot(t, s, "50", time.Hour, nil)

	first, err := s.PlaceBid(ctx, PlaceBidParams{LotID: lot.ID, BidderID: "A", Offered: money.FromInt(50)})
	require.NoError(t, err)
	clk.Set(t0.Add(time.Second))
	second, err := s.PlaceBid(ctx, PlaceBidParams{LotID: lot.ID, BidderID: "B", Offered: money.FromInt(55)})
	require.NoError(t, err)

	pending, err := s.PendingLedger(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.Event.EventID, pending[0].EventID)
	assert.Equal(t, second.Event.EventID, pending[1].EventID)

	require.NoError(t, s.AckLedger(ctx, first.Event.EventID))
	require.NoError(t, s.AckLedger(ctx))

	pending, err = s.PendingLedger(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.Event.EventID, pending[0].EventID)

	// the ledger list is not touched by acks
	ledger, err := s.LedgerBids(ctx, lot.ID)
	require.NoError(t, err)
	assert.Len(t, ledger, 2)
}

func TestSnapshotMissingIsNil(t *testing.T) {
	s, _ := newTestStore(t)
	snap, err := s.Snapshot(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestSubscribeReceivesEventsInOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	lot := runningLot(t, s, "50", 10*time.Second, nil)
	verify(t, s, "A")

	sub, err := s.Subscribe(ctx, lot.ID)
	require.NoError(t, err)
	defer sub.Close()

	_, err = s.PlaceBid(ctx, PlaceBidParams{LotID: lot.ID, BidderID: "A", Offered: money.FromInt(50)})
	require.NoError(t, err)

	next := func() models.LotEvent {
		select {
		case ev := <-sub.Events():
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
		return models.LotEvent{}
	}

	ev := next()
	assert.Equal(t, models.EventBidInserted, ev.Kind)
	assert.Equal(t, "50.00", ev.Amount.String())

	ev = next()
	assert.Equal(t, models.EventLotUpdated, ev.Kind)
	require.NotNil(t, ev.EndsAt)
	assert.True(t, ev.EndsAt.Equal(t0.Add(120*time.Second)))
	assert.Equal(t, models.LotStatusRunning, ev.Status)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	_, open := <-sub.Events()
	for open {
		_, open = <-sub.Events()
	}
}

func TestSubscriberPattern(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lot := runningLot(t, s, "50", time.Hour, nil)
	verify(t, s, "A")

	sub := NewSubscriber(s.client, zap.NewNop())
	require.NoError(t, sub.SubscribeToPattern(ctx, EventsChannelPrefix+"*"))
	defer sub.Close()

	out := make(chan *Message, 8)
	go sub.Listen(ctx, out)

	_, err := s.PlaceBid(ctx, PlaceBidParams{LotID: lot.ID, BidderID: "A", Offered: money.FromInt(50)})
	require.NoError(t, err)

	select {
	case msg := <-out:
		assert.Equal(t, lot.ID, msg.LotID)
		assert.Equal(t, models.EventBidInserted, msg.Event.Kind)
		assert.Contains(t, msg.Payload, `"bid-inserted"`)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}
