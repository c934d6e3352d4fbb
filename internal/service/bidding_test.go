package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
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
	redisstore "github.com/aaronwang/lotbid/internal/redis"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeLedger struct {
	mu     sync.Mutex
	events []*models.BidEvent
	fails  int
	// stall, when set, holds every publish until it is closed or ctx ends
	stall chan struct{}
}

func (f *fakeLedger) PublishBid(ctx context.Context, event *models.BidEvent) error {
	if f.stall != nil {
		select {
		case <-f.stall:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("nats: timeout")
	}
	f.events = append(f.events, event)
	return nil
}

type fakeHistory struct {
	bids []*models.Bid
	err  error
}

func (f *fakeLedger) published() []*models.BidEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.BidEvent(nil), f.events...)
}

func (f *fakeHistory) GetBidHistory(_ context.Context, lotID string, _ int) ([]*models.Bid, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*models.Bid
	for _, b := range f.bids {
		if b.LotID == lotID {
			out = append(out, b)
		}
	}
	return out, nil
}

func newTestService(t *testing.T) (*BiddingService, *fakeLedger, *fakeHistory) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := redisstore.NewStore(client, zap.NewNop(),
		redisstore.WithClock(func() time.Time { return t0 }),
		redisstore.WithRules(120*time.Second, bidding.DefaultTierCaps))
	ledger := &fakeLedger{}
	history := &fakeHistory{}
	s := NewBiddingService(store, ledger, history, zap.NewNop(),
		WithClock(func() time.Time { return t0 }),
		WithOutboxGrace(0))
	t.Cleanup(s.Wait)
	return s, ledger, history
}

func openLot(t *testing.T, s *BiddingService, endsIn time.Duration) string {
	t.Helper()
	ctx := context.Background()
	snap, err := s.CreateLot(ctx, &models.CreateLotRequest{
		SellerID:      "seller",
		Title:         "Signed baseball",
		StartingPrice: money.FromInt(50),
		EndsAt:        t0.Add(endsIn),
	})
	require.NoError(t, err)
	_, err = s.Transition(ctx, snap.LotID, models.LotStatusRunning)
	require.NoError(t, err)
	return snap.LotID
}

func TestPlaceBidPublishesLedger(t *testing.T) {
	s, ledger, _ := newTestService(t)
	ctx := context.Background()
	lotID := openLot(t, s, 10*time.Second)

	resp, err := s.PlaceBid(ctx, lotID, &models.BidRequest{UserID: "A", Offered: money.FromInt(50)})
	require.NoError(t, err)
	assert.Equal(t, "50.00", resp.NewPublicPrice.String())
	assert.True(t, resp.Extended)
	assert.Equal(t, int64(110), resp.ExtendedBySeconds)
	assert.Equal(t, t0.Add(120*time.Second), resp.NewEndsAt)

	s.Wait()
	require.Len(t, ledger.events, 1)
	assert.Equal(t, resp.BidID, ledger.events[0].BidID)
	assert.Equal(t, lotID, ledger.events[0].LotID)
}

func TestPlaceBidSurvivesLedgerOutage(t *testing.T) {
	s, ledger, _ := newTestService(t)
	ledger.fails = ledgerPublishAttempts
	lotID := openLot(t, s, time.Hour)

	resp, err := s.PlaceBid(context.Background(), lotID, &models.BidRequest{UserID: "A", Offered: money.FromInt(50)})
	require.NoError(t, err)
	assert.Equal(t, "50.00", resp.NewPublicPrice.String())

	s.Wait()
	assert.Empty(t, ledger.events)

	pending, err := s.store.PendingLedger(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, resp.BidID, pending[0].BidID)

	n, err := s.RepublishPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, ledger.events, 1)
	assert.Equal(t, resp.BidID, ledger.events[0].BidID)

	pending, err = s.store.PendingLedger(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPlaceBidDoesNotWaitForStalledLedger(t *testing.T) {
	s, ledger, _ := newTestService(t)
	ledger.stall = make(chan struct{})
	lotID := openLot(t, s, time.Hour)

	start := time.Now()
	resp, err := s.PlaceBid(context.Background(), lotID, &models.BidRequest{UserID: "A", Offered: money.FromInt(50)})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, ledger.published())

	close(ledger.stall)
	s.Wait()
	require.Len(t, ledger.published(), 1)
	assert.Equal(t, resp.BidID, ledger.published()[0].BidID)

	pending, err := s.store.PendingLedger(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRepublishPendingRespectsGrace(t *testing.T) {
	s, ledger, _ := newTestService(t)
	s.outboxGrace = time.Minute
	ledger.fails = ledgerPublishAttempts
	lotID := openLot(t, s, time.Hour)

	_, err := s.PlaceBid(context.Background(), lotID, &models.BidRequest{UserID: "A", Offered: money.FromInt(50)})
	require.NoError(t, err)
	s.Wait()

	n, err := s.RepublishPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, ledger.events)

	s.now = func() time.Time { return t0.Add(2 * time.Minute) }
	n, err = s.RepublishPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, ledger.events, 1)
}

func TestPlaceBidRetriesLedger(t *testing.T) {
	s, ledger, _ := newTestService(t)
	ledger.fails = 1
	lotID := openLot(t, s, time.Hour)

	_, err := s.PlaceBid(context.Background(), lotID, &models.BidRequest{UserID: "A", Offered: money.FromInt(50)})
	require.NoError(t, err)
	s.Wait()
	assert.Len(t, ledger.events, 1)
}

func TestPlaceBidRejectionPassesThrough(t *testing.T) {
	s, ledger, _ := newTestService(t)
	lotID := openLot(t, s, time.Hour)

	_, err := s.PlaceBid(context.Background(), lotID, &models.BidRequest{UserID: "A", Offered: money.FromInt(250)})
	var rej *bidding.Rejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, bidding.ReasonVerificationRequired, rej.Reason)
	s.Wait()
	assert.Empty(t, ledger.events)
}

func TestGetLotNotFound(t *testing.T) {
	s, _, _ := newTestService(t)
	_, err := s.GetLot(context.Background(), "nope")
	assert.ErrorIs(t, err, redisstore.ErrLotNotFound)
}

func TestExportBids(t *testing.T) {
	s, _, history := newTestService(t)
	ctx := context.Background()
	lotID := openLot(t, s, time.Hour)

	history.bids = []*models.Bid{
		{ID: "1", LotID: lotID, BidderID: "A", Amount: money.FromInt(50), Timestamp: t0},
		{ID: "2", LotID: lotID, BidderID: "B", Amount: money.FromInt(80), ProxyMax: money.Ptr(money.FromInt(500)), IsProxy: true, Timestamp: t0.Add(time.Second)},
	}

	var buf bytes.Buffer
	require.NoError(t, s.ExportBids(ctx, lotID, "seller", &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "timestamp,alias,amount,is_proxy", lines[0])
	assert.Equal(t, "2026-03-01T12:00:00Z,"+BidderAlias(lotID, "A")+",50.00,false", lines[1])
	assert.Equal(t, "2026-03-01T12:00:01Z,"+BidderAlias(lotID, "B")+",80.00,true", lines[2])
	assert.NotContains(t, buf.String(), "500.00")
	assert.NotContains(t, buf.String(), ",A,")

	err := s.ExportBids(ctx, lotID, "A", &bytes.Buffer{})
	assert.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, s.SetTier(ctx, "ops", models.Tier{Level: bidding.TierVerified, Role: models.RoleAdmin}))
	require.NoError(t, s.ExportBids(ctx, lotID, "ops", &bytes.Buffer{}))
}

func TestExportBidsFallsBackToStoreLedger(t *testing.T) {
	s, _, history := newTestService(t)
	ctx := context.Background()
	lotID := openLot(t, s, time.Hour)
	history.err = errors.New("postgres: connection refused")

	_, err := s.PlaceBid(ctx, lotID, &models.BidRequest{UserID: "A", Offered: money.FromInt(50), Max: money.Ptr(money.FromInt(150))})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, s.ExportBids(ctx, lotID, "seller", &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "2026-03-01T12:00:00Z,"+BidderAlias(lotID, "A")+",150.00,true", lines[1])
}

func TestExportBidsIncludesUnarchivedBids(t *testing.T) {
	s, _, history := newTestService(t)
	ctx := context.Background()
	lotID := openLot(t, s, time.Hour)

	first, err := s.PlaceBid(ctx, lotID, &models.BidRequest{UserID: "A", Offered: money.FromInt(50)})
	require.NoError(t, err)
	_, err = s.PlaceBid(ctx, lotID, &models.BidRequest{UserID: "B", Offered: money.FromInt(55)})
	require.NoError(t, err)
	s.Wait()

	// the archive has caught up with the first bid only
	history.bids = []*models.Bid{
		{ID: first.BidID, LotID: lotID, BidderID: "A", Amount: money.FromInt(50), Timestamp: t0},
	}

	var buf bytes.Buffer
	require.NoError(t, s.ExportBids(ctx, lotID, "seller", &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "2026-03-01T12:00:00Z,"+BidderAlias(lotID, "A")+",50.00,false", lines[1])
	assert.Equal(t, "2026-03-01T12:00:00Z,"+BidderAlias(lotID, "B")+",55.00,false", lines[2])
}

func TestBidderAliasIsStablePerLot(t *testing.T) {
	assert.Equal(t, BidderAlias("l1", "A"), BidderAlias("l1", "A"))
	assert.NotEqual(t, BidderAlias("l1", "A"), BidderAlias("l2", "A"))
	assert.True(t, strings.HasPrefix(BidderAlias("l1", "A"), "bidder-"))
}
