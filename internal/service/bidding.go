package service

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aaronwang/lotbid/internal/models"
	redisstore "github.com/aaronwang/lotbid/internal/redis"
)

// ErrForbidden is returned when the caller may not see the requested data
var ErrForbidden = errors.New("forbidden")

// LedgerPublisher receives every accepted bid for archival
type LedgerPublisher interface {
	PublishBid(ctx context.Context, event *models.BidEvent) error
}

// BidHistory reads the archived ledger
type BidHistory interface {
	GetBidHistory(ctx context.Context, lotID string, limit int) ([]*models.Bid, error)
}

const (
	ledgerPublishTimeout  = 5 * time.Second
	ledgerPublishAttempts = 3
	historyExportLimit    = 10000
	defaultOutboxGrace    = 30 * time.Second
)

// BiddingService handles the business logic for bidding operations
type BiddingService struct {
	store   *redisstore.Store
	ledger  LedgerPublisher
	history BidHistory
	log     *zap.Logger

	now         func() time.Time
	outboxGrace time.Duration
	wg          sync.WaitGroup
}

// Option configures a BiddingService
type Option func(*BiddingService)

// WithOutboxGrace sets how old a pending ledger entry must be before the
// outbox republishes it.
func WithOutboxGrace(d time.Duration) Option {
	return func(s *BiddingService) { s.outboxGrace = d }
}

// WithClock replaces the wall clock used to age pending entries.
func WithClock(now func() time.Time) Option {
	return func(s *BiddingService) { s.now = now }
}

// NewBiddingService creates a new bidding service
func NewBiddingService(store *redisstore.Store, ledger LedgerPublisher, history BidHistory, log *zap.Logger, opts ...Option) *BiddingService {
	s := &BiddingService{
		store:       store,
		ledger:      ledger,
		history:     history,
		log:         log,
		now:         time.Now,
		outboxGrace: defaultOutboxGrace,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PlaceBid runs the bid through the store's transaction and, once it is
// committed, hands the ledger entry to the archival stream in the
// background. The entry stays in the store's pending set until the stream
// confirms it. Rejections come back as *bidding.Rejection.
func (s *BiddingService) PlaceBid(ctx context.Context, lotID string, req *models.BidRequest) (*models.BidResponse, error) {
	result, err := s.store.PlaceBid(ctx, redisstore.PlaceBidParams{
		LotID:    lotID,
		BidderID: req.UserID,
		Offered:  req.Offered,
		ProxyMax: req.Max,
	})
	if err != nil {
		return nil, err
	}

	// The bid is committed at this point; a ledger failure must not undo it.
	s.publishAsync(context.WithoutCancel(ctx), result.Event)

	acc := result.Acceptance
	resp := &models.BidResponse{
		BidID:          result.Event.BidID,
		NewPublicPrice: acc.NewPrice,
		NewEndsAt:      acc.NewEndsAt,
		Extended:       acc.Extended,
		ReserveMet:     result.Lot.ReserveMet,
	}
	if acc.Extended {
		resp.ExtendedBySeconds = int64(acc.ExtendedBy / time.Second)
		s.log.Info("lot extended",
			zap.String("lot_id", lotID),
			zap.Time("ends_at", acc.NewEndsAt),
			zap.Duration("by", acc.ExtendedBy))
	}
	return resp, nil
}

func (s *BiddingService) publishAsync(ctx context.Context, event *models.BidEvent) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.publishLedger(ctx, event); err != nil {
			s.log.Error("failed to publish to archival stream, left for outbox",
				zap.String("lot_id", event.LotID),
				zap.String("event_id", event.EventID),
				zap.Error(err))
			return
		}
		if err := s.store.AckLedger(ctx, event.EventID); err != nil {
			s.log.Warn("failed to clear pending ledger entry",
				zap.String("event_id", event.EventID),
				zap.Error(err))
		}
	}()
}

// Wait blocks until in-flight ledger publishes finish.
func (s *BiddingService) Wait() {
	s.wg.Wait()
}

// RepublishPending sends every pending ledger entry older than the outbox
// grace period again and returns how many the stream confirmed. The stream
// drops duplicates by event id and the archive ignores repeated bids, so an
// entry that was in fact delivered is harmless to resend.
func (s *BiddingService) RepublishPending(ctx context.Context) (int, error) {
	pending, err := s.store.PendingLedger(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-s.outboxGrace)
	sent := 0
	for _, event := range pending {
		if event.Timestamp.After(cutoff) {
			continue
		}
		if err := s.publishLedger(ctx, event); err != nil {
			return sent, fmt.Errorf("failed to republish %s: %w", event.EventID, err)
		}
		if err := s.store.AckLedger(ctx, event.EventID); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// RunOutbox republishes pending ledger entries every interval until ctx ends.
func (s *BiddingService) RunOutbox(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.RepublishPending(ctx)
			if err != nil {
				s.log.Warn("outbox pass failed", zap.Int("republished", n), zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Info("outbox republished ledger entries", zap.Int("count", n))
			}
		}
	}
}

func (s *BiddingService) publishLedger(ctx context.Context, event *models.BidEvent) error {
	var err error
	for attempt := 1; attempt <= ledgerPublishAttempts; attempt++ {
		pctx, cancel := context.WithTimeout(ctx, ledgerPublishTimeout)
		err = s.ledger.PublishBid(pctx, event)
		cancel()
		if err == nil {
			return nil
		}
		s.log.Warn("ledger publish failed",
			zap.String("event_id", event.EventID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return err
}

// CreateLot stores a new draft lot
func (s *BiddingService) CreateLot(ctx context.Context, req *models.CreateLotRequest) (*models.LotSnapshot, error) {
	lot, err := s.store.CreateLot(ctx, req)
	if err != nil {
		return nil, err
	}
	s.log.Info("lot created", zap.String("lot_id", lot.ID), zap.String("seller_id", lot.SellerID))
	return lot.Snapshot(), nil
}

// GetLot returns the public snapshot of a lot, or redis.ErrLotNotFound
func (s *BiddingService) GetLot(ctx context.Context, lotID string) (*models.LotSnapshot, error) {
	snap, err := s.store.Snapshot(ctx, lotID)
	if err != nil {
		return nil, fmt.Errorf("failed to get lot: %w", err)
	}
	if snap == nil {
		return nil, redisstore.ErrLotNotFound
	}
	return snap, nil
}

// Transition applies an externally driven status change
func (s *BiddingService) Transition(ctx context.Context, lotID string, to models.LotStatus) (*models.LotSnapshot, error) {
	lot, err := s.store.Transition(ctx, lotID, to)
	if err != nil {
		return nil, err
	}
	return lot.Snapshot(), nil
}

// SetTier records the outcome of the external verification workflow
func (s *BiddingService) SetTier(ctx context.Context, userID string, tier models.Tier) error {
	if err := s.store.SetTier(ctx, userID, tier); err != nil {
		return err
	}
	s.log.Info("tier updated", zap.String("user_id", userID), zap.Int("level", tier.Level))
	return nil
}

// ExportBids writes the lot's bid history as CSV. Only the lot's seller and
// admins may export. Bidders appear under a per-lot alias and proxy
// maximums are never written.
func (s *BiddingService) ExportBids(ctx context.Context, lotID, requesterID string, w io.Writer) error {
	lot, err := s.store.GetLot(ctx, lotID)
	if err != nil {
		return err
	}
	if lot.SellerID != requesterID {
		tier, err := s.store.Tier(ctx, requesterID)
		if err != nil {
			return err
		}
		if tier.Role != models.RoleAdmin {
			return ErrForbidden
		}
	}

	bids, err := s.loadHistory(ctx, lotID)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "alias", "amount", "is_proxy"}); err != nil {
		return err
	}
	for _, b := range bids {
		row := []string{
			b.Timestamp.UTC().Format(time.RFC3339),
			BidderAlias(lotID, b.BidderID),
			b.Amount.String(),
			fmt.Sprintf("%t", b.IsProxy),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// loadHistory merges the archive with the store's own ledger list, so bids
// the archival worker has not caught up with still appear. When the archive
// is unavailable the store's list is used alone.
func (s *BiddingService) loadHistory(ctx context.Context, lotID string) ([]*models.Bid, error) {
	var bids []*models.Bid
	if s.history != nil {
		archived, err := s.history.GetBidHistory(ctx, lotID, historyExportLimit)
		if err != nil {
			s.log.Warn("archive unavailable, exporting from store ledger", zap.String("lot_id", lotID), zap.Error(err))
		} else {
			bids = archived
		}
	}

	events, err := s.store.LedgerBids(ctx, lotID)
	if err != nil {
		return nil, fmt.Errorf("failed to load bid history: %w", err)
	}

	seen := make(map[string]struct{}, len(bids)+len(events))
	for _, b := range bids {
		seen[b.ID] = struct{}{}
	}
	for _, ev := range events {
		if _, ok := seen[ev.BidID]; ok {
			continue
		}
		seen[ev.BidID] = struct{}{}
		bids = append(bids, &models.Bid{
			ID:        ev.BidID,
			LotID:     ev.LotID,
			BidderID:  ev.BidderID,
			Amount:    ev.Amount,
			ProxyMax:  ev.ProxyMax,
			IsProxy:   ev.IsProxy,
			Timestamp: ev.Timestamp,
		})
	}
	sort.SliceStable(bids, func(i, j int) bool { return bids[i].Timestamp.Before(bids[j].Timestamp) })
	return bids, nil
}

// BidderAlias is a stable pseudonym for a bidder within one lot.
func BidderAlias(lotID, bidderID string) string {
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(lotID+"/"+bidderID))
	return "bidder-" + id.String()[:8]
}
