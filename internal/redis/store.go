package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aaronwang/lotbid/internal/bidding"
	"github.com/aaronwang/lotbid/internal/models"
	"github.com/aaronwang/lotbid/internal/money"
)

var (
	// ErrLotNotFound is returned when lot:{id} does not exist
	ErrLotNotFound = errors.New("lot not found")
	// ErrContention is returned when the optimistic transaction kept losing the race
	ErrContention = errors.New("too much contention on lot")
	// ErrInvalidLot is returned by CreateLot for unusable input
	ErrInvalidLot = errors.New("invalid lot")
)

const maxTxRetries = 16

// hashReader is satisfied by both *redis.Client and *redis.Tx.
type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// Store is the authoritative lot store. Every state change on a lot runs as
// a WATCH/MULTI/EXEC transaction on lot:{id}: the lot is read, the bidding
// rules decide, and the new state, the ledger entry and the change events
// are written in one EXEC. A concurrent writer aborts the EXEC and the
// decision is re-made against the fresh value.
type Store struct {
	client *redis.Client
	log    *zap.Logger
	caps   bidding.TierCaps
	window time.Duration
	now    func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRules sets the soft-close window and tier caps.
func WithRules(window time.Duration, caps bidding.TierCaps) Option {
	return func(s *Store) {
		s.window = window
		s.caps = caps
	}
}

// Connect creates a client and checks the connection.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rdb, nil
}

// NewStore wraps an existing client. The caller owns the client's lifecycle.
func NewStore(client *redis.Client, log *zap.Logger, opts ...Option) *Store {
	s := &Store{
		client: client,
		log:    log,
		caps:   bidding.DefaultTierCaps,
		window: 2 * time.Minute,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PlaceBidParams is one place-bid call
type PlaceBidParams struct {
	LotID    string
	BidderID string
	Offered  money.Money
	ProxyMax *money.Money
}

// PlaceBidResult is the outcome of an accepted bid
type PlaceBidResult struct {
	Lot        *models.Lot
	Event      *models.BidEvent
	Acceptance bidding.Acceptance
}

// PlaceBid evaluates and, on acceptance, persists a bid atomically.
// A rejected bid returns a *bidding.Rejection.
func (s *Store) PlaceBid(ctx context.Context, p PlaceBidParams) (*PlaceBidResult, error) {
	key := lotKey(p.LotID)
	var result *PlaceBidResult

	txf := func(tx *redis.Tx) error {
		lot, err := s.readLot(ctx, tx, p.LotID)
		if err != nil {
			return err
		}
		tier, err := s.readTier(ctx, tx, p.BidderID)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		acc, err := bidding.Evaluate(bidding.Input{
			Lot:             lot,
			BidderID:        p.BidderID,
			Tier:            tier,
			Caps:            s.caps,
			Offered:         p.Offered,
			ProxyMax:        p.ProxyMax,
			SoftCloseWindow: s.window,
			Now:             now,
		})
		if err != nil {
			return err
		}
		bidding.Apply(lot, p.BidderID, acc, now)

		event := &models.BidEvent{
			EventID:       uuid.New().String(),
			LotID:         p.LotID,
			BidID:         uuid.New().String(),
			BidderID:      p.BidderID,
			Amount:        acc.NewPrice,
			ProxyMax:      p.ProxyMax,
			IsProxy:       acc.IsProxy,
			PreviousPrice: acc.PreviousPrice,
			EndsAt:        lot.EndsAt,
			ReserveMet:    lot.ReserveMet,
			Timestamp:     now,
		}
		ledger, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal bid event: %w", err)
		}
		inserted, err := json.Marshal(models.BidInserted(p.LotID, acc.NewPrice))
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		updated, err := json.Marshal(models.LotUpdated(lot))
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeLot(lot))
			pipe.RPush(ctx, bidsKey(p.LotID), ledger)
			pipe.HSet(ctx, pendingLedgerKey, event.EventID, ledger)
			pipe.Publish(ctx, eventsChannel(p.LotID), inserted)
			pipe.Publish(ctx, eventsChannel(p.LotID), updated)
			return nil
		})
		if err != nil {
			return err
		}

		result = &PlaceBidResult{Lot: lot, Event: event, Acceptance: acc}
		return nil
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return nil, err
	}

	s.log.Debug("bid accepted",
		zap.String("lot_id", p.LotID),
		zap.String("bidder_id", p.BidderID),
		zap.Stringer("amount", result.Acceptance.NewPrice),
		zap.Bool("extended", result.Acceptance.Extended))
	return result, nil
}

// CreateLot stores a new draft lot.
func (s *Store) CreateLot(ctx context.Context, req *models.CreateLotRequest) (*models.Lot, error) {
	now := s.now().UTC()
	switch {
	case req.SellerID == "":
		return nil, fmt.Errorf("%w: seller_id is required", ErrInvalidLot)
	case !req.StartingPrice.IsPositive():
		return nil, fmt.Errorf("%w: starting_price must be positive", ErrInvalidLot)
	case req.ReservePrice != nil && !req.ReservePrice.IsPositive():
		return nil, fmt.Errorf("%w: reserve_price must be positive", ErrInvalidLot)
	case !req.EndsAt.After(now):
		return nil, fmt.Errorf("%w: ends_at must be in the future", ErrInvalidLot)
	}

	lot := &models.Lot{
		ID:            uuid.New().String(),
		SellerID:      req.SellerID,
		Title:         req.Title,
		Category:      req.Category,
		StartingPrice: req.StartingPrice,
		ReservePrice:  req.ReservePrice,
		EndsAt:        req.EndsAt.UTC(),
		Status:        models.LotStatusDraft,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.client.HSet(ctx, lotKey(lot.ID), encodeLot(lot)).Err(); err != nil {
		return nil, fmt.Errorf("failed to create lot: %w", err)
	}
	return lot, nil
}

// Transition applies an externally driven status change and publishes it.
// Closing a running lot is checked against its end time and outcome.
func (s *Store) Transition(ctx context.Context, lotID string, to models.LotStatus) (*models.Lot, error) {
	key := lotKey(lotID)
	var out *models.Lot

	txf := func(tx *redis.Tx) error {
		lot, err := s.readLot(ctx, tx, lotID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		next, err := bidding.ValidateTransition(lot, to, now)
		if err != nil {
			return err
		}
		lot.Status = next
		lot.UpdatedAt = now

		updated, err := json.Marshal(models.LotUpdated(lot))
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldStatus, string(lot.Status), fieldUpdatedAt, lot.UpdatedAt.Format(time.RFC3339Nano))
			pipe.Publish(ctx, eventsChannel(lotID), updated)
			return nil
		})
		if err != nil {
			return err
		}
		out = lot
		return nil
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return nil, err
	}
	s.log.Info("lot status changed", zap.String("lot_id", lotID), zap.String("status", string(to)))
	return out, nil
}

// GetLot returns the full lot, reserve included. Not for public output.
func (s *Store) GetLot(ctx context.Context, lotID string) (*models.Lot, error) {
	return s.readLot(ctx, s.client, lotID)
}

// Snapshot returns the public view of a lot, or nil when it does not exist.
func (s *Store) Snapshot(ctx context.Context, lotID string) (*models.LotSnapshot, error) {
	lot, err := s.readLot(ctx, s.client, lotID)
	if errors.Is(err, ErrLotNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap := lot.Snapshot()
	snap.NextMinimum = money.Ptr(bidding.NextMinimum(lot.CurrentPrice, lot.StartingPrice))
	return snap, nil
}

// LedgerBids returns the bid events appended for a lot, oldest first.
func (s *Store) LedgerBids(ctx context.Context, lotID string) ([]*models.BidEvent, error) {
	raw, err := s.client.LRange(ctx, bidsKey(lotID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	out := make([]*models.BidEvent, 0, len(raw))
	for _, r := range raw {
		var ev models.BidEvent
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			return nil, fmt.Errorf("failed to decode ledger entry: %w", err)
		}
		out = append(out, &ev)
	}
	return out, nil
}

// PendingLedger returns accepted bid events not yet confirmed by the
// ledger stream, oldest first.
func (s *Store) PendingLedger(ctx context.Context) ([]*models.BidEvent, error) {
	raw, err := s.client.HGetAll(ctx, pendingLedgerKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read pending ledger: %w", err)
	}
	out := make([]*models.BidEvent, 0, len(raw))
	for id, r := range raw {
		var ev models.BidEvent
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			s.log.Warn("dropping undecodable pending entry", zap.String("event_id", id), zap.Error(err))
			s.client.HDel(ctx, pendingLedgerKey, id)
			continue
		}
		out = append(out, &ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// AckLedger removes events the ledger stream has confirmed.
func (s *Store) AckLedger(ctx context.Context, eventIDs ...string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, pendingLedgerKey, eventIDs...).Err(); err != nil {
		return fmt.Errorf("failed to ack ledger: %w", err)
	}
	return nil
}

// Tier returns the bidder's verification tier; unknown users are level 0.
func (s *Store) Tier(ctx context.Context, userID string) (models.Tier, error) {
	return s.readTier(ctx, s.client, userID)
}

// SetTier is called by the external verification workflow.
func (s *Store) SetTier(ctx context.Context, userID string, t models.Tier) error {
	if err := s.client.HSet(ctx, userKey(userID), encodeTier(t)).Err(); err != nil {
		return fmt.Errorf("failed to set tier: %w", err)
	}
	return nil
}

// Subscribe opens the change-event stream of one lot. The subscription is
// confirmed before Subscribe returns.
func (s *Store) Subscribe(ctx context.Context, lotID string) (*LotSubscription, error) {
	pubsub := s.client.Subscribe(ctx, eventsChannel(lotID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", eventsChannel(lotID), err)
	}
	return newLotSubscription(pubsub, s.log), nil
}

func (s *Store) watch(ctx context.Context, txf func(*redis.Tx) error, key string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			s.log.Debug("transaction conflict, retrying", zap.String("key", key), zap.Int("attempt", i+1))
			continue
		}
		return err
	}
	return ErrContention
}

func (s *Store) readLot(ctx context.Context, c hashReader, lotID string) (*models.Lot, error) {
	vals, err := c.HGetAll(ctx, lotKey(lotID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read lot: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrLotNotFound
	}
	return decodeLot(vals)
}

func (s *Store) readTier(ctx context.Context, c hashReader, userID string) (models.Tier, error) {
	vals, err := c.HGetAll(ctx, userKey(userID)).Result()
	if err != nil {
		return models.Tier{}, fmt.Errorf("failed to read tier: %w", err)
	}
	return decodeTier(vals)
}
