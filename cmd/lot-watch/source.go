package main

import (
	"context"

	"github.com/aaronwang/lotbid/internal/database"
	"github.com/aaronwang/lotbid/internal/models"
	"github.com/aaronwang/lotbid/internal/money"
	"github.com/aaronwang/lotbid/internal/projector"
	redisstore "github.com/aaronwang/lotbid/internal/redis"
)

// lotSource reads the snapshot and events from Redis and the top bid from
// the archived ledger.
type lotSource struct {
	store *redisstore.Store
	db    *database.PostgresClient
}

func (s *lotSource) Snapshot(ctx context.Context, lotID string) (*models.LotSnapshot, error) {
	return s.store.Snapshot(ctx, lotID)
}

func (s *lotSource) TopBid(ctx context.Context, lotID string) (*money.Money, error) {
	return s.db.TopBid(ctx, lotID)
}

func (s *lotSource) Subscribe(ctx context.Context, lotID string) (projector.Subscription, error) {
	sub, err := s.store.Subscribe(ctx, lotID)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
