package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/aaronwang/lotbid/internal/models"
	"github.com/aaronwang/lotbid/internal/money"
)

// PostgresClient holds the archived, append-only bid ledger
type PostgresClient struct {
	db *sql.DB
}

// NewPostgresClient opens and pings the database
func NewPostgresClient(ctx context.Context, connStr string) (*PostgresClient, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresClient{db: db}, nil
}

// NewWithDB wraps an already opened handle
func NewWithDB(db *sql.DB) *PostgresClient {
	return &PostgresClient{db: db}
}

// Schema creates the ledger tables. bids has no UPDATE or DELETE path.
const Schema = `
CREATE TABLE IF NOT EXISTS lots (
	id VARCHAR(255) PRIMARY KEY,
	current_price DECIMAL(12, 2),
	high_bidder_id VARCHAR(255),
	reserve_met BOOLEAN NOT NULL DEFAULT FALSE,
	ends_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS bids (
	id VARCHAR(255) PRIMARY KEY,
	event_id VARCHAR(255) NOT NULL UNIQUE,
	lot_id VARCHAR(255) NOT NULL,
	bidder_id VARCHAR(255) NOT NULL,
	amount DECIMAL(12, 2) NOT NULL,
	proxy_max DECIMAL(12, 2),
	is_proxy BOOLEAN NOT NULL DEFAULT FALSE,
	timestamp TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_bids_lot_id ON bids(lot_id);
CREATE INDEX IF NOT EXISTS idx_bids_bidder_id ON bids(bidder_id);
CREATE INDEX IF NOT EXISTS idx_bids_timestamp ON bids(timestamp);
`

// InitSchema creates the necessary database tables
func (c *PostgresClient) InitSchema(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

const insertBidQuery = `
	INSERT INTO bids (id, event_id, lot_id, bidder_id, amount, proxy_max, is_proxy, timestamp)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (id) DO NOTHING`

// Price and end time only move forward, so redelivered or reordered
// events cannot roll the mirror back.
const upsertLotQuery = `
	INSERT INTO lots (id, current_price, high_bidder_id, reserve_met, ends_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, CURRENT_TIMESTAMP)
	ON CONFLICT (id) DO UPDATE SET
		high_bidder_id = CASE WHEN lots.current_price IS NULL OR EXCLUDED.current_price > lots.current_price
			THEN EXCLUDED.high_bidder_id ELSE lots.high_bidder_id END,
		current_price = GREATEST(lots.current_price, EXCLUDED.current_price),
		reserve_met = lots.reserve_met OR EXCLUDED.reserve_met,
		ends_at = GREATEST(lots.ends_at, EXCLUDED.ends_at),
		updated_at = CURRENT_TIMESTAMP`

// ArchiveBid appends the bid and advances the lot mirror in one transaction.
// Archiving the same event twice is a no-op.
func (c *PostgresClient) ArchiveBid(ctx context.Context, event *models.BidEvent) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var proxyMax any
	if event.ProxyMax != nil {
		proxyMax = event.ProxyMax.String()
	}
	if _, err := tx.ExecContext(ctx, insertBidQuery,
		event.BidID,
		event.EventID,
		event.LotID,
		event.BidderID,
		event.Amount,
		proxyMax,
		event.IsProxy,
		event.Timestamp,
	); err != nil {
		return fmt.Errorf("failed to insert bid: %w", err)
	}

	if _, err := tx.ExecContext(ctx, upsertLotQuery,
		event.LotID,
		event.Amount,
		event.BidderID,
		event.ReserveMet,
		event.EndsAt,
	); err != nil {
		return fmt.Errorf("failed to update lot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// TopBid returns the highest archived bid amount, or nil when there is none
func (c *PostgresClient) TopBid(ctx context.Context, lotID string) (*money.Money, error) {
	var top money.Money
	err := c.db.QueryRowContext(ctx,
		`SELECT amount FROM bids WHERE lot_id = $1 ORDER BY amount DESC LIMIT 1`, lotID,
	).Scan(&top)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query top bid: %w", err)
	}
	return &top, nil
}

// GetBidHistory returns the lot's bids, oldest first
func (c *PostgresClient) GetBidHistory(ctx context.Context, lotID string, limit int) ([]*models.Bid, error) {
	query := `
		SELECT id, lot_id, bidder_id, amount, proxy_max, is_proxy, timestamp
		FROM bids
		WHERE lot_id = $1
		ORDER BY timestamp ASC, amount ASC
		LIMIT $2`

	rows, err := c.db.QueryContext(ctx, query, lotID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query bids: %w", err)
	}
	defer rows.Close()

	var bids []*models.Bid
	for rows.Next() {
		bid := &models.Bid{}
		var proxyMax sql.NullString
		if err := rows.Scan(
			&bid.ID,
			&bid.LotID,
			&bid.BidderID,
			&bid.Amount,
			&proxyMax,
			&bid.IsProxy,
			&bid.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan bid: %w", err)
		}
		if proxyMax.Valid {
			m, err := money.Parse(proxyMax.String)
			if err != nil {
				return nil, fmt.Errorf("failed to scan bid: %w", err)
			}
			bid.ProxyMax = &m
		}
		bids = append(bids, bid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read bids: %w", err)
	}
	return bids, nil
}

// Close closes the database connection
func (c *PostgresClient) Close() error {
	return c.db.Close()
}
