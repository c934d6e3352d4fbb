package models

import (
	"time"

	"github.com/aaronwang/lotbid/internal/money"
)

// Bid represents an accepted offer in the append-only ledger
type Bid struct {
	ID        string       `json:"id"`
	LotID     string       `json:"lot_id"`
	BidderID  string       `json:"bidder_id"`
	Amount    money.Money  `json:"amount"`
	ProxyMax  *money.Money `json:"-"` // private to the bidder
	IsProxy   bool         `json:"is_proxy"`
	Timestamp time.Time    `json:"timestamp"`
}

// BidRequest represents the incoming place-bid call
type BidRequest struct {
	UserID  string       `json:"user_id"`
	Offered money.Money  `json:"offered"`
	Max     *money.Money `json:"max"`
}

// BidResponse is returned when a bid is accepted
type BidResponse struct {
	BidID             string      `json:"bid_id"`
	NewPublicPrice    money.Money `json:"new_public_price"`
	NewEndsAt         time.Time   `json:"new_ends_at"`
	Extended          bool        `json:"extended"`
	ExtendedBySeconds int64       `json:"extended_by_seconds,omitempty"`
	ReserveMet        bool        `json:"reserve_met"`
}

// RejectionResponse is returned when a bid is rejected
type RejectionResponse struct {
	Reason               string       `json:"reason"`
	Message              string       `json:"message"`
	MinimumRequired      *money.Money `json:"minimum_required,omitempty"`
	VerificationRequired bool         `json:"verification_required,omitempty"`
}

// BidEvent is published to the ledger stream once a bid is accepted.
// The archival worker persists it into the bids table.
type BidEvent struct {
	EventID       string       `json:"event_id"`
	LotID         string       `json:"lot_id"`
	BidID         string       `json:"bid_id"`
	BidderID      string       `json:"bidder_id"`
	Amount        money.Money  `json:"amount"`
	ProxyMax      *money.Money `json:"proxy_max,omitempty"`
	IsProxy       bool         `json:"is_proxy"`
	PreviousPrice *money.Money `json:"previous_price,omitempty"`
	EndsAt        time.Time    `json:"ends_at"`
	ReserveMet    bool         `json:"reserve_met"`
	Timestamp     time.Time    `json:"timestamp"`
}

// Tier is a bidder's verification level plus optional override cap
type Tier struct {
	Level int          `json:"level"`
	Cap   *money.Money `json:"cap"`
	Role  string       `json:"role,omitempty"`
}

// RoleAdmin marks operators allowed to export any lot's bid history
const RoleAdmin = "admin"
