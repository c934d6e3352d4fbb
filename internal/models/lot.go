package models

import (
	"time"

	"github.com/aaronwang/lotbid/internal/money"
)

// LotStatus is the lifecycle state of a lot
type LotStatus string

// LotStatus constants
const (
	LotStatusDraft    LotStatus = "draft"
	LotStatusRunning  LotStatus = "running"
	LotStatusEnded    LotStatus = "ended"
	LotStatusSettling LotStatus = "settling"
	LotStatusSettled  LotStatus = "settled"
	LotStatusUnsold   LotStatus = "unsold"
	LotStatusVoid     LotStatus = "void"
)

// Lot represents an auctionable item as held by the authoritative store.
// ReservePrice never leaves the store; use Snapshot for anything public.
type Lot struct {
	ID            string       `json:"id"`
	SellerID      string       `json:"seller_id"`
	Title         string       `json:"title"`
	Category      string       `json:"category"`
	StartingPrice money.Money  `json:"starting_price"`
	CurrentPrice  *money.Money `json:"current_price"`
	ReservePrice  *money.Money `json:"-"`
	ReserveMet    bool         `json:"reserve_met"`
	EndsAt        time.Time    `json:"ends_at"`
	Status        LotStatus    `json:"status"`
	HighBidderID  string       `json:"high_bidder_id,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Snapshot returns the public view of the lot.
func (l *Lot) Snapshot() *LotSnapshot {
	return &LotSnapshot{
		LotID:         l.ID,
		Title:         l.Title,
		StartingPrice: l.StartingPrice,
		CurrentPrice:  l.CurrentPrice,
		EndsAt:        l.EndsAt,
		ReserveMet:    l.ReserveMet,
		Status:        l.Status,
		HighBidderID:  l.HighBidderID,
	}
}

// LotSnapshot is the public state of a lot returned by a snapshot read
type LotSnapshot struct {
	LotID         string       `json:"lot_id"`
	Title         string       `json:"title,omitempty"`
	StartingPrice money.Money  `json:"starting_price"`
	CurrentPrice  *money.Money `json:"current_price"`
	NextMinimum   *money.Money `json:"next_minimum,omitempty"`
	EndsAt        time.Time    `json:"ends_at"`
	ReserveMet    bool         `json:"reserve_met"`
	Status        LotStatus    `json:"status"`
	HighBidderID  string       `json:"high_bidder_id,omitempty"`
}

// CreateLotRequest is the body of a seller's lot creation call
type CreateLotRequest struct {
	SellerID      string       `json:"seller_id"`
	Title         string       `json:"title"`
	Category      string       `json:"category"`
	StartingPrice money.Money  `json:"starting_price"`
	ReservePrice  *money.Money `json:"reserve_price"`
	EndsAt        time.Time    `json:"ends_at"`
}

// TransitionRequest asks for an externally driven status change
type TransitionRequest struct {
	Status LotStatus `json:"status"`
}
