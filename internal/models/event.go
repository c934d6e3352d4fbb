package models

import (
	"time"

	"github.com/aaronwang/lotbid/internal/money"
)

// EventKind discriminates change events on a lot's stream
type EventKind string

// EventKind constants
const (
	EventLotUpdated  EventKind = "lot-updated"
	EventBidInserted EventKind = "bid-inserted"
)

// LotEvent is a change event published on lot_events:{lotID}.
// lot-updated carries Status, EndsAt, ReserveMet, CurrentPrice and HighBidderID;
// bid-inserted carries Amount only.
type LotEvent struct {
	Kind         EventKind    `json:"kind"`
	LotID        string       `json:"lot_id"`
	Status       LotStatus    `json:"status,omitempty"`
	EndsAt       *time.Time   `json:"ends_at,omitempty"`
	ReserveMet   bool         `json:"reserve_met,omitempty"`
	CurrentPrice *money.Money `json:"current_price,omitempty"`
	HighBidderID string       `json:"high_bidder_id,omitempty"`
	Amount       *money.Money `json:"amount,omitempty"`
}

// LotUpdated builds a lot-updated event from the store's view of a lot.
func LotUpdated(l *Lot) LotEvent {
	ends := l.EndsAt
	return LotEvent{
		Kind:         EventLotUpdated,
		LotID:        l.ID,
		Status:       l.Status,
		EndsAt:       &ends,
		ReserveMet:   l.ReserveMet,
		CurrentPrice: l.CurrentPrice,
		HighBidderID: l.HighBidderID,
	}
}

// BidInserted builds a bid-inserted event.
func BidInserted(lotID string, amount money.Money) LotEvent {
	return LotEvent{
		Kind:   EventBidInserted,
		LotID:  lotID,
		Amount: money.Ptr(amount),
	}
}
