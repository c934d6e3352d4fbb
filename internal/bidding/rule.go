// Package bidding holds the auction rules: the increment table, the bid
// evaluation rule with soft close, tier caps and the lot status machine.
//
// Evaluate is decision logic only. Its caller must read the lot, call
// Evaluate and write the outcome as one serializable unit per lot, otherwise
// two concurrent bids can both be accepted against the same stale price.
// internal/redis.Store does this with WATCH/MULTI.
package bidding

import (
	"fmt"
	"time"

	"github.com/aaronwang/lotbid/internal/models"
	"github.com/aaronwang/lotbid/internal/money"
)

// Reason is the machine-readable code of a rejected bid
type Reason string

// Reason codes, in validation order
const (
	ReasonEnded                Reason = "ended"
	ReasonSelfBid              Reason = "self-bid"
	ReasonInvalidAmount        Reason = "invalid-amount"
	ReasonVerificationRequired Reason = "verification-required"
	ReasonBelowMinimum         Reason = "below-minimum"
)

// Rejection is returned by Evaluate when a bid is not accepted.
type Rejection struct {
	Reason Reason
	// MinimumRequired is set for ReasonBelowMinimum.
	MinimumRequired *money.Money
}

func (r *Rejection) Error() string {
	switch r.Reason {
	case ReasonEnded:
		return "auction ended"
	case ReasonSelfBid:
		return "seller cannot bid on own lot"
	case ReasonInvalidAmount:
		return "invalid amount"
	case ReasonVerificationRequired:
		return "verification required"
	case ReasonBelowMinimum:
		if r.MinimumRequired != nil {
			return fmt.Sprintf("below minimum: minimum acceptable is $%s", r.MinimumRequired)
		}
		return "below minimum"
	}
	return string(r.Reason)
}

// Input is everything Evaluate looks at. Lot must be the value read inside
// the same transaction the outcome is written in.
type Input struct {
	Lot             *models.Lot
	BidderID        string
	Tier            models.Tier
	Caps            TierCaps
	Offered         money.Money
	ProxyMax        *money.Money
	SoftCloseWindow time.Duration
	Now             time.Time
}

// Acceptance describes the lot after an accepted bid.
type Acceptance struct {
	NewPrice      money.Money
	PreviousPrice *money.Money
	NewEndsAt     time.Time
	Extended      bool
	ExtendedBy    time.Duration
	ReserveMet    bool
	IsProxy       bool
}

// Evaluate decides whether the offer is accepted. A rejected offer returns a
// *Rejection; nothing else is ever returned as the error.
func Evaluate(in Input) (Acceptance, error) {
	lot := in.Lot

	if !AcceptsBids(lot.Status) || !in.Now.Before(lot.EndsAt) {
		return Acceptance{}, &Rejection{Reason: ReasonEnded}
	}
	if in.BidderID == lot.SellerID {
		return Acceptance{}, &Rejection{Reason: ReasonSelfBid}
	}
	if !in.Offered.IsPositive() || (in.ProxyMax != nil && !in.ProxyMax.IsPositive()) {
		return Acceptance{}, &Rejection{Reason: ReasonInvalidAmount}
	}

	consider := in.Offered
	if in.ProxyMax != nil {
		consider = consider.Max(*in.ProxyMax)
	}

	if limit := in.Caps.CapFor(in.Tier); limit != nil && consider.GreaterThan(*limit) {
		return Acceptance{}, &Rejection{Reason: ReasonVerificationRequired}
	}

	minimum := NextMinimum(lot.CurrentPrice, lot.StartingPrice)
	if consider.LessThan(minimum) {
		return Acceptance{}, &Rejection{Reason: ReasonBelowMinimum, MinimumRequired: money.Ptr(minimum)}
	}

	acc := Acceptance{
		NewPrice:   consider,
		NewEndsAt:  lot.EndsAt,
		ReserveMet: lot.ReserveMet || lot.ReservePrice == nil || consider.GreaterThanOrEqual(*lot.ReservePrice),
		IsProxy:    in.ProxyMax != nil && in.ProxyMax.GreaterThan(in.Offered),
	}
	if lot.CurrentPrice != nil {
		acc.PreviousPrice = money.Ptr(*lot.CurrentPrice)
	}
	acc.NewEndsAt, acc.Extended = SoftClose(lot.EndsAt, in.Now, in.SoftCloseWindow)
	if acc.Extended {
		acc.ExtendedBy = acc.NewEndsAt.Sub(lot.EndsAt)
	}
	return acc, nil
}

// SoftClose pushes the end out to now+window when a bid lands inside the
// window. The returned time is never earlier than endsAt.
func SoftClose(endsAt, now time.Time, window time.Duration) (time.Time, bool) {
	if window <= 0 || endsAt.Sub(now) >= window {
		return endsAt, false
	}
	extended := now.Add(window)
	if !extended.After(endsAt) {
		return endsAt, false
	}
	return extended, true
}

// Apply writes an acceptance onto the lot.
func Apply(lot *models.Lot, bidderID string, acc Acceptance, now time.Time) {
	lot.CurrentPrice = money.Ptr(acc.NewPrice)
	lot.EndsAt = acc.NewEndsAt
	lot.ReserveMet = lot.ReserveMet || acc.ReserveMet
	lot.HighBidderID = bidderID
	lot.UpdatedAt = now
}
