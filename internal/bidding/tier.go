package bidding

import (
	"github.com/aaronwang/lotbid/internal/models"
	"github.com/aaronwang/lotbid/internal/money"
)

// Verification levels
const (
	TierBasic    = 0 // phone + card on file
	TierAddress  = 1 // phone + card + address
	TierVerified = 2 // identity verified, no cap
)

// TierCaps holds the default spending ceilings for the capped levels.
type TierCaps struct {
	Basic   money.Money
	Address money.Money
}

// DefaultTierCaps are the ceilings used when no configuration overrides them.
var DefaultTierCaps = TierCaps{
	Basic:   money.FromInt(200),
	Address: money.FromInt(1000),
}

// CapFor returns the ceiling for a bidder, nil meaning unrestricted.
// An explicit per-user cap always wins over the level default.
// A zero TierCaps falls back to DefaultTierCaps.
func (c TierCaps) CapFor(t models.Tier) *money.Money {
	if c.Basic.IsZero() && c.Address.IsZero() {
		c = DefaultTierCaps
	}
	if t.Cap != nil {
		return money.Ptr(*t.Cap)
	}
	switch {
	case t.Level <= TierBasic:
		return money.Ptr(c.Basic)
	case t.Level == TierAddress:
		return money.Ptr(c.Address)
	default:
		return nil
	}
}
