package bidding

import (
	"github.com/aaronwang/lotbid/internal/money"
)

// incrementTier applies Step to prices strictly below UpTo.
// A nil UpTo is unbounded.
type incrementTier struct {
	UpTo *money.Money
	Step money.Money
}

// increments is ordered by ascending UpTo and ends with an unbounded tier,
// so StepFor always finds a match.
var increments = []incrementTier{
	{UpTo: money.Ptr(money.FromInt(100)), Step: money.FromInt(5)},
	{UpTo: money.Ptr(money.FromInt(500)), Step: money.FromInt(10)},
	{UpTo: money.Ptr(money.FromInt(1000)), Step: money.FromInt(25)},
	{UpTo: money.Ptr(money.FromInt(5000)), Step: money.FromInt(50)},
	{UpTo: money.Ptr(money.FromInt(10000)), Step: money.FromInt(100)},
	{UpTo: nil, Step: money.FromInt(250)},
}

// StepFor returns the bid increment that applies at price.
func StepFor(price money.Money) money.Money {
	for _, t := range increments {
		if t.UpTo == nil || price.LessThan(*t.UpTo) {
			return t.Step
		}
	}
	return increments[len(increments)-1].Step
}

// NextMinimum returns the smallest amount the next bid must reach.
// Before the first bid that is the starting price itself.
func NextMinimum(current *money.Money, starting money.Money) money.Money {
	if current == nil {
		return starting
	}
	return current.Add(StepFor(*current))
}
