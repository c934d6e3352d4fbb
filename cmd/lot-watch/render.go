package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/aaronwang/lotbid/internal/bidding"
	"github.com/aaronwang/lotbid/internal/projector"
)

// renderLine formats one ticker line for the projected state.
func renderLine(s projector.State, now time.Time) string {
	if !s.Known {
		return fmt.Sprintf("[...] lot %s  waiting for state", s.LotID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", bidding.Label(s.Status))
	if s.Title != "" {
		fmt.Fprintf(&b, " %s", s.Title)
	}
	if s.CurrentPrice != nil {
		fmt.Fprintf(&b, "  $%s", s.CurrentPrice)
	} else {
		b.WriteString("  no bids")
	}
	if s.ReserveMet {
		b.WriteString("  reserve met")
	} else {
		b.WriteString("  reserve not met")
	}

	if bidding.AcceptsBids(s.Status) {
		c := bidding.CountdownAt(s.EndsAt, now)
		fmt.Fprintf(&b, "  %s", c.Label)
		if c.Urgency != bidding.UrgencyOK {
			fmt.Fprintf(&b, " (%s)", c.Urgency)
		}
	}
	return b.String()
}
