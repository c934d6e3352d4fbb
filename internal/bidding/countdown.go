package bidding

import (
	"fmt"
	"time"
)

// Urgency buckets the time left on a lot for display.
type Urgency string

const (
	UrgencyOK     Urgency = "ok"
	UrgencySoon   Urgency = "soon"
	UrgencyUrgent Urgency = "urgent"
	UrgencyEnded  Urgency = "ended"
)

const (
	urgentWithin = 2 * time.Minute
	soonWithin   = 10 * time.Minute
)

// Countdown is the remaining time on a lot, rendered as MM:SS.
type Countdown struct {
	Remaining time.Duration
	Label     string
	Urgency   Urgency
}

// CountdownAt computes the countdown for endsAt as seen at now.
func CountdownAt(endsAt, now time.Time) Countdown {
	left := endsAt.Sub(now)
	if left <= 0 {
		return Countdown{Label: "00:00", Urgency: UrgencyEnded}
	}
	secs := int64(left / time.Second)
	c := Countdown{
		Remaining: left,
		Label:     fmt.Sprintf("%02d:%02d", secs/60, secs%60),
		Urgency:   UrgencyOK,
	}
	switch {
	case left <= urgentWithin:
		c.Urgency = UrgencyUrgent
	case left <= soonWithin:
		c.Urgency = UrgencySoon
	}
	return c
}

// ExtendedNotice is the one-time message shown when a lot was extended.
func ExtendedNotice(by time.Duration) string {
	return fmt.Sprintf("extended by %d seconds", int64(by/time.Second))
}
