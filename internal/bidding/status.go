package bidding

import (
	"errors"
	"fmt"
	"time"

	"github.com/aaronwang/lotbid/internal/models"
)

var (
	// ErrInvalidTransition is returned for a status change the machine does not allow
	ErrInvalidTransition = errors.New("invalid lot status transition")
	// ErrLotStillOpen is returned when a running lot is closed before its end time
	ErrLotStillOpen = errors.New("lot end time has not passed")
)

var transitions = map[models.LotStatus][]models.LotStatus{
	models.LotStatusDraft:    {models.LotStatusRunning, models.LotStatusVoid},
	models.LotStatusRunning:  {models.LotStatusEnded, models.LotStatusUnsold, models.LotStatusVoid},
	models.LotStatusEnded:    {models.LotStatusSettling, models.LotStatusUnsold, models.LotStatusVoid},
	models.LotStatusSettling: {models.LotStatusSettled, models.LotStatusVoid},
}

// Valid reports whether s is a known status.
func Valid(s models.LotStatus) bool {
	switch s {
	case models.LotStatusDraft, models.LotStatusRunning, models.LotStatusEnded,
		models.LotStatusSettling, models.LotStatusSettled, models.LotStatusUnsold, models.LotStatusVoid:
		return true
	}
	return false
}

// CanTransition reports whether a lot may move from one status to another.
func CanTransition(from, to models.LotStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates and returns the new status.
func Transition(from, to models.LotStatus) (models.LotStatus, error) {
	if !Valid(to) || !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return to, nil
}

// ValidateTransition checks a change of lot's status at now. Closing a
// running lot (ended or unsold) needs now >= EndsAt and must match
// CloseOutcome. Void is never time gated.
func ValidateTransition(lot *models.Lot, to models.LotStatus, now time.Time) (models.LotStatus, error) {
	next, err := Transition(lot.Status, to)
	if err != nil {
		return lot.Status, err
	}
	if lot.Status != models.LotStatusRunning || (to != models.LotStatusEnded && to != models.LotStatusUnsold) {
		return next, nil
	}
	if now.Before(lot.EndsAt) {
		return lot.Status, fmt.Errorf("%w: ends at %s", ErrLotStillOpen, lot.EndsAt.Format(time.RFC3339))
	}
	if outcome := CloseOutcome(lot); to != outcome {
		return lot.Status, fmt.Errorf("%w: %s -> %s, lot closes as %s", ErrInvalidTransition, lot.Status, to, outcome)
	}
	return next, nil
}

// Stage orders statuses along the lifecycle. Terminal statuses share the
// last stage; unknown statuses are -1.
func Stage(s models.LotStatus) int {
	switch s {
	case models.LotStatusDraft:
		return 0
	case models.LotStatusRunning:
		return 1
	case models.LotStatusEnded:
		return 2
	case models.LotStatusSettling:
		return 3
	case models.LotStatusSettled, models.LotStatusUnsold, models.LotStatusVoid:
		return 4
	}
	return -1
}

// IsTerminal reports whether no further transition is possible.
func IsTerminal(s models.LotStatus) bool {
	return Valid(s) && len(transitions[s]) == 0
}

// AcceptsBids is true only while running.
func AcceptsBids(s models.LotStatus) bool {
	return s == models.LotStatusRunning
}

// CloseOutcome is the status a running lot takes once its end has passed:
// ended when a price exists and the reserve is met, unsold otherwise.
func CloseOutcome(lot *models.Lot) models.LotStatus {
	if lot.CurrentPrice != nil && lot.ReserveMet {
		return models.LotStatusEnded
	}
	return models.LotStatusUnsold
}

// Label is the short ticker badge for a status.
func Label(s models.LotStatus) string {
	switch s {
	case models.LotStatusRunning:
		return "LIVE"
	case models.LotStatusDraft:
		return "UP NEXT"
	case models.LotStatusEnded:
		return "ENDED"
	case models.LotStatusSettling:
		return "SETTLING"
	case models.LotStatusSettled:
		return "SOLD"
	case models.LotStatusUnsold:
		return "UNSOLD"
	case models.LotStatusVoid:
		return "VOID"
	}
	return "?"
}
