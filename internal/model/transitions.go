package model

import (
	"errors"
	"fmt"
)

// SettlementStatus drives the hand-off between settlement stages.  A
// booking becomes eligible for a stage only after the previous stage has
// committed its transition.
type SettlementStatus string

const (
	StatusUnavailable   SettlementStatus = "unavailable"
	StatusProcessing    SettlementStatus = "processing"
	StatusCompleted     SettlementStatus = "completed"
	StatusCaptureFailed SettlementStatus = "capture_failed"
	StatusNeedsRefund   SettlementStatus = "needs_refund"
	StatusRefunding     SettlementStatus = "refunding"
	StatusRefunded      SettlementStatus = "refunded"
)

// ErrIllegalTransition is returned when a write would move a booking
// along an edge that is not in the transition table.
var ErrIllegalTransition = errors.New("model: illegal settlement transition")

// transitions is the complete set of legal edges.  A retried refund run
// re-enters at refunding without writing, so refunding only moves forward.
var transitions = map[SettlementStatus][]SettlementStatus{
	StatusUnavailable: {StatusProcessing, StatusNeedsRefund},
	StatusProcessing:  {StatusCompleted, StatusCaptureFailed},
	StatusNeedsRefund: {StatusRefunding},
	StatusRefunding:   {StatusRefunded},
}

// Valid reports whether s is one of the known statuses.
func (s SettlementStatus) Valid() bool {
	switch s {
	case StatusUnavailable, StatusProcessing, StatusCompleted, StatusCaptureFailed,
		StatusNeedsRefund, StatusRefunding, StatusRefunded:
		return true
	}
	return false
}

// Terminal reports whether no stage moves a booking out of s.
func (s SettlementStatus) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to SettlementStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an error wrapping ErrIllegalTransition when
// from -> to is not a legal edge.
func ValidateTransition(from, to SettlementStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}
