package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is the host's decision on a booking request.
type Outcome string

const (
	OutcomeActive   Outcome = "active"
	OutcomeDeclined Outcome = "declined"
	OutcomePassed   Outcome = "passed"
)

// MeetingStatus mirrors the lifecycle of the video meeting attached to a
// booking.  Only "created" and "completed" carry meaning for settlement;
// every other value reported by the meeting provider is kept verbatim.
type MeetingStatus string

const (
	MeetingCreated   MeetingStatus = "created"
	MeetingCompleted MeetingStatus = "completed"
)

// Attendable reports whether the meeting status allows a joined booking
// to be paid out.
func (m MeetingStatus) Attendable() bool {
	return m == MeetingCreated || m == MeetingCompleted
}

// Booking is a paid, time-boxed meeting slot between a host and a
// participant.  Settlement stages only read and mutate bookings with
// Paid set to true.
//
// Fields:
//
//	ID                – primary key identifier.
//	Paid              – whether the participant paid for the slot.
//	Outcome           – host decision (active, declined, passed).
//	MeetingStatus     – meeting lifecycle as reported by the meeting provider.
//	SettlementStatus  – settlement state machine, see transitions.go.
//	JoinedBy          – participant presence marker (nullable).
//	StartsAt          – scheduled start, UTC.
//	Amount            – price paid, in major currency units.
//	Host              – payee email, credited on completion.
//	Participant       – payer email, refunded on cancellation.
//	LedgerRef         – external transaction id used to derive ledger keys.
//	PaymentCaptureRef – provider payment reference checked before payout.
//	Topic             – free text used only in human-readable messages.
type Booking struct {
	ID                uint64           // bookings.id
	Paid              bool             // bookings.paid
	Outcome           Outcome          // bookings.outcome
	MeetingStatus     MeetingStatus    // bookings.meeting_status
	SettlementStatus  SettlementStatus // bookings.settlement_status
	JoinedBy          *string          // bookings.joined_by (nullable)
	StartsAt          time.Time        // bookings.starts_at
	Amount            decimal.Decimal  // bookings.amount
	Host              string           // bookings.host
	Participant       string           // bookings.participant
	LedgerRef         string           // bookings.ledger_ref
	PaymentCaptureRef string           // bookings.payment_capture_ref
	Topic             string           // bookings.topic
}

// Attended reports whether the participant joined the meeting.
func (b Booking) Attended() bool {
	return b.JoinedBy != nil && *b.JoinedBy != ""
}
