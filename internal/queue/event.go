// Package queue defines message payloads exchanged over the message broker
// and the publisher and consumer that move them.
package queue

// Event types published after a settlement transition commits.
const (
	EventBookingSettled       = "booking.settled"
	EventBookingRefunded      = "booking.refunded"
	EventBookingCaptureFailed = "booking.capture_failed"
	EventWalletWithdrawn      = "wallet.withdrawn"
)

// SettlementQueueName is the durable queue all settlement events go to.
const SettlementQueueName = "settlement.events"

// SettlementEvent is published when a stage commits a transition.  It
// carries enough information for downstream consumers to log or notify
// without querying the primary database.  Amounts are decimal strings in
// major units.
type SettlementEvent struct {
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	BookingID  uint64 `json:"booking_id,omitempty"`
	WalletID   uint64 `json:"wallet_id,omitempty"`
	Reference  string `json:"reference,omitempty"`
	Party      string `json:"party,omitempty"`
	Amount     string `json:"amount,omitempty"`
	Currency   string `json:"currency,omitempty"`
	Topic      string `json:"topic,omitempty"`
	OccurredAt string `json:"occurred_at"`
}
