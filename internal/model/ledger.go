package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryKind is the direction of a ledger entry.
type EntryKind string

const (
	EntryCredit EntryKind = "credit"
	EntryDebit  EntryKind = "debit"
)

// LedgerEntry is an append-only financial record.  Reference is globally
// unique and doubles as the idempotency key of the write: a retried stage
// that finds its reference already present skips the insert.
//
// Fields:
//
//	ID        – primary key identifier.
//	CreatedAt – when the entry was recorded.
//	Reference – unique idempotency key.
//	Kind      – credit or debit.
//	Amount    – entry amount in major units.
//	Email     – account holder the entry belongs to.
//	To        – receiving party.
//	From      – sending party.
//	Message   – human-readable description.
type LedgerEntry struct {
	ID        uint64          // ledger_entries.id
	CreatedAt time.Time       // ledger_entries.created_at
	Reference string          // ledger_entries.reference (unique)
	Kind      EntryKind       // ledger_entries.kind
	Amount    decimal.Decimal // ledger_entries.amount
	Email     string          // ledger_entries.email
	To        string          // ledger_entries.to_party
	From      string          // ledger_entries.from_party
	Message   string          // ledger_entries.message
}

// Notification is a best-effort message shown to a user.  Rows are
// deduplicated on (Recipient, Message) before insertion.
type Notification struct {
	ID        uint64    // notifications.id
	Recipient uint64    // notifications.recipient_id (profile id)
	Source    string    // notifications.source
	URL       string    // notifications.url
	Kind      string    // notifications.kind
	Message   string    // notifications.message
	CreatedAt time.Time // notifications.created_at
}

// Notification kinds.
const (
	NotificationRefund     = "refund"
	NotificationWithdrawal = "withdrawal"
)

// Profile is the subset of a user profile the pipeline needs: the id that
// notifications are addressed to and the connected payout account.
type Profile struct {
	ID              uint64  // profiles.id
	Email           string  // profiles.email
	StripeAccountID *string // profiles.stripe_account_id (nullable)
}

// PayoutDestination returns the connected account id, if configured.
func (p Profile) PayoutDestination() (string, bool) {
	if p.StripeAccountID == nil || *p.StripeAccountID == "" {
		return "", false
	}
	return *p.StripeAccountID, true
}
