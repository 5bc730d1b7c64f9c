package settlement

import (
	"context"
	"fmt"

	"github.com/iliyamo/booking-settlement/internal/model"
)

// System parties named on ledger entries.
const (
	partySystem  = "system"
	partyCompany = "company_account"
)

// recordLedgerOnce inserts entry unless its reference is already present.
// It reports whether a row was written.
func recordLedgerOnce(ctx context.Context, tx Tx, entry model.LedgerEntry) (bool, error) {
	exists, err := tx.LedgerExists(ctx, entry.Reference)
	if err != nil {
		return false, fmt.Errorf("check ledger %s: %w", entry.Reference, err)
	}
	if exists {
		return false, nil
	}
	inserted, err := tx.InsertLedger(ctx, entry)
	if err != nil {
		return false, fmt.Errorf("insert ledger %s: %w", entry.Reference, err)
	}
	return inserted, nil
}

// notifyOnce inserts n unless the recipient already has a notification
// with the same message.
func notifyOnce(ctx context.Context, tx Tx, n model.Notification) (bool, error) {
	exists, err := tx.NotificationExists(ctx, n.Recipient, n.Message)
	if err != nil {
		return false, fmt.Errorf("check notification: %w", err)
	}
	if exists {
		return false, nil
	}
	if err := tx.InsertNotification(ctx, n); err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	return true, nil
}

// bookingKey is the external transaction id ledger references derive
// from, falling back to the booking id when none was recorded.
func bookingKey(b model.Booking) string {
	if b.LedgerRef != "" {
		return b.LedgerRef
	}
	return fmt.Sprintf("booking_%d", b.ID)
}
