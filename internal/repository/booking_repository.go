package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/iliyamo/booking-settlement/internal/model"
)

// BookingRepo reads and transitions bookings.  Status writes are
// compare-and-set on the current settlement status.
type BookingRepo struct {
	db *sql.DB
}

// NewBookingRepo returns a BookingRepo bound to the given database.
func NewBookingRepo(db *sql.DB) *BookingRepo { return &BookingRepo{db: db} }

const bookingColumns = `id, paid, outcome, meeting_status, settlement_status, joined_by, starts_at,
       amount, host, participant, ledger_ref, payment_capture_ref, topic`

// ListPaidByStatus returns paid bookings in any of the given settlement
// statuses, oldest first.
func (r *BookingRepo) ListPaidByStatus(ctx context.Context, statuses ...model.SettlementStatus) ([]model.Booking, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	q := `SELECT ` + bookingColumns + `
          FROM bookings
          WHERE paid = TRUE AND settlement_status IN (` + placeholders + `)
          ORDER BY id`
	args := make([]any, 0, len(statuses))
	for _, s := range statuses {
		args = append(args, string(s))
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Booking
	for rows.Next() {
		var b model.Booking
		var joined sql.NullString
		if err := rows.Scan(
			&b.ID, &b.Paid, &b.Outcome, &b.MeetingStatus, &b.SettlementStatus, &joined, &b.StartsAt,
			&b.Amount, &b.Host, &b.Participant, &b.LedgerRef, &b.PaymentCaptureRef, &b.Topic,
		); err != nil {
			return nil, err
		}
		b.JoinedBy = nullString(joined)
		out = append(out, b)
	}
	return out, rows.Err()
}

// Transition moves a booking from -> to outside any transaction.
func (r *BookingRepo) Transition(ctx context.Context, id uint64, from, to model.SettlementStatus) error {
	return transition(ctx, r.db, id, from, to)
}

// TransitionTx moves a booking from -> to inside tx.
func (r *BookingRepo) TransitionTx(ctx context.Context, tx *sql.Tx, id uint64, from, to model.SettlementStatus) error {
	return transition(ctx, tx, id, from, to)
}

func transition(ctx context.Context, q queryer, id uint64, from, to model.SettlementStatus) error {
	if err := model.ValidateTransition(from, to); err != nil {
		return err
	}
	const stmt = `UPDATE bookings SET settlement_status = ?
                  WHERE id = ? AND paid = TRUE AND settlement_status = ?`
	if err := expectOne(q.ExecContext(ctx, stmt, string(to), id, string(from))); err != nil {
		return fmt.Errorf("booking %d %s -> %s: %w", id, from, to, err)
	}
	return nil
}

// CompleteMeetingTx normalises the meeting status to completed.
func (r *BookingRepo) CompleteMeetingTx(ctx context.Context, tx *sql.Tx, id uint64) error {
	const stmt = `UPDATE bookings SET meeting_status = ? WHERE id = ?`
	_, err := tx.ExecContext(ctx, stmt, string(model.MeetingCompleted), id)
	return err
}

// SetOutcomeTx overwrites the booking outcome.
func (r *BookingRepo) SetOutcomeTx(ctx context.Context, tx *sql.Tx, id uint64, outcome model.Outcome) error {
	const stmt = `UPDATE bookings SET outcome = ? WHERE id = ?`
	_, err := tx.ExecContext(ctx, stmt, string(outcome), id)
	return err
}
