package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/booking-settlement/internal/model"
)

// LedgerRepo appends ledger entries.  The reference column is unique and
// is the idempotency key of every write.
type LedgerRepo struct {
	db *sql.DB
}

// NewLedgerRepo returns a LedgerRepo bound to the given database.
func NewLedgerRepo(db *sql.DB) *LedgerRepo { return &LedgerRepo{db: db} }

// Exists reports whether an entry with reference is recorded.
func (r *LedgerRepo) Exists(ctx context.Context, reference string) (bool, error) {
	return ledgerExists(ctx, r.db, reference)
}

// ExistsTx is Exists inside tx.
func (r *LedgerRepo) ExistsTx(ctx context.Context, tx *sql.Tx, reference string) (bool, error) {
	return ledgerExists(ctx, tx, reference)
}

func ledgerExists(ctx context.Context, q queryer, reference string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM ledger_entries WHERE reference = ? LIMIT 1`, reference).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// InsertTx appends an entry and reports whether this call wrote it.  A
// duplicate reference means a concurrent run recorded the same entry
// first: inserted is false and err is nil.
func (r *LedgerRepo) InsertTx(ctx context.Context, tx *sql.Tx, e model.LedgerEntry) (inserted bool, err error) {
	const stmt = `INSERT INTO ledger_entries (created_at, reference, kind, amount, email, to_party, from_party, message)
                  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, stmt, e.CreatedAt, e.Reference, string(e.Kind), e.Amount, e.Email, e.To, e.From, e.Message)
	if isDuplicate(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
