package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/booking-settlement/internal/model"
)

// WalletRepo manages wallet balances and the withdrawal markers.
//
// Balance writes happen only inside transactions that hold the row lock
// (SELECT ... FOR UPDATE), so a credit and a withdrawal debit of the same
// wallet never interleave.
type WalletRepo struct {
	db *sql.DB
}

// NewWalletRepo returns a WalletRepo bound to the given database.
func NewWalletRepo(db *sql.DB) *WalletRepo { return &WalletRepo{db: db} }

const walletColumns = `id, owner, balance, currency, status, withdrawal_status, pending_transfer_ref, updated_at`

func scanWallet(row interface{ Scan(...any) error }) (model.Wallet, error) {
	var w model.Wallet
	var ws, ref sql.NullString
	if err := row.Scan(&w.ID, &w.Owner, &w.Balance, &w.Currency, &w.Status, &ws, &ref, &w.UpdatedAt); err != nil {
		return model.Wallet{}, err
	}
	w.WithdrawalStatus = nullString(ws)
	w.PendingTransferRef = nullString(ref)
	return w, nil
}

// ListSweepable returns active wallets holding at least minimum that are
// idle or left mid-withdrawal.  Rows currently locked by another
// transaction are skipped rather than waited for.
func (r *WalletRepo) ListSweepable(ctx context.Context, minimum decimal.Decimal) ([]model.Wallet, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	q := `SELECT ` + walletColumns + `
          FROM wallets
          WHERE status = ? AND balance >= ?
            AND (withdrawal_status IS NULL OR withdrawal_status = ?)
          ORDER BY id
          FOR UPDATE SKIP LOCKED`
	rows, err := tx.QueryContext(ctx, q, model.WalletActive, minimum, model.WithdrawalWithdrawing)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, tx.Commit()
}

// GetByID returns a wallet or ErrNotFound.
func (r *WalletRepo) GetByID(ctx context.Context, id uint64) (model.Wallet, error) {
	w, err := scanWallet(r.db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Wallet{}, ErrNotFound
	}
	return w, err
}

// MarkWithdrawing sets withdrawal_status to withdrawing.
func (r *WalletRepo) MarkWithdrawing(ctx context.Context, id uint64) error {
	const stmt = `UPDATE wallets SET withdrawal_status = ? WHERE id = ?`
	_, err := r.db.ExecContext(ctx, stmt, model.WithdrawalWithdrawing, id)
	return err
}

// SetPendingTransfer stores the provider transfer id on a wallet that is
// marked withdrawing.
func (r *WalletRepo) SetPendingTransfer(ctx context.Context, id uint64, ref string) error {
	const stmt = `UPDATE wallets SET pending_transfer_ref = ? WHERE id = ? AND withdrawal_status = ?`
	if err := expectOne(r.db.ExecContext(ctx, stmt, ref, id, model.WithdrawalWithdrawing)); err != nil {
		return fmt.Errorf("wallet %d pending transfer: %w", id, err)
	}
	return nil
}

// ClearWithdrawing resets both withdrawal markers.
func (r *WalletRepo) ClearWithdrawing(ctx context.Context, id uint64) error {
	const stmt = `UPDATE wallets SET withdrawal_status = NULL, pending_transfer_ref = NULL WHERE id = ?`
	_, err := r.db.ExecContext(ctx, stmt, id)
	return err
}

// ForOwnerTx reads and locks the owner's wallet in currency.  found is
// false when the owner has no wallet yet.
func (r *WalletRepo) ForOwnerTx(ctx context.Context, tx *sql.Tx, owner, currency string) (model.Wallet, bool, error) {
	q := `SELECT ` + walletColumns + ` FROM wallets WHERE owner = ? AND currency = ? FOR UPDATE`
	w, err := scanWallet(tx.QueryRowContext(ctx, q, owner, currency))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Wallet{}, false, nil
	}
	if err != nil {
		return model.Wallet{}, false, err
	}
	return w, true, nil
}

// LockByIDTx reads and locks a wallet by id.
func (r *WalletRepo) LockByIDTx(ctx context.Context, tx *sql.Tx, id uint64) (model.Wallet, error) {
	w, err := scanWallet(tx.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = ? FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Wallet{}, ErrNotFound
	}
	return w, err
}

// CreateTx inserts a wallet and returns its id.
func (r *WalletRepo) CreateTx(ctx context.Context, tx *sql.Tx, w model.Wallet) (uint64, error) {
	const stmt = `INSERT INTO wallets (owner, balance, currency, status) VALUES (?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, stmt, w.Owner, w.Balance, w.Currency, w.Status)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// CreditTx adds amount to the balance.
func (r *WalletRepo) CreditTx(ctx context.Context, tx *sql.Tx, id uint64, amount decimal.Decimal) error {
	const stmt = `UPDATE wallets SET balance = balance + ? WHERE id = ?`
	return expectOne(tx.ExecContext(ctx, stmt, amount, id))
}

// SettleWithdrawalTx debits the transferred amount, floored at zero, and
// clears both withdrawal markers.
func (r *WalletRepo) SettleWithdrawalTx(ctx context.Context, tx *sql.Tx, id uint64, amount decimal.Decimal) error {
	const stmt = `UPDATE wallets
                  SET balance = GREATEST(balance - ?, 0),
                      withdrawal_status = NULL,
                      pending_transfer_ref = NULL
                  WHERE id = ? AND withdrawal_status = ?`
	return expectOne(tx.ExecContext(ctx, stmt, amount, id, model.WithdrawalWithdrawing))
}
