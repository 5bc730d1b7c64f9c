package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/booking-settlement/internal/model"
	"github.com/iliyamo/booking-settlement/internal/settlement"
)

// Store composes the repositories into the store the settlement stages
// run against.
type Store struct {
	db            *sql.DB
	bookings      *BookingRepo
	wallets       *WalletRepo
	ledger        *LedgerRepo
	notifications *NotificationRepo
	profiles      *ProfileRepo
}

var _ settlement.Store = (*Store)(nil)

// NewStore builds a Store on db.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:            db,
		bookings:      NewBookingRepo(db),
		wallets:       NewWalletRepo(db),
		ledger:        NewLedgerRepo(db),
		notifications: NewNotificationRepo(db),
		profiles:      NewProfileRepo(db),
	}
}

func (s *Store) PaidBookings(ctx context.Context, statuses ...model.SettlementStatus) ([]model.Booking, error) {
	return s.bookings.ListPaidByStatus(ctx, statuses...)
}

func (s *Store) TransitionBooking(ctx context.Context, id uint64, from, to model.SettlementStatus) error {
	return s.bookings.Transition(ctx, id, from, to)
}

func (s *Store) Profile(ctx context.Context, email string) (model.Profile, bool, error) {
	p, err := s.profiles.GetByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return model.Profile{}, false, nil
	}
	if err != nil {
		return model.Profile{}, false, err
	}
	return p, true, nil
}

func (s *Store) SweepableWallets(ctx context.Context, minimum decimal.Decimal) ([]model.Wallet, error) {
	return s.wallets.ListSweepable(ctx, minimum)
}

func (s *Store) Wallet(ctx context.Context, id uint64) (model.Wallet, error) {
	return s.wallets.GetByID(ctx, id)
}

func (s *Store) MarkWithdrawing(ctx context.Context, id uint64) error {
	return s.wallets.MarkWithdrawing(ctx, id)
}

func (s *Store) RecordPendingTransfer(ctx context.Context, id uint64, ref string) error {
	return s.wallets.SetPendingTransfer(ctx, id, ref)
}

func (s *Store) ClearWithdrawing(ctx context.Context, id uint64) error {
	return s.wallets.ClearWithdrawing(ctx, id)
}

func (s *Store) LedgerExists(ctx context.Context, reference string) (bool, error) {
	return s.ledger.Exists(ctx, reference)
}

// TryLockWallet claims a wallet with a MySQL named lock held on a
// dedicated connection.  GET_LOCK with a zero timeout returns 0 at once
// when another session holds the lock.
func (s *Store) TryLockWallet(ctx context.Context, id uint64) (func(), bool, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, false, err
	}
	name := fmt.Sprintf("settlement.wallet.%d", id)

	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, `SELECT GET_LOCK(?, 0)`, name).Scan(&got); err != nil {
		_ = conn.Close()
		return nil, false, err
	}
	if !got.Valid || got.Int64 != 1 {
		_ = conn.Close()
		return nil, false, nil
	}
	release := func() {
		// The lock dies with the session, so a failed release only delays
		// the next claim until the connection is recycled.
		_, _ = conn.ExecContext(context.Background(), `SELECT RELEASE_LOCK(?)`, name)
		_ = conn.Close()
	}
	return release, true, nil
}

// WithTx runs fn in a transaction, committing when fn returns nil and
// rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(settlement.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&storeTx{s: s, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// storeTx binds the repositories' Tx methods to one transaction.
type storeTx struct {
	s  *Store
	tx *sql.Tx
}

func (t *storeTx) TransitionBooking(ctx context.Context, id uint64, from, to model.SettlementStatus) error {
	return t.s.bookings.TransitionTx(ctx, t.tx, id, from, to)
}

func (t *storeTx) CompleteMeeting(ctx context.Context, id uint64) error {
	return t.s.bookings.CompleteMeetingTx(ctx, t.tx, id)
}

func (t *storeTx) SetOutcome(ctx context.Context, id uint64, outcome model.Outcome) error {
	return t.s.bookings.SetOutcomeTx(ctx, t.tx, id, outcome)
}

func (t *storeTx) LedgerExists(ctx context.Context, reference string) (bool, error) {
	return t.s.ledger.ExistsTx(ctx, t.tx, reference)
}

func (t *storeTx) InsertLedger(ctx context.Context, e model.LedgerEntry) (bool, error) {
	return t.s.ledger.InsertTx(ctx, t.tx, e)
}

func (t *storeTx) NotificationExists(ctx context.Context, recipient uint64, message string) (bool, error) {
	return t.s.notifications.ExistsTx(ctx, t.tx, recipient, message)
}

func (t *storeTx) InsertNotification(ctx context.Context, n model.Notification) error {
	return t.s.notifications.InsertTx(ctx, t.tx, n)
}

func (t *storeTx) WalletForUpdate(ctx context.Context, owner, currency string) (model.Wallet, bool, error) {
	return t.s.wallets.ForOwnerTx(ctx, t.tx, owner, currency)
}

func (t *storeTx) LockWallet(ctx context.Context, id uint64) (model.Wallet, error) {
	return t.s.wallets.LockByIDTx(ctx, t.tx, id)
}

func (t *storeTx) CreateWallet(ctx context.Context, w model.Wallet) (uint64, error) {
	return t.s.wallets.CreateTx(ctx, t.tx, w)
}

func (t *storeTx) CreditWallet(ctx context.Context, id uint64, amount decimal.Decimal) error {
	return t.s.wallets.CreditTx(ctx, t.tx, id, amount)
}

func (t *storeTx) SettleWithdrawal(ctx context.Context, id uint64, amount decimal.Decimal) error {
	return t.s.wallets.SettleWithdrawalTx(ctx, t.tx, id, amount)
}
