package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// WalletActive is the only wallet status eligible for withdrawal.
const WalletActive = "active"

// WithdrawalWithdrawing marks a wallet whose balance is being swept to
// the owner's external account.
const WithdrawalWithdrawing = "withdrawing"

// Wallet holds the internal balance of one payee in one currency.
//
// Fields:
//
//	ID                 – primary key identifier.
//	Owner              – payee email.
//	Balance            – current balance, never negative.
//	Currency           – ISO currency code, upper case.
//	Status             – "active" or any administrative status.
//	WithdrawalStatus   – nil or "withdrawing".
//	PendingTransferRef – provider transfer id recorded mid-flight (nullable).
//	UpdatedAt          – last modification timestamp.
//
// WithdrawalStatus "withdrawing" together with a PendingTransferRef means
// the external transfer exists but the local debit has not been committed
// yet.  That pair is the crash-recovery marker of the withdrawal sweeper.
type Wallet struct {
	ID                 uint64          // wallets.id
	Owner              string          // wallets.owner
	Balance            decimal.Decimal // wallets.balance
	Currency           string          // wallets.currency
	Status             string          // wallets.status
	WithdrawalStatus   *string         // wallets.withdrawal_status (nullable)
	PendingTransferRef *string         // wallets.pending_transfer_ref (nullable)
	UpdatedAt          time.Time       // wallets.updated_at
}

// Withdrawing reports whether a previous sweep left the wallet mid-flight.
func (w Wallet) Withdrawing() bool {
	return w.WithdrawalStatus != nil && *w.WithdrawalStatus == WithdrawalWithdrawing
}

// PendingTransfer returns the recorded transfer id, if any.
func (w Wallet) PendingTransfer() (string, bool) {
	if w.PendingTransferRef == nil || *w.PendingTransferRef == "" {
		return "", false
	}
	return *w.PendingTransferRef, true
}

// Sweepable reports whether the wallet is eligible for a withdrawal sweep
// with the given minimum balance.
func (w Wallet) Sweepable(minimum decimal.Decimal) bool {
	if w.Status != WalletActive || w.Balance.LessThan(minimum) {
		return false
	}
	return w.WithdrawalStatus == nil || w.Withdrawing()
}
