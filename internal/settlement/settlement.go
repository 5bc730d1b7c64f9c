// Package settlement implements the booking settlement pipeline: four
// independently triggered batch stages that hand bookings and wallets to
// each other only through status fields in the shared store.
//
// Every stage is safe to re-run and safe to run concurrently with itself.
// External provider calls are reconciled with local state by re-querying
// the provider before acting, and every ledger or notification write is
// guarded by an existence check.
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/booking-settlement/internal/model"
	"github.com/iliyamo/booking-settlement/internal/provider"
	"github.com/iliyamo/booking-settlement/internal/queue"
)

// Stage names double as log file names and schedule keys.
const (
	StageResolve     = "update-bookings"
	StageSettle      = "process-transactions"
	StageRefund      = "process-refunds"
	StageWithdrawals = "wallet-withdrawals"
)

// StageNames lists the stages in pipeline order.
var StageNames = []string{StageResolve, StageSettle, StageRefund, StageWithdrawals}

// Store is the relational store capability used outside transactions.
type Store interface {
	// PaidBookings returns paid bookings whose settlement status is one
	// of statuses.
	PaidBookings(ctx context.Context, statuses ...model.SettlementStatus) ([]model.Booking, error)
	// TransitionBooking moves a booking from -> to in a single statement.
	TransitionBooking(ctx context.Context, id uint64, from, to model.SettlementStatus) error
	// Profile looks up a profile by email.
	Profile(ctx context.Context, email string) (model.Profile, bool, error)

	// SweepableWallets selects withdrawal candidates, skipping rows that
	// are locked by a concurrent transaction.
	SweepableWallets(ctx context.Context, minimum decimal.Decimal) ([]model.Wallet, error)
	// TryLockWallet claims a wallet for one sweep without waiting.  ok is
	// false when another sweep holds the claim.
	TryLockWallet(ctx context.Context, id uint64) (unlock func(), ok bool, err error)
	Wallet(ctx context.Context, id uint64) (model.Wallet, error)
	MarkWithdrawing(ctx context.Context, id uint64) error
	RecordPendingTransfer(ctx context.Context, id uint64, ref string) error
	// ClearWithdrawing resets both the withdrawal status and the pending
	// transfer reference.
	ClearWithdrawing(ctx context.Context, id uint64) error
	LedgerExists(ctx context.Context, reference string) (bool, error)

	// WithTx runs fn in one atomic transaction, rolling back when fn
	// returns an error.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the set of writes available inside a store transaction.
type Tx interface {
	TransitionBooking(ctx context.Context, id uint64, from, to model.SettlementStatus) error
	CompleteMeeting(ctx context.Context, id uint64) error
	SetOutcome(ctx context.Context, id uint64, outcome model.Outcome) error

	LedgerExists(ctx context.Context, reference string) (bool, error)
	// InsertLedger reports false when the reference was already present.
	InsertLedger(ctx context.Context, entry model.LedgerEntry) (inserted bool, err error)
	NotificationExists(ctx context.Context, recipient uint64, message string) (bool, error)
	InsertNotification(ctx context.Context, n model.Notification) error

	// WalletForUpdate reads and row-locks the owner's wallet in currency.
	WalletForUpdate(ctx context.Context, owner, currency string) (model.Wallet, bool, error)
	// LockWallet reads and row-locks a wallet by id.
	LockWallet(ctx context.Context, id uint64) (model.Wallet, error)
	CreateWallet(ctx context.Context, w model.Wallet) (uint64, error)
	CreditWallet(ctx context.Context, id uint64, amount decimal.Decimal) error
	// SettleWithdrawal debits the swept amount and clears both withdrawal
	// markers.  It must be the last statement of the finalize transaction.
	SettleWithdrawal(ctx context.Context, id uint64, amount decimal.Decimal) error
}

// Logger is the append-only operational log.
type Logger interface {
	Logf(stage string, isError bool, format string, args ...any)
}

// Publisher announces committed settlement outcomes.  Publishing is best
// effort and never affects entity state.
type Publisher interface {
	Publish(ctx context.Context, ev queue.SettlementEvent) error
}

// Deps are the capabilities a stage is built from.
type Deps struct {
	Store     Store
	Provider  provider.Client
	Logger    Logger
	Publisher Publisher
	Now       func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = nopLogger{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

func (d Deps) publish(ctx context.Context, stage string, ev queue.SettlementEvent) {
	if d.Publisher == nil {
		return
	}
	ev.RunID = RunIDFrom(ctx)
	ev.OccurredAt = d.Now().UTC().Format(time.RFC3339)
	if err := d.Publisher.Publish(ctx, ev); err != nil {
		d.Logger.Logf(stage, true, "Failed to publish %s event: %v", ev.Type, err)
	}
}

type nopLogger struct{}

func (nopLogger) Logf(string, bool, string, ...any) {}

// Options tune stage behaviour.
type Options struct {
	// Currency of host wallets credited by the settlement processor.
	Currency string
	// ResolveAfter is how long after start an unattended booking is
	// marked for refund.
	ResolveAfter time.Duration
	// MinWithdrawal is the smallest balance swept to an external account.
	MinWithdrawal decimal.Decimal
	// RecencyWindow bounds the search for a transfer created by a run
	// that crashed before recording it.
	RecencyWindow time.Duration
	// TransferListLimit caps how many recent transfers are inspected.
	TransferListLimit int
	// NotificationSource labels notifications written by the pipeline.
	NotificationSource string
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Currency:           "USD",
		ResolveAfter:       12 * time.Hour,
		MinWithdrawal:      decimal.NewFromInt(10),
		RecencyWindow:      24 * time.Hour,
		TransferListLimit:  20,
		NotificationSource: "settlement",
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Currency == "" {
		o.Currency = def.Currency
	}
	if o.ResolveAfter <= 0 {
		o.ResolveAfter = def.ResolveAfter
	}
	if o.MinWithdrawal.IsZero() {
		o.MinWithdrawal = def.MinWithdrawal
	}
	if o.RecencyWindow <= 0 {
		o.RecencyWindow = def.RecencyWindow
	}
	if o.TransferListLimit <= 0 {
		o.TransferListLimit = def.TransferListLimit
	}
	if o.NotificationSource == "" {
		o.NotificationSource = def.NotificationSource
	}
	return o
}

// Report summarises one stage run.
type Report struct {
	Stage string `json:"stage"`
	RunID string `json:"run_id"`
	// Scanned counts selected entities.
	Scanned int `json:"scanned"`
	// Succeeded counts entities whose transition committed.
	Succeeded int `json:"succeeded"`
	// Rejected counts entities moved to, or held in, a business-terminal
	// failure that needs a human.
	Rejected int `json:"rejected"`
	// Skipped counts entities left untouched for a later run.
	Skipped int `json:"skipped"`
	// Failed counts entities whose processing hit an error.
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Stage is one independently triggerable batch job.
type Stage interface {
	Name() string
	Run(ctx context.Context) (Report, error)
}

type runIDKey struct{}

// WithRunID tags ctx with the id of the current stage run.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFrom returns the run id carried by ctx, or "".
func RunIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

func newReport(ctx context.Context, stage string, now time.Time) Report {
	return Report{Stage: stage, RunID: RunIDFrom(ctx), StartedAt: now}
}

func (r *Report) finish(now time.Time) {
	r.FinishedAt = now
}

func (r Report) summary() string {
	return fmt.Sprintf("complete. Success: %d, Rejected: %d, Skipped: %d, Failed: %d",
		r.Succeeded, r.Rejected, r.Skipped, r.Failed)
}
