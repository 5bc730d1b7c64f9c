package settlement

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/iliyamo/booking-settlement/internal/model"
	"github.com/iliyamo/booking-settlement/internal/provider"
	"github.com/iliyamo/booking-settlement/internal/queue"
)

// WithdrawalSweeper moves wallet balances to the owners' connected payout
// accounts.
//
// A sweep of one wallet goes through three durable points: the wallet is
// marked withdrawing, the provider transfer id is stored on it, and the
// finalize transaction records the ledger debit and clears both markers.
// A run that dies between any two of them is completed by the next run,
// which finds the stored transfer (or, failing that, the transfer itself
// among the destination's recent transfers) before it would create a new
// one.
type WithdrawalSweeper struct {
	deps Deps
	opts Options
}

// NewWithdrawalSweeper builds the withdrawal stage.
func NewWithdrawalSweeper(deps Deps, opts Options) *WithdrawalSweeper {
	return &WithdrawalSweeper{deps: deps.withDefaults(), opts: opts.withDefaults()}
}

func (w *WithdrawalSweeper) Name() string { return StageWithdrawals }

// WithdrawalKey is the provider idempotency key for sweeping wallet at its
// current balance.
func WithdrawalKey(wallet model.Wallet) string {
	return fmt.Sprintf("withdrawal_%d_%s", wallet.ID, wallet.Balance.StringFixed(2))
}

// retryKey is the key for another attempt at the same balance after the
// transfer made under the previous key was discarded.  The provider
// replays the first response for a repeated key, so reusing it would hand
// back the discarded transfer.
func retryKey(wallet model.Wallet, discarded string) string {
	return WithdrawalKey(wallet) + "_" + discarded
}

const (
	metaWalletID = "wallet_id"

	maxTransferAttempts = 3
)

// sweep is the per-wallet progress of one run.
type sweep struct {
	wallet model.Wallet
	dest   string
	// anchored is set once a transfer id is durably stored on the wallet.
	anchored bool
	// marked is set once the wallet is durably marked withdrawing.
	marked bool
	// discarded lists failed transfers this run gave up on, oldest first.
	discarded []string
}

func (s *sweep) isDiscarded(id string) bool {
	return slices.Contains(s.discarded, id)
}

// nextKey is the idempotency key for the next create attempt.
func (s *sweep) nextKey() string {
	if len(s.discarded) == 0 {
		return WithdrawalKey(s.wallet)
	}
	return retryKey(s.wallet, s.discarded[len(s.discarded)-1])
}

// Run sweeps every eligible wallet.
func (w *WithdrawalSweeper) Run(ctx context.Context) (rep Report, err error) {
	log := w.deps.Logger
	rep = newReport(ctx, StageWithdrawals, w.deps.Now())
	defer func() { rep.finish(w.deps.Now()) }()

	wallets, err := w.deps.Store.SweepableWallets(ctx, w.opts.MinWithdrawal)
	if err != nil {
		log.Logf(StageWithdrawals, true, "Error fetching wallets: %v", err)
		return rep, fmt.Errorf("fetch sweepable wallets: %w", err)
	}
	if len(wallets) == 0 {
		log.Logf(StageWithdrawals, false, "No wallets eligible for withdrawal.")
		return rep, nil
	}

	for _, candidate := range wallets {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Scanned++
		done, err := w.sweepWallet(ctx, candidate.ID)
		switch {
		case err != nil:
			rep.Failed++
			log.Logf(StageWithdrawals, true, "Withdrawal for wallet %d failed: %v", candidate.ID, err)
		case done:
			rep.Succeeded++
		default:
			rep.Skipped++
		}
	}
	log.Logf(StageWithdrawals, false, "Wallet withdrawals %s", rep.summary())
	return rep, nil
}

// sweepWallet runs the per-wallet protocol.  It reports false with a nil
// error when the wallet was skipped.
func (w *WithdrawalSweeper) sweepWallet(ctx context.Context, id uint64) (bool, error) {
	log := w.deps.Logger

	unlock, ok, err := w.deps.Store.TryLockWallet(ctx, id)
	if err != nil {
		return false, fmt.Errorf("lock wallet: %w", err)
	}
	if !ok {
		log.Logf(StageWithdrawals, false, "Wallet %d is being swept by another run; skipping", id)
		return false, nil
	}
	defer unlock()

	// Re-read under the claim; a concurrent run may have finished it.
	wallet, err := w.deps.Store.Wallet(ctx, id)
	if err != nil {
		return false, fmt.Errorf("read wallet: %w", err)
	}
	if !wallet.Sweepable(w.opts.MinWithdrawal) {
		return false, nil
	}

	profile, found, err := w.deps.Store.Profile(ctx, wallet.Owner)
	if err != nil {
		return false, fmt.Errorf("load profile: %w", err)
	}
	dest, hasDest := profile.PayoutDestination()
	if !found || !hasDest {
		log.Logf(StageWithdrawals, false, "No payout account for %s; skipping wallet %d", wallet.Owner, wallet.ID)
		return false, nil
	}

	s := &sweep{wallet: wallet, dest: dest, marked: wallet.Withdrawing()}
	_, s.anchored = wallet.PendingTransfer()

	transfer, err := w.resolveTransfer(ctx, s)
	if err != nil {
		w.abandon(ctx, s)
		return false, err
	}
	if err := w.finalize(ctx, s, profile, transfer); err != nil {
		w.abandon(ctx, s)
		return false, fmt.Errorf("finalize transfer %s: %w", transfer.ID, err)
	}

	amount := provider.FromMinorUnits(transfer.Amount)
	log.Logf(StageWithdrawals, false, "Withdrew %s %s from wallet %d to %s (%s)",
		amount.StringFixed(2), wallet.Currency, wallet.ID, dest, transfer.ID)
	w.deps.publish(ctx, StageWithdrawals, queue.SettlementEvent{
		Type:      queue.EventWalletWithdrawn,
		WalletID:  wallet.ID,
		Reference: transfer.ID,
		Party:     wallet.Owner,
		Amount:    amount.StringFixed(2),
		Currency:  wallet.Currency,
	})
	return true, nil
}

// resolveTransfer finds the transfer to finalize: the one stored on the
// wallet, else a recent unrecorded one to the same destination for the
// exact amount, else a newly created one.
func (w *WithdrawalSweeper) resolveTransfer(ctx context.Context, s *sweep) (provider.Transfer, error) {
	log := w.deps.Logger
	wallet := s.wallet

	if ref, ok := wallet.PendingTransfer(); ok {
		t, err := w.deps.Provider.RetrieveTransfer(ctx, ref)
		if err != nil {
			return provider.Transfer{}, fmt.Errorf("retrieve transfer %s: %w", ref, err)
		}
		if !t.Status.Failed() {
			log.Logf(StageWithdrawals, false, "Resuming transfer %s for wallet %d", t.ID, wallet.ID)
			return t, nil
		}
		if err := w.discard(ctx, s, t); err != nil {
			return provider.Transfer{}, err
		}
	}

	amount := provider.ToMinorUnits(wallet.Balance)

	recent, err := w.deps.Provider.ListTransfers(ctx, s.dest, w.opts.TransferListLimit)
	if err != nil {
		return provider.Transfer{}, fmt.Errorf("list transfers to %s: %w", s.dest, err)
	}
	match, err := w.matchRecent(ctx, s, amount, recent)
	if err != nil {
		return provider.Transfer{}, err
	}
	if match != nil {
		log.Logf(StageWithdrawals, false, "Recovered unrecorded transfer %s for wallet %d", match.ID, wallet.ID)
		if err := w.anchor(ctx, s, match.ID); err != nil {
			return provider.Transfer{}, err
		}
		return *match, nil
	}

	return w.createTransfer(ctx, s, amount)
}

// createTransfer creates the payout and anchors it.  A failed transfer,
// fresh or replayed, moves the next attempt on to a key derived from it.
// A key that replays a discarded transfer is rejected.
func (w *WithdrawalSweeper) createTransfer(ctx context.Context, s *sweep, amount int64) (provider.Transfer, error) {
	log := w.deps.Logger
	wallet := s.wallet

	for attempt := 0; attempt < maxTransferAttempts; attempt++ {
		if err := w.mark(ctx, s); err != nil {
			return provider.Transfer{}, err
		}
		key := s.nextKey()
		t, err := w.deps.Provider.CreateTransfer(ctx, provider.TransferRequest{
			Destination:    s.dest,
			Amount:         amount,
			Currency:       wallet.Currency,
			IdempotencyKey: key,
			Metadata: map[string]string{
				metaWalletID: strconv.FormatUint(wallet.ID, 10),
				"owner":      wallet.Owner,
			},
		})
		if err != nil {
			return provider.Transfer{}, fmt.Errorf("create transfer: %w", err)
		}
		if s.isDiscarded(t.ID) {
			return provider.Transfer{}, fmt.Errorf("key %s replayed discarded transfer %s", key, t.ID)
		}
		if t.Status.Failed() {
			log.Logf(StageWithdrawals, true, "Transfer %s for wallet %d came back %s", t.ID, wallet.ID, t.Status)
			s.discarded = append(s.discarded, t.ID)
			continue
		}
		if err := w.anchor(ctx, s, t.ID); err != nil {
			return provider.Transfer{}, err
		}

		// The create response may be a replay; confirm the live state.
		cur, err := w.deps.Provider.RetrieveTransfer(ctx, t.ID)
		if err != nil {
			return provider.Transfer{}, fmt.Errorf("retrieve transfer %s: %w", t.ID, err)
		}
		if !cur.Status.Failed() {
			return cur, nil
		}
		if err := w.discard(ctx, s, cur); err != nil {
			return provider.Transfer{}, err
		}
	}
	return provider.Transfer{}, fmt.Errorf("no live transfer after %d attempts (last key %s)", maxTransferAttempts, s.nextKey())
}

// matchRecent picks the transfer a crashed run created but never stored:
// same amount, not failed, inside the recency window, not already in the
// ledger and, when tagged, tagged with this wallet.
func (w *WithdrawalSweeper) matchRecent(ctx context.Context, s *sweep, amount int64, recent []provider.Transfer) (*provider.Transfer, error) {
	now := w.deps.Now()
	walletID := strconv.FormatUint(s.wallet.ID, 10)
	for i := range recent {
		t := recent[i]
		if t.Amount != amount || t.Status.Failed() || s.isDiscarded(t.ID) {
			continue
		}
		if now.Sub(t.Created) > w.opts.RecencyWindow {
			continue
		}
		if id, ok := t.Metadata[metaWalletID]; ok && id != walletID {
			continue
		}
		recorded, err := w.deps.Store.LedgerExists(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("check ledger %s: %w", t.ID, err)
		}
		if recorded {
			continue
		}
		return &t, nil
	}
	return nil, nil
}

// The marker writes below run detached from ctx: once a transfer exists,
// a canceled run must still leave its id on the wallet.

func (w *WithdrawalSweeper) mark(ctx context.Context, s *sweep) error {
	if s.marked {
		return nil
	}
	if err := w.deps.Store.MarkWithdrawing(context.WithoutCancel(ctx), s.wallet.ID); err != nil {
		return fmt.Errorf("mark withdrawing: %w", err)
	}
	s.marked = true
	return nil
}

// anchor durably stores the transfer id on the wallet.
func (w *WithdrawalSweeper) anchor(ctx context.Context, s *sweep, ref string) error {
	if err := w.mark(ctx, s); err != nil {
		return err
	}
	if err := w.deps.Store.RecordPendingTransfer(context.WithoutCancel(ctx), s.wallet.ID, ref); err != nil {
		return fmt.Errorf("record transfer %s: %w", ref, err)
	}
	s.anchored = true
	return nil
}

// discard drops a failed transfer stored on the wallet so a replacement
// can be made.
func (w *WithdrawalSweeper) discard(ctx context.Context, s *sweep, t provider.Transfer) error {
	w.deps.Logger.Logf(StageWithdrawals, true, "Transfer %s for wallet %d is %s; discarding", t.ID, s.wallet.ID, t.Status)
	if err := w.deps.Store.ClearWithdrawing(context.WithoutCancel(ctx), s.wallet.ID); err != nil {
		return fmt.Errorf("discard transfer %s: %w", t.ID, err)
	}
	s.anchored, s.marked = false, false
	s.discarded = append(s.discarded, t.ID)
	return nil
}

func (w *WithdrawalSweeper) finalize(ctx context.Context, s *sweep, profile model.Profile, t provider.Transfer) error {
	amount := provider.FromMinorUnits(t.Amount)
	now := w.deps.Now().UTC()
	return w.deps.Store.WithTx(ctx, func(tx Tx) error {
		current, err := tx.LockWallet(ctx, s.wallet.ID)
		if err != nil {
			return fmt.Errorf("lock wallet: %w", err)
		}
		if !current.Withdrawing() {
			return errors.New("wallet no longer marked withdrawing")
		}
		if _, err := recordLedgerOnce(ctx, tx, model.LedgerEntry{
			CreatedAt: now,
			Reference: t.ID,
			Kind:      model.EntryDebit,
			Amount:    amount,
			Email:     s.wallet.Owner,
			To:        s.dest,
			From:      partyCompany,
			Message:   fmt.Sprintf("Transferred $%s to Stripe account %s", amount.StringFixed(2), s.dest),
		}); err != nil {
			return err
		}
		if _, err := notifyOnce(ctx, tx, model.Notification{
			Recipient: profile.ID,
			Source:    w.opts.NotificationSource,
			URL:       "/",
			Kind:      model.NotificationWithdrawal,
			Message:   fmt.Sprintf("$%s was sent to your payout account (transfer %s)", amount.StringFixed(2), t.ID),
			CreatedAt: now,
		}); err != nil {
			return err
		}
		return tx.SettleWithdrawal(ctx, s.wallet.ID, amount)
	})
}

// abandon undoes the withdrawing marker when no transfer id is stored.
// With a stored id the money has left and only bookkeeping remains, so
// the marker stays for the next run.
func (w *WithdrawalSweeper) abandon(ctx context.Context, s *sweep) {
	if s.anchored {
		w.deps.Logger.Logf(StageWithdrawals, true, "Wallet %d left withdrawing for the next run", s.wallet.ID)
		return
	}
	if !s.marked {
		return
	}
	if err := w.deps.Store.ClearWithdrawing(context.WithoutCancel(ctx), s.wallet.ID); err != nil {
		w.deps.Logger.Logf(StageWithdrawals, true, "Failed to clear withdrawing on wallet %d: %v", s.wallet.ID, err)
	}
}
