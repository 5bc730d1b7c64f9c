package settlement

import (
	"context"
	"fmt"

	"github.com/iliyamo/booking-settlement/internal/model"
	"github.com/iliyamo/booking-settlement/internal/provider"
	"github.com/iliyamo/booking-settlement/internal/queue"
)

// SettlementProcessor pays hosts for bookings the resolver marked as
// processing, after confirming with the provider that the participant's
// payment was actually captured.
type SettlementProcessor struct {
	deps Deps
	opts Options
}

// NewSettlementProcessor builds the settlement stage.
func NewSettlementProcessor(deps Deps, opts Options) *SettlementProcessor {
	return &SettlementProcessor{deps: deps.withDefaults(), opts: opts.withDefaults()}
}

func (p *SettlementProcessor) Name() string { return StageSettle }

// Run settles every paid booking in processing.
func (p *SettlementProcessor) Run(ctx context.Context) (rep Report, err error) {
	log := p.deps.Logger
	rep = newReport(ctx, StageSettle, p.deps.Now())
	defer func() { rep.finish(p.deps.Now()) }()

	bookings, err := p.deps.Store.PaidBookings(ctx, model.StatusProcessing)
	if err != nil {
		log.Logf(StageSettle, true, "Error fetching bookings: %v", err)
		return rep, fmt.Errorf("fetch processing bookings: %w", err)
	}
	if len(bookings) == 0 {
		log.Logf(StageSettle, false, "No bookings found for processing.")
		return rep, nil
	}

	for _, b := range bookings {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Scanned++
		if !b.Paid {
			rep.Skipped++
			continue
		}
		p.settle(ctx, b, &rep)
	}
	log.Logf(StageSettle, false, "Transaction processing %s", rep.summary())
	return rep, nil
}

func (p *SettlementProcessor) settle(ctx context.Context, b model.Booking, rep *Report) {
	log := p.deps.Logger

	status, err := p.deps.Provider.CaptureStatus(ctx, b.PaymentCaptureRef)
	if err != nil {
		// Outcome unknown; the booking stays in processing for the next run.
		rep.Failed++
		log.Logf(StageSettle, true, "Error checking payment %s for booking %d: %v", b.PaymentCaptureRef, b.ID, err)
		return
	}
	if status != provider.CaptureSucceeded {
		if err := p.deps.Store.TransitionBooking(ctx, b.ID, model.StatusProcessing, model.StatusCaptureFailed); err != nil {
			rep.Failed++
			log.Logf(StageSettle, true, "Failed to mark booking %d capture_failed: %v", b.ID, err)
			return
		}
		rep.Rejected++
		log.Logf(StageSettle, true, "Payment %s for booking %d not captured (status %s)", b.PaymentCaptureRef, b.ID, status)
		p.deps.publish(ctx, StageSettle, queue.SettlementEvent{
			Type:      queue.EventBookingCaptureFailed,
			BookingID: b.ID,
			Reference: b.PaymentCaptureRef,
			Party:     b.Host,
			Amount:    b.Amount.StringFixed(2),
			Topic:     b.Topic,
		})
		return
	}

	ref := "to_wallet_" + bookingKey(b)
	credited, err := p.credit(ctx, b, ref)
	if err != nil {
		rep.Failed++
		log.Logf(StageSettle, true, "Error processing booking %d: %v", b.ID, err)
		return
	}
	rep.Succeeded++
	if credited {
		log.Logf(StageSettle, false, "Credited %s to %s for booking %d", b.Amount.StringFixed(2), b.Host, b.ID)
	} else {
		log.Logf(StageSettle, false, "Ledger %s already recorded; closed booking %d", ref, b.ID)
	}
	p.deps.publish(ctx, StageSettle, queue.SettlementEvent{
		Type:      queue.EventBookingSettled,
		BookingID: b.ID,
		Reference: ref,
		Party:     b.Host,
		Amount:    b.Amount.StringFixed(2),
		Currency:  p.opts.Currency,
		Topic:     b.Topic,
	})
}

// credit records the ledger entry, closes the booking and, only when the
// entry is new, adds the amount to the host's wallet.  The balance update
// is the last statement of the transaction.
func (p *SettlementProcessor) credit(ctx context.Context, b model.Booking, ref string) (bool, error) {
	var inserted bool
	err := p.deps.Store.WithTx(ctx, func(tx Tx) error {
		var err error
		inserted, err = recordLedgerOnce(ctx, tx, model.LedgerEntry{
			CreatedAt: p.deps.Now().UTC(),
			Reference: ref,
			Kind:      model.EntryCredit,
			Amount:    b.Amount,
			Email:     b.Host,
			To:        "wallet",
			From:      partySystem,
			Message:   fmt.Sprintf("Credited $%s for booking completion: %s", b.Amount.StringFixed(2), b.Topic),
		})
		if err != nil {
			return err
		}
		if err := tx.TransitionBooking(ctx, b.ID, model.StatusProcessing, model.StatusCompleted); err != nil {
			return err
		}
		if !inserted {
			return nil
		}

		w, found, err := tx.WalletForUpdate(ctx, b.Host, p.opts.Currency)
		if err != nil {
			return fmt.Errorf("read wallet: %w", err)
		}
		if !found {
			_, err := tx.CreateWallet(ctx, model.Wallet{
				Owner:    b.Host,
				Balance:  b.Amount,
				Currency: p.opts.Currency,
				Status:   model.WalletActive,
			})
			return err
		}
		return tx.CreditWallet(ctx, w.ID, b.Amount)
	})
	return inserted, err
}
