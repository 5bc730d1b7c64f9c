package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/iliyamo/booking-settlement/internal/model"
	"github.com/iliyamo/booking-settlement/internal/provider"
	"github.com/iliyamo/booking-settlement/internal/queue"
)

// errRefundLookup marks a failed list-refunds call.  No refund is created
// in that run since an earlier one may already exist.
var errRefundLookup = errors.New("refund lookup failed")

// RefundProcessor refunds participants of bookings the resolver marked
// for refund.  Money goes back to the participant's payment method through
// the provider; no internal wallet is involved.
type RefundProcessor struct {
	deps Deps
	opts Options
}

// NewRefundProcessor builds the refund stage.
func NewRefundProcessor(deps Deps, opts Options) *RefundProcessor {
	return &RefundProcessor{deps: deps.withDefaults(), opts: opts.withDefaults()}
}

func (r *RefundProcessor) Name() string { return StageRefund }

// Run refunds every paid booking in needs_refund or refunding.
func (r *RefundProcessor) Run(ctx context.Context) (rep Report, err error) {
	log := r.deps.Logger
	rep = newReport(ctx, StageRefund, r.deps.Now())
	defer func() { rep.finish(r.deps.Now()) }()

	bookings, err := r.deps.Store.PaidBookings(ctx, model.StatusNeedsRefund, model.StatusRefunding)
	if err != nil {
		log.Logf(StageRefund, true, "Error fetching bookings: %v", err)
		return rep, fmt.Errorf("fetch refundable bookings: %w", err)
	}
	if len(bookings) == 0 {
		log.Logf(StageRefund, false, "No bookings found for refund.")
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
		r.refund(ctx, b, &rep)
	}
	log.Logf(StageRefund, false, "Refund processing %s", rep.summary())
	return rep, nil
}

func (r *RefundProcessor) refund(ctx context.Context, b model.Booking, rep *Report) {
	log := r.deps.Logger

	if b.SettlementStatus == model.StatusNeedsRefund {
		if err := r.deps.Store.TransitionBooking(ctx, b.ID, model.StatusNeedsRefund, model.StatusRefunding); err != nil {
			rep.Failed++
			log.Logf(StageRefund, true, "Failed to mark booking %d refunding: %v", b.ID, err)
			return
		}
		b.SettlementStatus = model.StatusRefunding
	}

	// Without the recipient the outcome could not be announced; the booking
	// stays refunding and the next run tries again.
	recipient, err := r.recipient(ctx, b)
	if err != nil {
		rep.Failed++
		log.Logf(StageRefund, true, "Failed to load profile for booking %d: %v", b.ID, err)
		return
	}

	refund, err := r.findOrCreate(ctx, b)
	if err != nil {
		rep.Failed++
		log.Logf(StageRefund, true, "Refund for booking %d failed: %v", b.ID, err)
		if !errors.Is(err, errRefundLookup) {
			r.notifyFailure(ctx, b, recipient)
		}
		return
	}
	if !refund.Status.Reusable() {
		rep.Rejected++
		log.Logf(StageRefund, true, "Refund %s for booking %d is %s", refund.ID, b.ID, refund.Status)
		r.notifyFailure(ctx, b, recipient)
		return
	}

	if err := r.finalize(ctx, b, refund, recipient); err != nil {
		rep.Failed++
		log.Logf(StageRefund, true, "Failed to record refund %s for booking %d: %v", refund.ID, b.ID, err)
		return
	}
	rep.Succeeded++
	log.Logf(StageRefund, false, "Refunded booking %d with %s (%s)", b.ID, refund.ID, refund.Status)
	r.deps.publish(ctx, StageRefund, queue.SettlementEvent{
		Type:      queue.EventBookingRefunded,
		BookingID: b.ID,
		Reference: refund.ID,
		Party:     b.Participant,
		Amount:    b.Amount.StringFixed(2),
		Topic:     b.Topic,
	})
}

// findOrCreate returns an existing succeeded or pending refund for the
// booking's payment, creating one only when none exists.
func (r *RefundProcessor) findOrCreate(ctx context.Context, b model.Booking) (provider.Refund, error) {
	existing, err := r.deps.Provider.ListRefunds(ctx, b.PaymentCaptureRef)
	if err != nil {
		return provider.Refund{}, fmt.Errorf("%w: %v", errRefundLookup, err)
	}
	for _, rf := range existing {
		if rf.Status.Reusable() {
			r.deps.Logger.Logf(StageRefund, false, "Reusing refund %s for booking %d", rf.ID, b.ID)
			return rf, nil
		}
	}
	return r.deps.Provider.CreateRefund(ctx, provider.RefundRequest{
		PaymentRef:     b.PaymentCaptureRef,
		Amount:         provider.ToMinorUnits(b.Amount),
		IdempotencyKey: fmt.Sprintf("refund_booking_%d", b.ID),
	})
}

func (r *RefundProcessor) finalize(ctx context.Context, b model.Booking, refund provider.Refund, recipient *model.Profile) error {
	amount := b.Amount.StringFixed(2)
	return r.deps.Store.WithTx(ctx, func(tx Tx) error {
		if _, err := recordLedgerOnce(ctx, tx, model.LedgerEntry{
			CreatedAt: r.deps.Now().UTC(),
			Reference: refund.ID,
			Kind:      model.EntryCredit,
			Amount:    b.Amount,
			Email:     b.Participant,
			To:        b.Participant,
			From:      partySystem,
			Message:   fmt.Sprintf("Refunded $%s for booking cancellation: %s", amount, b.Topic),
		}); err != nil {
			return err
		}
		if recipient != nil {
			if _, err := notifyOnce(ctx, tx, model.Notification{
				Recipient: recipient.ID,
				Source:    r.opts.NotificationSource,
				URL:       "/",
				Kind:      model.NotificationRefund,
				Message:   fmt.Sprintf("You have been refunded $%s for booking: %s", amount, b.Topic),
				CreatedAt: r.deps.Now().UTC(),
			}); err != nil {
				return err
			}
		}
		if err := tx.SetOutcome(ctx, b.ID, model.OutcomePassed); err != nil {
			return err
		}
		return tx.TransitionBooking(ctx, b.ID, model.StatusRefunding, model.StatusRefunded)
	})
}

func (r *RefundProcessor) notifyFailure(ctx context.Context, b model.Booking, recipient *model.Profile) {
	if recipient == nil {
		return
	}
	err := r.deps.Store.WithTx(ctx, func(tx Tx) error {
		_, err := notifyOnce(ctx, tx, model.Notification{
			Recipient: recipient.ID,
			Source:    r.opts.NotificationSource,
			URL:       "/",
			Kind:      model.NotificationRefund,
			Message:   fmt.Sprintf("Refund failed for booking: %s. Please contact support.", b.Topic),
			CreatedAt: r.deps.Now().UTC(),
		})
		return err
	})
	if err != nil {
		r.deps.Logger.Logf(StageRefund, true, "Failed to write refund failure notification for booking %d: %v", b.ID, err)
	}
}

// recipient resolves the participant's profile.  A missing profile only
// suppresses notifications.
func (r *RefundProcessor) recipient(ctx context.Context, b model.Booking) (*model.Profile, error) {
	p, found, err := r.deps.Store.Profile(ctx, b.Participant)
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", b.Participant, err)
	}
	if !found {
		r.deps.Logger.Logf(StageRefund, false, "No profile for %s; notifications skipped", b.Participant)
		return nil, nil
	}
	return &p, nil
}
