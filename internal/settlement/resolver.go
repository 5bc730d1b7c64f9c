package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/iliyamo/booking-settlement/internal/model"
)

// Resolver decides what happens to paid bookings whose settlement is
// still unavailable: pay the host, refund the participant, or wait.
type Resolver struct {
	deps Deps
	opts Options
}

// NewResolver builds the booking resolution stage.
func NewResolver(deps Deps, opts Options) *Resolver {
	return &Resolver{deps: deps.withDefaults(), opts: opts.withDefaults()}
}

func (r *Resolver) Name() string { return StageResolve }

// Decision is the outcome of resolving one booking.
type Decision struct {
	// Next is the status to move to; empty means leave the booking alone.
	Next model.SettlementStatus
	// CompleteMeeting is set when the meeting status must be closed in the
	// same transaction.
	CompleteMeeting bool
}

// Decide resolves an unavailable booking at instant now.  The rules are
// evaluated in order; the first match wins.
//
//  1. declined by the host: refund.
//  2. participant joined and the meeting was held: pay the host.
//  3. more than after has passed since start: refund.
//  4. otherwise wait.
func Decide(b model.Booking, now time.Time, after time.Duration) Decision {
	switch {
	case b.Outcome == model.OutcomeDeclined:
		return Decision{Next: model.StatusNeedsRefund}
	case b.Attended() && b.MeetingStatus.Attendable():
		return Decision{Next: model.StatusProcessing, CompleteMeeting: b.MeetingStatus != model.MeetingCompleted}
	case now.Sub(b.StartsAt) > after:
		return Decision{Next: model.StatusNeedsRefund}
	}
	return Decision{}
}

// Run resolves every paid, unavailable booking.
func (r *Resolver) Run(ctx context.Context) (rep Report, err error) {
	log := r.deps.Logger
	rep = newReport(ctx, StageResolve, r.deps.Now())
	defer func() { rep.finish(r.deps.Now()) }()

	bookings, err := r.deps.Store.PaidBookings(ctx, model.StatusUnavailable)
	if err != nil {
		log.Logf(StageResolve, true, "Error fetching bookings: %v", err)
		return rep, fmt.Errorf("fetch unavailable bookings: %w", err)
	}
	if len(bookings) == 0 {
		log.Logf(StageResolve, false, "No bookings found for processing.")
		return rep, nil
	}

	now := r.deps.Now()
	for _, b := range bookings {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Scanned++
		if !b.Paid {
			rep.Skipped++
			continue
		}
		d := Decide(b, now, r.opts.ResolveAfter)
		if d.Next == "" {
			rep.Skipped++
			continue
		}
		if err := r.apply(ctx, b, d); err != nil {
			rep.Failed++
			log.Logf(StageResolve, true, "Failed to update booking %d: %v", b.ID, err)
			continue
		}
		rep.Succeeded++
		log.Logf(StageResolve, false, "Booking %d moved to %s", b.ID, d.Next)
	}
	log.Logf(StageResolve, false, "Booking resolution %s", rep.summary())
	return rep, nil
}

func (r *Resolver) apply(ctx context.Context, b model.Booking, d Decision) error {
	if !d.CompleteMeeting {
		return r.deps.Store.TransitionBooking(ctx, b.ID, model.StatusUnavailable, d.Next)
	}
	return r.deps.Store.WithTx(ctx, func(tx Tx) error {
		if err := tx.CompleteMeeting(ctx, b.ID); err != nil {
			return err
		}
		return tx.TransitionBooking(ctx, b.ID, model.StatusUnavailable, d.Next)
	})
}
