package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/iliyamo/booking-settlement/internal/settlement")

var (
	// ErrUnknownStage is returned for a stage name that is not registered.
	ErrUnknownStage = errors.New("settlement: unknown stage")
	// ErrStageBusy is returned when another replica holds the stage lease.
	ErrStageBusy = errors.New("settlement: stage already running")
)

// Lease serialises runs of the same stage across processes.
type Lease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// Runner runs registered stages by name, wrapping each run with job-level
// logging, a run id, a trace span and an optional lease.
type Runner struct {
	stages   map[string]Stage
	order    []string
	logger   Logger
	lease    Lease
	leaseTTL time.Duration
	now      func() time.Time
	newID    func() string
}

// NewRunner registers stages in the given order.
func NewRunner(logger Logger, stages ...Stage) *Runner {
	if logger == nil {
		logger = nopLogger{}
	}
	r := &Runner{
		stages: make(map[string]Stage, len(stages)),
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, s := range stages {
		if _, dup := r.stages[s.Name()]; !dup {
			r.order = append(r.order, s.Name())
		}
		r.stages[s.Name()] = s
	}
	return r
}

// NewPipeline builds a runner for the four stages in pipeline order.
func NewPipeline(deps Deps, opts Options) *Runner {
	return NewRunner(deps.Logger,
		NewResolver(deps, opts),
		NewSettlementProcessor(deps, opts),
		NewRefundProcessor(deps, opts),
		NewWithdrawalSweeper(deps, opts),
	)
}

// WithLease makes every run hold lease for the stage name.  Lease backend
// errors are logged and the run proceeds.
func (r *Runner) WithLease(lease Lease, ttl time.Duration) *Runner {
	r.lease = lease
	r.leaseTTL = ttl
	return r
}

// Stages returns the registered stage names in order.
func (r *Runner) Stages() []string {
	return append([]string(nil), r.order...)
}

// Has reports whether a stage is registered under name.
func (r *Runner) Has(name string) bool {
	_, ok := r.stages[name]
	return ok
}

// RunOne runs a single stage.
func (r *Runner) RunOne(ctx context.Context, name string) (rep Report, err error) {
	stage, ok := r.stages[name]
	if !ok {
		return Report{Stage: name}, fmt.Errorf("%w: %q", ErrUnknownStage, name)
	}

	if r.lease != nil {
		release, held, lerr := r.lease.Acquire(ctx, name, r.leaseTTL)
		switch {
		case lerr != nil:
			r.logger.Logf(name, true, "Lease unavailable, running without it: %v", lerr)
		case !held:
			r.logger.Logf(name, false, "Skipped: %s is already running elsewhere", name)
			return Report{Stage: name}, ErrStageBusy
		default:
			defer release()
		}
	}

	runID := r.newID()
	ctx = WithRunID(ctx, runID)
	ctx, span := tracer.Start(ctx, "settlement.stage "+name, trace.WithAttributes(
		attribute.String("settlement.stage", name),
		attribute.String("settlement.run_id", runID),
	))
	defer func() {
		span.SetAttributes(
			attribute.Int("settlement.scanned", rep.Scanned),
			attribute.Int("settlement.succeeded", rep.Succeeded),
			attribute.Int("settlement.failed", rep.Failed),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	r.logger.Logf(name, false, "Started job at %s (run %s)", r.now().UTC().Format(time.RFC3339), runID)
	rep, err = stage.Run(ctx)
	rep.Stage, rep.RunID = name, runID
	if err != nil {
		r.logger.Logf(name, true, "Error: %v", err)
		return rep, err
	}
	r.logger.Logf(name, false, "Completed successfully")
	return rep, nil
}

// RunAll runs every stage in order, waiting gap between stages.  A failed
// stage does not stop later ones; the first error is returned.
func (r *Runner) RunAll(ctx context.Context, gap time.Duration) ([]Report, error) {
	var (
		reports  []Report
		firstErr error
	)
	for i, name := range r.order {
		if i > 0 && gap > 0 {
			t := time.NewTimer(gap)
			select {
			case <-ctx.Done():
				t.Stop()
				return reports, ctx.Err()
			case <-t.C:
			}
		}
		rep, err := r.RunOne(ctx, name)
		reports = append(reports, rep)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", name, err)
		}
	}
	return reports, firstErr
}
