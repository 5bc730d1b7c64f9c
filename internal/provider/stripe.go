package provider

import (
	"context"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/iliyamo/booking-settlement/internal/provider")

// Stripe implements Client on top of the Stripe API.  Transfers go to
// connected accounts, refunds and capture checks use payment intents.
type Stripe struct {
	api *client.API
}

// NewStripe returns a Stripe client authenticated with the given secret
// key.  Leading and trailing whitespace in the key is ignored.
func NewStripe(secret string) (*Stripe, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrNotConfigured
	}
	return &Stripe{api: client.New(secret, nil)}, nil
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CreateTransfer creates a transfer to a connected account.
func (s *Stripe) CreateTransfer(ctx context.Context, req TransferRequest) (_ Transfer, err error) {
	ctx, span := startSpan(ctx, "stripe.transfers.create", attribute.String("destination", req.Destination))
	defer func() { endSpan(span, err) }()

	params := &stripe.TransferParams{
		Params:      stripe.Params{Context: ctx},
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Destination: stripe.String(req.Destination),
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	t, err := s.api.Transfers.New(params)
	if err != nil {
		return Transfer{}, err
	}
	return fromStripeTransfer(t), nil
}

// RetrieveTransfer fetches a transfer by id.
func (s *Stripe) RetrieveTransfer(ctx context.Context, id string) (_ Transfer, err error) {
	ctx, span := startSpan(ctx, "stripe.transfers.get", attribute.String("transfer_id", id))
	defer func() { endSpan(span, err) }()

	t, err := s.api.Transfers.Get(id, &stripe.TransferParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		return Transfer{}, err
	}
	return fromStripeTransfer(t), nil
}

// ListTransfers returns at most limit of the most recent transfers to the
// destination, newest first.
func (s *Stripe) ListTransfers(ctx context.Context, destination string, limit int) (_ []Transfer, err error) {
	ctx, span := startSpan(ctx, "stripe.transfers.list", attribute.String("destination", destination))
	defer func() { endSpan(span, err) }()

	if limit <= 0 {
		limit = 10
	}
	params := &stripe.TransferListParams{
		ListParams:  stripe.ListParams{Context: ctx, Limit: stripe.Int64(int64(limit))},
		Destination: stripe.String(destination),
	}
	it := s.api.Transfers.List(params)
	out := make([]Transfer, 0, limit)
	// The iterator pages transparently; stop once the window is filled.
	for len(out) < limit && it.Next() {
		out = append(out, fromStripeTransfer(it.Transfer()))
	}
	if err = it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateRefund refunds a payment intent.
func (s *Stripe) CreateRefund(ctx context.Context, req RefundRequest) (_ Refund, err error) {
	ctx, span := startSpan(ctx, "stripe.refunds.create", attribute.String("payment_intent", req.PaymentRef))
	defer func() { endSpan(span, err) }()

	params := &stripe.RefundParams{
		Params:        stripe.Params{Context: ctx},
		PaymentIntent: stripe.String(req.PaymentRef),
		Amount:        stripe.Int64(req.Amount),
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	r, err := s.api.Refunds.New(params)
	if err != nil {
		return Refund{}, err
	}
	return Refund{ID: r.ID, Amount: r.Amount, Status: RefundStatus(r.Status)}, nil
}

// ListRefunds returns the refunds recorded against a payment intent.
func (s *Stripe) ListRefunds(ctx context.Context, paymentRef string) (_ []Refund, err error) {
	ctx, span := startSpan(ctx, "stripe.refunds.list", attribute.String("payment_intent", paymentRef))
	defer func() { endSpan(span, err) }()

	params := &stripe.RefundListParams{
		ListParams:    stripe.ListParams{Context: ctx, Limit: stripe.Int64(10)},
		PaymentIntent: stripe.String(paymentRef),
	}
	it := s.api.Refunds.List(params)
	var out []Refund
	for it.Next() {
		r := it.Refund()
		out = append(out, Refund{ID: r.ID, Amount: r.Amount, Status: RefundStatus(r.Status)})
	}
	if err = it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CaptureStatus reports the status of the payment intent behind a booking.
func (s *Stripe) CaptureStatus(ctx context.Context, paymentRef string) (_ CaptureStatus, err error) {
	ctx, span := startSpan(ctx, "stripe.payment_intents.get", attribute.String("payment_intent", paymentRef))
	defer func() { endSpan(span, err) }()

	pi, err := s.api.PaymentIntents.Get(paymentRef, &stripe.PaymentIntentParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		return "", err
	}
	return CaptureStatus(pi.Status), nil
}

// fromStripeTransfer normalises a Stripe transfer.  Stripe transfers have
// no status field: a created transfer has moved funds unless it was
// reversed afterwards.
func fromStripeTransfer(t *stripe.Transfer) Transfer {
	out := Transfer{
		ID:       t.ID,
		Amount:   t.Amount,
		Currency: strings.ToUpper(string(t.Currency)),
		Status:   TransferPaid,
		Created:  time.Unix(t.Created, 0).UTC(),
		Metadata: t.Metadata,
	}
	if t.Destination != nil {
		out.Destination = t.Destination.ID
	}
	if t.Reversed {
		out.Status = TransferCanceled
	}
	return out
}
