// Package provider defines the payment-provider capabilities the
// settlement pipeline depends on.  Every call that moves money accepts an
// idempotency key so that a retried run can repeat it safely.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotConfigured is returned when no provider credentials are present.
var ErrNotConfigured = errors.New("provider: not configured")

// TransferStatus is the normalised state of an outbound transfer.
type TransferStatus string

const (
	TransferPending  TransferStatus = "pending"
	TransferPaid     TransferStatus = "paid"
	TransferFailed   TransferStatus = "failed"
	TransferCanceled TransferStatus = "canceled"
)

// Failed reports whether the transfer will never deliver funds.
func (s TransferStatus) Failed() bool {
	return s == TransferFailed || s == TransferCanceled
}

// RefundStatus is the normalised state of a refund.
type RefundStatus string

const (
	RefundPending        RefundStatus = "pending"
	RefundSucceeded      RefundStatus = "succeeded"
	RefundFailed         RefundStatus = "failed"
	RefundCanceled       RefundStatus = "canceled"
	RefundRequiresAction RefundStatus = "requires_action"
)

// Reusable reports whether an existing refund covers the payment, so a
// retried run must not create another one.
func (s RefundStatus) Reusable() bool {
	return s == RefundSucceeded || s == RefundPending
}

// CaptureStatus is the state of the original charge.  Anything other than
// CaptureSucceeded means the money was never collected.
type CaptureStatus string

const CaptureSucceeded CaptureStatus = "succeeded"

// Transfer is an outbound money movement to a connected account.
// Amount is expressed in minor units.
type Transfer struct {
	ID          string
	Amount      int64
	Currency    string
	Destination string
	Status      TransferStatus
	Created     time.Time
	Metadata    map[string]string
}

// TransferRequest describes a transfer to create.
type TransferRequest struct {
	Destination    string
	Amount         int64
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

// Refund is a provider refund against a captured payment.
type Refund struct {
	ID     string
	Amount int64
	Status RefundStatus
}

// RefundRequest describes a refund to create.
type RefundRequest struct {
	PaymentRef     string
	Amount         int64
	IdempotencyKey string
}

// Client is the set of provider operations used by the pipeline.
type Client interface {
	CreateTransfer(ctx context.Context, req TransferRequest) (Transfer, error)
	RetrieveTransfer(ctx context.Context, id string) (Transfer, error)
	ListTransfers(ctx context.Context, destination string, limit int) ([]Transfer, error)
	CreateRefund(ctx context.Context, req RefundRequest) (Refund, error)
	ListRefunds(ctx context.Context, paymentRef string) ([]Refund, error)
	CaptureStatus(ctx context.Context, paymentRef string) (CaptureStatus, error)
}

var hundred = decimal.NewFromInt(100)

// ToMinorUnits converts a major-unit amount to the provider's integer
// minor units, rounding half away from zero.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// FromMinorUnits converts provider minor units back to a major-unit amount.
func FromMinorUnits(units int64) decimal.Decimal {
	return decimal.New(units, -2)
}
