// Package payment adapts the external payment processor. The processor is an
// idempotent ledger: repeating a call with the same idempotency key returns
// the original transaction instead of moving money twice.
package payment

import (
	"context"
	"errors"
)

// ErrDeclined marks a permanent refusal. Callers must not retry it.
var ErrDeclined = errors.New("payment: declined by processor")

// ChargeRequest pulls funds from a payer into the platform's escrow.
type ChargeRequest struct {
	IdempotencyKey string
	ContractID     string
	PayerID        string
	Amount         int64
	Description    string
}

// TransferRequest pays funds out of escrow to a recipient.
type TransferRequest struct {
	IdempotencyKey string
	ContractID     string
	RecipientID    string
	Amount         int64
	Description    string
}

type Processor interface {
	Charge(ctx context.Context, req ChargeRequest) (string, error)
	Transfer(ctx context.Context, req TransferRequest) (string, error)
}
