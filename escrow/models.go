package escrow

import "time"

type Status string

const (
	StatusActive         Status = "ACTIVE"
	StatusPartialRelease Status = "PARTIAL_RELEASE"
	StatusReleased       Status = "RELEASED"
	StatusDispute        Status = "DISPUTE"
	StatusRefunded       Status = "REFUNDED"
)

// Closed reports whether the account has been fully disbursed.
func (s Status) Closed() bool {
	return s == StatusReleased || s == StatusRefunded
}

// Account is the money ledger for one contract. Held, Released and Refunded
// always sum to Total.
type Account struct {
	ID         string    `json:"id"`
	ContractID string    `json:"contract_id"`
	Total      int64     `json:"total_amount"`
	Held       int64     `json:"held_amount"`
	Released   int64     `json:"released_amount"`
	Refunded   int64     `json:"refunded_amount"`
	Status     Status    `json:"status"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type PaymentType string

const (
	PaymentDeposit    PaymentType = "DEPOSIT"
	PaymentHold       PaymentType = "HOLD"
	PaymentRelease    PaymentType = "RELEASE"
	PaymentRefund     PaymentType = "REFUND"
	PaymentAdjustment PaymentType = "ADJUSTMENT"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
)

// PaymentRecord is an append-only ledger line. Amount is signed: releases
// are positive, refunds negative.
type PaymentRecord struct {
	ID                    string        `json:"id"`
	EscrowAccountID       string        `json:"escrow_account_id,omitempty"`
	ContractID            string        `json:"contract_id"`
	Type                  PaymentType   `json:"type"`
	Amount                int64         `json:"amount"`
	PlatformFee           int64         `json:"platform_fee"`
	ExternalTransactionID string        `json:"external_transaction_id,omitempty"`
	Status                PaymentStatus `json:"status"`
	IdempotencyKey        string        `json:"idempotency_key"`
	Description           string        `json:"description,omitempty"`
	CreatedAt             time.Time     `json:"created_at"`
}

// Bucket names the balance a refund is drawn from.
type Bucket string

const (
	BucketHeld     Bucket = "HELD"
	BucketReleased Bucket = "RELEASED"
)

// Parties carries the contract identities the ledger pays and charges.
type Parties struct {
	ContractID   string
	HomeownerID  string
	ContractorID string
}

// Result is returned by money-moving operations. Replayed is set when the
// idempotency key had already been used and nothing moved.
type Result struct {
	Account  Account         `json:"account"`
	Records  []PaymentRecord `json:"records"`
	Replayed bool            `json:"replayed"`
}

// Idempotency keys derived from the triggering business event.
func DepositKey(accountID string) string       { return "deposit:" + accountID }
func ReleaseKey(entryID string) string         { return "release:" + entryID }
func HoldKey(disputeID string) string          { return "hold:" + disputeID }
func RefundKey(clientKey string) string        { return "refund:" + clientKey }
func CancelKey(contractID string) string       { return "cancel:" + contractID }
func ChangeKey(changeID string) string         { return "change:" + changeID }
func DisputeRefundKey(disputeID string) string { return "dispute-refund:" + disputeID }
func DisputeSettleKey(disputeID string) string { return "dispute-settlement:" + disputeID }
