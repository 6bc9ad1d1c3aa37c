package dispute

import "time"

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen        Status = "OPEN"
	StatusUnderReview Status = "UNDER_REVIEW"
	StatusMediated    Status = "MEDIATED"
	StatusResolved    Status = "RESOLVED"
)

type Decision string

const (
	DecisionRefund        Decision = "REFUND"
	DecisionPartialRefund Decision = "PARTIAL_REFUND"
	DecisionRework        Decision = "REWORK"
	DecisionArbitration   Decision = "ARBITRATION"
)

func (d Decision) Valid() bool {
	switch d {
	case DecisionRefund, DecisionPartialRefund, DecisionRework, DecisionArbitration:
		return true
	}
	return false
}

// Record mirrors the disputes table. HeldAmount is the escrow balance frozen
// when the dispute opened.
type Record struct {
	ID               string     `json:"id"`
	ContractID       string     `json:"contract_id"`
	EscrowAccountID  string     `json:"escrow_account_id"`
	CompletionID     string     `json:"completion_id,omitempty"`
	InitiatedBy      string     `json:"initiated_by"`
	Reason           string     `json:"reason"`
	HeldAmount       int64      `json:"held_amount"`
	Status           Status     `json:"status"`
	Decision         Decision   `json:"decision,omitempty"`
	ResolutionAmount *int64     `json:"resolution_amount,omitempty"`
	ResolutionNotes  string     `json:"resolution_notes,omitempty"`
	ResolvedBy       string     `json:"resolved_by,omitempty"`
	MediationNotes   string     `json:"mediation_notes,omitempty"`
	ResolutionDate   *time.Time `json:"resolution_date,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Resolution is an operator's ruling on a dispute. Amount is the refund to
// the homeowner and is only read for PARTIAL_REFUND.
type Resolution struct {
	Decision Decision `json:"decision"`
	Amount   int64    `json:"amount,omitempty"`
	Notes    string   `json:"notes,omitempty"`
}
