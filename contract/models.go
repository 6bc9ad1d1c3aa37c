package contract

import (
	"time"

	"contractflow/actor"
	"contractflow/escrow"
	"contractflow/milestone"
)

type Status string

const (
	StatusDraft             Status = "DRAFT"
	StatusPendingAcceptance Status = "PENDING_ACCEPTANCE"
	StatusAccepted          Status = "ACCEPTED"
	StatusActive            Status = "ACTIVE"
	StatusCompleted         Status = "COMPLETED"
	StatusDisputed          Status = "DISPUTED"
	StatusCancelled         Status = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Contract is the agreement between a homeowner and a contractor. Version
// increases on every write.
type Contract struct {
	ID                 string     `json:"id"`
	BidID              string     `json:"bid_id"`
	JobID              string     `json:"job_id"`
	HomeownerID        string     `json:"homeowner_id"`
	ContractorID       string     `json:"contractor_id"`
	TotalAmount        int64      `json:"total_amount"`
	ScopeOfWork        []string   `json:"scope_of_work"`
	Status             Status     `json:"status"`
	StartDate          time.Time  `json:"start_date"`
	EstimatedEndDate   time.Time  `json:"estimated_end_date"`
	CreatedAt          time.Time  `json:"created_at"`
	AcceptedAt         *time.Time `json:"accepted_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`
	Version            int64      `json:"version"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (c Contract) IsHomeowner(a actor.Actor) bool {
	return a.ID != "" && a.ID == c.HomeownerID && a.Role != actor.RoleContractor
}

func (c Contract) IsContractor(a actor.Actor) bool {
	return a.ID != "" && a.ID == c.ContractorID && a.Role != actor.RoleHomeowner
}

func (c Contract) IsParty(a actor.Actor) bool {
	return c.IsHomeowner(a) || c.IsContractor(a)
}

// Parties is the identity set the ledger pays and charges.
func (c Contract) Parties() escrow.Parties {
	return escrow.Parties{
		ContractID:   c.ID,
		HomeownerID:  c.HomeownerID,
		ContractorID: c.ContractorID,
	}
}

// BidTerms are the accepted bid a contract is drafted from.
type BidTerms struct {
	BidID            string            `json:"bid_id"`
	JobID            string            `json:"job_id"`
	HomeownerID      string            `json:"homeowner_id"`
	ContractorID     string            `json:"contractor_id"`
	Amount           int64             `json:"amount"`
	ScopeOfWork      []string          `json:"scope_of_work"`
	StartDate        time.Time         `json:"start_date"`
	EstimatedEndDate time.Time         `json:"estimated_end_date"`
	Milestones       []milestone.Input `json:"milestones,omitempty"`
}

type ChangeType string

const (
	ChangeScope           ChangeType = "SCOPE_CHANGE"
	ChangeTimeExtension   ChangeType = "TIME_EXTENSION"
	ChangePriceAdjustment ChangeType = "PRICE_ADJUSTMENT"
)

type ChangeStatus string

const (
	ChangeProposed ChangeStatus = "PROPOSED"
	ChangeAccepted ChangeStatus = "ACCEPTED"
	ChangeRejected ChangeStatus = "REJECTED"
)

// ChangeOrder is a proposed amendment. ProposedAmount is a signed delta to
// the contract total and is only set for price adjustments.
type ChangeOrder struct {
	ID             string       `json:"id"`
	ContractID     string       `json:"contract_id"`
	Type           ChangeType   `json:"type"`
	Description    string       `json:"description"`
	ProposedAmount *int64       `json:"proposed_amount,omitempty"`
	ExtensionDays  int          `json:"extension_days,omitempty"`
	ScopeAdditions []string     `json:"scope_additions,omitempty"`
	ProposedBy     string       `json:"proposed_by"`
	Status         ChangeStatus `json:"status"`
	ResolutionNote string       `json:"resolution_note,omitempty"`
	ResolvedBy     string       `json:"resolved_by,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	ResolvedAt     *time.Time   `json:"resolved_at,omitempty"`
}

// ChangeRequest is the caller's proposal.
type ChangeRequest struct {
	Type           ChangeType `json:"type"`
	Description    string     `json:"description"`
	AmountDelta    int64      `json:"amount_delta,omitempty"`
	ExtensionDays  int        `json:"extension_days,omitempty"`
	ScopeAdditions []string   `json:"scope_additions,omitempty"`
}

// Progress summarizes where a contract's money and milestones stand.
type Progress struct {
	Contract        Contract              `json:"contract"`
	Account         *escrow.Account       `json:"escrow_account,omitempty"`
	Milestones      []milestone.Milestone `json:"milestones"`
	Schedule        []milestone.Entry     `json:"schedule"`
	ReleasedAmount  int64                 `json:"released_amount"`
	PendingAmount   int64                 `json:"pending_amount"`
	PercentReleased float64               `json:"percent_released"`
	MilestonesDone  int                   `json:"milestones_completed"`
}
