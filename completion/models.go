package completion

import "time"

type Status string

const (
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusApproved        Status = "APPROVED"
	StatusRejected        Status = "REJECTED"
	StatusDisputed        Status = "DISPUTED"
)

type PayoutStatus string

const (
	PayoutPending      PayoutStatus = "PENDING"
	PayoutReleased     PayoutStatus = "RELEASED"
	PayoutHeldInEscrow PayoutStatus = "HELD_IN_ESCROW"
)

type Submitter string

const (
	SubmittedByContractor Submitter = "CONTRACTOR"
	SubmittedByHomeowner  Submitter = "HOMEOWNER"
)

// DefaultDisputeWindow is how long the homeowner may dispute a submission.
const DefaultDisputeWindow = 5 * 24 * time.Hour

// Evidence is a reference to a photo, video or document proving the work.
type Evidence struct {
	Kind    string `json:"kind"`
	URL     string `json:"url"`
	Caption string `json:"caption,omitempty"`
}

// Completion is a submission that a milestone, or the whole job when
// MilestoneID is empty, is done. DisputeWindowExpiresAt is fixed at
// submission and never recomputed.
type Completion struct {
	ID                     string       `json:"id"`
	ContractID             string       `json:"contract_id"`
	MilestoneID            string       `json:"milestone_id,omitempty"`
	SubmittedBy            Submitter    `json:"submitted_by"`
	SubmitterID            string       `json:"submitter_id"`
	Evidence               []Evidence   `json:"evidence"`
	Notes                  string       `json:"notes,omitempty"`
	Status                 Status       `json:"status"`
	DisputeWindowExpiresAt time.Time    `json:"dispute_window_expires_at"`
	PayoutStatus           PayoutStatus `json:"payout_status"`
	Rating                 *int         `json:"rating,omitempty"`
	RejectionReason        string       `json:"rejection_reason,omitempty"`
	RequiredFixes          []string     `json:"required_fixes,omitempty"`
	SubmittedAt            time.Time    `json:"submitted_at"`
	ResolvedAt             *time.Time   `json:"resolved_at,omitempty"`
}

// WindowOpen reports whether a dispute may still be raised at now. The
// window is closed from the expiry instant onwards.
func (c Completion) WindowOpen(now time.Time) bool {
	return now.Before(c.DisputeWindowExpiresAt)
}

// TimeRemaining is the time left in the dispute window, never negative.
func (c Completion) TimeRemaining(now time.Time) time.Duration {
	if left := c.DisputeWindowExpiresAt.Sub(now); left > 0 {
		return left
	}
	return 0
}

// Window is the read model for the dispute window.
type Window struct {
	CompletionID string        `json:"completion_id"`
	Open         bool          `json:"open"`
	ExpiresAt    time.Time     `json:"expires_at"`
	Remaining    time.Duration `json:"remaining_ns"`
}

type SubmitRequest struct {
	MilestoneID string     `json:"milestone_id,omitempty"`
	Evidence    []Evidence `json:"evidence"`
	Notes       string     `json:"notes,omitempty"`
}
