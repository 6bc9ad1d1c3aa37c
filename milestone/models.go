package milestone

import "time"

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusBlocked    Status = "BLOCKED"
)

type Milestone struct {
	ID             string     `json:"id"`
	ContractID     string     `json:"contract_id"`
	Title          string     `json:"title"`
	DueDate        time.Time  `json:"due_date"`
	TargetAmount   int64      `json:"target_amount"`
	Status         Status     `json:"status"`
	CompletionDate *time.Time `json:"completion_date,omitempty"`
	BlockedReason  string     `json:"blocked_reason,omitempty"`
	Position       int        `json:"position"`
}

// EntryStatus tracks a scheduled disbursement. RELEASED is final.
type EntryStatus string

const (
	EntryPending   EntryStatus = "PENDING"
	EntryReleased  EntryStatus = "RELEASED"
	EntryHeld      EntryStatus = "HELD"
	EntryDisputed  EntryStatus = "DISPUTED"
	EntryCancelled EntryStatus = "CANCELLED"
)

type Kind string

const (
	KindDeposit   Kind = "DEPOSIT"
	KindFinal     Kind = "FINAL"
	KindMilestone Kind = "MILESTONE"
	KindBalance   Kind = "BALANCE"
)

// Entry is one row of a contract's release schedule. EscrowAccountID is empty
// until the contract is accepted and its account opened.
type Entry struct {
	ID              string      `json:"id"`
	ContractID      string      `json:"contract_id"`
	EscrowAccountID string      `json:"escrow_account_id,omitempty"`
	MilestoneID     string      `json:"milestone_id,omitempty"`
	Kind            Kind        `json:"kind"`
	Amount          int64       `json:"amount"`
	DueDate         time.Time   `json:"due_date"`
	Status          EntryStatus `json:"status"`
	ReleaseDate     *time.Time  `json:"release_date,omitempty"`
	Reason          string      `json:"reason,omitempty"`
	Position        int         `json:"position"`
}

// Open reports whether the entry still represents undisbursed money.
func (e Entry) Open() bool {
	switch e.Status {
	case EntryPending, EntryHeld, EntryDisputed:
		return true
	default:
		return false
	}
}

// Input describes a milestone proposed in bid terms.
type Input struct {
	Title        string    `json:"title"`
	DueDate      time.Time `json:"due_date"`
	TargetAmount int64     `json:"target_amount"`
}

// Plan is the milestone set and schedule derived for a new contract.
type Plan struct {
	Milestones []Milestone
	Entries    []Entry
}

// Total sums the schedule's entry amounts.
func (p Plan) Total() int64 {
	var sum int64
	for _, e := range p.Entries {
		sum += e.Amount
	}
	return sum
}
