package milestone

import (
	"strings"
	"time"

	"contractflow/apperr"
)

// DepositPercent is the share of the contract released as the up-front
// deposit when no explicit milestones are supplied.
const DepositPercent = 25

// BuildDefaultSchedule synthesizes a deposit milestone due at start and a
// final milestone due at the estimated end date. A contract too small to
// carry a non-zero deposit gets a single final entry.
func BuildDefaultSchedule(contractID string, total int64, start, end time.Time, newID func() string) (Plan, error) {
	if total <= 0 {
		return Plan{}, apperr.New(apperr.CodeInvalidArgument, "contract total must be positive")
	}

	deposit := total * DepositPercent / 100
	final := total - deposit

	var plan Plan
	if deposit > 0 {
		plan.add(contractID, newID, KindDeposit, "Project deposit", start, deposit)
	}
	plan.add(contractID, newID, KindFinal, "Final completion", end, final)
	return plan, nil
}

// BuildMilestoneSchedule creates one entry per milestone. Targets must not
// exceed the contract total; any shortfall becomes a trailing balance entry
// due at the estimated end date.
func BuildMilestoneSchedule(contractID string, total int64, end time.Time, inputs []Input, newID func() string) (Plan, error) {
	if total <= 0 {
		return Plan{}, apperr.New(apperr.CodeInvalidArgument, "contract total must be positive")
	}
	if len(inputs) == 0 {
		return Plan{}, apperr.New(apperr.CodeInvalidArgument, "milestone schedule needs at least one milestone")
	}

	var sum int64
	for i, in := range inputs {
		if strings.TrimSpace(in.Title) == "" {
			return Plan{}, apperr.New(apperr.CodeInvalidArgument, "milestone %d has no title", i+1)
		}
		if in.TargetAmount <= 0 {
			return Plan{}, apperr.New(apperr.CodeInvalidArgument, "milestone %q must have a positive amount", in.Title)
		}
		if in.DueDate.IsZero() {
			return Plan{}, apperr.New(apperr.CodeInvalidArgument, "milestone %q has no due date", in.Title)
		}
		sum += in.TargetAmount
		if sum > total {
			return Plan{}, apperr.New(apperr.CodeScheduleOverallocated,
				"milestones allocate more than the contract total of %d", total)
		}
	}

	var plan Plan
	for _, in := range inputs {
		plan.add(contractID, newID, KindMilestone, strings.TrimSpace(in.Title), in.DueDate.UTC(), in.TargetAmount)
	}
	if rest := total - sum; rest > 0 {
		plan.Entries = append(plan.Entries, Entry{
			ID:         newID(),
			ContractID: contractID,
			Kind:       KindBalance,
			Amount:     rest,
			DueDate:    end.UTC(),
			Status:     EntryPending,
			Reason:     "Remaining balance",
			Position:   len(plan.Entries),
		})
	}
	return plan, nil
}

func (p *Plan) add(contractID string, newID func() string, kind Kind, title string, due time.Time, amount int64) {
	m := Milestone{
		ID:           newID(),
		ContractID:   contractID,
		Title:        title,
		DueDate:      due.UTC(),
		TargetAmount: amount,
		Status:       StatusPending,
		Position:     len(p.Milestones),
	}
	p.Milestones = append(p.Milestones, m)
	p.Entries = append(p.Entries, Entry{
		ID:          newID(),
		ContractID:  contractID,
		MilestoneID: m.ID,
		Kind:        kind,
		Amount:      amount,
		DueDate:     m.DueDate,
		Status:      EntryPending,
		Reason:      title,
		Position:    len(p.Entries),
	})
}
