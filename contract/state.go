package contract

import (
	"time"

	"contractflow/apperr"
	"contractflow/audit"
)

// transitions is the complete contract state graph.
var transitions = map[Status][]Status{
	StatusDraft:             {StatusPendingAcceptance},
	StatusPendingAcceptance: {StatusAccepted},
	StatusAccepted:          {StatusActive, StatusCancelled},
	StatusActive:            {StatusCompleted, StatusDisputed, StatusCancelled},
	StatusDisputed:          {StatusCompleted, StatusCancelled, StatusActive},
}

// CanTransition reports whether from -> to is an edge of the graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (c Contract) moveTo(to Status, at time.Time) (Contract, error) {
	if !CanTransition(c.Status, to) {
		return c, apperr.New(apperr.CodeInvalidStateTransition, "contract %s cannot move from %s to %s", c.ID, c.Status, to)
	}
	at = at.UTC()
	switch to {
	case StatusAccepted:
		c.AcceptedAt = &at
	case StatusCompleted:
		c.CompletedAt = &at
	case StatusCancelled:
		c.CancelledAt = &at
	}
	c.Status = to
	return c, nil
}

func (c Contract) Offer(at time.Time) (Contract, error)    { return c.moveTo(StatusPendingAcceptance, at) }
func (c Contract) Accept(at time.Time) (Contract, error)   { return c.moveTo(StatusAccepted, at) }
func (c Contract) Complete(at time.Time) (Contract, error) { return c.moveTo(StatusCompleted, at) }
func (c Contract) Dispute(at time.Time) (Contract, error)  { return c.moveTo(StatusDisputed, at) }

// Activate moves an accepted contract to ACTIVE once its deposit is in.
func (c Contract) Activate(at time.Time) (Contract, error) {
	if c.Status != StatusAccepted {
		return c, apperr.New(apperr.CodeInvalidStateTransition, "contract %s cannot be activated from %s", c.ID, c.Status)
	}
	return c.moveTo(StatusActive, at)
}

// Resume returns a disputed contract to ACTIVE for rework.
func (c Contract) Resume(at time.Time) (Contract, error) {
	if c.Status != StatusDisputed {
		return c, apperr.New(apperr.CodeInvalidStateTransition, "contract %s is not disputed", c.ID)
	}
	return c.moveTo(StatusActive, at)
}

func (c Contract) Cancel(at time.Time, reason string) (Contract, error) {
	next, err := c.moveTo(StatusCancelled, at)
	if err != nil {
		return c, err
	}
	next.CancellationReason = reason
	return next, nil
}

// actionFor names the audit action recorded for entering status to.
func actionFor(from, to Status) audit.Action {
	switch to {
	case StatusPendingAcceptance:
		return audit.ActionContractOffered
	case StatusAccepted:
		return audit.ActionContractAccepted
	case StatusActive:
		if from == StatusDisputed {
			return audit.ActionContractResumed
		}
		return audit.ActionContractActivated
	case StatusCompleted:
		return audit.ActionContractCompleted
	case StatusDisputed:
		return audit.ActionContractDisputed
	case StatusCancelled:
		return audit.ActionContractCancelled
	default:
		return audit.ActionContractCreated
	}
}
