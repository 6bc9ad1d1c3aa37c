package milestone

import (
	"strings"
	"time"

	"contractflow/apperr"
)

func invalid(kind string, from, to any) error {
	return apperr.New(apperr.CodeInvalidStateTransition, "%s cannot move from %v to %v", kind, from, to)
}

// Start moves a pending milestone into progress.
func (m Milestone) Start() (Milestone, error) {
	if m.Status != StatusPending {
		return m, invalid("milestone", m.Status, StatusInProgress)
	}
	m.Status = StatusInProgress
	return m, nil
}

// Complete is valid from PENDING or IN_PROGRESS. A blocked milestone must be
// unblocked first.
func (m Milestone) Complete(at time.Time) (Milestone, error) {
	if m.Status != StatusPending && m.Status != StatusInProgress {
		return m, invalid("milestone", m.Status, StatusCompleted)
	}
	at = at.UTC()
	m.Status = StatusCompleted
	m.CompletionDate = &at
	return m, nil
}

func (m Milestone) Block(reason string) (Milestone, error) {
	if m.Status != StatusPending && m.Status != StatusInProgress {
		return m, invalid("milestone", m.Status, StatusBlocked)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return m, apperr.New(apperr.CodeInvalidArgument, "a block reason is required")
	}
	m.Status = StatusBlocked
	m.BlockedReason = reason
	return m, nil
}

func (m Milestone) Unblock() (Milestone, error) {
	if m.Status != StatusBlocked {
		return m, invalid("milestone", m.Status, StatusInProgress)
	}
	m.Status = StatusInProgress
	m.BlockedReason = ""
	return m, nil
}

// Release marks a pending entry as paid out.
func (e Entry) Release(at time.Time, note string) (Entry, error) {
	if e.Status != EntryPending {
		return e, invalid("schedule entry", e.Status, EntryReleased)
	}
	at = at.UTC()
	e.Status = EntryReleased
	e.ReleaseDate = &at
	if note = strings.TrimSpace(note); note != "" {
		e.Reason = note
	}
	return e, nil
}

// Hold parks a pending entry after a rejected completion.
func (e Entry) Hold(reason string) (Entry, error) {
	if e.Status != EntryPending && e.Status != EntryHeld {
		return e, invalid("schedule entry", e.Status, EntryHeld)
	}
	e.Status = EntryHeld
	if reason = strings.TrimSpace(reason); reason != "" {
		e.Reason = reason
	}
	return e, nil
}

// Dispute freezes an open entry while a dispute is pending.
func (e Entry) Dispute() (Entry, error) {
	if e.Status != EntryPending && e.Status != EntryHeld {
		return e, invalid("schedule entry", e.Status, EntryDisputed)
	}
	e.Status = EntryDisputed
	return e, nil
}

// Restore returns a held or disputed entry to PENDING.
func (e Entry) Restore() (Entry, error) {
	switch e.Status {
	case EntryPending:
		return e, nil
	case EntryHeld, EntryDisputed:
		e.Status = EntryPending
		return e, nil
	default:
		return e, invalid("schedule entry", e.Status, EntryPending)
	}
}

// Cancel voids an entry whose money left escrow some other way.
func (e Entry) Cancel(reason string) (Entry, error) {
	if !e.Open() {
		return e, invalid("schedule entry", e.Status, EntryCancelled)
	}
	e.Status = EntryCancelled
	if reason = strings.TrimSpace(reason); reason != "" {
		e.Reason = reason
	}
	return e, nil
}
