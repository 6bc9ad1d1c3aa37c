package milestone

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"contractflow/actor"
	"contractflow/apperr"
	"contractflow/audit"
	"contractflow/db"
	"contractflow/metrics"
)

// Locker takes the per-contract lock and checks that the contract is ACTIVE
// and that the actor is one of its parties.
type Locker interface {
	LockActive(ctx context.Context, tx pgx.Tx, contractID string, a actor.Actor) error
}

// Scheduler owns milestone status transitions. It never moves money.
type Scheduler struct {
	pool    db.Pool
	store   Store
	locker  Locker
	audit   audit.Writer
	log     *logrus.Entry
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewScheduler(pool db.Pool, store Store, locker Locker, auditW audit.Writer, log *logrus.Entry, m *metrics.Metrics) *Scheduler {
	if store == nil {
		store = NewRepository()
	}
	if auditW == nil {
		auditW = audit.NewRepository()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{
		pool:    pool,
		store:   store,
		locker:  locker,
		audit:   auditW,
		log:     log.WithField("component", "milestone_scheduler"),
		metrics: m,
		now:     time.Now,
	}
}

// WithClock replaces the scheduler's clock.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

func (s *Scheduler) Start(ctx context.Context, milestoneID string, a actor.Actor) (Milestone, error) {
	return s.transition(ctx, milestoneID, a, audit.ActionMilestoneStarted, nil, func(m Milestone) (Milestone, error) {
		return m.Start()
	})
}

// MarkComplete completes a milestone outside the completion workflow. It
// does not release money.
func (s *Scheduler) MarkComplete(ctx context.Context, milestoneID string, a actor.Actor) (Milestone, error) {
	return s.transition(ctx, milestoneID, a, audit.ActionMilestoneCompleted, nil, func(m Milestone) (Milestone, error) {
		return m.Complete(s.now())
	})
}

func (s *Scheduler) Block(ctx context.Context, milestoneID string, reason string, a actor.Actor) (Milestone, error) {
	return s.transition(ctx, milestoneID, a, audit.ActionMilestoneBlocked, map[string]any{"reason": reason}, func(m Milestone) (Milestone, error) {
		return m.Block(reason)
	})
}

func (s *Scheduler) Unblock(ctx context.Context, milestoneID string, a actor.Actor) (Milestone, error) {
	return s.transition(ctx, milestoneID, a, audit.ActionMilestoneUnblocked, nil, func(m Milestone) (Milestone, error) {
		return m.Unblock()
	})
}

func (s *Scheduler) transition(ctx context.Context, milestoneID string, a actor.Actor, action audit.Action, details map[string]any, apply func(Milestone) (Milestone, error)) (Milestone, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Milestone{}, fmt.Errorf("milestone: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	contractID, err := s.contractOf(ctx, tx, milestoneID)
	if err != nil {
		return Milestone{}, err
	}
	if err := s.locker.LockActive(ctx, tx, contractID, a); err != nil {
		return Milestone{}, err
	}

	m, err := s.store.GetMilestoneForUpdate(ctx, tx, milestoneID)
	if err != nil {
		return Milestone{}, notFound(err)
	}
	next, err := apply(m)
	if err != nil {
		return Milestone{}, err
	}
	if err := s.store.UpdateMilestone(ctx, tx, next); err != nil {
		return Milestone{}, err
	}
	if err := s.appendAudit(ctx, tx, next, m.Status, a, action, details); err != nil {
		return Milestone{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, db.MapConflict(fmt.Errorf("milestone: commit tx: %w", err))
	}
	s.metrics.Transition("milestone", string(next.Status))
	return next, nil
}

// CompleteInTx marks a milestone COMPLETED inside a transaction that already
// holds the contract lock. Completing an already completed milestone is a
// no-op so approval replays stay harmless.
func (s *Scheduler) CompleteInTx(ctx context.Context, tx pgx.Tx, milestoneID string, a actor.Actor) (Milestone, error) {
	m, err := s.store.GetMilestoneForUpdate(ctx, tx, milestoneID)
	if err != nil {
		return Milestone{}, notFound(err)
	}
	if m.Status == StatusCompleted {
		return m, nil
	}
	if m.Status == StatusBlocked {
		m, err = m.Unblock()
		if err != nil {
			return Milestone{}, err
		}
	}
	next, err := m.Complete(s.now())
	if err != nil {
		return Milestone{}, err
	}
	if err := s.store.UpdateMilestone(ctx, tx, next); err != nil {
		return Milestone{}, err
	}
	if err := s.appendAudit(ctx, tx, next, m.Status, a, audit.ActionMilestoneCompleted, nil); err != nil {
		return Milestone{}, err
	}
	s.metrics.Transition("milestone", string(next.Status))
	return next, nil
}

// contractOf reads the milestone without a row lock: the contract lock must be
// taken before any row belonging to the contract is locked.
func (s *Scheduler) contractOf(ctx context.Context, tx pgx.Tx, milestoneID string) (string, error) {
	m, err := s.store.GetMilestone(ctx, tx, milestoneID)
	if err != nil {
		return "", notFound(err)
	}
	return m.ContractID, nil
}

func (s *Scheduler) appendAudit(ctx context.Context, tx pgx.Tx, m Milestone, from Status, a actor.Actor, action audit.Action, details map[string]any) error {
	d := map[string]any{"milestone_id": m.ID, "from": string(from), "to": string(m.Status)}
	for k, v := range details {
		d[k] = v
	}
	return s.audit.Append(ctx, tx, audit.Entry{
		ContractID: m.ContractID,
		Action:     action,
		Actor:      a.String(),
		Timestamp:  s.now().UTC(),
		Details:    d,
	})
}

// Milestones lists a contract's milestones in schedule order.
func (s *Scheduler) Milestones(ctx context.Context, contractID string) ([]Milestone, error) {
	return s.store.ListMilestones(ctx, s.pool, contractID)
}

// Entries lists a contract's release schedule in order.
func (s *Scheduler) Entries(ctx context.Context, contractID string) ([]Entry, error) {
	return s.store.ListEntries(ctx, s.pool, contractID)
}

func notFound(err error) error {
	if errors.Is(err, ErrMilestoneNotFound) || errors.Is(err, ErrEntryNotFound) {
		return apperr.Wrap(apperr.CodeNotFound, err, "%v", err)
	}
	return err
}
