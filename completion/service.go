package completion

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"contractflow/actor"
	"contractflow/apperr"
	"contractflow/audit"
	"contractflow/contract"
	"contractflow/db"
	"contractflow/dispute"
	"contractflow/metrics"
	"contractflow/milestone"
	"contractflow/outbox"
	"contractflow/reputation"
)

type Deps struct {
	Store      Store
	Schedule   milestone.Store
	Milestones *milestone.Scheduler
	Disputes   *dispute.Service
	Reputation *reputation.Service
	Audit      audit.Writer
	Outbox     outbox.Enqueuer
	Window     time.Duration
	Log        *logrus.Entry
	Metrics    *metrics.Metrics
	Now        func() time.Time
	NewID      func() string
}

// Service runs the completion workflow: evidence in, then approval with
// payout, rejection with funds held, or a dispute inside the window.
type Service struct {
	pool       db.Pool
	store      Store
	schedule   milestone.Store
	milestones *milestone.Scheduler
	contracts  *contract.Service
	disputes   *dispute.Service
	reputation *reputation.Service
	audit      audit.Writer
	outbox     outbox.Enqueuer
	window     time.Duration
	log        *logrus.Entry
	metrics    *metrics.Metrics
	now        func() time.Time
	newID      func() string
}

func NewService(pool db.Pool, contracts *contract.Service, d Deps) *Service {
	if d.Store == nil {
		d.Store = NewRepository()
	}
	if d.Schedule == nil {
		d.Schedule = milestone.NewRepository()
	}
	if d.Audit == nil {
		d.Audit = audit.NewRepository()
	}
	if d.Outbox == nil {
		d.Outbox = outbox.NewRepository()
	}
	if d.Log == nil {
		d.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	if d.Window <= 0 {
		d.Window = DefaultDisputeWindow
	}
	if d.Milestones == nil {
		d.Milestones = milestone.NewScheduler(pool, d.Schedule, contracts, d.Audit, d.Log, d.Metrics).WithClock(d.Now)
	}
	if d.Disputes == nil {
		d.Disputes = dispute.NewService(pool, contracts, dispute.Deps{
			Audit:   d.Audit,
			Outbox:  d.Outbox,
			Log:     d.Log,
			Metrics: d.Metrics,
			Now:     d.Now,
			NewID:   d.NewID,
		})
	}
	if d.Reputation == nil {
		d.Reputation = reputation.NewService(pool, nil)
	}
	return &Service{
		pool:       pool,
		store:      d.Store,
		schedule:   d.Schedule,
		milestones: d.Milestones,
		contracts:  contracts,
		disputes:   d.Disputes,
		reputation: d.Reputation,
		audit:      d.Audit,
		outbox:     d.Outbox,
		window:     d.Window,
		log:        d.Log.WithField("component", "completion_workflow"),
		metrics:    d.Metrics,
		now:        d.Now,
		newID:      d.NewID,
	}
}

// Submit records evidence that work is done. Targeted HELD entries from an
// earlier rejection go back to PENDING.
func (s *Service) Submit(ctx context.Context, contractID string, req SubmitRequest, a actor.Actor) (Completion, error) {
	evidence := cleanEvidence(req.Evidence)
	if len(evidence) == 0 {
		return Completion{}, apperr.New(apperr.CodeInsufficientEvidence, "at least one evidence item is required")
	}

	var out Completion
	err := s.contracts.Ledger().InTx(ctx, func(tx pgx.Tx) error {
		c, err := s.contracts.Lock(ctx, tx, contractID)
		if err != nil {
			return err
		}
		var by Submitter
		switch {
		case c.IsContractor(a):
			by = SubmittedByContractor
		case c.IsHomeowner(a):
			by = SubmittedByHomeowner
		default:
			return apperr.New(apperr.CodeForbidden, "only contract parties can submit a completion")
		}
		if c.Status != contract.StatusActive {
			return apperr.New(apperr.CodeInvalidStateTransition, "contract %s is %s, completions need an ACTIVE contract", c.ID, c.Status)
		}
		if req.MilestoneID != "" {
			m, err := s.schedule.GetMilestone(ctx, tx, req.MilestoneID)
			if err != nil || m.ContractID != c.ID {
				return apperr.New(apperr.CodeNotFound, "milestone %s not found on contract %s", req.MilestoneID, c.ID)
			}
			if m.Status == milestone.StatusCompleted {
				return apperr.New(apperr.CodeInvalidStateTransition, "milestone %s is already completed", m.ID)
			}
		}
		if err := s.ensureNoPending(ctx, tx, c.ID, req.MilestoneID); err != nil {
			return err
		}

		targets, err := s.targets(ctx, tx, c.ID, req.MilestoneID, func(e milestone.Entry) bool {
			return e.Status == milestone.EntryPending || e.Status == milestone.EntryHeld
		})
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			return apperr.New(apperr.CodeInvalidStateTransition, "nothing left to complete on contract %s", c.ID)
		}
		for _, e := range targets {
			if e.Status != milestone.EntryHeld {
				continue
			}
			restored, err := e.Restore()
			if err != nil {
				return err
			}
			if err := s.schedule.UpdateEntry(ctx, tx, restored); err != nil {
				return err
			}
		}

		now := s.now().UTC()
		comp := Completion{
			ID:                     s.newID(),
			ContractID:             c.ID,
			MilestoneID:            req.MilestoneID,
			SubmittedBy:            by,
			SubmitterID:            a.ID,
			Evidence:               evidence,
			Notes:                  strings.TrimSpace(req.Notes),
			Status:                 StatusPendingApproval,
			DisputeWindowExpiresAt: now.Add(s.window),
			PayoutStatus:           PayoutPending,
			SubmittedAt:            now,
		}
		if err := s.store.Insert(ctx, tx, comp); err != nil {
			return err
		}
		if err := s.appendAudit(ctx, tx, comp, audit.ActionCompletionSubmitted, a, map[string]any{
			"evidence_items":            len(comp.Evidence),
			"dispute_window_expires_at": comp.DisputeWindowExpiresAt,
			"targets":                   len(targets),
		}); err != nil {
			return err
		}
		if err := s.notify(ctx, tx, outbox.TopicCompletionSubmitted, c, comp); err != nil {
			return err
		}
		out = comp
		return nil
	})
	if err == nil {
		s.metrics.Transition("completion", string(StatusPendingApproval))
	}
	return out, err
}

// ensureNoPending rejects a submission that overlaps one still awaiting
// approval. A whole-job submission overlaps everything.
func (s *Service) ensureNoPending(ctx context.Context, tx pgx.Tx, contractID, milestoneID string) error {
	existing, err := s.store.ListByContract(ctx, tx, contractID)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.Status != StatusPendingApproval {
			continue
		}
		if milestoneID == "" || e.MilestoneID == "" || e.MilestoneID == milestoneID {
			return apperr.New(apperr.CodeInvalidStateTransition, "completion %s is already awaiting approval", e.ID)
		}
	}
	return nil
}

// targets lists the schedule entries a completion covers: those linked to
// its milestone, or every entry for a whole-job completion.
func (s *Service) targets(ctx context.Context, tx pgx.Tx, contractID, milestoneID string, keep func(milestone.Entry) bool) ([]milestone.Entry, error) {
	entries, err := s.schedule.ListEntries(ctx, tx, contractID)
	if err != nil {
		return nil, err
	}
	out := make([]milestone.Entry, 0, len(entries))
	for _, e := range entries {
		if milestoneID != "" && e.MilestoneID != milestoneID {
			continue
		}
		if keep(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Approve accepts the work, releases the covered entries to the contractor
// and records the homeowner's rating.
func (s *Service) Approve(ctx context.Context, completionID string, rating int, a actor.Actor) (Completion, error) {
	if err := reputation.ValidScore(rating); err != nil {
		return Completion{}, err
	}
	var out Completion
	err := s.contracts.Ledger().InTx(ctx, func(tx pgx.Tx) error {
		c, comp, err := s.lock(ctx, tx, completionID)
		if err != nil {
			return err
		}
		if !c.IsHomeowner(a) && !a.IsOperator() {
			return apperr.New(apperr.CodeForbidden, "only the homeowner can approve a completion")
		}
		if comp.Status != StatusPendingApproval {
			return apperr.New(apperr.CodeInvalidStateTransition, "completion %s cannot move from %s to %s", comp.ID, comp.Status, StatusApproved)
		}
		if c.Status != contract.StatusActive {
			return apperr.New(apperr.CodeInvalidStateTransition, "contract %s is %s, funds cannot be released", c.ID, c.Status)
		}

		targets, err := s.targets(ctx, tx, c.ID, comp.MilestoneID, func(e milestone.Entry) bool {
			return e.Status == milestone.EntryPending
		})
		if err != nil {
			return err
		}
		var released int64
		for _, e := range targets {
			res, err := s.contracts.ReleaseInTx(ctx, tx, c, e.ID, "completion "+comp.ID+" approved", a)
			if err != nil {
				return err
			}
			c = res.Contract
			released += e.Amount
		}
		if err := s.completeMilestones(ctx, tx, c.ID, comp.MilestoneID, a); err != nil {
			return err
		}

		if _, err := s.reputation.Record(ctx, tx, reputation.Rating{
			ID:           s.newID(),
			ContractorID: c.ContractorID,
			ContractID:   c.ID,
			CompletionID: comp.ID,
			Score:        rating,
			RatedBy:      a.ID,
			CreatedAt:    s.now().UTC(),
		}); err != nil {
			return err
		}

		resolved := s.now().UTC()
		comp.Status = StatusApproved
		comp.PayoutStatus = PayoutReleased
		comp.Rating = &rating
		comp.ResolvedAt = &resolved
		if err := s.store.Update(ctx, tx, comp); err != nil {
			return err
		}
		if err := s.appendAudit(ctx, tx, comp, audit.ActionCompletionApproved, a, map[string]any{
			"rating":          rating,
			"released_amount": released,
			"entries":         len(targets),
		}); err != nil {
			return err
		}
		if err := s.notify(ctx, tx, outbox.TopicCompletionApproved, c, comp); err != nil {
			return err
		}
		out = comp
		return nil
	})
	if err == nil {
		s.metrics.Transition("completion", string(StatusApproved))
	}
	return out, err
}

func (s *Service) completeMilestones(ctx context.Context, tx pgx.Tx, contractID, milestoneID string, a actor.Actor) error {
	if milestoneID != "" {
		_, err := s.milestones.CompleteInTx(ctx, tx, milestoneID, a)
		return err
	}
	ms, err := s.schedule.ListMilestones(ctx, tx, contractID)
	if err != nil {
		return err
	}
	for _, m := range ms {
		if m.Status == milestone.StatusCompleted {
			continue
		}
		if _, err := s.milestones.CompleteInTx(ctx, tx, m.ID, a); err != nil {
			return err
		}
	}
	return nil
}

// Reject sends the work back. Covered entries stay in escrow as HELD until
// a resubmission; the contract remains ACTIVE.
func (s *Service) Reject(ctx context.Context, completionID, reason string, fixes []string, a actor.Actor) (Completion, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Completion{}, apperr.New(apperr.CodeInvalidArgument, "a rejection reason is required")
	}
	var out Completion
	err := s.contracts.Ledger().InTx(ctx, func(tx pgx.Tx) error {
		c, comp, err := s.lock(ctx, tx, completionID)
		if err != nil {
			return err
		}
		if !c.IsHomeowner(a) && !a.IsOperator() {
			return apperr.New(apperr.CodeForbidden, "only the homeowner can reject a completion")
		}
		if comp.Status != StatusPendingApproval {
			return apperr.New(apperr.CodeInvalidStateTransition, "completion %s cannot move from %s to %s", comp.ID, comp.Status, StatusRejected)
		}

		targets, err := s.targets(ctx, tx, c.ID, comp.MilestoneID, func(e milestone.Entry) bool {
			return e.Status == milestone.EntryPending
		})
		if err != nil {
			return err
		}
		for _, e := range targets {
			held, err := e.Hold("completion rejected: " + reason)
			if err != nil {
				return err
			}
			if err := s.schedule.UpdateEntry(ctx, tx, held); err != nil {
				return err
			}
		}

		resolved := s.now().UTC()
		comp.Status = StatusRejected
		comp.PayoutStatus = PayoutHeldInEscrow
		comp.RejectionReason = reason
		comp.RequiredFixes = cleanLines(fixes)
		comp.ResolvedAt = &resolved
		if err := s.store.Update(ctx, tx, comp); err != nil {
			return err
		}
		if err := s.appendAudit(ctx, tx, comp, audit.ActionCompletionRejected, a, map[string]any{
			"reason":         reason,
			"required_fixes": comp.RequiredFixes,
			"entries_held":   len(targets),
		}); err != nil {
			return err
		}
		if err := s.notify(ctx, tx, outbox.TopicCompletionRejected, c, comp); err != nil {
			return err
		}
		out = comp
		return nil
	})
	if err == nil {
		s.metrics.Transition("completion", string(StatusRejected))
	}
	return out, err
}

// InitiateDispute disputes a completion while its window is open. Escrow
// goes on hold and a dispute record is opened.
func (s *Service) InitiateDispute(ctx context.Context, completionID, reason string, a actor.Actor) (Completion, dispute.Record, error) {
	var (
		out Completion
		rec dispute.Record
	)
	err := s.contracts.Ledger().InTx(ctx, func(tx pgx.Tx) error {
		c, comp, err := s.lock(ctx, tx, completionID)
		if err != nil {
			return err
		}
		if !c.IsParty(a) && !a.IsOperator() {
			return apperr.New(apperr.CodeForbidden, "only contract parties can dispute a completion")
		}
		if comp.Status != StatusPendingApproval && comp.Status != StatusRejected {
			return apperr.New(apperr.CodeInvalidStateTransition, "completion %s cannot move from %s to %s", comp.ID, comp.Status, StatusDisputed)
		}
		if now := s.now(); !comp.WindowOpen(now) {
			return apperr.New(apperr.CodeDisputeWindowClosed, "dispute window for completion %s closed at %s",
				comp.ID, comp.DisputeWindowExpiresAt.Format(time.RFC3339))
		}

		rec, err = s.disputes.OpenInTx(ctx, tx, c, comp.ID, reason, a)
		if err != nil {
			return err
		}
		comp.Status = StatusDisputed
		comp.PayoutStatus = PayoutHeldInEscrow
		if err := s.store.Update(ctx, tx, comp); err != nil {
			return err
		}
		if err := s.appendAudit(ctx, tx, comp, audit.ActionCompletionDisputed, a, map[string]any{
			"dispute_id": rec.ID,
			"reason":     rec.Reason,
		}); err != nil {
			return err
		}
		out = comp
		return nil
	})
	if err == nil {
		s.metrics.Transition("completion", string(StatusDisputed))
	}
	return out, rec, err
}

// lock takes the contract lock, then the completion row.
func (s *Service) lock(ctx context.Context, tx pgx.Tx, completionID string) (contract.Contract, Completion, error) {
	comp, err := s.store.Get(ctx, tx, completionID)
	if err != nil {
		return contract.Contract{}, Completion{}, notFound(err)
	}
	c, err := s.contracts.Lock(ctx, tx, comp.ContractID)
	if err != nil {
		return contract.Contract{}, Completion{}, err
	}
	comp, err = s.store.GetForUpdate(ctx, tx, completionID)
	if err != nil {
		return contract.Contract{}, Completion{}, notFound(err)
	}
	return c, comp, nil
}

func (s *Service) appendAudit(ctx context.Context, tx pgx.Tx, comp Completion, action audit.Action, a actor.Actor, details map[string]any) error {
	d := map[string]any{"completion_id": comp.ID, "status": string(comp.Status)}
	if comp.MilestoneID != "" {
		d["milestone_id"] = comp.MilestoneID
	}
	for k, v := range details {
		d[k] = v
	}
	return s.audit.Append(ctx, tx, audit.Entry{
		ContractID: comp.ContractID,
		Action:     action,
		Actor:      a.String(),
		Timestamp:  s.now().UTC(),
		Details:    d,
	})
}

func (s *Service) notify(ctx context.Context, tx pgx.Tx, topic string, c contract.Contract, comp Completion) error {
	return s.outbox.Enqueue(ctx, tx, topic, map[string]any{
		"completion_id":             comp.ID,
		"contract_id":               c.ID,
		"milestone_id":              comp.MilestoneID,
		"homeowner_id":              c.HomeownerID,
		"contractor_id":             c.ContractorID,
		"status":                    string(comp.Status),
		"payout_status":             string(comp.PayoutStatus),
		"dispute_window_expires_at": comp.DisputeWindowExpiresAt,
	})
}

func (s *Service) Get(ctx context.Context, completionID string) (Completion, error) {
	comp, err := s.store.Get(ctx, s.pool, completionID)
	if err != nil {
		return Completion{}, notFound(err)
	}
	return comp, nil
}

func (s *Service) ListForContract(ctx context.Context, contractID string) ([]Completion, error) {
	if _, err := s.contracts.Get(ctx, contractID); err != nil {
		return nil, err
	}
	return s.store.ListByContract(ctx, s.pool, contractID)
}

// WindowStatus reports whether the completion can still be disputed.
func (s *Service) WindowStatus(ctx context.Context, completionID string) (Window, error) {
	comp, err := s.Get(ctx, completionID)
	if err != nil {
		return Window{}, err
	}
	now := s.now()
	return Window{
		CompletionID: comp.ID,
		Open:         comp.WindowOpen(now),
		ExpiresAt:    comp.DisputeWindowExpiresAt,
		Remaining:    comp.TimeRemaining(now),
	}, nil
}

// Disputes exposes the resolver the workflow opens disputes through.
func (s *Service) Disputes() *dispute.Service { return s.disputes }

// Milestones exposes the scheduler used for milestone completion.
func (s *Service) Milestones() *milestone.Scheduler { return s.milestones }

func cleanEvidence(in []Evidence) []Evidence {
	out := make([]Evidence, 0, len(in))
	for _, e := range in {
		e.URL = strings.TrimSpace(e.URL)
		if e.URL == "" {
			continue
		}
		e.Kind = strings.ToLower(strings.TrimSpace(e.Kind))
		if e.Kind == "" {
			e.Kind = "photo"
		}
		e.Caption = strings.TrimSpace(e.Caption)
		out = append(out, e)
	}
	return out
}

func cleanLines(in []string) []string {
	out := make([]string, 0, len(in))
	for _, line := range in {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func notFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return apperr.Wrap(apperr.CodeNotFound, err, "completion not found")
	}
	return err
}
