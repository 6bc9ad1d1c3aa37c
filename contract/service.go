package contract

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
	"contractflow/db"
	"contractflow/escrow"
	"contractflow/metrics"
	"contractflow/milestone"
	"contractflow/outbox"
)

// AuditLog is the trail as the lifecycle uses it: append inside a
// transaction, list for support and replay.
type AuditLog interface {
	audit.Writer
	audit.Reader
}

type Deps struct {
	Store    Store
	Schedule milestone.Store
	Ledger   *escrow.Ledger
	Audit    AuditLog
	Outbox   outbox.Enqueuer
	Log      *logrus.Entry
	Metrics  *metrics.Metrics
	Now      func() time.Time
	NewID    func() string
}

// defaultDuration is used when bid terms carry no estimated end date.
const defaultDuration = 30 * 24 * time.Hour

// Service is the contract state machine. Every mutating call locks the
// contract row first, so operations on one contract are serialized while
// different contracts proceed in parallel.
type Service struct {
	pool     db.Pool
	store    Store
	schedule milestone.Store
	ledger   *escrow.Ledger
	audit    AuditLog
	outbox   outbox.Enqueuer
	log      *logrus.Entry
	metrics  *metrics.Metrics
	now      func() time.Time
	newID    func() string
}

func NewService(pool db.Pool, d Deps) *Service {
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
	if d.Ledger == nil {
		d.Ledger = escrow.NewLedger(pool, escrow.Deps{
			Schedule: d.Schedule,
			Audit:    d.Audit,
			Outbox:   d.Outbox,
			Log:      d.Log,
			Metrics:  d.Metrics,
			Now:      d.Now,
			NewID:    d.NewID,
		})
	}
	return &Service{
		pool:     pool,
		store:    d.Store,
		schedule: d.Schedule,
		ledger:   d.Ledger,
		audit:    d.Audit,
		outbox:   d.Outbox,
		log:      d.Log.WithField("component", "contract_lifecycle"),
		metrics:  d.Metrics,
		now:      d.Now,
		newID:    d.NewID,
	}
}

// Ledger exposes the escrow ledger the service moves money through.
func (s *Service) Ledger() *escrow.Ledger { return s.ledger }

// Create drafts a contract from accepted bid terms together with its
// milestones and release schedule. Replaying the same bid returns the
// contract created the first time.
func (s *Service) Create(ctx context.Context, terms BidTerms, a actor.Actor) (Contract, error) {
	if err := validateTerms(terms); err != nil {
		return Contract{}, err
	}
	if !a.IsSystem() && !a.IsOperator() && a.ID != terms.HomeownerID {
		return Contract{}, apperr.New(apperr.CodeForbidden, "only the homeowner can contract a bid")
	}

	now := s.now().UTC()
	start := terms.StartDate.UTC()
	if start.IsZero() {
		start = now
	}
	end := terms.EstimatedEndDate.UTC()
	if end.IsZero() {
		end = start.Add(defaultDuration)
	}
	if end.Before(start) {
		return Contract{}, apperr.New(apperr.CodeInvalidArgument, "estimated end date precedes start date")
	}

	c := Contract{
		ID:               s.newID(),
		BidID:            terms.BidID,
		JobID:            terms.JobID,
		HomeownerID:      terms.HomeownerID,
		ContractorID:     terms.ContractorID,
		TotalAmount:      terms.Amount,
		ScopeOfWork:      cleanLines(terms.ScopeOfWork),
		Status:           StatusDraft,
		StartDate:        start,
		EstimatedEndDate: end,
		CreatedAt:        now,
		Version:          1,
		UpdatedAt:        now,
	}

	var plan milestone.Plan
	var err error
	if len(terms.Milestones) > 0 {
		plan, err = milestone.BuildMilestoneSchedule(c.ID, c.TotalAmount, end, terms.Milestones, s.newID)
	} else {
		plan, err = milestone.BuildDefaultSchedule(c.ID, c.TotalAmount, start, end, s.newID)
	}
	if err != nil {
		return Contract{}, err
	}

	var out Contract
	err = s.ledger.InTx(ctx, func(tx pgx.Tx) error {
		existing, err := s.store.GetByBid(ctx, tx, terms.BidID)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, ErrContractNotFound) {
			return err
		}

		if err := s.store.Insert(ctx, tx, c); err != nil {
			return err
		}
		if err := s.schedule.InsertMilestones(ctx, tx, plan.Milestones); err != nil {
			return err
		}
		if err := s.schedule.InsertEntries(ctx, tx, plan.Entries); err != nil {
			return err
		}
		if err := s.appendAudit(ctx, tx, c.ID, audit.ActionContractCreated, a, map[string]any{
			"bid_id":        c.BidID,
			"total_amount":  c.TotalAmount,
			"milestones":    len(plan.Milestones),
			"schedule_size": len(plan.Entries),
		}); err != nil {
			return err
		}
		if err := s.outbox.Enqueue(ctx, tx, outbox.TopicContractCreated, map[string]any{
			"contract_id":   c.ID,
			"bid_id":        c.BidID,
			"job_id":        c.JobID,
			"homeowner_id":  c.HomeownerID,
			"contractor_id": c.ContractorID,
			"total_amount":  c.TotalAmount,
		}); err != nil {
			return err
		}
		out = c
		return nil
	})
	if errors.Is(err, ErrDuplicateBid) {
		return s.findByBid(ctx, terms.BidID)
	}
	if err != nil {
		return Contract{}, err
	}
	if out.ID == c.ID {
		s.metrics.Transition("contract", string(StatusDraft))
	}
	return out, nil
}

func (s *Service) findByBid(ctx context.Context, bidID string) (Contract, error) {
	c, err := s.store.GetByBid(ctx, s.pool, bidID)
	if err != nil {
		return Contract{}, notFound(err)
	}
	return c, nil
}

// Offer sends a draft to the contractor for acceptance.
func (s *Service) Offer(ctx context.Context, contractID string, a actor.Actor) (Contract, error) {
	var out Contract
	err := s.ledger.InTx(ctx, func(tx pgx.Tx) error {
		c, err := s.Lock(ctx, tx, contractID)
		if err != nil {
			return err
		}
		if !c.IsHomeowner(a) {
			return apperr.New(apperr.CodeForbidden, "only the homeowner can offer the contract")
		}
		next, err := c.Offer(s.now())
		if err != nil {
			return err
		}
		out, err = s.save(ctx, tx, c, next, a, nil)
		return err
	})
	return out, err
}

// AcceptResult is the contract after acceptance with its funded account.
type AcceptResult struct {
	Contract Contract       `json:"contract"`
	Account  escrow.Account `json:"escrow_account"`
}

// Accept opens escrow for the full total, charges the homeowner and
// activates the contract. Each step writes its own audit entry. Accepting
// anything but a PENDING_ACCEPTANCE contract is an invalid transition.
func (s *Service) Accept(ctx context.Context, contractID string, a actor.Actor) (AcceptResult, error) {
	var out AcceptResult
	err := s.ledger.InTx(ctx, func(tx pgx.Tx) error {
		c, err := s.Lock(ctx, tx, contractID)
		if err != nil {
			return err
		}
		if !c.IsContractor(a) {
			return apperr.New(apperr.CodeForbidden, "only the contractor can accept the contract")
		}

		accepted, err := c.Accept(s.now())
		if err != nil {
			return err
		}
		c, err = s.save(ctx, tx, c, accepted, a, nil)
		if err != nil {
			return err
		}

		acc, err := s.ledger.Open(ctx, tx, c.Parties(), c.TotalAmount, a)
		if err != nil {
			return err
		}
		if _, err := s.ledger.Deposit(ctx, tx, c.Parties(), acc.ID, a); err != nil {
			return err
		}

		active, err := c.Activate(s.now())
		if err != nil {
			return err
		}
		c, err = s.save(ctx, tx, c, active, actor.System(), map[string]any{"escrow_account_id": acc.ID})
		if err != nil {
			return err
		}
		out = AcceptResult{Contract: c, Account: acc}
		return nil
	})
	return out, err
}

// ProposeChange records a change order. Nothing else changes until the
// counterparty accepts it.
func (s *Service) ProposeChange(ctx context.Context, contractID string, req ChangeRequest, a actor.Actor) (ChangeOrder, error) {
	if err := validateChange(req); err != nil {
		return ChangeOrder{}, err
	}
	var out ChangeOrder
	err := s.ledger.InTx(ctx, func(tx pgx.Tx) error {
		c, err := s.Lock(ctx, tx, contractID)
		if err != nil {
			return err
		}
		if !c.IsParty(a) {
			return apperr.New(apperr.CodeForbidden, "only contract parties can propose changes")
		}
		if c.Status != StatusAccepted && c.Status != StatusActive {
			return apperr.New(apperr.CodeInvalidStateTransition, "contract %s does not accept change orders in %s", c.ID, c.Status)
		}

		ch := ChangeOrder{
			ID:             s.newID(),
			ContractID:     c.ID,
			Type:           req.Type,
			Description:    strings.TrimSpace(req.Description),
			ExtensionDays:  req.ExtensionDays,
			ScopeAdditions: cleanLines(req.ScopeAdditions),
			ProposedBy:     a.ID,
			Status:         ChangeProposed,
			CreatedAt:      s.now().UTC(),
		}
		if req.Type == ChangePriceAdjustment {
			delta := req.AmountDelta
			ch.ProposedAmount = &delta
		}
		if err := s.store.InsertChange(ctx, tx, ch); err != nil {
			return err
		}
		if err := s.appendAudit(ctx, tx, c.ID, audit.ActionChangeProposed, a, changeDetails(ch)); err != nil {
			return err
		}
		out = ch
		return nil
	})
	return out, err
}

// AcceptChange applies a proposed change. A price adjustment moves the
// contract total and the escrow total in the same transaction.
func (s *Service) AcceptChange(ctx context.Context, contractID, changeID string, a actor.Actor) (Contract, ChangeOrder, error) {
	var (
		out    Contract
		change ChangeOrder
	)
	err := s.ledger.InTx(ctx, func(tx pgx.Tx) error {
		c, ch, err := s.lockChange(ctx, tx, contractID, changeID, a)
		if err != nil {
			return err
		}
		if c.Status != StatusActive {
			return apperr.New(apperr.CodeInvalidStateTransition, "changes can only be accepted on an active contract, contract is %s", c.Status)
		}

		next := c
		switch ch.Type {
		case ChangePriceAdjustment:
			delta := int64(0)
			if ch.ProposedAmount != nil {
				delta = *ch.ProposedAmount
			}
			acc, err := s.ledger.AccountInTx(ctx, tx, c.ID)
			if err != nil {
				return err
			}
			res, err := s.ledger.Adjust(ctx, tx, c.Parties(), acc.ID, delta, escrow.ChangeKey(ch.ID), ch.Description, a)
			if err != nil {
				return err
			}
			next.TotalAmount += delta
			if next.TotalAmount != res.Account.Total {
				return apperr.New(apperr.CodeConservationViolated,
					"contract %s total %d diverges from escrow total %d", c.ID, next.TotalAmount, res.Account.Total)
			}
		case ChangeTimeExtension:
			oldEnd := c.EstimatedEndDate
			next.EstimatedEndDate = oldEnd.AddDate(0, 0, ch.ExtensionDays)
			if err := s.shiftSchedule(ctx, tx, c.ID, oldEnd, next.EstimatedEndDate); err != nil {
				return err
			}
		case ChangeScope:
			next.ScopeOfWork = append(append([]string{}, c.ScopeOfWork...), ch.ScopeAdditions...)
		}

		resolved := s.now().UTC()
		ch.Status = ChangeAccepted
		ch.ResolvedBy = a.ID
		ch.ResolvedAt = &resolved
		if err := s.store.UpdateChange(ctx, tx, ch); err != nil {
			return err
		}

		next.UpdatedAt = resolved
		saved, err := s.store.Update(ctx, tx, next)
		if err != nil {
			return s.staleErr(err, c.ID)
		}
		details := changeDetails(ch)
		details["total_amount"] = saved.TotalAmount
		details["estimated_end_date"] = saved.EstimatedEndDate
		if err := s.appendAudit(ctx, tx, c.ID, audit.ActionChangeAccepted, a, details); err != nil {
			return err
		}
		out, change = saved, ch
		return nil
	})
	return out, change, err
}

// RejectChange closes a proposed change without applying it.
func (s *Service) RejectChange(ctx context.Context, contractID, changeID, reason string, a actor.Actor) (ChangeOrder, error) {
	var out ChangeOrder
	err := s.ledger.InTx(ctx, func(tx pgx.Tx) error {
		c, ch, err := s.lockChange(ctx, tx, contractID, changeID, a)
		if err != nil {
			return err
		}
		resolved := s.now().UTC()
		ch.Status = ChangeRejected
		ch.ResolutionNote = strings.TrimSpace(reason)
		ch.ResolvedBy = a.ID
		ch.ResolvedAt = &resolved
		if err := s.store.UpdateChange(ctx, tx, ch); err != nil {
			return err
		}
		if err := s.appendAudit(ctx, tx, c.ID, audit.ActionChangeRejected, a, changeDetails(ch)); err != nil {
			return err
		}
		out = ch
		return nil
	})
	return out, err
}

func (s *Service) lockChange(ctx context.Context, tx pgx.Tx, contractID, changeID string, a actor.Actor) (Contract, ChangeOrder, error) {
	c, err := s.Lock(ctx, tx, contractID)
	if err != nil {
		return Contract{}, ChangeOrder{}, err
	}
	ch, err := s.store.GetChangeForUpdate(ctx, tx, contractID, changeID)
	if err != nil {
		if errors.Is(err, ErrChangeNotFound) {
			return Contract{}, ChangeOrder{}, apperr.Wrap(apperr.CodeChangeNotFound, err, "change order %s not found on contract %s", changeID, contractID)
		}
		return Contract{}, ChangeOrder{}, err
	}
	if ch.Status != ChangeProposed {
		return Contract{}, ChangeOrder{}, apperr.New(apperr.CodeChangeAlreadyResolved, "change order %s is already %s", ch.ID, ch.Status)
	}
	if !c.IsParty(a) || a.ID == ch.ProposedBy {
		return Contract{}, ChangeOrder{}, apperr.New(apperr.CodeForbidden, "only the other party can resolve this change order")
	}
	return c, ch, nil
}

// shiftSchedule moves every unreleased entry and open milestone due on the
// old end date to the new one.
func (s *Service) shiftSchedule(ctx context.Context, tx pgx.Tx, contractID string, oldEnd, newEnd time.Time) error {
	entries, err := s.schedule.ListEntries(ctx, tx, contractID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.Open() || !e.DueDate.Equal(oldEnd) {
			continue
		}
		e.DueDate = newEnd
		if err := s.schedule.UpdateEntry(ctx, tx, e); err != nil {
			return err
		}
	}
	ms, err := s.schedule.ListMilestones(ctx, tx, contractID)
	if err != nil {
		return err
	}
	for _, m := range ms {
		if m.Status == milestone.StatusCompleted || !m.DueDate.Equal(oldEnd) {
			continue
		}
		m.DueDate = newEnd
		if err := s.schedule.UpdateMilestone(ctx, tx, m); err != nil {
			return err
		}
	}
	return nil
}

// Cancel refunds everything still held and cancels the contract. It is only
// allowed before any money beyond the deposit has been released.
func (s *Service) Cancel(ctx context.Context, contractID, reason string, a actor.Actor) (Contract, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Contract{}, apperr.New(apperr.CodeInvalidArgument, "a cancellation reason is required")
	}
	var out Contract
	err := s.ledger.InTx(ctx, func(tx pgx.Tx) error {
		c, err := s.Lock(ctx, tx, contractID)
		if err != nil {
			return err
		}
		if !c.IsParty(a) && !a.IsOperator() {
			return apperr.New(apperr.CodeForbidden, "only contract parties can cancel")
		}
		if c.Status != StatusAccepted && c.Status != StatusActive {
			return apperr.New(apperr.CodeInvalidStateTransition, "contract %s cannot be cancelled from %s", c.ID, c.Status)
		}

		acc, err := s.ledger.AccountInTx(ctx, tx, c.ID)
		switch {
		case apperr.CodeOf(err) == apperr.CodeNotFound:
		case err != nil:
			return err
		default:
			allowance, err := s.depositAllowance(ctx, tx, c.ID)
			if err != nil {
				return err
			}
			if acc.Released > allowance {
				return apperr.New(apperr.CodeInvalidStateTransition,
					"contract %s has released %d beyond its deposit of %d and cannot be cancelled", c.ID, acc.Released, allowance)
			}
			if acc.Held > 0 {
				if _, err := s.ledger.Refund(ctx, tx, c.Parties(), escrow.RefundRequest{
					AccountID: acc.ID,
					Amount:    acc.Held,
					From:      escrow.BucketHeld,
					Reason:    "contract cancelled: " + reason,
					Key:       escrow.CancelKey(c.ID),
				}, a); err != nil {
					return err
				}
			}
		}
		if _, err := s.ledger.VoidOpenEntries(ctx, tx, c.ID, "contract cancelled", a); err != nil {
			return err
		}

		next, err := c.Cancel(s.now(), reason)
		if err != nil {
			return err
		}
		out, err = s.save(ctx, tx, c, next, a, map[string]any{"reason": reason})
		return err
	})
	return out, err
}

func (s *Service) depositAllowance(ctx context.Context, tx pgx.Tx, contractID string) (int64, error) {
	entries, err := s.schedule.ListEntries(ctx, tx, contractID)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if e.Kind == milestone.KindDeposit {
			return e.Amount, nil
		}
	}
	return 0, nil
}

// ReleaseOutcome reports a release and the contract state after it.
type ReleaseOutcome struct {
	Contract Contract      `json:"contract"`
	Result   escrow.Result `json:"result"`
}

// Release pays out one schedule entry. The homeowner or an operator may
// release; replaying the same entry returns the original payment.
func (s *Service) Release(ctx context.Context, entryID, note string, a actor.Actor) (ReleaseOutcome, error) {
	entry, err := s.schedule.GetEntry(ctx, s.pool, entryID)
	if err != nil {
		return ReleaseOutcome{}, notFound(err)
	}
	var out ReleaseOutcome
	err = s.ledger.InTx(ctx, func(tx pgx.Tx) error {
		c, err := s.Lock(ctx, tx, entry.ContractID)
		if err != nil {
			return err
		}
		if !c.IsHomeowner(a) && !a.IsOperator() {
			return apperr.New(apperr.CodeForbidden, "only the homeowner or an operator can release funds")
		}
		if c.Status != StatusActive && c.Status != StatusCompleted {
			return apperr.New(apperr.CodeInvalidStateTransition, "contract %s is %s, funds cannot be released", c.ID, c.Status)
		}
		out, err = s.ReleaseInTx(ctx, tx, c, entryID, note, a)
		return err
	})
	return out, err
}

// ReleaseInTx releases an entry for a contract already locked by tx. When
// the release drains escrow the contract completes.
func (s *Service) ReleaseInTx(ctx context.Context, tx pgx.Tx, c Contract, entryID, note string, a actor.Actor) (ReleaseOutcome, error) {
	res, err := s.ledger.Release(ctx, tx, c.Parties(), entryID, note, a)
	if err != nil {
		return ReleaseOutcome{}, err
	}
	if !res.Replayed && res.Account.Held == 0 && c.Status == StatusActive {
		next, err := c.Complete(s.now())
		if err != nil {
			return ReleaseOutcome{}, err
		}
		c, err = s.save(ctx, tx, c, next, actor.System(), map[string]any{"escrow_account_id": res.Account.ID})
		if err != nil {
			return ReleaseOutcome{}, err
		}
	}
	return ReleaseOutcome{Contract: c, Result: res}, nil
}

// RefundRequest is an operator refund against an escrow account.
type RefundRequest struct {
	AccountID string        `json:"escrow_account_id"`
	Amount    int64         `json:"amount"`
	From      escrow.Bucket `json:"source"`
	Reason    string        `json:"reason"`
	ClientKey string        `json:"idempotency_key"`
}

// Refund returns money to the homeowner. Draining held funds on an active
// contract cancels it. While a dispute is open only released funds can be
// clawed back.
func (s *Service) Refund(ctx context.Context, req RefundRequest, a actor.Actor) (ReleaseOutcome, error) {
	if !a.IsOperator() {
		return ReleaseOutcome{}, apperr.New(apperr.CodeForbidden, "refunds are operator-only")
	}
	if strings.TrimSpace(req.ClientKey) == "" {
		return ReleaseOutcome{}, apperr.New(apperr.CodeInvalidArgument, "refunds require an idempotency key")
	}
	acc, err := s.ledger.Account(ctx, req.AccountID)
	if err != nil {
		return ReleaseOutcome{}, err
	}
	var out ReleaseOutcome
	err = s.ledger.InTx(ctx, func(tx pgx.Tx) error {
		c, err := s.Lock(ctx, tx, acc.ContractID)
		if err != nil {
			return err
		}
		switch c.Status {
		case StatusActive, StatusDisputed, StatusCompleted:
		default:
			return apperr.New(apperr.CodeInvalidStateTransition, "contract %s is %s, refunds are not possible", c.ID, c.Status)
		}
		if c.Status == StatusDisputed && req.From != escrow.BucketReleased {
			return apperr.New(apperr.CodeInvalidStateTransition,
				"contract %s is disputed, held funds are refunded by resolving the dispute", c.ID)
		}
		res, err := s.ledger.Refund(ctx, tx, c.Parties(), escrow.RefundRequest{
			AccountID: req.AccountID,
			Amount:    req.Amount,
			From:      req.From,
			Reason:    strings.TrimSpace(req.Reason),
			Key:       escrow.RefundKey(req.ClientKey),
		}, a)
		if err != nil {
			return err
		}
		if !res.Replayed && res.Account.Held == 0 && c.Status == StatusActive {
			if _, err := s.ledger.VoidOpenEntries(ctx, tx, c.ID, "escrow refunded", a); err != nil {
				return err
			}
			next, err := c.Cancel(s.now(), "escrow fully refunded")
			if err != nil {
				return err
			}
			if c, err = s.save(ctx, tx, c, next, a, nil); err != nil {
				return err
			}
		}
		out = ReleaseOutcome{Contract: c, Result: res}
		return nil
	})
	return out, err
}

// Lock takes the contract row lock inside tx.
func (s *Service) Lock(ctx context.Context, tx pgx.Tx, contractID string) (Contract, error) {
	c, err := s.store.GetForUpdate(ctx, tx, contractID)
	if err != nil {
		return Contract{}, notFound(err)
	}
	return c, nil
}

// LockActive locks the contract and requires it ACTIVE with a as a party,
// an operator or the system.
func (s *Service) LockActive(ctx context.Context, tx pgx.Tx, contractID string, a actor.Actor) error {
	c, err := s.Lock(ctx, tx, contractID)
	if err != nil {
		return err
	}
	if !c.IsParty(a) && !a.IsOperator() && !a.IsSystem() {
		return apperr.New(apperr.CodeForbidden, "actor is not a party to contract %s", c.ID)
	}
	if c.Status != StatusActive {
		return apperr.New(apperr.CodeInvalidStateTransition, "contract %s is %s, not ACTIVE", c.ID, c.Status)
	}
	return nil
}

// Transition moves a locked contract to status to, writing the audit entry
// and notification. Used by the completion and dispute workflows.
func (s *Service) Transition(ctx context.Context, tx pgx.Tx, c Contract, to Status, a actor.Actor, details map[string]any) (Contract, error) {
	var (
		next Contract
		err  error
	)
	at := s.now()
	switch to {
	case StatusActive:
		next, err = c.Resume(at)
	case StatusCancelled:
		reason, _ := details["reason"].(string)
		next, err = c.Cancel(at, reason)
	default:
		next, err = c.moveTo(to, at)
	}
	if err != nil {
		return Contract{}, err
	}
	return s.save(ctx, tx, c, next, a, details)
}

// save persists a status change with its audit entry and notification.
func (s *Service) save(ctx context.Context, tx pgx.Tx, prev, next Contract, a actor.Actor, details map[string]any) (Contract, error) {
	next.UpdatedAt = s.now().UTC()
	saved, err := s.store.Update(ctx, tx, next)
	if err != nil {
		return Contract{}, s.staleErr(err, prev.ID)
	}
	d := map[string]any{"from": string(prev.Status), "to": string(saved.Status), "version": saved.Version}
	for k, v := range details {
		d[k] = v
	}
	if err := s.appendAudit(ctx, tx, saved.ID, actionFor(prev.Status, saved.Status), a, d); err != nil {
		return Contract{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, outbox.TopicContractStatusChanged, map[string]any{
		"contract_id":   saved.ID,
		"from":          string(prev.Status),
		"to":            string(saved.Status),
		"homeowner_id":  saved.HomeownerID,
		"contractor_id": saved.ContractorID,
	}); err != nil {
		return Contract{}, err
	}
	s.metrics.Transition("contract", string(saved.Status))
	s.log.WithFields(logrus.Fields{
		"contract_id": saved.ID,
		"from":        prev.Status,
		"to":          saved.Status,
		"actor":       a.String(),
	}).Info("contract transitioned")
	return saved, nil
}

func (s *Service) staleErr(err error, contractID string) error {
	if errors.Is(err, ErrStaleContract) {
		return apperr.Wrap(apperr.CodeConcurrentModification, err, "contract %s changed concurrently, retry", contractID)
	}
	return err
}

func (s *Service) appendAudit(ctx context.Context, tx pgx.Tx, contractID string, action audit.Action, a actor.Actor, details map[string]any) error {
	return s.audit.Append(ctx, tx, audit.Entry{
		ContractID: contractID,
		Action:     action,
		Actor:      a.String(),
		Timestamp:  s.now().UTC(),
		Details:    details,
	})
}

func (s *Service) Get(ctx context.Context, contractID string) (Contract, error) {
	c, err := s.store.Get(ctx, s.pool, contractID)
	if err != nil {
		return Contract{}, notFound(err)
	}
	return c, nil
}

func (s *Service) Changes(ctx context.Context, contractID string) ([]ChangeOrder, error) {
	if _, err := s.Get(ctx, contractID); err != nil {
		return nil, err
	}
	return s.store.ListChanges(ctx, s.pool, contractID)
}

func (s *Service) AuditTrail(ctx context.Context, contractID string) ([]audit.Entry, error) {
	if _, err := s.Get(ctx, contractID); err != nil {
		return nil, err
	}
	return s.audit.List(ctx, s.pool, contractID)
}

// Progress summarizes a contract's schedule and escrow position.
func (s *Service) Progress(ctx context.Context, contractID string) (Progress, error) {
	c, err := s.Get(ctx, contractID)
	if err != nil {
		return Progress{}, err
	}
	ms, err := s.schedule.ListMilestones(ctx, s.pool, contractID)
	if err != nil {
		return Progress{}, err
	}
	entries, err := s.schedule.ListEntries(ctx, s.pool, contractID)
	if err != nil {
		return Progress{}, err
	}

	p := Progress{Contract: c, Milestones: ms, Schedule: entries}
	if acc, err := s.ledger.AccountForContract(ctx, contractID); err == nil {
		p.Account = &acc
	} else if apperr.CodeOf(err) != apperr.CodeNotFound {
		return Progress{}, err
	}
	for _, e := range entries {
		switch {
		case e.Status == milestone.EntryReleased:
			p.ReleasedAmount += e.Amount
		case e.Open():
			p.PendingAmount += e.Amount
		}
	}
	for _, m := range ms {
		if m.Status == milestone.StatusCompleted {
			p.MilestonesDone++
		}
	}
	if p.Account != nil {
		p.ReleasedAmount = p.Account.Released
	}
	if c.TotalAmount > 0 {
		p.PercentReleased = float64(p.ReleasedAmount) * 100 / float64(c.TotalAmount)
	}
	return p, nil
}

func validateTerms(t BidTerms) error {
	switch {
	case t.Amount <= 0:
		return apperr.New(apperr.CodeInvalidArgument, "bid amount must be positive")
	case strings.TrimSpace(t.BidID) == "":
		return apperr.New(apperr.CodeInvalidArgument, "bid id is required")
	case strings.TrimSpace(t.JobID) == "":
		return apperr.New(apperr.CodeInvalidArgument, "job id is required")
	case t.HomeownerID == "" || t.ContractorID == "":
		return apperr.New(apperr.CodeInvalidArgument, "homeowner and contractor are required")
	case t.HomeownerID == t.ContractorID:
		return apperr.New(apperr.CodeInvalidArgument, "homeowner and contractor must differ")
	}
	return nil
}

func validateChange(req ChangeRequest) error {
	switch req.Type {
	case ChangePriceAdjustment:
		if req.AmountDelta == 0 {
			return apperr.New(apperr.CodeInvalidArgument, "price adjustment needs a non-zero amount")
		}
	case ChangeTimeExtension:
		if req.ExtensionDays <= 0 {
			return apperr.New(apperr.CodeInvalidArgument, "time extension needs a positive number of days")
		}
	case ChangeScope:
		if len(cleanLines(req.ScopeAdditions)) == 0 {
			return apperr.New(apperr.CodeInvalidArgument, "scope change needs at least one scope line")
		}
	default:
		return apperr.New(apperr.CodeInvalidArgument, "unknown change type %q", req.Type)
	}
	return nil
}

func changeDetails(ch ChangeOrder) map[string]any {
	d := map[string]any{
		"change_id":   ch.ID,
		"type":        string(ch.Type),
		"status":      string(ch.Status),
		"proposed_by": ch.ProposedBy,
	}
	if ch.ProposedAmount != nil {
		d["amount_delta"] = *ch.ProposedAmount
	}
	if ch.ExtensionDays > 0 {
		d["extension_days"] = ch.ExtensionDays
	}
	if len(ch.ScopeAdditions) > 0 {
		d["scope_additions"] = ch.ScopeAdditions
	}
	if ch.ResolutionNote != "" {
		d["note"] = ch.ResolutionNote
	}
	return d
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
	switch {
	case errors.Is(err, ErrContractNotFound):
		return apperr.Wrap(apperr.CodeNotFound, err, "contract not found")
	case errors.Is(err, milestone.ErrEntryNotFound):
		return apperr.Wrap(apperr.CodeNotFound, err, "schedule entry not found")
	}
	return err
}
