package dispute

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
	"contractflow/escrow"
	"contractflow/metrics"
	"contractflow/outbox"
)

type Deps struct {
	Store   Store
	Audit   audit.Writer
	Outbox  outbox.Enqueuer
	Log     *logrus.Entry
	Metrics *metrics.Metrics
	Now     func() time.Time
	NewID   func() string
}

// Service freezes escrow when a dispute opens and applies the operator's
// ruling. It works on contracts through the lifecycle service so the
// contract lock and state graph are shared.
type Service struct {
	pool      db.Pool
	store     Store
	contracts *contract.Service
	ledger    *escrow.Ledger
	audit     audit.Writer
	outbox    outbox.Enqueuer
	log       *logrus.Entry
	metrics   *metrics.Metrics
	now       func() time.Time
	newID     func() string
}

func NewService(pool db.Pool, contracts *contract.Service, d Deps) *Service {
	if d.Store == nil {
		d.Store = NewRepository()
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
	return &Service{
		pool:      pool,
		store:     d.Store,
		contracts: contracts,
		ledger:    contracts.Ledger(),
		audit:     d.Audit,
		outbox:    d.Outbox,
		log:       d.Log.WithField("component", "dispute_resolver"),
		metrics:   d.Metrics,
		now:       d.Now,
		newID:     d.NewID,
	}
}

// Open starts a contract-level dispute. Either party or an operator may
// open one while the contract is ACTIVE.
func (s *Service) Open(ctx context.Context, contractID, reason string, a actor.Actor) (Record, error) {
	var out Record
	err := s.ledger.InTx(ctx, func(tx pgx.Tx) error {
		c, err := s.contracts.Lock(ctx, tx, contractID)
		if err != nil {
			return err
		}
		if !c.IsParty(a) && !a.IsOperator() {
			return apperr.New(apperr.CodeForbidden, "only contract parties can open a dispute")
		}
		out, err = s.OpenInTx(ctx, tx, c, "", reason, a)
		return err
	})
	return out, err
}

// OpenInTx opens a dispute on a contract already locked by tx: the contract
// moves to DISPUTED and escrow goes on hold with its balance unchanged.
func (s *Service) OpenInTx(ctx context.Context, tx pgx.Tx, c contract.Contract, completionID, reason string, a actor.Actor) (Record, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Record{}, apperr.New(apperr.CodeInvalidArgument, "a dispute reason is required")
	}
	id := s.newID()
	if _, err := s.contracts.Transition(ctx, tx, c, contract.StatusDisputed, a, map[string]any{"dispute_id": id}); err != nil {
		return Record{}, err
	}
	acc, err := s.ledger.AccountInTx(ctx, tx, c.ID)
	if err != nil {
		return Record{}, err
	}
	held, err := s.ledger.Hold(ctx, tx, c.Parties(), acc.ID, id, reason, a)
	if err != nil {
		return Record{}, err
	}

	now := s.now().UTC()
	rec := Record{
		ID:              id,
		ContractID:      c.ID,
		EscrowAccountID: held.ID,
		CompletionID:    completionID,
		InitiatedBy:     a.String(),
		Reason:          reason,
		HeldAmount:      held.Held,
		Status:          StatusOpen,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Insert(ctx, tx, rec); err != nil {
		return Record{}, err
	}
	details := map[string]any{
		"dispute_id":  rec.ID,
		"reason":      rec.Reason,
		"held_amount": rec.HeldAmount,
	}
	if completionID != "" {
		details["completion_id"] = completionID
	}
	if err := s.appendAudit(ctx, tx, c.ID, audit.ActionDisputeOpened, a, details); err != nil {
		return Record{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, outbox.TopicDisputeOpened, map[string]any{
		"dispute_id":    rec.ID,
		"contract_id":   c.ID,
		"homeowner_id":  c.HomeownerID,
		"contractor_id": c.ContractorID,
		"held_amount":   rec.HeldAmount,
		"initiated_by":  rec.InitiatedBy,
	}); err != nil {
		return Record{}, err
	}
	s.metrics.Transition("dispute", string(StatusOpen))
	return rec, nil
}

// Review moves an open dispute under operator review.
func (s *Service) Review(ctx context.Context, disputeID string, a actor.Actor) (Record, error) {
	return s.advance(ctx, disputeID, a, func(rec Record) (Record, audit.Action, error) {
		if rec.Status != StatusOpen {
			return rec, "", apperr.New(apperr.CodeInvalidStateTransition, "dispute %s cannot move from %s to %s", rec.ID, rec.Status, StatusUnderReview)
		}
		rec.Status = StatusUnderReview
		return rec, audit.ActionDisputeUnderReview, nil
	})
}

// Mediate records the mediator's notes on a dispute under review.
func (s *Service) Mediate(ctx context.Context, disputeID, notes string, a actor.Actor) (Record, error) {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return Record{}, apperr.New(apperr.CodeInvalidArgument, "mediation notes are required")
	}
	return s.advance(ctx, disputeID, a, func(rec Record) (Record, audit.Action, error) {
		if rec.Status != StatusUnderReview {
			return rec, "", apperr.New(apperr.CodeInvalidStateTransition, "dispute %s cannot move from %s to %s", rec.ID, rec.Status, StatusMediated)
		}
		rec.Status = StatusMediated
		rec.MediationNotes = notes
		return rec, audit.ActionDisputeMediated, nil
	})
}

func (s *Service) advance(ctx context.Context, disputeID string, a actor.Actor, apply func(Record) (Record, audit.Action, error)) (Record, error) {
	if !a.IsOperator() {
		return Record{}, apperr.New(apperr.CodeForbidden, "disputes are handled by operators")
	}
	var out Record
	err := s.ledger.InTx(ctx, func(tx pgx.Tx) error {
		_, rec, err := s.lock(ctx, tx, disputeID)
		if err != nil {
			return err
		}
		if rec.Status == StatusResolved {
			return apperr.New(apperr.CodeDisputeAlreadyResolved, "dispute %s is already resolved", rec.ID)
		}
		from := rec.Status
		next, action, err := apply(rec)
		if err != nil {
			return err
		}
		next.UpdatedAt = s.now().UTC()
		if err := s.store.Update(ctx, tx, next); err != nil {
			return err
		}
		if err := s.appendAudit(ctx, tx, next.ContractID, action, a, map[string]any{
			"dispute_id": next.ID,
			"from":       string(from),
			"to":         string(next.Status),
		}); err != nil {
			return err
		}
		s.metrics.Transition("dispute", string(next.Status))
		out = next
		return nil
	})
	return out, err
}

// Resolve applies an operator decision. Money moves under keys derived from
// the dispute id, so a retried resolution cannot pay twice; a second
// resolution of a RESOLVED dispute fails.
func (s *Service) Resolve(ctx context.Context, disputeID string, res Resolution, a actor.Actor) (Record, error) {
	if !a.IsOperator() {
		return Record{}, apperr.New(apperr.CodeForbidden, "disputes are resolved by operators")
	}
	if !res.Decision.Valid() {
		return Record{}, apperr.New(apperr.CodeInvalidArgument, "unknown decision %q", res.Decision)
	}

	var out Record
	err := s.ledger.InTx(ctx, func(tx pgx.Tx) error {
		c, rec, err := s.lock(ctx, tx, disputeID)
		if err != nil {
			return err
		}
		if rec.Status == StatusResolved {
			return apperr.New(apperr.CodeDisputeAlreadyResolved, "dispute %s is already resolved", rec.ID)
		}
		if c.Status != contract.StatusDisputed {
			return apperr.New(apperr.CodeInvalidStateTransition, "contract %s is %s, not DISPUTED", c.ID, c.Status)
		}

		if res.Decision == DecisionArbitration {
			out, err = s.deferToArbitration(ctx, tx, rec, res, a)
			return err
		}

		acc, err := s.ledger.AccountInTx(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		var refunded int64
		switch res.Decision {
		case DecisionRefund:
			refunded = acc.Held
			if err := s.refund(ctx, tx, c, acc, refunded, res.Notes, rec.ID, a); err != nil {
				return err
			}
			if _, err := s.ledger.VoidOpenEntries(ctx, tx, c.ID, "dispute refunded", a); err != nil {
				return err
			}
			if _, err := s.contracts.Transition(ctx, tx, c, contract.StatusCancelled, a, map[string]any{
				"dispute_id": rec.ID,
				"reason":     "dispute resolved with full refund",
			}); err != nil {
				return err
			}

		case DecisionPartialRefund:
			if res.Amount <= 0 || res.Amount > acc.Held {
				return apperr.New(apperr.CodeInvalidArgument, "partial refund must be between 1 and the held amount %d", acc.Held)
			}
			refunded = res.Amount
			if err := s.refund(ctx, tx, c, acc, refunded, res.Notes, rec.ID, a); err != nil {
				return err
			}
			remainder := acc.Held - refunded
			if remainder > 0 {
				if _, err := s.ledger.Settle(ctx, tx, c.Parties(), acc.ID, remainder, escrow.DisputeSettleKey(rec.ID), "dispute "+rec.ID, a); err != nil {
					return err
				}
			}
			if _, err := s.ledger.VoidOpenEntries(ctx, tx, c.ID, "dispute settled", a); err != nil {
				return err
			}
			to := contract.StatusCompleted
			details := map[string]any{"dispute_id": rec.ID}
			if remainder == 0 {
				to = contract.StatusCancelled
				details["reason"] = "dispute resolved with full refund"
			}
			if _, err := s.contracts.Transition(ctx, tx, c, to, a, details); err != nil {
				return err
			}

		case DecisionRework:
			if _, err := s.ledger.ReleaseHold(ctx, tx, c.Parties(), acc.ID, rec.ID, a); err != nil {
				return err
			}
			if _, err := s.contracts.Transition(ctx, tx, c, contract.StatusActive, a, map[string]any{"dispute_id": rec.ID}); err != nil {
				return err
			}
		}

		now := s.now().UTC()
		rec.Status = StatusResolved
		rec.Decision = res.Decision
		rec.ResolutionNotes = strings.TrimSpace(res.Notes)
		rec.ResolvedBy = a.String()
		rec.ResolutionDate = &now
		rec.UpdatedAt = now
		if res.Decision != DecisionRework {
			rec.ResolutionAmount = &refunded
		}
		if err := s.store.Update(ctx, tx, rec); err != nil {
			return err
		}
		if err := s.appendAudit(ctx, tx, rec.ContractID, audit.ActionDisputeResolved, a, map[string]any{
			"dispute_id":      rec.ID,
			"decision":        string(rec.Decision),
			"refunded_amount": refunded,
			"notes":           rec.ResolutionNotes,
		}); err != nil {
			return err
		}
		if err := s.outbox.Enqueue(ctx, tx, outbox.TopicDisputeResolved, map[string]any{
			"dispute_id":      rec.ID,
			"contract_id":     rec.ContractID,
			"decision":        string(rec.Decision),
			"refunded_amount": refunded,
			"homeowner_id":    c.HomeownerID,
			"contractor_id":   c.ContractorID,
		}); err != nil {
			return err
		}
		s.metrics.Transition("dispute", string(StatusResolved))
		s.log.WithFields(logrus.Fields{
			"dispute_id":  rec.ID,
			"contract_id": rec.ContractID,
			"decision":    rec.Decision,
			"refunded":    refunded,
		}).Info("dispute resolved")
		out = rec
		return nil
	})
	return out, err
}

func (s *Service) refund(ctx context.Context, tx pgx.Tx, c contract.Contract, acc escrow.Account, amount int64, notes, disputeID string, a actor.Actor) error {
	if amount == 0 {
		return nil
	}
	reason := "dispute " + disputeID
	if notes = strings.TrimSpace(notes); notes != "" {
		reason += ": " + notes
	}
	_, err := s.ledger.Refund(ctx, tx, c.Parties(), escrow.RefundRequest{
		AccountID: acc.ID,
		Amount:    amount,
		From:      escrow.BucketHeld,
		Reason:    reason,
		Key:       escrow.DisputeRefundKey(disputeID),
	}, a)
	return err
}

// deferToArbitration hands the dispute to an outside arbiter. Escrow stays
// on hold and the dispute returns to UNDER_REVIEW until a final decision.
func (s *Service) deferToArbitration(ctx context.Context, tx pgx.Tx, rec Record, res Resolution, a actor.Actor) (Record, error) {
	from := rec.Status
	rec.Status = StatusUnderReview
	rec.Decision = DecisionArbitration
	if notes := strings.TrimSpace(res.Notes); notes != "" {
		rec.ResolutionNotes = notes
	}
	rec.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, tx, rec); err != nil {
		return Record{}, err
	}
	if err := s.appendAudit(ctx, tx, rec.ContractID, audit.ActionDisputeUnderReview, a, map[string]any{
		"dispute_id": rec.ID,
		"from":       string(from),
		"to":         string(rec.Status),
		"decision":   string(DecisionArbitration),
	}); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// lock takes the contract lock and then the dispute row, in that order.
func (s *Service) lock(ctx context.Context, tx pgx.Tx, disputeID string) (contract.Contract, Record, error) {
	rec, err := s.store.Get(ctx, tx, disputeID)
	if err != nil {
		return contract.Contract{}, Record{}, notFound(err)
	}
	c, err := s.contracts.Lock(ctx, tx, rec.ContractID)
	if err != nil {
		return contract.Contract{}, Record{}, err
	}
	rec, err = s.store.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return contract.Contract{}, Record{}, notFound(err)
	}
	return c, rec, nil
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

func (s *Service) Get(ctx context.Context, disputeID string) (Record, error) {
	rec, err := s.store.Get(ctx, s.pool, disputeID)
	if err != nil {
		return Record{}, notFound(err)
	}
	return rec, nil
}

func (s *Service) ListForContract(ctx context.Context, contractID string) ([]Record, error) {
	if _, err := s.contracts.Get(ctx, contractID); err != nil {
		return nil, err
	}
	return s.store.ListByContract(ctx, s.pool, contractID)
}

func notFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return apperr.Wrap(apperr.CodeNotFound, err, "dispute not found")
	}
	return err
}
