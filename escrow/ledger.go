package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"contractflow/actor"
	"contractflow/apperr"
	"contractflow/audit"
	"contractflow/db"
	"contractflow/metrics"
	"contractflow/milestone"
	"contractflow/outbox"
	"contractflow/payment"
)

// Deps collects the ledger's collaborators. Nil fields fall back to the
// Postgres repositories and a standard logger.
type Deps struct {
	Store     Store
	Schedule  milestone.Store
	Audit     audit.Writer
	Outbox    outbox.Enqueuer
	Processor payment.Processor
	Fees      FeeSchedule
	Log       *logrus.Entry
	Metrics   *metrics.Metrics
	Now       func() time.Time
	NewID     func() string
}

// Ledger is the only writer of escrow balances and payment records. Every
// mutating method runs inside the caller's transaction, which must already
// hold the contract lock.
type Ledger struct {
	pool      db.Pool
	store     Store
	schedule  milestone.Store
	audit     audit.Writer
	outbox    outbox.Enqueuer
	processor payment.Processor
	fees      FeeSchedule
	log       *logrus.Entry
	metrics   *metrics.Metrics
	now       func() time.Time
	newID     func() string
}

func NewLedger(pool db.Pool, d Deps) *Ledger {
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
	if d.Processor == nil {
		d.Processor = payment.NewSandbox()
	}
	return &Ledger{
		pool:      pool,
		store:     d.Store,
		schedule:  d.Schedule,
		audit:     d.Audit,
		outbox:    d.Outbox,
		processor: d.Processor,
		fees:      d.Fees,
		log:       d.Log.WithField("component", "escrow_ledger"),
		metrics:   d.Metrics,
		now:       d.Now,
		newID:     d.NewID,
	}
}

// Fees exposes the active fee schedule.
func (l *Ledger) Fees() FeeSchedule { return l.fees }

// InTx runs fn in a transaction. On failure the transaction is rolled back
// first and a PaymentFailure, if any, is then recorded in its own
// transaction.
func (l *Ledger) InTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		if recErr := l.RecordFailure(ctx, err); recErr != nil {
			l.log.WithError(recErr).Error("failed to record payment failure")
		}
		return db.MapConflict(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return db.MapConflict(fmt.Errorf("escrow: commit tx: %w", err))
	}
	return nil
}

// Open creates the account for a newly accepted contract with the full
// total held, and links the contract's schedule entries to it.
func (l *Ledger) Open(ctx context.Context, tx pgx.Tx, p Parties, total int64, a actor.Actor) (Account, error) {
	now := l.now().UTC()
	acc := Account{
		ID:         l.newID(),
		ContractID: p.ContractID,
		Total:      total,
		Held:       total,
		Status:     StatusActive,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := l.checkConservation(acc); err != nil {
		return Account{}, err
	}
	if err := l.store.InsertAccount(ctx, tx, acc); err != nil {
		return Account{}, err
	}
	if err := l.schedule.AttachAccount(ctx, tx, p.ContractID, acc.ID); err != nil {
		return Account{}, err
	}
	if err := l.appendAudit(ctx, tx, p.ContractID, audit.ActionEscrowOpened, a, map[string]any{
		"escrow_account_id": acc.ID,
		"total_amount":      acc.Total,
		"held_amount":       acc.Held,
	}); err != nil {
		return Account{}, err
	}
	return acc, nil
}

// Deposit charges the homeowner for the account total and records the
// DEPOSIT. Balances do not change: the account already starts fully held.
func (l *Ledger) Deposit(ctx context.Context, tx pgx.Tx, p Parties, accountID string, a actor.Actor) (Result, error) {
	key := DepositKey(accountID)
	if replay, done, err := l.claim(ctx, tx, key, accountID); done || err != nil {
		return replay, err
	}

	acc, err := l.lockAccount(ctx, tx, accountID, p.ContractID)
	if err != nil {
		return Result{}, err
	}

	rec := l.newRecord(acc, PaymentDeposit, acc.Total, 0, key, "escrow deposit")
	extID, err := l.processor.Charge(ctx, payment.ChargeRequest{
		IdempotencyKey: key,
		ContractID:     p.ContractID,
		PayerID:        p.HomeownerID,
		Amount:         acc.Total,
		Description:    rec.Description,
	})
	if err != nil {
		return Result{}, newPaymentFailure(rec, a.String(), err)
	}
	rec.ExternalTransactionID = extID

	if err := l.insertRecord(ctx, tx, rec); err != nil {
		return Result{}, err
	}
	if err := l.appendAudit(ctx, tx, p.ContractID, audit.ActionDepositReceived, a, map[string]any{
		"escrow_account_id": acc.ID,
		"payment_id":        rec.ID,
		"amount":            rec.Amount,
		"external_id":       extID,
	}); err != nil {
		return Result{}, err
	}
	if err := l.outbox.Enqueue(ctx, tx, outbox.TopicDepositReceived, map[string]any{
		"contract_id":       p.ContractID,
		"escrow_account_id": acc.ID,
		"amount":            rec.Amount,
		"homeowner_id":      p.HomeownerID,
	}); err != nil {
		return Result{}, err
	}
	return Result{Account: acc, Records: []PaymentRecord{rec}}, nil
}

// Release pays out a PENDING schedule entry to the contractor, net of the
// platform fee. Replaying the same entry returns the original records.
func (l *Ledger) Release(ctx context.Context, tx pgx.Tx, p Parties, entryID, note string, a actor.Actor) (Result, error) {
	entry, err := l.schedule.GetEntry(ctx, tx, entryID)
	if err != nil {
		return Result{}, entryErr(err)
	}
	if entry.ContractID != p.ContractID {
		return Result{}, apperr.New(apperr.CodeNotFound, "schedule entry %s does not belong to contract %s", entryID, p.ContractID)
	}
	if entry.EscrowAccountID == "" {
		return Result{}, apperr.New(apperr.CodeInvalidStateTransition, "contract %s has no funded escrow yet", p.ContractID)
	}

	key := ReleaseKey(entryID)
	if replay, done, err := l.claim(ctx, tx, key, entry.EscrowAccountID); done || err != nil {
		return replay, err
	}

	acc, err := l.lockAccount(ctx, tx, entry.EscrowAccountID, p.ContractID)
	if err != nil {
		return Result{}, err
	}
	entry, err = l.schedule.GetEntryForUpdate(ctx, tx, entryID)
	if err != nil {
		return Result{}, entryErr(err)
	}
	released, err := entry.Release(l.now(), note)
	if err != nil {
		return Result{}, err
	}
	next, err := acc.ApplyRelease(entry.Amount)
	if err != nil {
		return Result{}, err
	}

	desc := fmt.Sprintf("release %s entry", entry.Kind)
	if note != "" {
		desc = fmt.Sprintf("%s: %s", desc, note)
	}
	rec, err := l.payOut(ctx, next, p, entry.Amount, key, desc, a)
	if err != nil {
		return Result{}, err
	}

	if err := l.schedule.UpdateEntry(ctx, tx, released); err != nil {
		return Result{}, err
	}
	saved, err := l.save(ctx, tx, next)
	if err != nil {
		return Result{}, err
	}
	if err := l.insertRecord(ctx, tx, rec); err != nil {
		return Result{}, err
	}
	if err := l.appendAudit(ctx, tx, p.ContractID, audit.ActionFundsReleased, a, map[string]any{
		"escrow_account_id": saved.ID,
		"entry_id":          entryID,
		"payment_id":        rec.ID,
		"amount":            rec.Amount,
		"platform_fee":      rec.PlatformFee,
		"held_amount":       saved.Held,
		"released_amount":   saved.Released,
		"status":            string(saved.Status),
	}); err != nil {
		return Result{}, err
	}
	if err := l.enqueueMovement(ctx, tx, outbox.TopicFundsReleased, p, saved, rec); err != nil {
		return Result{}, err
	}
	return Result{Account: saved, Records: []PaymentRecord{rec}}, nil
}

// Settle releases an amount not tied to a schedule entry, such as the
// contractor's share after a partially refunded dispute. It is allowed while
// the account is on dispute hold.
func (l *Ledger) Settle(ctx context.Context, tx pgx.Tx, p Parties, accountID string, amount int64, key, reason string, a actor.Actor) (Result, error) {
	if replay, done, err := l.claim(ctx, tx, key, accountID); done || err != nil {
		return replay, err
	}
	acc, err := l.lockAccount(ctx, tx, accountID, p.ContractID)
	if err != nil {
		return Result{}, err
	}
	next, err := acc.ApplySettle(amount)
	if err != nil {
		return Result{}, err
	}
	rec, err := l.payOut(ctx, next, p, amount, key, "settlement: "+reason, a)
	if err != nil {
		return Result{}, err
	}
	saved, err := l.save(ctx, tx, next)
	if err != nil {
		return Result{}, err
	}
	if err := l.consumeEntries(ctx, tx, p.ContractID, amount, "settled: "+reason); err != nil {
		return Result{}, err
	}
	if err := l.insertRecord(ctx, tx, rec); err != nil {
		return Result{}, err
	}
	if err := l.appendAudit(ctx, tx, p.ContractID, audit.ActionFundsReleased, a, map[string]any{
		"escrow_account_id": saved.ID,
		"payment_id":        rec.ID,
		"amount":            rec.Amount,
		"platform_fee":      rec.PlatformFee,
		"settlement":        true,
		"reason":            reason,
		"held_amount":       saved.Held,
		"released_amount":   saved.Released,
		"status":            string(saved.Status),
	}); err != nil {
		return Result{}, err
	}
	if err := l.enqueueMovement(ctx, tx, outbox.TopicFundsReleased, p, saved, rec); err != nil {
		return Result{}, err
	}
	return Result{Account: saved, Records: []PaymentRecord{rec}}, nil
}

// payOut splits the fee and transfers the net amount to the contractor.
func (l *Ledger) payOut(ctx context.Context, acc Account, p Parties, gross int64, key, desc string, a actor.Actor) (PaymentRecord, error) {
	fee, net := Split(gross, l.fees)
	rec := l.newRecord(acc, PaymentRelease, gross, fee, key, desc)
	if net == 0 {
		return rec, nil
	}
	extID, err := l.processor.Transfer(ctx, payment.TransferRequest{
		IdempotencyKey: key,
		ContractID:     p.ContractID,
		RecipientID:    p.ContractorID,
		Amount:         net,
		Description:    desc,
	})
	if err != nil {
		return PaymentRecord{}, newPaymentFailure(rec, a.String(), err)
	}
	rec.ExternalTransactionID = extID
	return rec, nil
}

// Hold freezes the account for a dispute. Open schedule entries become
// DISPUTED. Amounts do not move.
func (l *Ledger) Hold(ctx context.Context, tx pgx.Tx, p Parties, accountID, disputeID, reason string, a actor.Actor) (Account, error) {
	key := HoldKey(disputeID)
	if replay, done, err := l.claim(ctx, tx, key, accountID); done || err != nil {
		return replay.Account, err
	}
	acc, err := l.lockAccount(ctx, tx, accountID, p.ContractID)
	if err != nil {
		return Account{}, err
	}
	next, err := acc.ApplyHold()
	if err != nil {
		return Account{}, err
	}
	saved, err := l.save(ctx, tx, next)
	if err != nil {
		return Account{}, err
	}

	disputed, err := l.restatusEntries(ctx, tx, p.ContractID, func(e milestone.Entry) (milestone.Entry, bool, error) {
		if e.Status != milestone.EntryPending && e.Status != milestone.EntryHeld {
			return e, false, nil
		}
		next, err := e.Dispute()
		return next, true, err
	})
	if err != nil {
		return Account{}, err
	}

	rec := l.newRecord(saved, PaymentHold, saved.Held, 0, key, "dispute hold: "+reason)
	if err := l.insertRecord(ctx, tx, rec); err != nil {
		return Account{}, err
	}
	if err := l.appendAudit(ctx, tx, p.ContractID, audit.ActionEscrowHeld, a, map[string]any{
		"escrow_account_id": saved.ID,
		"dispute_id":        disputeID,
		"held_amount":       saved.Held,
		"entries_disputed":  disputed,
		"reason":            reason,
	}); err != nil {
		return Account{}, err
	}
	return saved, nil
}

// ReleaseHold lifts a dispute hold; DISPUTED entries return to PENDING.
func (l *Ledger) ReleaseHold(ctx context.Context, tx pgx.Tx, p Parties, accountID, disputeID string, a actor.Actor) (Account, error) {
	acc, err := l.lockAccount(ctx, tx, accountID, p.ContractID)
	if err != nil {
		return Account{}, err
	}
	next, err := acc.ClearHold()
	if err != nil {
		return Account{}, err
	}
	saved, err := l.save(ctx, tx, next)
	if err != nil {
		return Account{}, err
	}
	restored, err := l.restatusEntries(ctx, tx, p.ContractID, func(e milestone.Entry) (milestone.Entry, bool, error) {
		if e.Status != milestone.EntryDisputed {
			return e, false, nil
		}
		next, err := e.Restore()
		return next, true, err
	})
	if err != nil {
		return Account{}, err
	}
	if err := l.appendAudit(ctx, tx, p.ContractID, audit.ActionHoldCleared, a, map[string]any{
		"escrow_account_id": saved.ID,
		"dispute_id":        disputeID,
		"entries_restored":  restored,
		"status":            string(saved.Status),
	}); err != nil {
		return Account{}, err
	}
	return saved, nil
}

// RefundRequest describes a refund to the homeowner.
type RefundRequest struct {
	AccountID string
	Amount    int64
	From      Bucket
	Reason    string
	// Key is the full idempotency key, e.g. RefundKey(clientKey).
	Key string
}

// Refund returns funds to the homeowner. A refund from the RELEASED bucket
// also writes a negative RELEASE so payment records keep summing to
// released - refunded.
func (l *Ledger) Refund(ctx context.Context, tx pgx.Tx, p Parties, req RefundRequest, a actor.Actor) (Result, error) {
	if req.Key == "" {
		return Result{}, apperr.New(apperr.CodeInvalidArgument, "refund requires an idempotency key")
	}
	if req.From == "" {
		req.From = BucketHeld
	}
	if replay, done, err := l.claim(ctx, tx, req.Key, req.AccountID); done || err != nil {
		return replay, err
	}
	acc, err := l.lockAccount(ctx, tx, req.AccountID, p.ContractID)
	if err != nil {
		return Result{}, err
	}
	next, err := acc.ApplyRefund(req.Amount, req.From)
	if err != nil {
		return Result{}, err
	}

	desc := "refund: " + req.Reason
	refund := l.newRecord(next, PaymentRefund, -req.Amount, 0, req.Key, desc)
	extID, err := l.processor.Transfer(ctx, payment.TransferRequest{
		IdempotencyKey: req.Key,
		ContractID:     p.ContractID,
		RecipientID:    p.HomeownerID,
		Amount:         req.Amount,
		Description:    desc,
	})
	if err != nil {
		return Result{}, newPaymentFailure(refund, a.String(), err)
	}
	refund.ExternalTransactionID = extID

	saved, err := l.save(ctx, tx, next)
	if err != nil {
		return Result{}, err
	}
	if req.From == BucketHeld {
		if err := l.consumeEntries(ctx, tx, p.ContractID, req.Amount, "refunded: "+req.Reason); err != nil {
			return Result{}, err
		}
	}

	records := make([]PaymentRecord, 0, 2)
	if req.From == BucketReleased {
		reversal := l.newRecord(saved, PaymentRelease, -req.Amount, 0, req.Key, "release reversal: "+req.Reason)
		reversal.ExternalTransactionID = extID
		records = append(records, reversal)
	}
	records = append(records, refund)
	for _, rec := range records {
		if err := l.insertRecord(ctx, tx, rec); err != nil {
			return Result{}, err
		}
	}

	if err := l.appendAudit(ctx, tx, p.ContractID, audit.ActionFundsRefunded, a, map[string]any{
		"escrow_account_id": saved.ID,
		"payment_id":        refund.ID,
		"amount":            req.Amount,
		"source":            string(req.From),
		"reason":            req.Reason,
		"held_amount":       saved.Held,
		"released_amount":   saved.Released,
		"refunded_amount":   saved.Refunded,
		"status":            string(saved.Status),
	}); err != nil {
		return Result{}, err
	}
	if err := l.enqueueMovement(ctx, tx, outbox.TopicFundsRefunded, p, saved, refund); err != nil {
		return Result{}, err
	}
	return Result{Account: saved, Records: records}, nil
}

// Adjust applies an accepted price change: total and held move together,
// the last open schedule entry absorbs the delta, and the homeowner is
// charged or repaid the difference.
func (l *Ledger) Adjust(ctx context.Context, tx pgx.Tx, p Parties, accountID string, delta int64, key, reason string, a actor.Actor) (Result, error) {
	if replay, done, err := l.claim(ctx, tx, key, accountID); done || err != nil {
		return replay, err
	}
	acc, err := l.lockAccount(ctx, tx, accountID, p.ContractID)
	if err != nil {
		return Result{}, err
	}
	next, err := acc.ApplyAdjustment(delta)
	if err != nil {
		return Result{}, err
	}
	if err := l.adjustSchedule(ctx, tx, p.ContractID, accountID, delta); err != nil {
		return Result{}, err
	}

	rec := l.newRecord(next, PaymentAdjustment, delta, 0, key, "price adjustment: "+reason)
	var extID string
	if delta > 0 {
		extID, err = l.processor.Charge(ctx, payment.ChargeRequest{
			IdempotencyKey: key,
			ContractID:     p.ContractID,
			PayerID:        p.HomeownerID,
			Amount:         delta,
			Description:    rec.Description,
		})
	} else {
		extID, err = l.processor.Transfer(ctx, payment.TransferRequest{
			IdempotencyKey: key,
			ContractID:     p.ContractID,
			RecipientID:    p.HomeownerID,
			Amount:         -delta,
			Description:    rec.Description,
		})
	}
	if err != nil {
		return Result{}, newPaymentFailure(rec, a.String(), err)
	}
	rec.ExternalTransactionID = extID

	saved, err := l.save(ctx, tx, next)
	if err != nil {
		return Result{}, err
	}
	if err := l.insertRecord(ctx, tx, rec); err != nil {
		return Result{}, err
	}
	if err := l.appendAudit(ctx, tx, p.ContractID, audit.ActionEscrowAdjusted, a, map[string]any{
		"escrow_account_id": saved.ID,
		"delta":             delta,
		"total_amount":      saved.Total,
		"held_amount":       saved.Held,
		"reason":            reason,
	}); err != nil {
		return Result{}, err
	}
	return Result{Account: saved, Records: []PaymentRecord{rec}}, nil
}

func (l *Ledger) adjustSchedule(ctx context.Context, tx pgx.Tx, contractID, accountID string, delta int64) error {
	entries, err := l.schedule.ListEntries(ctx, tx, contractID)
	if err != nil {
		return err
	}
	var last *milestone.Entry
	for i := range entries {
		if entries[i].Status == milestone.EntryPending || entries[i].Status == milestone.EntryHeld {
			last = &entries[i]
		}
	}

	if last == nil {
		if delta < 0 {
			return apperr.New(apperr.CodeInvalidArgument, "no open schedule entry can absorb a price decrease")
		}
		return l.schedule.InsertEntries(ctx, tx, []milestone.Entry{{
			ID:              l.newID(),
			ContractID:      contractID,
			EscrowAccountID: accountID,
			Kind:            milestone.KindBalance,
			Amount:          delta,
			DueDate:         l.now().UTC(),
			Status:          milestone.EntryPending,
			Reason:          "Price adjustment",
			Position:        len(entries),
		}})
	}

	if last.Amount+delta <= 0 {
		return apperr.New(apperr.CodeInvalidArgument,
			"price decrease of %d exceeds the last open schedule entry of %d", -delta, last.Amount)
	}
	locked, err := l.schedule.GetEntryForUpdate(ctx, tx, last.ID)
	if err != nil {
		return entryErr(err)
	}
	locked.Amount += delta
	if err := l.schedule.UpdateEntry(ctx, tx, locked); err != nil {
		return err
	}
	if locked.MilestoneID == "" {
		return nil
	}
	m, err := l.schedule.GetMilestoneForUpdate(ctx, tx, locked.MilestoneID)
	if err != nil {
		return err
	}
	m.TargetAmount += delta
	return l.schedule.UpdateMilestone(ctx, tx, m)
}

// consumeEntries keeps the open schedule covered by held funds after money
// leaves escrow outside a scheduled release. Open entries shrink from the end
// of the schedule; an entry reduced to nothing is cancelled.
func (l *Ledger) consumeEntries(ctx context.Context, tx pgx.Tx, contractID string, amount int64, reason string) error {
	entries, err := l.schedule.ListEntries(ctx, tx, contractID)
	if err != nil {
		return err
	}
	for i := len(entries) - 1; i >= 0 && amount > 0; i-- {
		e := entries[i]
		if !e.Open() {
			continue
		}
		take := e.Amount
		if take > amount {
			take = amount
		}
		amount -= take
		if take == e.Amount {
			if e, err = e.Cancel(reason); err != nil {
				return err
			}
		} else {
			e.Amount -= take
		}
		if err := l.schedule.UpdateEntry(ctx, tx, e); err != nil {
			return err
		}
	}
	return nil
}

// VoidOpenEntries cancels every entry whose money has left escrow through a
// refund, settlement or cancellation.
func (l *Ledger) VoidOpenEntries(ctx context.Context, tx pgx.Tx, contractID, reason string, a actor.Actor) (int, error) {
	n, err := l.restatusEntries(ctx, tx, contractID, func(e milestone.Entry) (milestone.Entry, bool, error) {
		if !e.Open() {
			return e, false, nil
		}
		next, err := e.Cancel(reason)
		return next, true, err
	})
	if err != nil || n == 0 {
		return n, err
	}
	return n, l.appendAudit(ctx, tx, contractID, audit.ActionEntriesVoided, a, map[string]any{
		"entries": n,
		"reason":  reason,
	})
}

func (l *Ledger) restatusEntries(ctx context.Context, tx pgx.Tx, contractID string, apply func(milestone.Entry) (milestone.Entry, bool, error)) (int, error) {
	entries, err := l.schedule.ListEntries(ctx, tx, contractID)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, e := range entries {
		next, ok, err := apply(e)
		if err != nil {
			return changed, err
		}
		if !ok {
			continue
		}
		if err := l.schedule.UpdateEntry(ctx, tx, next); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// RecordFailure persists a failed processor call in its own transaction,
// after the operation's transaction has rolled back. Errors that are not a
// PaymentFailure are ignored.
func (l *Ledger) RecordFailure(ctx context.Context, err error) error {
	var pf *PaymentFailure
	if !errors.As(err, &pf) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	tx, beginErr := l.pool.Begin(ctx)
	if beginErr != nil {
		return fmt.Errorf("escrow: begin failure tx: %w", beginErr)
	}
	defer tx.Rollback(ctx)

	rec := pf.Record
	rec.ID = l.newID()
	rec.CreatedAt = l.now().UTC()
	if rec.EscrowAccountID != "" {
		// The account may have been created by the rolled-back transaction.
		if _, err := l.store.GetAccount(ctx, tx, rec.EscrowAccountID); errors.Is(err, ErrAccountNotFound) {
			rec.EscrowAccountID = ""
		}
	}
	if err := l.insertRecord(ctx, tx, rec); err != nil {
		return err
	}
	if err := l.audit.Append(ctx, tx, audit.Entry{
		ContractID: rec.ContractID,
		Action:     audit.ActionPaymentFailed,
		Actor:      pf.Actor,
		Timestamp:  rec.CreatedAt,
		Details: map[string]any{
			"payment_id":      rec.ID,
			"type":            string(rec.Type),
			"amount":          rec.Amount,
			"status":          string(rec.Status),
			"idempotency_key": rec.IdempotencyKey,
			"error":           pf.cause.Error(),
		},
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit failure tx: %w", err)
	}
	l.log.WithFields(logrus.Fields{
		"contract_id":     rec.ContractID,
		"idempotency_key": rec.IdempotencyKey,
		"status":          rec.Status,
	}).WithError(pf.cause).Warn("payment failed; recorded for manual review")
	return nil
}

// claim reserves key. When the key was already used it loads the earlier
// result and reports done.
func (l *Ledger) claim(ctx context.Context, tx pgx.Tx, key, accountID string) (Result, bool, error) {
	err := l.store.ClaimKey(ctx, tx, key)
	if err == nil {
		return Result{}, false, nil
	}
	if !errors.Is(err, ErrDuplicateIdempotencyKey) {
		return Result{}, true, err
	}
	records, err := l.store.PaymentsByKey(ctx, tx, key)
	if err != nil {
		return Result{}, true, err
	}
	acc, err := l.store.GetAccount(ctx, tx, accountID)
	if err != nil {
		return Result{}, true, accountErr(err)
	}
	l.log.WithField("idempotency_key", key).Debug("replayed money movement")
	return Result{Account: acc, Records: records, Replayed: true}, true, nil
}

func (l *Ledger) lockAccount(ctx context.Context, tx pgx.Tx, accountID, contractID string) (Account, error) {
	acc, err := l.store.GetAccountForUpdate(ctx, tx, accountID)
	if err != nil {
		return Account{}, accountErr(err)
	}
	if acc.ContractID != contractID {
		return Account{}, apperr.New(apperr.CodeNotFound, "escrow account %s does not belong to contract %s", accountID, contractID)
	}
	if err := l.checkConservation(acc); err != nil {
		return Account{}, err
	}
	return acc, nil
}

func (l *Ledger) save(ctx context.Context, tx pgx.Tx, acc Account) (Account, error) {
	if err := l.checkConservation(acc); err != nil {
		return Account{}, err
	}
	acc.UpdatedAt = l.now().UTC()
	saved, err := l.store.UpdateAccount(ctx, tx, acc)
	if err != nil {
		if errors.Is(err, ErrStaleAccount) {
			return Account{}, apperr.Wrap(apperr.CodeConcurrentModification, err, "escrow %s changed concurrently, retry", acc.ID)
		}
		return Account{}, db.MapConflict(err)
	}
	return saved, nil
}

// checkConservation aborts the operation on a broken balance. It is logged
// at the highest severity and never retried.
func (l *Ledger) checkConservation(acc Account) error {
	err := acc.CheckConservation()
	if err == nil {
		return nil
	}
	l.metrics.InvariantViolation()
	l.log.WithError(err).WithFields(logrus.Fields{
		"severity":          "critical",
		"alert":             true,
		"escrow_account_id": acc.ID,
		"contract_id":       acc.ContractID,
		"total_amount":      acc.Total,
		"held_amount":       acc.Held,
		"released_amount":   acc.Released,
		"refunded_amount":   acc.Refunded,
	}).Error("escrow conservation invariant violated")
	return err
}

func (l *Ledger) newRecord(acc Account, typ PaymentType, amount, fee int64, key, desc string) PaymentRecord {
	return PaymentRecord{
		ID:              l.newID(),
		EscrowAccountID: acc.ID,
		ContractID:      acc.ContractID,
		Type:            typ,
		Amount:          amount,
		PlatformFee:     fee,
		Status:          PaymentCompleted,
		IdempotencyKey:  key,
		Description:     desc,
		CreatedAt:       l.now().UTC(),
	}
}

func (l *Ledger) insertRecord(ctx context.Context, tx pgx.Tx, rec PaymentRecord) error {
	if err := l.store.InsertPayment(ctx, tx, rec); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return apperr.Wrap(apperr.CodeConcurrentModification, err, "payment %s already recorded", rec.IdempotencyKey)
		}
		return err
	}
	l.metrics.PaymentRecorded(string(rec.Type), string(rec.Status), rec.Amount)
	return nil
}

func (l *Ledger) appendAudit(ctx context.Context, tx pgx.Tx, contractID string, action audit.Action, a actor.Actor, details map[string]any) error {
	return l.audit.Append(ctx, tx, audit.Entry{
		ContractID: contractID,
		Action:     action,
		Actor:      a.String(),
		Timestamp:  l.now().UTC(),
		Details:    details,
	})
}

func (l *Ledger) enqueueMovement(ctx context.Context, tx pgx.Tx, topic string, p Parties, acc Account, rec PaymentRecord) error {
	return l.outbox.Enqueue(ctx, tx, topic, map[string]any{
		"contract_id":       p.ContractID,
		"escrow_account_id": acc.ID,
		"payment_id":        rec.ID,
		"type":              string(rec.Type),
		"amount":            rec.Amount,
		"platform_fee":      rec.PlatformFee,
		"homeowner_id":      p.HomeownerID,
		"contractor_id":     p.ContractorID,
		"escrow_status":     string(acc.Status),
	})
}

// Account reads an account by id, outside any transaction.
func (l *Ledger) Account(ctx context.Context, accountID string) (Account, error) {
	acc, err := l.store.GetAccount(ctx, l.pool, accountID)
	if err != nil {
		return Account{}, accountErr(err)
	}
	return acc, nil
}

func (l *Ledger) AccountForContract(ctx context.Context, contractID string) (Account, error) {
	acc, err := l.store.GetAccountByContract(ctx, l.pool, contractID)
	if err != nil {
		return Account{}, accountErr(err)
	}
	return acc, nil
}

// AccountInTx reads an account with the caller's transaction.
func (l *Ledger) AccountInTx(ctx context.Context, tx pgx.Tx, contractID string) (Account, error) {
	acc, err := l.store.GetAccountByContract(ctx, tx, contractID)
	if err != nil {
		return Account{}, accountErr(err)
	}
	return acc, nil
}

// History lists an account's payment records in order.
func (l *Ledger) History(ctx context.Context, accountID string) ([]PaymentRecord, error) {
	if _, err := l.Account(ctx, accountID); err != nil {
		return nil, err
	}
	return l.store.ListPayments(ctx, l.pool, accountID)
}

// ContractHistory includes failed attempts recorded before an account existed.
func (l *Ledger) ContractHistory(ctx context.Context, contractID string) ([]PaymentRecord, error) {
	return l.store.ListContractPayments(ctx, l.pool, contractID)
}

func accountErr(err error) error {
	if errors.Is(err, ErrAccountNotFound) {
		return apperr.Wrap(apperr.CodeNotFound, err, "escrow account not found")
	}
	return err
}

func entryErr(err error) error {
	if errors.Is(err, milestone.ErrEntryNotFound) {
		return apperr.Wrap(apperr.CodeNotFound, err, "schedule entry not found")
	}
	return err
}
