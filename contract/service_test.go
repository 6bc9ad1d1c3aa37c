package contract_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"contractflow/apperr"
	"contractflow/audit"
	"contractflow/contract"
	"contractflow/dispute"
	"contractflow/escrow"
	"contractflow/milestone"
	"contractflow/test/fixture"
)

func TestAccept_DepositThenFinal(t *testing.T) {
	ctx := context.Background()
	e := fixture.New()

	res := e.Activate(t, e.Terms(10000))
	c := res.Contract
	require.Equal(t, int64(10000), res.Account.Held)
	require.Equal(t, int64(0), res.Account.Released)

	deposit := e.EntryOfKind(t, c.ID, milestone.KindDeposit)
	require.Equal(t, int64(2500), deposit.Amount)
	out, err := e.Contracts.Release(ctx, deposit.ID, "", fixture.Homeowner)
	require.NoError(t, err)
	require.Equal(t, int64(7500), out.Result.Account.Held)
	require.Equal(t, int64(2500), out.Result.Account.Released)
	require.Equal(t, escrow.StatusPartialRelease, out.Result.Account.Status)
	require.Equal(t, contract.StatusActive, out.Contract.Status)

	final := e.EntryOfKind(t, c.ID, milestone.KindFinal)
	out, err = e.Contracts.Release(ctx, final.ID, "", fixture.Homeowner)
	require.NoError(t, err)
	require.Equal(t, int64(0), out.Result.Account.Held)
	require.Equal(t, int64(10000), out.Result.Account.Released)
	require.Equal(t, escrow.StatusReleased, out.Result.Account.Status)
	require.Equal(t, contract.StatusCompleted, out.Contract.Status)

	acc := e.RequireBalanced(t, c.ID)
	require.Equal(t, int64(10000), acc.Released)

	rec := out.Result.Records[0]
	require.Equal(t, escrow.PaymentRelease, rec.Type)
	require.Equal(t, int64(7500), rec.Amount)
	require.Equal(t, int64(937), rec.PlatformFee)
}

func TestCreate_ReplaysSameBid(t *testing.T) {
	ctx := context.Background()
	e := fixture.New()
	terms := e.Terms(4000)

	first, err := e.Contracts.Create(ctx, terms, fixture.Homeowner)
	require.NoError(t, err)
	second, err := e.Contracts.Create(ctx, terms, fixture.Homeowner)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, contract.StatusDraft, second.Status)

	trail, err := e.Contracts.AuditTrail(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, audit.ActionContractCreated, trail[0].Action)
	created := 0
	for _, entry := range trail {
		if entry.Action == audit.ActionContractCreated {
			created++
		}
	}
	require.Equal(t, 1, created)
}

func TestCreate_RejectsOverallocatedMilestones(t *testing.T) {
	e := fixture.New()
	terms := e.Terms(1000,
		milestone.Input{Title: "Rough-in", DueDate: fixture.Epoch.Add(72 * time.Hour), TargetAmount: 600},
		milestone.Input{Title: "Finish", DueDate: fixture.Epoch.Add(240 * time.Hour), TargetAmount: 600},
	)
	_, err := e.Contracts.Create(context.Background(), terms, fixture.Homeowner)
	require.ErrorIs(t, err, apperr.ErrScheduleOverallocated)
}

func TestAccept_RequiresOfferFirst(t *testing.T) {
	ctx := context.Background()
	e := fixture.New()
	c, err := e.Contracts.Create(ctx, e.Terms(1000), fixture.Homeowner)
	require.NoError(t, err)

	_, err = e.Contracts.Accept(ctx, c.ID, fixture.Contractor)
	require.ErrorIs(t, err, apperr.ErrInvalidStateTransition)

	_, err = e.Contracts.Offer(ctx, c.ID, fixture.Homeowner)
	require.NoError(t, err)
	_, err = e.Contracts.Accept(ctx, c.ID, fixture.Homeowner)
	require.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestAccept_SecondAcceptIsIllegalAndMovesNothing(t *testing.T) {
	ctx := context.Background()
	e := fixture.New()
	c := e.Activate(t, e.Terms(10000)).Contract
	before := e.RequireBalanced(t, c.ID)
	charges := e.Processor.Transactions()

	_, err := e.Contracts.Accept(ctx, c.ID, fixture.Contractor)
	require.ErrorIs(t, err, apperr.ErrInvalidStateTransition)

	after := e.RequireBalanced(t, c.ID)
	require.Equal(t, before, after)
	require.Equal(t, charges, e.Processor.Transactions())
	got, err := e.Contracts.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusActive, got.Status)
}

func TestRelease_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := fixture.New()
	c := e.Activate(t, e.Terms(10000)).Contract
	deposit := e.EntryOfKind(t, c.ID, milestone.KindDeposit)

	first, err := e.Contracts.Release(ctx, deposit.ID, "", fixture.Homeowner)
	require.NoError(t, err)
	require.False(t, first.Result.Replayed)

	second, err := e.Contracts.Release(ctx, deposit.ID, "", fixture.Homeowner)
	require.NoError(t, err)
	require.True(t, second.Result.Replayed)
	require.Equal(t, first.Result.Records[0].ID, second.Result.Records[0].ID)
	require.Equal(t, int64(2500), second.Result.Account.Released)

	records, err := e.Ledger.ContractHistory(ctx, c.ID)
	require.NoError(t, err)
	releases := 0
	for _, r := range records {
		if r.Type == escrow.PaymentRelease {
			releases++
		}
	}
	require.Equal(t, 1, releases)
	e.RequireBalanced(t, c.ID)
}

func TestRelease_ConcurrentCallsReleaseOnce(t *testing.T) {
	ctx := context.Background()
	e := fixture.New()
	c := e.Activate(t, e.Terms(10000)).Contract
	deposit := e.EntryOfKind(t, c.ID, milestone.KindDeposit)
	transfersBefore := e.Processor.Transactions()

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := e.Contracts.Release(ctx, deposit.ID, "", fixture.Homeowner)
			if err != nil && !errors.Is(err, apperr.ErrConcurrentModification) {
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	records, err := e.Ledger.ContractHistory(ctx, c.ID)
	require.NoError(t, err)
	var released []escrow.PaymentRecord
	for _, r := range records {
		if r.Type == escrow.PaymentRelease {
			released = append(released, r)
		}
	}
	require.Len(t, released, 1)
	require.Equal(t, transfersBefore+1, e.Processor.Transactions())

	acc := e.RequireBalanced(t, c.ID)
	require.Equal(t, int64(2500), acc.Released)
	require.Equal(t, milestone.EntryReleased, e.EntryOfKind(t, c.ID, milestone.KindDeposit).Status)
}

func TestRelease_ForbiddenForContractor(t *testing.T) {
	e := fixture.New()
	c := e.Activate(t, e.Terms(10000)).Contract
	deposit := e.EntryOfKind(t, c.ID, milestone.KindDeposit)

	_, err := e.Contracts.Release(context.Background(), deposit.ID, "", fixture.Contractor)
	require.ErrorIs(t, err, apperr.ErrForbidden)
	require.Equal(t, int64(10000), e.Account(t, c.ID).Held)
}

func TestAcceptChange_PriceAdjustment(t *testing.T) {
	ctx := context.Background()
	e := fixture.New()
	c := e.Activate(t, e.Terms(10000)).Contract

	ch, err := e.Contracts.ProposeChange(ctx, c.ID, contract.ChangeRequest{
		Type:        contract.ChangePriceAdjustment,
		Description: "upgrade fixtures",
		AmountDelta: 1000,
	}, fixture.Contractor)
	require.NoError(t, err)

	updated, resolved, err := e.Contracts.AcceptChange(ctx, c.ID, ch.ID, fixture.Homeowner)
	require.NoError(t, err)
	require.Equal(t, contract.ChangeAccepted, resolved.Status)
	require.Equal(t, int64(11000), updated.TotalAmount)

	acc := e.RequireBalanced(t, c.ID)
	require.Equal(t, int64(11000), acc.Total)
	require.Equal(t, int64(11000), acc.Held)

	var scheduled int64
	for _, entry := range e.Entries(t, c.ID) {
		if entry.Open() {
			scheduled += entry.Amount
		}
	}
	require.Equal(t, int64(11000), scheduled)
}

func TestAcceptChange_RollsBackWhenContractWriteFails(t *testing.T) {
	ctx := context.Background()
	e := fixture.New()
	c := e.Activate(t, e.Terms(10000)).Contract

	ch, err := e.Contracts.ProposeChange(ctx, c.ID, contract.ChangeRequest{
		Type:        contract.ChangePriceAdjustment,
		AmountDelta: 1000,
	}, fixture.Contractor)
	require.NoError(t, err)

	e.Store.FailNext("contract.Update", errors.New("disk full"))
	_, _, err = e.Contracts.AcceptChange(ctx, c.ID, ch.ID, fixture.Homeowner)
	require.Error(t, err)

	got, err := e.Contracts.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10000), got.TotalAmount)
	acc := e.RequireBalanced(t, c.ID)
	require.Equal(t, int64(10000), acc.Total)
	require.Equal(t, int64(10000), acc.Held)

	changes, err := e.Contracts.Changes(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, contract.ChangeProposed, changes[0].Status)

	updated, _, err := e.Contracts.AcceptChange(ctx, c.ID, ch.ID, fixture.Homeowner)
	require.NoError(t, err)
	require.Equal(t, int64(11000), updated.TotalAmount)
	require.Equal(t, int64(11000), e.RequireBalanced(t, c.ID).Total)
}

func TestChangeResolution_Guards(t *testing.T) {
	ctx := context.Background()
	e := fixture.New()
	c := e.Activate(t, e.Terms(10000)).Contract

	_, _, err := e.Contracts.AcceptChange(ctx, c.ID, "missing", fixture.Homeowner)
	require.ErrorIs(t, err, apperr.ErrChangeNotFound)

	ch, err := e.Contracts.ProposeChange(ctx, c.ID, contract.ChangeRequest{
		Type:          contract.ChangeTimeExtension,
		ExtensionDays: 14,
	}, fixture.Contractor)
	require.NoError(t, err)

	_, _, err = e.Contracts.AcceptChange(ctx, c.ID, ch.ID, fixture.Contractor)
	require.ErrorIs(t, err, apperr.ErrForbidden)

	rejected, err := e.Contracts.RejectChange(ctx, c.ID, ch.ID, "not now", fixture.Homeowner)
	require.NoError(t, err)
	require.Equal(t, contract.ChangeRejected, rejected.Status)

	_, _, err = e.Contracts.AcceptChange(ctx, c.ID, ch.ID, fixture.Homeowner)
	require.ErrorIs(t, err, apperr.ErrChangeAlreadyResolved)
}

func TestAcceptChange_TimeExtensionMovesFinalEntry(t *testing.T) {
	ctx := context.Background()
	e := fixture.New()
	c := e.Activate(t, e.Terms(10000)).Contract
	before := e.EntryOfKind(t, c.ID, milestone.KindFinal)

	ch, err := e.Contracts.ProposeChange(ctx, c.ID, contract.ChangeRequest{
		Type:          contract.ChangeTimeExtension,
		ExtensionDays: 10,
	}, fixture.Contractor)
	require.NoError(t, err)
	updated, _, err := e.Contracts.AcceptChange(ctx, c.ID, ch.ID, fixture.Homeowner)
	require.NoError(t, err)

	require.Equal(t, c.EstimatedEndDate.AddDate(0, 0, 10), updated.EstimatedEndDate)
	after := e.EntryOfKind(t, c.ID, milestone.KindFinal)
	require.Equal(t, before.DueDate.AddDate(0, 0, 10), after.DueDate)
}

func TestCancel_RefundsHeldAfterDeposit(t *testing.T) {
	ctx := context.Background()
	e := fixture.New()
	c := e.Activate(t, e.Terms(10000)).Contract
	deposit := e.EntryOfKind(t, c.ID, milestone.KindDeposit)
	_, err := e.Contracts.Release(ctx, deposit.ID, "", fixture.Homeowner)
	require.NoError(t, err)

	cancelled, err := e.Contracts.Cancel(ctx, c.ID, "homeowner moved", fixture.Homeowner)
	require.NoError(t, err)
	require.Equal(t, contract.StatusCancelled, cancelled.Status)
	require.Equal(t, "homeowner moved", cancelled.CancellationReason)
	require.NotNil(t, cancelled.CancelledAt)

	acc := e.RequireBalanced(t, c.ID)
	require.Equal(t, int64(0), acc.Held)
	require.Equal(t, int64(2500), acc.Released)
	require.Equal(t, int64(7500), acc.Refunded)

	for _, entry := range e.Entries(t, c.ID) {
		require.False(t, entry.Open(), "entry %s still open", entry.ID)
	}
}

func TestCancel_CompletedContractIsIllegalAndMovesNothing(t *testing.T) {
	ctx := context.Background()
	e := fixture.New()
	c := e.Activate(t, e.Terms(10000)).Contract
	for _, entry := range e.Entries(t, c.ID) {
		_, err := e.Contracts.Release(ctx, entry.ID, "", fixture.Homeowner)
		require.NoError(t, err)
	}
	before := e.RequireBalanced(t, c.ID)

	_, err := e.Contracts.Cancel(ctx, c.ID, "changed my mind", fixture.Homeowner)
	require.ErrorIs(t, err, apperr.ErrInvalidStateTransition)

	after := e.RequireBalanced(t, c.ID)
	require.Equal(t, before, after)
	got, err := e.Contracts.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusCompleted, got.Status)
}

func TestAccept_ProcessorOutageLeavesPendingRecord(t *testing.T) {
	ctx := context.Background()
	e := fixture.New()
	c, err := e.Contracts.Create(ctx, e.Terms(3000), fixture.Homeowner)
	require.NoError(t, err)
	_, err = e.Contracts.Offer(ctx, c.ID, fixture.Homeowner)
	require.NoError(t, err)

	e.Processor.FailAll(errors.New("gateway timeout"))
	_, err = e.Contracts.Accept(ctx, c.ID, fixture.Contractor)
	require.ErrorIs(t, err, apperr.ErrExternalPaymentFailure)

	got, err := e.Contracts.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusPendingAcceptance, got.Status)
	_, err = e.Ledger.AccountForContract(ctx, c.ID)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	records, err := e.Ledger.ContractHistory(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, escrow.PaymentDeposit, records[0].Type)
	require.Equal(t, escrow.PaymentPending, records[0].Status)
	require.Empty(t, records[0].EscrowAccountID)

	e.Processor.FailAll(nil)
	res, err := e.Contracts.Accept(ctx, c.ID, fixture.Contractor)
	require.NoError(t, err)
	require.Equal(t, contract.StatusActive, res.Contract.Status)
	e.RequireBalanced(t, c.ID)
}

func TestRefund_OperatorDrainingHeldCancelsContract(t *testing.T) {
	ctx := context.Background()
	e := fixture.New()
	res := e.Activate(t, e.Terms(6000))

	req := contract.RefundRequest{
		AccountID: res.Account.ID,
		Amount:    1000,
		From:      escrow.BucketHeld,
		Reason:    "materials not needed",
		ClientKey: "ticket-76",
	}
	_, err := e.Contracts.Refund(ctx, req, fixture.Homeowner)
	require.ErrorIs(t, err, apperr.ErrForbidden)

	partial, err := e.Contracts.Refund(ctx, req, fixture.Operator)
	require.NoError(t, err)
	require.Equal(t, contract.StatusActive, partial.Contract.Status)
	require.Equal(t, int64(5000), partial.Result.Account.Held)

	replay, err := e.Contracts.Refund(ctx, req, fixture.Operator)
	require.NoError(t, err)
	require.True(t, replay.Result.Replayed)
	require.Equal(t, int64(1000), replay.Result.Account.Refunded)

	req.Amount, req.ClientKey, req.Reason = 5000, "ticket-77", "job abandoned"
	out, err := e.Contracts.Refund(ctx, req, fixture.Operator)
	require.NoError(t, err)
	require.Equal(t, contract.StatusCancelled, out.Contract.Status)
	require.Equal(t, escrow.StatusRefunded, out.Result.Account.Status)
	require.Equal(t, int64(-5000), out.Result.Records[0].Amount)
	e.RequireBalanced(t, res.Contract.ID)
}

func TestRefund_DisputedContractOnlyClawsBackReleased(t *testing.T) {
	ctx := context.Background()
	e := fixture.New()
	res := e.Activate(t, e.Terms(10000))
	c := res.Contract
	deposit := e.EntryOfKind(t, c.ID, milestone.KindDeposit)
	_, err := e.Contracts.Release(ctx, deposit.ID, "", fixture.Homeowner)
	require.NoError(t, err)
	rec, err := e.Disputes.Open(ctx, c.ID, "cabinets installed crooked", fixture.Homeowner)
	require.NoError(t, err)
	before := e.RequireBalanced(t, c.ID)

	_, err = e.Contracts.Refund(ctx, contract.RefundRequest{
		AccountID: res.Account.ID,
		Amount:    7500,
		From:      escrow.BucketHeld,
		Reason:    "goodwill",
		ClientKey: "ticket-90",
	}, fixture.Operator)
	require.ErrorIs(t, err, apperr.ErrInvalidStateTransition)
	require.Equal(t, before, e.RequireBalanced(t, c.ID))

	out, err := e.Contracts.Refund(ctx, contract.RefundRequest{
		AccountID: res.Account.ID,
		Amount:    500,
		From:      escrow.BucketReleased,
		Reason:    "overbilled deposit",
		ClientKey: "ticket-91",
	}, fixture.Operator)
	require.NoError(t, err)
	require.Equal(t, contract.StatusDisputed, out.Contract.Status)
	require.Equal(t, escrow.StatusDispute, out.Result.Account.Status)
	require.Equal(t, int64(2000), out.Result.Account.Released)

	_, err = e.Disputes.Resolve(ctx, rec.ID, dispute.Resolution{Decision: dispute.DecisionRework, Notes: "reinstall"}, fixture.Operator)
	require.NoError(t, err)
	acc := e.RequireBalanced(t, c.ID)
	require.Equal(t, int64(7500), acc.Held)
	require.Equal(t, escrow.StatusPartialRelease, acc.Status)
}

func TestProgress_ReportsReleasedShare(t *testing.T) {
	ctx := context.Background()
	e := fixture.New()
	c := e.Activate(t, e.Terms(10000)).Contract
	deposit := e.EntryOfKind(t, c.ID, milestone.KindDeposit)
	_, err := e.Contracts.Release(ctx, deposit.ID, "", fixture.Homeowner)
	require.NoError(t, err)

	p, err := e.Contracts.Progress(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, p.Account)
	require.Equal(t, int64(2500), p.ReleasedAmount)
	require.Equal(t, int64(7500), p.PendingAmount)
	require.InDelta(t, 25.0, p.PercentReleased, 0.001)
	require.Len(t, p.Schedule, 2)
}
