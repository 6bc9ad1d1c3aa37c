package dispute_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"contractflow/actor"
	"contractflow/apperr"
	"contractflow/contract"
	"contractflow/dispute"
	"contractflow/escrow"
	"contractflow/milestone"
	"contractflow/test/fixture"
)

// openAfterDeposit activates a 10000 contract, releases its deposit and
// opens a dispute over the remaining 7500.
func openAfterDeposit(t *testing.T, e *fixture.Engine) (contract.Contract, dispute.Record) {
	t.Helper()
	ctx := context.Background()
	c := e.Activate(t, e.Terms(10000)).Contract
	deposit := e.EntryOfKind(t, c.ID, milestone.KindDeposit)
	_, err := e.Contracts.Release(ctx, deposit.ID, "", fixture.Homeowner)
	require.NoError(t, err)

	rec, err := e.Disputes.Open(ctx, c.ID, "tiles do not match the sample", fixture.Homeowner)
	require.NoError(t, err)
	require.Equal(t, dispute.StatusOpen, rec.Status)
	require.Equal(t, int64(7500), rec.HeldAmount)
	return c, rec
}

func TestOpen_FreezesEscrow(t *testing.T) {
	ctx := context.Background()
	e := fixture.New()
	c, rec := openAfterDeposit(t, e)

	acc := e.RequireBalanced(t, c.ID)
	require.Equal(t, escrow.StatusDispute, acc.Status)
	require.Equal(t, int64(7500), acc.Held)
	require.Equal(t, acc.ID, rec.EscrowAccountID)

	final := e.EntryOfKind(t, c.ID, milestone.KindFinal)
	require.Equal(t, milestone.EntryDisputed, final.Status)

	_, err := e.Contracts.Release(ctx, final.ID, "", fixture.Homeowner)
	require.ErrorIs(t, err, apperr.ErrInvalidStateTransition)

	_, err = e.Disputes.Open(ctx, c.ID, "again", fixture.Contractor)
	require.ErrorIs(t, err, apperr.ErrInvalidStateTransition)

	list, err := e.Disputes.ListForContract(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, rec.ID, list[0].ID)
}

func TestOpen_Guards(t *testing.T) {
	ctx := context.Background()
	e := fixture.New()
	c := e.Activate(t, e.Terms(4000)).Contract

	_, err := e.Disputes.Open(ctx, c.ID, "   ", fixture.Homeowner)
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = e.Disputes.Open(ctx, c.ID, "not my job", actor.Homeowner("neighbour"))
	require.ErrorIs(t, err, apperr.ErrForbidden)

	got, err := e.Contracts.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusActive, got.Status)
	require.Equal(t, escrow.StatusActive, e.Account(t, c.ID).Status)
}

func TestResolve_PartialRefundSettlesRemainder(t *testing.T) {
	ctx := context.Background()
	e := fixture.New()
	c, rec := openAfterDeposit(t, e)

	_, err := e.Disputes.Resolve(ctx, rec.ID, dispute.Resolution{Decision: dispute.DecisionPartialRefund, Amount: 7501}, fixture.Operator)
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = e.Disputes.Resolve(ctx, rec.ID, dispute.Resolution{Decision: dispute.DecisionPartialRefund}, fixture.Operator)
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)

	resolved, err := e.Disputes.Resolve(ctx, rec.ID, dispute.Resolution{
		Decision: dispute.DecisionPartialRefund,
		Amount:   3000,
		Notes:    "half the floor redone",
	}, fixture.Operator)
	require.NoError(t, err)
	require.Equal(t, dispute.StatusResolved, resolved.Status)
	require.Equal(t, dispute.DecisionPartialRefund, resolved.Decision)
	require.Equal(t, int64(3000), *resolved.ResolutionAmount)
	require.Equal(t, fixture.Operator.String(), resolved.ResolvedBy)

	acc := e.RequireBalanced(t, c.ID)
	require.Equal(t, int64(0), acc.Held)
	require.Equal(t, int64(7000), acc.Released)
	require.Equal(t, int64(3000), acc.Refunded)
	require.Equal(t, escrow.StatusReleased, acc.Status)

	got, err := e.Contracts.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusCompleted, got.Status)
	for _, entry := range e.Entries(t, c.ID) {
		require.False(t, entry.Open(), "entry %s left open", entry.ID)
	}
}

func TestResolve_ReworkResumesContract(t *testing.T) {
	ctx := context.Background()
	e := fixture.New()
	c, rec := openAfterDeposit(t, e)

	resolved, err := e.Disputes.Resolve(ctx, rec.ID, dispute.Resolution{Decision: dispute.DecisionRework, Notes: "redo the backsplash"}, fixture.Operator)
	require.NoError(t, err)
	require.Equal(t, dispute.DecisionRework, resolved.Decision)
	require.Nil(t, resolved.ResolutionAmount)

	got, err := e.Contracts.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusActive, got.Status)

	acc := e.RequireBalanced(t, c.ID)
	require.Equal(t, escrow.StatusPartialRelease, acc.Status)
	require.Equal(t, int64(7500), acc.Held)

	final := e.EntryOfKind(t, c.ID, milestone.KindFinal)
	require.Equal(t, milestone.EntryPending, final.Status)
	out, err := e.Contracts.Release(ctx, final.ID, "rework accepted", fixture.Homeowner)
	require.NoError(t, err)
	require.Equal(t, contract.StatusCompleted, out.Contract.Status)
}

func TestResolve_ArbitrationKeepsHold(t *testing.T) {
	ctx := context.Background()
	e := fixture.New()
	c, rec := openAfterDeposit(t, e)

	deferred, err := e.Disputes.Resolve(ctx, rec.ID, dispute.Resolution{Decision: dispute.DecisionArbitration}, fixture.Operator)
	require.NoError(t, err)
	require.Equal(t, dispute.StatusUnderReview, deferred.Status)
	require.Equal(t, dispute.DecisionArbitration, deferred.Decision)

	got, err := e.Contracts.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusDisputed, got.Status)
	require.Equal(t, escrow.StatusDispute, e.Account(t, c.ID).Status)

	final, err := e.Disputes.Resolve(ctx, rec.ID, dispute.Resolution{Decision: dispute.DecisionRefund}, fixture.Operator)
	require.NoError(t, err)
	require.Equal(t, dispute.DecisionRefund, final.Decision)

	acc := e.RequireBalanced(t, c.ID)
	require.Equal(t, int64(2500), acc.Released)
	require.Equal(t, int64(7500), acc.Refunded)
	require.Equal(t, escrow.StatusRefunded, acc.Status)
}

func TestResolve_Guards(t *testing.T) {
	ctx := context.Background()
	e := fixture.New()
	_, rec := openAfterDeposit(t, e)

	_, err := e.Disputes.Resolve(ctx, rec.ID, dispute.Resolution{Decision: dispute.DecisionRefund}, fixture.Homeowner)
	require.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = e.Disputes.Resolve(ctx, rec.ID, dispute.Resolution{Decision: "SPLIT"}, fixture.Operator)
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = e.Disputes.Resolve(ctx, "missing", dispute.Resolution{Decision: dispute.DecisionRefund}, fixture.Operator)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = e.Disputes.Resolve(ctx, rec.ID, dispute.Resolution{Decision: dispute.DecisionRefund}, fixture.Operator)
	require.NoError(t, err)
	_, err = e.Disputes.Resolve(ctx, rec.ID, dispute.Resolution{Decision: dispute.DecisionRefund}, fixture.Operator)
	require.ErrorIs(t, err, apperr.ErrDisputeAlreadyResolved)
	_, err = e.Disputes.Review(ctx, rec.ID, fixture.Operator)
	require.ErrorIs(t, err, apperr.ErrDisputeAlreadyResolved)
}

func TestResolve_ConcurrentCallsRefundOnce(t *testing.T) {
	ctx := context.Background()
	e := fixture.New()
	c, rec := openAfterDeposit(t, e)
	before := e.Processor.Transactions()

	var g errgroup.Group
	errs := make([]error, 4)
	for i := range errs {
		g.Go(func() error {
			_, errs[i] = e.Disputes.Resolve(ctx, rec.ID, dispute.Resolution{Decision: dispute.DecisionRefund}, fixture.Operator)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, apperr.ErrDisputeAlreadyResolved):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)

	acc := e.RequireBalanced(t, c.ID)
	require.Equal(t, int64(7500), acc.Refunded)
	require.Equal(t, before+1, e.Processor.Transactions())

	history, err := e.Ledger.History(ctx, acc.ID)
	require.NoError(t, err)
	refunds := 0
	for _, r := range history {
		if r.IdempotencyKey == escrow.DisputeRefundKey(rec.ID) && r.Status == escrow.PaymentCompleted {
			refunds++
		}
	}
	require.Equal(t, 1, refunds)
}

func TestReviewAndMediate(t *testing.T) {
	ctx := context.Background()
	e := fixture.New()
	_, rec := openAfterDeposit(t, e)

	_, err := e.Disputes.Review(ctx, rec.ID, fixture.Homeowner)
	require.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = e.Disputes.Mediate(ctx, rec.ID, "talked to both parties", fixture.Operator)
	require.ErrorIs(t, err, apperr.ErrInvalidStateTransition, "mediation needs a review first")

	reviewed, err := e.Disputes.Review(ctx, rec.ID, fixture.Operator)
	require.NoError(t, err)
	require.Equal(t, dispute.StatusUnderReview, reviewed.Status)

	_, err = e.Disputes.Review(ctx, rec.ID, fixture.Operator)
	require.ErrorIs(t, err, apperr.ErrInvalidStateTransition)
	_, err = e.Disputes.Mediate(ctx, rec.ID, " ", fixture.Operator)
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)

	mediated, err := e.Disputes.Mediate(ctx, rec.ID, "contractor offers to replace tiles", fixture.Operator)
	require.NoError(t, err)
	require.Equal(t, dispute.StatusMediated, mediated.Status)
	require.Equal(t, "contractor offers to replace tiles", mediated.MediationNotes)

	got, err := e.Disputes.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, dispute.StatusMediated, got.Status)

	_, err = e.Disputes.Resolve(ctx, rec.ID, dispute.Resolution{Decision: dispute.DecisionRework}, fixture.Operator)
	require.NoError(t, err)
}
