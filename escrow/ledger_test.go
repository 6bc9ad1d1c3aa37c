package escrow_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"contractflow/apperr"
	"contractflow/escrow"
	"contractflow/milestone"
	"contractflow/payment"
	"contractflow/test/fixture"
)

func releases(t *testing.T, e *fixture.Engine, accountID string) []escrow.PaymentRecord {
	t.Helper()
	history, err := e.Ledger.History(context.Background(), accountID)
	require.NoError(t, err)
	var out []escrow.PaymentRecord
	for _, r := range history {
		if r.Type == escrow.PaymentRelease {
			out = append(out, r)
		}
	}
	return out
}

func TestRelease_ChargesPlatformFee(t *testing.T) {
	ctx := context.Background()
	e := fixture.New()
	res := e.Activate(t, e.Terms(10000))
	c := res.Contract

	_, err := e.Contracts.Release(ctx, e.EntryOfKind(t, c.ID, milestone.KindDeposit).ID, "", fixture.Homeowner)
	require.NoError(t, err)
	_, err = e.Contracts.Release(ctx, e.EntryOfKind(t, c.ID, milestone.KindFinal).ID, "", fixture.Homeowner)
	require.NoError(t, err)

	recs := releases(t, e, res.Account.ID)
	require.Len(t, recs, 2)
	fees := map[int64]int64{}
	for _, r := range recs {
		require.Equal(t, escrow.PaymentCompleted, r.Status)
		require.NotEmpty(t, r.ExternalTransactionID)
		fees[r.Amount] = r.PlatformFee
	}
	require.Equal(t, int64(312), fees[2500])
	require.Equal(t, int64(937), fees[7500])

	acc := e.RequireBalanced(t, c.ID)
	require.Equal(t, escrow.StatusReleased, acc.Status)
}

func TestRelease_DeclinedTransferRollsBackAndRecordsFailure(t *testing.T) {
	ctx := context.Background()
	e := fixture.New()
	res := e.Activate(t, e.Terms(10000))
	deposit := e.EntryOfKind(t, res.Contract.ID, milestone.KindDeposit)
	key := escrow.ReleaseKey(deposit.ID)

	e.Processor.FailKey(key, payment.ErrDeclined)
	_, err := e.Contracts.Release(ctx, deposit.ID, "", fixture.Homeowner)
	require.ErrorIs(t, err, apperr.ErrExternalPaymentFailure)

	acc := e.RequireBalanced(t, res.Contract.ID)
	require.Equal(t, int64(10000), acc.Held)
	require.Equal(t, int64(0), acc.Released)
	require.Equal(t, milestone.EntryPending, e.EntryOfKind(t, res.Contract.ID, milestone.KindDeposit).Status)

	recs := releases(t, e, res.Account.ID)
	require.Len(t, recs, 1)
	require.Equal(t, escrow.PaymentFailed, recs[0].Status)
	require.Equal(t, key, recs[0].IdempotencyKey)

	e.Processor.FailKey(key, nil)
	out, err := e.Contracts.Release(ctx, deposit.ID, "", fixture.Homeowner)
	require.NoError(t, err)
	require.Equal(t, int64(7500), out.Result.Account.Held)

	completed := 0
	for _, r := range releases(t, e, res.Account.ID) {
		if r.Status == escrow.PaymentCompleted {
			completed++
		}
	}
	require.Equal(t, 1, completed)
}

func TestRelease_ProcessorOutageIsRetryable(t *testing.T) {
	ctx := context.Background()
	e := fixture.New()
	res := e.Activate(t, e.Terms(4000))
	final := e.EntryOfKind(t, res.Contract.ID, milestone.KindFinal)

	e.Processor.FailAll(errors.New("processor: connection reset"))
	_, err := e.Contracts.Release(ctx, final.ID, "", fixture.Homeowner)
	require.ErrorIs(t, err, apperr.ErrExternalPaymentFailure)
	require.True(t, apperr.Retryable(err))

	recs := releases(t, e, res.Account.ID)
	require.Len(t, recs, 1)
	require.Equal(t, escrow.PaymentPending, recs[0].Status)
	e.RequireBalanced(t, res.Contract.ID)
}

func TestAccount_LookupsAgree(t *testing.T) {
	ctx := context.Background()
	e := fixture.New()
	res := e.Activate(t, e.Terms(6000))

	byID, err := e.Ledger.Account(ctx, res.Account.ID)
	require.NoError(t, err)
	byContract, err := e.Ledger.AccountForContract(ctx, res.Contract.ID)
	require.NoError(t, err)
	require.Equal(t, byID, byContract)
	require.Equal(t, int64(6000), byID.Total)

	_, err = e.Ledger.Account(ctx, "missing")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}
