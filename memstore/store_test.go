package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"contractflow/contract"
	"contractflow/escrow"
	"contractflow/milestone"
	"contractflow/reputation"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func seedContract(t *testing.T, s *Store) contract.Contract {
	t.Helper()
	ctx := context.Background()
	c := contract.Contract{ID: "c-1", BidID: "bid-1", TotalAmount: 10000, Status: contract.StatusDraft, Version: 1, CreatedAt: t0, UpdatedAt: t0}
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Contracts().Insert(ctx, tx, c))
	require.NoError(t, tx.Commit(ctx))
	return c
}

func TestRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := New()
	c := seedContract(t, s)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	c.TotalAmount = 11000
	_, err = s.Contracts().Update(ctx, tx, c)
	require.NoError(t, err)

	inside, err := s.Contracts().Get(ctx, tx, c.ID)
	require.NoError(t, err)
	require.Equal(t, int64(11000), inside.TotalAmount)

	outside, err := s.Contracts().Get(ctx, s, c.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10000), outside.TotalAmount, "uncommitted write must not leak")

	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, tx.Rollback(ctx))

	after, err := s.Contracts().Get(ctx, s, c.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10000), after.TotalAmount)
	require.Equal(t, int64(1), after.Version)
}

func TestUpdateRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	s := New()
	c := seedContract(t, s)

	tx, _ := s.Begin(ctx)
	saved, err := s.Contracts().Update(ctx, tx, c)
	require.NoError(t, err)
	require.Equal(t, int64(2), saved.Version)

	_, err = s.Contracts().Update(ctx, tx, c)
	require.ErrorIs(t, err, contract.ErrStaleContract)
	require.NoError(t, tx.Commit(ctx))
}

func TestDuplicateBidIsRejected(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedContract(t, s)

	tx, _ := s.Begin(ctx)
	defer tx.Rollback(ctx)
	err := s.Contracts().Insert(ctx, tx, contract.Contract{ID: "c-2", BidID: "bid-1", TotalAmount: 1})
	require.ErrorIs(t, err, contract.ErrDuplicateBid)
}

func TestCompletedPaymentKeysAreUniquePerType(t *testing.T) {
	ctx := context.Background()
	s := New()
	tx, _ := s.Begin(ctx)
	defer tx.Rollback(ctx)

	rec := escrow.PaymentRecord{ID: "p-1", ContractID: "c-1", Type: escrow.PaymentRelease, Amount: 2500,
		Status: escrow.PaymentCompleted, IdempotencyKey: "release:e-1", CreatedAt: t0}
	require.NoError(t, s.Escrow().InsertPayment(ctx, tx, rec))

	rec.ID = "p-2"
	require.ErrorIs(t, s.Escrow().InsertPayment(ctx, tx, rec), escrow.ErrDuplicateIdempotencyKey)

	rec.ID, rec.Status = "p-3", escrow.PaymentFailed
	require.NoError(t, s.Escrow().InsertPayment(ctx, tx, rec))

	got, err := s.Escrow().PaymentsByKey(ctx, tx, "release:e-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "p-1", got[0].ID)

	require.NoError(t, s.Escrow().ClaimKey(ctx, tx, "release:e-1"))
	require.ErrorIs(t, s.Escrow().ClaimKey(ctx, tx, "release:e-1"), escrow.ErrDuplicateIdempotencyKey)
}

func TestAccountConstraints(t *testing.T) {
	ctx := context.Background()
	s := New()
	tx, _ := s.Begin(ctx)
	defer tx.Rollback(ctx)

	acc := escrow.Account{ID: "a-1", ContractID: "c-1", Total: 100, Held: 100, Version: 1}
	require.NoError(t, s.Escrow().InsertAccount(ctx, tx, acc))

	broken := acc
	broken.Held = 90
	_, err := s.Escrow().UpdateAccount(ctx, tx, broken)
	require.Error(t, err)

	moved := acc
	moved.Held, moved.Released = 60, 40
	saved, err := s.Escrow().UpdateAccount(ctx, tx, moved)
	require.NoError(t, err)
	require.Equal(t, int64(2), saved.Version)

	_, err = s.Escrow().UpdateAccount(ctx, tx, moved)
	require.ErrorIs(t, err, escrow.ErrStaleAccount)
}

func TestReleasedEntryIsFrozen(t *testing.T) {
	ctx := context.Background()
	s := New()
	tx, _ := s.Begin(ctx)
	defer tx.Rollback(ctx)

	e := milestone.Entry{ID: "e-1", ContractID: "c-1", Kind: milestone.KindDeposit, Amount: 2500, Status: milestone.EntryPending}
	require.NoError(t, s.Schedule().InsertEntries(ctx, tx, []milestone.Entry{e}))
	require.NoError(t, s.Schedule().AttachAccount(ctx, tx, "c-1", "a-1"))

	e.Status = milestone.EntryReleased
	require.NoError(t, s.Schedule().UpdateEntry(ctx, tx, e))

	got, err := s.Schedule().GetEntry(ctx, tx, "e-1")
	require.NoError(t, err)
	require.Equal(t, "a-1", got.EscrowAccountID)

	e.Status = milestone.EntryCancelled
	require.Error(t, s.Schedule().UpdateEntry(ctx, tx, e))
}

func TestRatingsIgnoreSecondScoreForCompletion(t *testing.T) {
	ctx := context.Background()
	s := New()
	tx, _ := s.Begin(ctx)
	ok, err := s.Ratings().Insert(ctx, tx, reputation.Rating{ID: "r-1", ContractorID: "k", CompletionID: "comp-1", Score: 4, CreatedAt: t0})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Ratings().Insert(ctx, tx, reputation.Rating{ID: "r-2", ContractorID: "k", CompletionID: "comp-1", Score: 1, CreatedAt: t0})
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, tx.Commit(ctx))

	p, err := s.Ratings().Profile(ctx, s, "k")
	require.NoError(t, err)
	require.Equal(t, 1, p.Ratings)
	require.Equal(t, 4.0, p.Average)
}

func TestFailNextTripsOnce(t *testing.T) {
	ctx := context.Background()
	s := New()
	c := seedContract(t, s)
	boom := errors.New("boom")
	s.FailNext("contract.Update", boom)

	tx, _ := s.Begin(ctx)
	defer tx.Rollback(ctx)
	_, err := s.Contracts().Update(ctx, tx, c)
	require.ErrorIs(t, err, boom)
	_, err = s.Contracts().Update(ctx, tx, c)
	require.NoError(t, err)
}

func TestTransactionsAreSerialised(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedContract(t, s)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := s.Begin(ctx)
			if err != nil {
				return
			}
			c, _ := s.Contracts().GetForUpdate(ctx, tx, "c-1")
			c.TotalAmount++
			if _, err := s.Contracts().Update(ctx, tx, c); err != nil {
				_ = tx.Rollback(ctx)
				return
			}
			_ = tx.Commit(ctx)
		}()
	}
	wg.Wait()

	c, err := s.Contracts().Get(ctx, s, "c-1")
	require.NoError(t, err)
	require.Equal(t, int64(10020), c.TotalAmount)
	require.Equal(t, int64(21), c.Version)
}

func TestRawSQLIsRefused(t *testing.T) {
	s := New()
	_, err := s.Exec(context.Background(), "SELECT 1")
	require.ErrorIs(t, err, ErrSQLUnsupported)
	require.ErrorIs(t, s.QueryRow(context.Background(), "SELECT 1").Scan(), ErrSQLUnsupported)
}
