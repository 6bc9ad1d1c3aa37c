package reconcile

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"contractflow/escrow"
	"contractflow/metrics"
)

func TestVerifyAccount(t *testing.T) {
	acc := escrow.Account{ID: "acc-1", Total: 10000, Held: 5000, Released: 7500, Refunded: -2500}
	require.Error(t, VerifyAccount(acc, nil), "negative bucket")

	acc = escrow.Account{ID: "acc-1", Total: 10000, Held: 0, Released: 7500, Refunded: 2500}
	records := []escrow.PaymentRecord{
		{EscrowAccountID: "acc-1", Type: escrow.PaymentDeposit, Status: escrow.PaymentCompleted, Amount: 10000},
		{EscrowAccountID: "acc-1", Type: escrow.PaymentRelease, Status: escrow.PaymentCompleted, Amount: 10000},
		{EscrowAccountID: "acc-1", Type: escrow.PaymentRelease, Status: escrow.PaymentCompleted, Amount: -2500},
		{EscrowAccountID: "acc-1", Type: escrow.PaymentRefund, Status: escrow.PaymentCompleted, Amount: -2500},
		{EscrowAccountID: "acc-1", Type: escrow.PaymentRelease, Status: escrow.PaymentPending, Amount: 999},
	}
	require.NoError(t, VerifyAccount(acc, records))

	records = append(records, escrow.PaymentRecord{EscrowAccountID: "acc-1", Type: escrow.PaymentRelease, Status: escrow.PaymentCompleted, Amount: 1})
	require.Error(t, VerifyAccount(acc, records))
}

func TestChecksHaveUniqueNames(t *testing.T) {
	seen := map[string]bool{}
	for _, c := range All() {
		require.False(t, seen[c.Name], "duplicate check %s", c.Name)
		seen[c.Name] = true
		require.NotEmpty(t, strings.TrimSpace(c.SQL))
	}
}

func TestRunCollectsFindings(t *testing.T) {
	q := &fakeQuerier{rows: map[string][][]any{
		"conservation":   {{"acc-1", int64(100), int64(10), int64(10), int64(10)}},
		"outbox_stalled": {{"m-1"}, {"m-2"}},
	}}
	m := metrics.New()

	findings, err := NewJob(q, nil, m).RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, findings, 2)
	require.Equal(t, "conservation", findings[0].Check)
	require.Equal(t, 1, findings[0].Rows)
	require.Contains(t, findings[0].Sample, "acc-1")
	require.Equal(t, "outbox_stalled", findings[1].Check)
	require.Equal(t, 2, findings[1].Rows)
	require.Len(t, q.seen, len(All()))
}

func TestRunStopsOnQueryError(t *testing.T) {
	q := &fakeQuerier{fail: errors.New("connection reset")}
	_, err := Run(context.Background(), q)
	require.ErrorContains(t, err, "conservation")
}

type fakeQuerier struct {
	rows map[string][][]any
	fail error
	seen []string
}

func (f *fakeQuerier) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("not supported")
}

func (f *fakeQuerier) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func (f *fakeQuerier) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	for _, c := range All() {
		if c.SQL == sql {
			f.seen = append(f.seen, c.Name)
			return &fakeRows{data: f.rows[c.Name], idx: -1}, nil
		}
	}
	return nil, errors.New("unknown query")
}

type fakeRows struct {
	data [][]any
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Scan(...any) error                            { return errors.New("not supported") }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx < len(r.data)
}

func (r *fakeRows) Values() ([]any, error) {
	return r.data[r.idx], nil
}
