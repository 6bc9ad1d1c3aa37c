// Package memstore keeps every repository in process memory. It backs the
// API when no DATABASE_URL is configured and the service-level tests.
//
// Transactions are serialised: Begin takes a store-wide lock that is held
// until Commit or Rollback, and each transaction works on a private copy of
// the data that replaces the committed state on Commit. Reads outside a
// transaction see committed data only. Row locks taken with the ForUpdate
// methods are therefore implicit.
package memstore

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"contractflow/audit"
	"contractflow/completion"
	"contractflow/contract"
	"contractflow/db"
	"contractflow/dispute"
	"contractflow/escrow"
	"contractflow/milestone"
	"contractflow/outbox"
	"contractflow/reputation"
)

var (
	// ErrSQLUnsupported is returned by the raw Exec/Query surface.
	ErrSQLUnsupported = errors.New("memstore: raw SQL is not supported")
	errForeignTx      = errors.New("memstore: transaction was not started by this store")
	errNestedTx       = errors.New("memstore: nested transactions are not supported")
)

type state struct {
	contracts   map[string]contract.Contract
	changes     map[string]contract.ChangeOrder
	milestones  map[string]milestone.Milestone
	entries     map[string]milestone.Entry
	accounts    map[string]escrow.Account
	keys        map[string]struct{}
	payments    []escrow.PaymentRecord
	completions map[string]completion.Completion
	disputes    map[string]dispute.Record
	ratings     map[string]reputation.Rating
	audit       []audit.Entry
	auditSeq    int64
	outbox      []outbox.Message
}

func newState() *state {
	return &state{
		contracts:   map[string]contract.Contract{},
		changes:     map[string]contract.ChangeOrder{},
		milestones:  map[string]milestone.Milestone{},
		entries:     map[string]milestone.Entry{},
		accounts:    map[string]escrow.Account{},
		keys:        map[string]struct{}{},
		completions: map[string]completion.Completion{},
		disputes:    map[string]dispute.Record{},
		ratings:     map[string]reputation.Rating{},
	}
}

func (st *state) clone() *state {
	return &state{
		contracts:   maps.Clone(st.contracts),
		changes:     maps.Clone(st.changes),
		milestones:  maps.Clone(st.milestones),
		entries:     maps.Clone(st.entries),
		accounts:    maps.Clone(st.accounts),
		keys:        maps.Clone(st.keys),
		payments:    slices.Clone(st.payments),
		completions: maps.Clone(st.completions),
		disputes:    maps.Clone(st.disputes),
		ratings:     maps.Clone(st.ratings),
		audit:       slices.Clone(st.audit),
		auditSeq:    st.auditSeq,
		outbox:      slices.Clone(st.outbox),
	}
}

type Store struct {
	txMu sync.Mutex

	mu   sync.RWMutex
	data *state

	failMu   sync.Mutex
	failures map[string]error

	now func() time.Time
}

func New() *Store {
	return &Store{
		data:     newState(),
		failures: map[string]error{},
		now:      time.Now,
	}
}

// WithClock overrides the time source used for rows the store stamps itself.
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

// FailNext makes the next call of op return err. Op names are
// "<package>.<Method>", for example "contract.Update" or "escrow.InsertPayment".
func (s *Store) FailNext(op string, err error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.failures[op] = err
}

func (s *Store) trip(op string) error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	err, ok := s.failures[op]
	if !ok {
		return nil
	}
	delete(s.failures, op)
	return err
}

func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.txMu.Lock()
	s.mu.RLock()
	work := s.data.clone()
	s.mu.RUnlock()
	return &Tx{store: s, work: work}, nil
}

func (s *Store) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, ErrSQLUnsupported
}

func (s *Store) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, ErrSQLUnsupported
}

func (s *Store) QueryRow(context.Context, string, ...any) pgx.Row {
	return errRow{err: ErrSQLUnsupported}
}

// read returns the state visible to q: the transaction's working copy, or
// the committed data for anything else. The returned func releases it.
func (s *Store) read(q db.Querier) (*state, func()) {
	if t, ok := q.(*Tx); ok && t.store == s && !t.done {
		return t.work, func() {}
	}
	s.mu.RLock()
	return s.data, s.mu.RUnlock
}

// write resolves the working copy of tx and applies any injected failure
// for op.
func (s *Store) write(tx pgx.Tx, op string) (*state, error) {
	t, ok := tx.(*Tx)
	if !ok || t.store != s {
		return nil, errForeignTx
	}
	if t.done {
		return nil, pgx.ErrTxClosed
	}
	if err := s.trip(op); err != nil {
		return nil, err
	}
	return t.work, nil
}

// Messages returns a snapshot of the outbox, oldest first.
func (s *Store) Messages() []outbox.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.data.outbox)
}

// Tx is a unit of work against a Store.
type Tx struct {
	store *Store
	work  *state
	done  bool
}

var _ pgx.Tx = (*Tx)(nil)

func (t *Tx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errNestedTx
}

func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	if err := t.store.trip("tx.Commit"); err != nil {
		t.finish()
		return err
	}
	t.store.mu.Lock()
	t.store.data = t.work
	t.store.mu.Unlock()
	t.finish()
	return nil
}

// Rollback discards the working copy. Rolling back a finished transaction
// is a no-op, matching how callers defer it.
func (t *Tx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.finish()
	return nil
}

func (t *Tx) finish() {
	t.done = true
	t.work = nil
	t.store.txMu.Unlock()
}

func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, ErrSQLUnsupported
}

func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	return nil
}

func (t *Tx) LargeObjects() pgx.LargeObjects {
	return pgx.LargeObjects{}
}

func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, ErrSQLUnsupported
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, ErrSQLUnsupported
}

func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, ErrSQLUnsupported
}

func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row {
	return errRow{err: ErrSQLUnsupported}
}

func (t *Tx) Conn() *pgx.Conn {
	return nil
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }
