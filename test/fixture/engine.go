// Package fixture wires the lifecycle services over memstore and the sandbox
// processor for service-level tests.
package fixture

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"contractflow/actor"
	"contractflow/completion"
	"contractflow/contract"
	"contractflow/dispute"
	"contractflow/escrow"
	"contractflow/logging"
	"contractflow/memstore"
	"contractflow/metrics"
	"contractflow/milestone"
	"contractflow/payment"
	"contractflow/reconcile"
	"contractflow/reputation"
)

// Epoch is the fixed instant every engine clock starts at.
var Epoch = time.Date(2025, 5, 5, 12, 0, 0, 0, time.UTC)

var (
	Homeowner  = actor.Homeowner("home-1")
	Contractor = actor.Contractor("pro-1")
	Operator   = actor.Operator("ops-1")
)

// FeeBps is the platform fee the engine is configured with.
const FeeBps = 1250

type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type Engine struct {
	Store       *memstore.Store
	Processor   *payment.Sandbox
	Clock       *Clock
	Metrics     *metrics.Metrics
	Ledger      *escrow.Ledger
	Contracts   *contract.Service
	Completions *completion.Service
	Disputes    *dispute.Service
	Milestones  *milestone.Scheduler
	Reputation  *reputation.Service

	bids atomic.Int64
}

func New() *Engine {
	store := memstore.New()
	clock := &Clock{now: Epoch}
	store.WithClock(clock.Now)
	sandbox := payment.NewSandbox()
	m := metrics.New()
	log := logrus.NewEntry(logging.NewWithOutput("error", "text", io.Discard))

	var seq atomic.Int64
	newID := func() string { return fmt.Sprintf("id-%06d", seq.Add(1)) }

	ledger := escrow.NewLedger(store, escrow.Deps{
		Store:     store.Escrow(),
		Schedule:  store.Schedule(),
		Audit:     store.Audit(),
		Outbox:    store.Outbox(),
		Processor: sandbox,
		Fees:      escrow.FeeSchedule{PlatformBps: FeeBps},
		Log:       log,
		Metrics:   m,
		Now:       clock.Now,
		NewID:     newID,
	})
	contracts := contract.NewService(store, contract.Deps{
		Store:    store.Contracts(),
		Schedule: store.Schedule(),
		Ledger:   ledger,
		Audit:    store.Audit(),
		Outbox:   store.Outbox(),
		Log:      log,
		Metrics:  m,
		Now:      clock.Now,
		NewID:    newID,
	})
	disputes := dispute.NewService(store, contracts, dispute.Deps{
		Store:   store.Disputes(),
		Audit:   store.Audit(),
		Outbox:  store.Outbox(),
		Log:     log,
		Metrics: m,
		Now:     clock.Now,
		NewID:   newID,
	})
	scheduler := milestone.NewScheduler(store, store.Schedule(), contracts, store.Audit(), log, m).WithClock(clock.Now)
	ratings := reputation.NewService(store, store.Ratings())
	completions := completion.NewService(store, contracts, completion.Deps{
		Store:      store.Completions(),
		Schedule:   store.Schedule(),
		Milestones: scheduler,
		Disputes:   disputes,
		Reputation: ratings,
		Audit:      store.Audit(),
		Outbox:     store.Outbox(),
		Window:     completion.DefaultDisputeWindow,
		Log:        log,
		Metrics:    m,
		Now:        clock.Now,
		NewID:      newID,
	})

	return &Engine{
		Store:       store,
		Processor:   sandbox,
		Clock:       clock,
		Metrics:     m,
		Ledger:      ledger,
		Contracts:   contracts,
		Completions: completions,
		Disputes:    disputes,
		Milestones:  scheduler,
		Reputation:  ratings,
	}
}

// Terms returns bid terms for a contract between the fixture parties.
func (e *Engine) Terms(amount int64, ms ...milestone.Input) contract.BidTerms {
	n := e.bids.Add(1)
	return contract.BidTerms{
		BidID:            fmt.Sprintf("bid-%d", n),
		JobID:            fmt.Sprintf("job-%d", n),
		HomeownerID:      Homeowner.ID,
		ContractorID:     Contractor.ID,
		Amount:           amount,
		ScopeOfWork:      []string{"demolition", "framing"},
		StartDate:        Epoch,
		EstimatedEndDate: Epoch.Add(60 * 24 * time.Hour),
		Milestones:       ms,
	}
}

// Activate drives terms through create, offer and accept and returns the
// funded contract.
func (e *Engine) Activate(t testing.TB, terms contract.BidTerms) contract.AcceptResult {
	t.Helper()
	ctx := context.Background()
	c, err := e.Contracts.Create(ctx, terms, Homeowner)
	require.NoError(t, err)
	_, err = e.Contracts.Offer(ctx, c.ID, Homeowner)
	require.NoError(t, err)
	res, err := e.Contracts.Accept(ctx, c.ID, Contractor)
	require.NoError(t, err)
	require.Equal(t, contract.StatusActive, res.Contract.Status)
	return res
}

// Entries lists the contract's release schedule.
func (e *Engine) Entries(t testing.TB, contractID string) []milestone.Entry {
	t.Helper()
	entries, err := e.Milestones.Entries(context.Background(), contractID)
	require.NoError(t, err)
	return entries
}

// EntryOfKind returns the first schedule entry of kind.
func (e *Engine) EntryOfKind(t testing.TB, contractID string, kind milestone.Kind) milestone.Entry {
	t.Helper()
	for _, entry := range e.Entries(t, contractID) {
		if entry.Kind == kind {
			return entry
		}
	}
	t.Fatalf("contract %s has no %s entry", contractID, kind)
	return milestone.Entry{}
}

// Account loads the contract's escrow account fresh from the store.
func (e *Engine) Account(t testing.TB, contractID string) escrow.Account {
	t.Helper()
	acc, err := e.Ledger.AccountForContract(context.Background(), contractID)
	require.NoError(t, err)
	return acc
}

// RequireBalanced checks conservation and the payment sum for the contract's
// account against its full payment history.
func (e *Engine) RequireBalanced(t testing.TB, contractID string) escrow.Account {
	t.Helper()
	acc := e.Account(t, contractID)
	records, err := e.Ledger.History(context.Background(), acc.ID)
	require.NoError(t, err)
	require.NoError(t, reconcile.VerifyAccount(acc, records))
	return acc
}
