// Package actors drives the lifecycle services concurrently against a real
// database for the stress test. Actors never assert; the reconciliation
// checks are the oracle.
package actors

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"contractflow/actor"
	"contractflow/apperr"
	"contractflow/completion"
	"contractflow/contract"
	"contractflow/dispute"
	"contractflow/escrow"
	"contractflow/milestone"
	"contractflow/outbox"
	"contractflow/payment"
	"contractflow/reputation"
)

var operator = actor.Operator("stress-ops")

// Engine is the service graph over one pool.
type Engine struct {
	Contracts   *contract.Service
	Completions *completion.Service
	Disputes    *dispute.Service
	Milestones  *milestone.Scheduler
	Ledger      *escrow.Ledger
	Processor   *payment.Sandbox
}

func NewEngine(pool *pgxpool.Pool, log *logrus.Entry) *Engine {
	sandbox := payment.NewSandbox()
	ledger := escrow.NewLedger(pool, escrow.Deps{
		Processor: payment.NewRetrying(sandbox, payment.WithMaxAttempts(2), payment.WithBackoff(5*time.Millisecond, 20*time.Millisecond)),
		Fees:      escrow.FeeSchedule{PlatformBps: 1250},
		Log:       log,
	})
	contracts := contract.NewService(pool, contract.Deps{Ledger: ledger, Log: log})
	disputes := dispute.NewService(pool, contracts, dispute.Deps{Log: log})
	scheduler := milestone.NewScheduler(pool, nil, contracts, nil, log, nil)
	completions := completion.NewService(pool, contracts, completion.Deps{
		Milestones: scheduler,
		Disputes:   disputes,
		Reputation: reputation.NewService(pool, nil),
		Log:        log,
	})
	return &Engine{
		Contracts:   contracts,
		Completions: completions,
		Disputes:    disputes,
		Milestones:  scheduler,
		Ledger:      ledger,
		Processor:   sandbox,
	}
}

// Stats counts outcomes across all actors.
type Stats struct {
	OK      atomic.Int64
	Refused atomic.Int64 // coded domain errors, expected under contention
	Failed  atomic.Int64
}

func (s *Stats) observe(err error) {
	switch {
	case err == nil:
		s.OK.Add(1)
	case apperr.CodeOf(err) == apperr.CodeInternal:
		s.Failed.Add(1)
	default:
		s.Refused.Add(1)
	}
}

func (s *Stats) String() string {
	return fmt.Sprintf("ok=%d refused=%d failed=%d", s.OK.Load(), s.Refused.Load(), s.Failed.Load())
}

// Hot is the set of active contracts the racing actors fight over.
type Hot struct {
	mu  sync.Mutex
	ids []string
}

func (h *Hot) Add(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ids = append(h.ids, id)
	if len(h.ids) > 32 {
		h.ids = h.ids[len(h.ids)-32:]
	}
}

func (h *Hot) Pick() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.ids) == 0 {
		return "", false
	}
	return h.ids[rand.Intn(len(h.ids))], true
}

func done(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(lo, spread int) {
	time.Sleep(time.Duration(lo+rand.Intn(spread)) * time.Millisecond)
}

// Creator opens and funds contracts, some with milestones, and publishes
// them to hot.
func Creator(ctx context.Context, e *Engine, hot *Hot, stats *Stats, stop <-chan struct{}) error {
	for n := 0; !done(ctx, stop); n++ {
		home := actor.Homeowner(fmt.Sprintf("home-%d", rand.Int63()))
		pro := actor.Contractor(fmt.Sprintf("pro-%d", rand.Intn(8)))
		start := time.Now().UTC()
		terms := contract.BidTerms{
			BidID:            fmt.Sprintf("bid-%d-%d", n, rand.Int63()),
			JobID:            fmt.Sprintf("job-%d", n),
			HomeownerID:      home.ID,
			ContractorID:     pro.ID,
			Amount:           int64(1000 + rand.Intn(50000)),
			ScopeOfWork:      []string{"stress"},
			StartDate:        start,
			EstimatedEndDate: start.Add(30 * 24 * time.Hour),
		}
		if rand.Intn(2) == 0 {
			terms.Milestones = []milestone.Input{
				{Title: "rough-in", DueDate: start.Add(7 * 24 * time.Hour), TargetAmount: terms.Amount / 3},
				{Title: "finish", DueDate: start.Add(21 * 24 * time.Hour), TargetAmount: terms.Amount / 3},
			}
		}

		c, err := e.Contracts.Create(ctx, terms, home)
		stats.observe(err)
		if err != nil {
			continue
		}
		_, err = e.Contracts.Offer(ctx, c.ID, home)
		stats.observe(err)
		if err != nil {
			continue
		}
		_, err = e.Contracts.Accept(ctx, c.ID, pro)
		stats.observe(err)
		if err == nil {
			hot.Add(c.ID)
		}
		pause(20, 40)
	}
	return nil
}

// Releaser races to pay out open schedule entries of hot contracts.
func Releaser(ctx context.Context, e *Engine, hot *Hot, stats *Stats, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		id, ok := hot.Pick()
		if !ok {
			pause(10, 20)
			continue
		}
		entries, err := e.Milestones.Entries(ctx, id)
		if err != nil || len(entries) == 0 {
			continue
		}
		entry := entries[rand.Intn(len(entries))]
		_, err = e.Contracts.Release(ctx, entry.ID, "stress release", operator)
		stats.observe(err)
		pause(5, 25)
	}
	return nil
}

// Completer submits whole-job completions and approves, rejects or
// disputes them.
func Completer(ctx context.Context, e *Engine, hot *Hot, stats *Stats, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		id, ok := hot.Pick()
		if !ok {
			pause(10, 20)
			continue
		}
		c, err := e.Contracts.Get(ctx, id)
		if err != nil {
			continue
		}
		pro := actor.Contractor(c.ContractorID)
		home := actor.Homeowner(c.HomeownerID)
		sub, err := e.Completions.Submit(ctx, id, completion.SubmitRequest{
			Evidence: []completion.Evidence{{Kind: "photo", URL: "https://cdn.example.test/stress.jpg"}},
		}, pro)
		stats.observe(err)
		if err != nil {
			continue
		}
		switch rand.Intn(3) {
		case 0:
			_, err = e.Completions.Approve(ctx, sub.ID, 1+rand.Intn(5), home)
		case 1:
			_, err = e.Completions.Reject(ctx, sub.ID, "punch list", []string{"paint touch-up"}, home)
		default:
			_, _, err = e.Completions.InitiateDispute(ctx, sub.ID, "work incomplete", home)
		}
		stats.observe(err)
		pause(20, 40)
	}
	return nil
}

// Disputer opens disputes on hot contracts and resolves them with a random
// decision, sometimes from several goroutines at once.
func Disputer(ctx context.Context, e *Engine, hot *Hot, stats *Stats, stop <-chan struct{}) error {
	decisions := []dispute.Decision{
		dispute.DecisionRefund,
		dispute.DecisionPartialRefund,
		dispute.DecisionRework,
		dispute.DecisionArbitration,
	}
	for !done(ctx, stop) {
		id, ok := hot.Pick()
		if !ok {
			pause(10, 20)
			continue
		}
		c, err := e.Contracts.Get(ctx, id)
		if err != nil {
			continue
		}
		rec, err := e.Disputes.Open(ctx, id, "stress dispute", actor.Homeowner(c.HomeownerID))
		stats.observe(err)
		if err != nil {
			list, lerr := e.Disputes.ListForContract(ctx, id)
			if lerr != nil || len(list) == 0 {
				continue
			}
			rec = list[len(list)-1]
		}

		res := dispute.Resolution{Decision: decisions[rand.Intn(len(decisions))], Notes: "stress ruling"}
		if res.Decision == dispute.DecisionPartialRefund {
			res.Amount = 1 + rec.HeldAmount/2
		}
		var wg sync.WaitGroup
		for i := 0; i < 1+rand.Intn(3); i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := e.Disputes.Resolve(ctx, rec.ID, res, operator)
				stats.observe(err)
			}()
		}
		wg.Wait()
		pause(30, 60)
	}
	return nil
}

// Refunder issues operator refunds, reusing idempotency keys so replays
// are exercised alongside fresh requests.
func Refunder(ctx context.Context, e *Engine, hot *Hot, stats *Stats, stop <-chan struct{}) error {
	for n := 0; !done(ctx, stop); n++ {
		id, ok := hot.Pick()
		if !ok {
			pause(10, 20)
			continue
		}
		acc, err := e.Ledger.AccountForContract(ctx, id)
		if err != nil {
			continue
		}
		req := contract.RefundRequest{
			AccountID: acc.ID,
			Amount:    1 + rand.Int63n(1000),
			From:      escrow.BucketHeld,
			Reason:    "stress refund",
			ClientKey: fmt.Sprintf("stress-%s-%d", acc.ID, n%4),
		}
		if rand.Intn(4) == 0 {
			req.From = escrow.BucketReleased
		}
		_, err = e.Contracts.Refund(ctx, req, operator)
		stats.observe(err)
		pause(40, 80)
	}
	return nil
}

// OutboxWorker drains the outbox into a logging publisher.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, log *logrus.Entry, stop <-chan struct{}) error {
	d := outbox.NewDispatcher(pool, nil, outbox.LogPublisher{Log: log}, outbox.DispatcherConfig{BatchSize: 25, MaxAttempts: 3}, log, nil)
	for !done(ctx, stop) {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Debug("outbox batch failed")
		}
		pause(50, 50)
	}
	return nil
}
