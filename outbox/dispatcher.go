package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"contractflow/db"
	"contractflow/metrics"
)

// Dispatcher drains pending outbox rows to a Publisher. A publish failure
// never affects the transaction that enqueued the row; it only bumps the
// row's attempt count.
type Dispatcher struct {
	pool        db.TxBeginner
	store       Store
	publisher   Publisher
	exchange    string
	batch       int
	maxAttempts int
	log         *logrus.Entry
	metrics     *metrics.Metrics
}

type DispatcherConfig struct {
	Exchange    string
	BatchSize   int
	MaxAttempts int
}

func NewDispatcher(pool db.TxBeginner, store Store, publisher Publisher, cfg DispatcherConfig, log *logrus.Entry, m *metrics.Metrics) *Dispatcher {
	if store == nil {
		store = NewRepository()
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "contract_events"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{
		pool:        pool,
		store:       store,
		publisher:   publisher,
		exchange:    cfg.Exchange,
		batch:       cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
		log:         log.WithField("component", "outbox_dispatcher"),
		metrics:     m,
	}
}

// RunOnce claims one batch, publishes it, and returns how many rows were
// delivered.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := d.store.ClaimPending(ctx, tx, d.batch)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, m := range msgs {
		pubErr := d.publisher.Publish(ctx, d.exchange, m.Topic, m.Payload)
		if pubErr == nil {
			if err := d.store.MarkProcessed(ctx, tx, m.ID); err != nil {
				return delivered, err
			}
			delivered++
			d.metrics.OutboxMessage("processed")
			continue
		}

		d.log.WithError(pubErr).WithFields(logrus.Fields{
			"outbox_id": m.ID,
			"topic":     m.Topic,
			"attempts":  m.Attempts + 1,
		}).Warn("outbox publish failed")
		if err := d.store.MarkFailed(ctx, tx, m.ID, d.maxAttempts, pubErr); err != nil {
			return delivered, err
		}
		if m.Attempts+1 >= d.maxAttempts {
			d.metrics.OutboxMessage("dead")
		} else {
			d.metrics.OutboxMessage("retry")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit tx: %w", err)
	}
	return delivered, nil
}

// Run is the cron entry point.
func (d *Dispatcher) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := d.RunOnce(ctx)
	if err != nil {
		d.log.WithError(err).Error("outbox dispatch failed")
		return
	}
	if n > 0 {
		d.log.WithField("delivered", n).Debug("outbox batch dispatched")
	}
}
