package main

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"contractflow/audit"
	"contractflow/completion"
	"contractflow/config"
	"contractflow/contract"
	"contractflow/db"
	"contractflow/dispute"
	"contractflow/escrow"
	"contractflow/logging"
	"contractflow/memstore"
	"contractflow/metrics"
	"contractflow/milestone"
	"contractflow/outbox"
	"contractflow/payment"
	"contractflow/reputation"
)

// storage bundles the transaction source with the repositories that run on
// it. Postgres and the in-memory store expose the same interfaces.
type storage struct {
	pool        db.Pool
	sql         db.Querier // nil unless backed by Postgres
	contracts   contract.Store
	schedule    milestone.Store
	escrow      escrow.Store
	completions completion.Store
	disputes    dispute.Store
	ratings     reputation.Store
	audit       contract.AuditLog
	outbox      outbox.Store
	ready       func(context.Context) error
}

func postgresStorage(pool *pgxpool.Pool) storage {
	return storage{
		pool:        pool,
		sql:         pool,
		contracts:   contract.NewRepository(),
		schedule:    milestone.NewRepository(),
		escrow:      escrow.NewRepository(),
		completions: completion.NewRepository(),
		disputes:    dispute.NewRepository(),
		ratings:     reputation.NewRepository(),
		audit:       audit.NewRepository(),
		outbox:      outbox.NewRepository(),
		ready:       pgxReady(pool),
	}
}

func memoryStorage() storage {
	s := memstore.New()
	return storage{
		pool:        s,
		contracts:   s.Contracts(),
		schedule:    s.Schedule(),
		escrow:      s.Escrow(),
		completions: s.Completions(),
		disputes:    s.Disputes(),
		ratings:     s.Ratings(),
		audit:       s.Audit(),
		outbox:      s.Outbox(),
		ready:       func(context.Context) error { return nil },
	}
}

// services is everything the HTTP layer calls into.
type services struct {
	Contracts   *contract.Service
	Completions *completion.Service
	Disputes    *dispute.Service
	Milestones  *milestone.Scheduler
	Ledger      *escrow.Ledger
	Reputation  *reputation.Service
}

func wire(st storage, cfg config.Config, processor payment.Processor, log *logrus.Logger, m *metrics.Metrics) services {
	newID := uuid.NewString

	ledger := escrow.NewLedger(st.pool, escrow.Deps{
		Store:     st.escrow,
		Schedule:  st.schedule,
		Audit:     st.audit,
		Outbox:    st.outbox,
		Processor: processor,
		Fees:      escrow.FeeSchedule{PlatformBps: cfg.PlatformFeeBps},
		Log:       logging.Component(log, "escrow"),
		Metrics:   m,
		NewID:     newID,
	})
	contracts := contract.NewService(st.pool, contract.Deps{
		Store:    st.contracts,
		Schedule: st.schedule,
		Ledger:   ledger,
		Audit:    st.audit,
		Outbox:   st.outbox,
		Log:      logging.Component(log, "contract"),
		Metrics:  m,
		NewID:    newID,
	})
	disputes := dispute.NewService(st.pool, contracts, dispute.Deps{
		Store:   st.disputes,
		Audit:   st.audit,
		Outbox:  st.outbox,
		Log:     logging.Component(log, "dispute"),
		Metrics: m,
		NewID:   newID,
	})
	scheduler := milestone.NewScheduler(st.pool, st.schedule, contracts, st.audit, logging.Component(log, "milestone"), m)
	ratings := reputation.NewService(st.pool, st.ratings)
	completions := completion.NewService(st.pool, contracts, completion.Deps{
		Store:      st.completions,
		Schedule:   st.schedule,
		Milestones: scheduler,
		Disputes:   disputes,
		Reputation: ratings,
		Audit:      st.audit,
		Outbox:     st.outbox,
		Window:     cfg.DisputeWindow(),
		Log:        logging.Component(log, "completion"),
		Metrics:    m,
		NewID:      newID,
	})

	return services{
		Contracts:   contracts,
		Completions: completions,
		Disputes:    disputes,
		Milestones:  scheduler,
		Ledger:      ledger,
		Reputation:  ratings,
	}
}
