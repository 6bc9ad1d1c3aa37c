package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"contractflow/auth"
	"contractflow/config"
	"contractflow/db"
	"contractflow/logging"
	"contractflow/metrics"
	"contractflow/outbox"
	"contractflow/payment"
	"contractflow/ratelimit"
	"contractflow/reconcile"
)

func main() {
	boot := logrus.New()
	cfg, err := config.Load(".", boot)
	if err != nil {
		boot.WithError(err).Fatal("load config")
	}
	if err := cfg.Validate(); err != nil {
		boot.WithError(err).Fatal("invalid config")
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("contractflow api stopped")
	}
	log.Info("contractflow api stopped")
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	bootLog := logging.Component(log, "bootstrap")
	m := metrics.New()

	st, closeStore, err := openStorage(ctx, cfg, bootLog)
	if err != nil {
		return err
	}
	defer closeStore()

	processor := newProcessor(cfg, log, m)
	svc := wire(st, cfg, processor, log, m)

	publisher := newPublisher(cfg, bootLog, log)
	defer publisher.Close()

	limiter, closeLimiter := newLimiter(ctx, cfg, bootLog)
	defer closeLimiter()

	server := NewServer(svc, auth.NewService(cfg.JWTSecret, cfg.OperatorKeyHash), limiter, m, logging.Component(log, "http"))
	server.ready = st.ready

	dispatcher := outbox.NewDispatcher(st.pool, st.outbox, publisher, outbox.DispatcherConfig{
		Exchange:    cfg.NotificationExchange,
		BatchSize:   cfg.OutboxBatchSize,
		MaxAttempts: cfg.OutboxMaxAttempts,
	}, log.WithField("service", "api"), m)

	jobs := cron.New()
	if _, err := jobs.AddJob(cfg.OutboxSchedule, dispatcher); err != nil {
		return fmt.Errorf("schedule outbox dispatcher %q: %w", cfg.OutboxSchedule, err)
	}
	if st.sql != nil {
		if _, err := jobs.AddJob(cfg.ReconcileSchedule, reconcile.NewJob(st.sql, log.WithField("service", "api"), m)); err != nil {
			return fmt.Errorf("schedule reconciliation %q: %w", cfg.ReconcileSchedule, err)
		}
	} else {
		bootLog.Warn("in-memory storage; reconciliation checks disabled")
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           otelhttp.NewHandler(server.Routes(), "contractflow-api"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bootLog.WithField("addr", httpServer.Addr).Info("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		jobs.Start()
		bootLog.WithFields(logrus.Fields{
			"outbox_schedule":    cfg.OutboxSchedule,
			"reconcile_schedule": cfg.ReconcileSchedule,
		}).Info("background jobs started")
		<-gctx.Done()
		<-jobs.Stop().Done()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		bootLog.Info("shutting down http server")
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openStorage connects to Postgres when DATABASE_URL is set and falls back
// to the in-memory store for local development otherwise.
func openStorage(ctx context.Context, cfg config.Config, log *logrus.Entry) (storage, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set; using in-memory storage, data is lost on restart")
		return memoryStorage(), func() {}, nil
	}

	if cfg.AutoMigrate {
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			return storage{}, nil, fmt.Errorf("migrate database: %w", err)
		}
		log.Info("database migrations applied")
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns:        25,
		MinConns:        2,
		MaxConnLifetime: 30 * time.Minute,
		MaxConnIdleTime: 5 * time.Minute,
	})
	if err != nil {
		return storage{}, nil, fmt.Errorf("bootstrap database pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return storage{}, nil, fmt.Errorf("ping database: %w", err)
	}
	log.Info("database connected")
	return postgresStorage(pool), pool.Close, nil
}

func newProcessor(cfg config.Config, log *logrus.Logger, m *metrics.Metrics) payment.Processor {
	var next payment.Processor
	if cfg.PaymentProcessorURL != "" {
		next = payment.NewHTTPClient(cfg.PaymentProcessorURL, cfg.PaymentProcessorAPIKey, cfg.PaymentTimeout())
	} else {
		log.WithField("component", "bootstrap").Warn("PAYMENT_PROCESSOR_URL not set; using the sandbox processor")
		next = payment.NewSandbox()
	}
	return payment.NewRetrying(next,
		payment.WithMaxAttempts(cfg.PaymentMaxAttempts),
		payment.WithBackoff(cfg.PaymentInitialBackoff(), time.Second),
		payment.WithTimeout(cfg.PaymentTimeout()),
		payment.WithLogger(logging.Component(log, "payment")),
		payment.WithMetrics(m),
	)
}

func newPublisher(cfg config.Config, bootLog *logrus.Entry, log *logrus.Logger) outbox.Publisher {
	fallback := outbox.LogPublisher{Log: logging.Component(log, "outbox_publisher")}
	if cfg.RabbitMQURL == "" {
		bootLog.Warn("RABBITMQ_URL not set; notifications are logged and dropped")
		return fallback
	}
	p, err := outbox.NewRabbitPublisher(cfg.RabbitMQURL, logging.Component(log, "outbox_publisher"))
	if err != nil {
		bootLog.WithError(err).Warn("rabbitmq unavailable; notifications are logged and dropped")
		return fallback
	}
	bootLog.Info("rabbitmq publisher connected")
	return p
}

func newLimiter(ctx context.Context, cfg config.Config, log *logrus.Entry) (ratelimit.Limiter, func()) {
	if cfg.RedisURL == "" {
		log.Info("REDIS_URL not set; rate limiting is per instance")
		return ratelimit.NewLocal(cfg.RateLimitPerMinute), func() {}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := ratelimit.Connect(pingCtx, cfg.RedisURL)
	if err != nil {
		log.WithError(err).Warn("redis unavailable; rate limiting is per instance")
		return ratelimit.NewLocal(cfg.RateLimitPerMinute), func() {}
	}
	log.Info("redis rate limiter connected")
	return ratelimit.NewRedis(client, cfg.RateLimitPrefix, cfg.RateLimitPerMinute), func() { _ = client.Close() }
}

// pgxReady adapts a pool ping to the health check.
func pgxReady(pool *pgxpool.Pool) func(context.Context) error {
	return func(ctx context.Context) error { return pool.Ping(ctx) }
}
