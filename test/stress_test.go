package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"contractflow/logging"
	"contractflow/reconcile"
	"contractflow/test/actors"
	"contractflow/test/chaos"
	"contractflow/test/infra"
)

var (
	flDuration    = flag.Duration("duration", 30*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "number of concurrent actors per role")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", true, "terminate random backends while running")
)

// TestLedgerConcurrency runs every lifecycle operation concurrently against
// Postgres while backends are killed underneath it, and fails as soon as a
// reconciliation check finds a row.
func TestLedgerConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run skipped in -short mode")
	}

	var (
		pgC     *infra.PGContainer
		dsn     string
		err     error
		isolate bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+90*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		isolate = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		isolate = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.LocalDSN(ctx)
			if err != nil {
				t.Skipf("no database available: %v", err)
			}
			isolate = true
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, isolate)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	log := logrus.NewEntry(logging.NewWithOutput("error", "json", io.Discard))
	engine := actors.NewEngine(pool, log)
	hot := &actors.Hot{}
	stats := &actors.Stats{}

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Creator(ctx2, engine, hot, stats, stop) })
		g.Go(func() error { return actors.Releaser(ctx2, engine, hot, stats, stop) })
		g.Go(func() error { return actors.Completer(ctx2, engine, hot, stats, stop) })
	}
	g.Go(func() error { return actors.Disputer(ctx2, engine, hot, stats, stop) })
	g.Go(func() error { return actors.Refunder(ctx2, engine, hot, stats, stop) })
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, log, stop) })
	if *flChaos {
		go chaos.TerminateRandomBackend(ctx2, pool, "", stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			if !checkClean(t, ctx2, pool) {
				close(stop)
				_ = g.Wait()
				t.FailNow()
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}

	final, cancelFinal := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelFinal()
	if !checkClean(t, final, pool) {
		t.FailNow()
	}
	t.Logf("stress finished: %s processor_transactions=%d", stats, engine.Processor.Transactions())
	if stats.OK.Load() == 0 {
		t.Fatalf("no operation succeeded during the run")
	}
}

// checkClean runs the reconciliation checks once. A query error, usually a
// backend killed by chaos, is logged and treated as clean.
func checkClean(t *testing.T, ctx context.Context, pool *pgxpool.Pool) bool {
	t.Helper()
	findings, err := reconcile.Run(ctx, pool)
	if err != nil {
		if ctx.Err() == nil {
			t.Logf("reconcile query failed: %v", err)
		}
		return true
	}
	for _, f := range findings {
		t.Errorf("check %s failed: %d rows, first %s", f.Check, f.Rows, f.Sample)
	}
	if len(findings) > 0 {
		dumpRecent(t, ctx, pool)
		return false
	}
	return true
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	dumps := []struct {
		name string
		sql  string
	}{
		{"escrow_accounts", `SELECT id, contract_id, status, total_amount, held_amount, released_amount, refunded_amount FROM escrow_accounts ORDER BY updated_at DESC LIMIT 20`},
		{"payment_records", `SELECT id, escrow_account_id, type, amount, status, idempotency_key FROM payment_records ORDER BY created_at DESC LIMIT 50`},
		{"audit_trail", `SELECT id, contract_id, action, actor, created_at FROM audit_trail ORDER BY id DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%v", buf)
		}
		rows.Close()
	}
}
