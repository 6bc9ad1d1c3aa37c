package chaos

import (
	"context"
	"math/rand"
	"time"

	"contractflow/db"
)

// TerminateRandomBackend kills a random server backend on the current
// database every few seconds. When appName is set only backends with that
// application_name are eligible. Ledger writes caught mid-transaction must
// roll back cleanly.
func TerminateRandomBackend(ctx context.Context, q db.Querier, appName string, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) != 0 {
				continue
			}
			_, _ = q.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity
                                WHERE datname = current_database()
                                  AND pid <> pg_backend_pid()
                                  AND ($1 = '' OR application_name = $1)
                                ORDER BY random() LIMIT 1`, appName)
		}
	}
}
