// Package reconcile re-derives the ledger's invariants from stored rows.
// Every check is a query that returns no rows when the data is consistent.
package reconcile

import (
	"context"
	"fmt"

	"contractflow/db"
)

type Check struct {
	Name string
	SQL  string
}

func All() []Check {
	return []Check{
		{
			Name: "conservation",
			SQL: `SELECT id::text, total_amount, held_amount, released_amount, refunded_amount
                  FROM escrow_accounts
                  WHERE held_amount + released_amount + refunded_amount <> total_amount`,
		},
		{
			Name: "negative_buckets",
			SQL: `SELECT id::text FROM escrow_accounts
                  WHERE held_amount < 0 OR released_amount < 0 OR refunded_amount < 0`,
		},
		{
			Name: "payment_sum",
			SQL: `SELECT a.id::text, a.released_amount - a.refunded_amount AS expected, COALESCE(SUM(p.amount), 0) AS recorded
                  FROM escrow_accounts a
                  LEFT JOIN payment_records p
                         ON p.escrow_account_id = a.id
                        AND p.status = 'COMPLETED'
                        AND p.type IN ('RELEASE', 'REFUND')
                  GROUP BY a.id, a.released_amount, a.refunded_amount
                  HAVING COALESCE(SUM(p.amount), 0) <> a.released_amount - a.refunded_amount`,
		},
		{
			Name: "contract_total_divergence",
			SQL: `SELECT c.id::text, c.total_amount, a.total_amount
                  FROM contracts c
                  JOIN escrow_accounts a ON a.contract_id = c.id
                  WHERE c.total_amount <> a.total_amount`,
		},
		{
			Name: "released_entry_without_payment",
			SQL: `SELECT r.id::text FROM release_schedule r
                  WHERE r.status = 'RELEASED'
                    AND NOT EXISTS (
                        SELECT 1 FROM payment_records p
                        WHERE p.idempotency_key = 'release:' || r.id::text
                          AND p.type = 'RELEASE'
                          AND p.status = 'COMPLETED')`,
		},
		{
			Name: "schedule_exceeds_total",
			SQL: `SELECT a.id::text, a.total_amount, SUM(r.amount)
                  FROM escrow_accounts a
                  JOIN release_schedule r ON r.contract_id = a.contract_id
                  WHERE r.status <> 'CANCELLED'
                  GROUP BY a.id, a.total_amount
                  HAVING SUM(r.amount) > a.total_amount`,
		},
		{
			Name: "hold_without_open_dispute",
			SQL: `SELECT a.id::text FROM escrow_accounts a
                  WHERE a.status = 'DISPUTE'
                    AND NOT EXISTS (
                        SELECT 1 FROM disputes d
                        WHERE d.escrow_account_id = a.id AND d.status <> 'RESOLVED')`,
		},
		{
			Name: "outbox_stalled",
			SQL: `SELECT id::text FROM outbox
                  WHERE status = 'pending'
                    AND now() - created_at > interval '15 minutes'`,
		},
		{
			Name: "append_only_triggers",
			SQL: `SELECT t.name FROM (VALUES ('audit_trail_append_only'),
                                           ('payment_records_append_only'),
                                           ('release_schedule_released_immutable')) AS t(name)
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = t.name)`,
		},
	}
}

// Finding is a failed check: how many rows it returned and the first one.
type Finding struct {
	Check  string
	Rows   int
	Sample string
}

// Run executes every check and returns those that found rows. All checks
// run even when an earlier one fails.
func Run(ctx context.Context, q db.Querier) ([]Finding, error) {
	var findings []Finding
	for _, c := range All() {
		f, err := runCheck(ctx, q, c)
		if err != nil {
			return findings, err
		}
		if f.Rows > 0 {
			findings = append(findings, f)
		}
	}
	return findings, nil
}

func runCheck(ctx context.Context, q db.Querier, c Check) (Finding, error) {
	rows, err := q.Query(ctx, c.SQL)
	if err != nil {
		return Finding{}, fmt.Errorf("reconcile: %s: %w", c.Name, err)
	}
	defer rows.Close()

	f := Finding{Check: c.Name}
	for rows.Next() {
		if f.Rows == 0 {
			vals, err := rows.Values()
			if err != nil {
				return Finding{}, fmt.Errorf("reconcile: %s: read row: %w", c.Name, err)
			}
			f.Sample = fmt.Sprintf("%v", vals)
		}
		f.Rows++
	}
	if err := rows.Err(); err != nil {
		return Finding{}, fmt.Errorf("reconcile: %s: iterate: %w", c.Name, err)
	}
	return f, nil
}
