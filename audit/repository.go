package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"contractflow/db"
)

// Writer appends entries inside the caller's transaction.
type Writer interface {
	Append(ctx context.Context, tx pgx.Tx, e Entry) error
}

// Reader lists a contract's trail in append order.
type Reader interface {
	List(ctx context.Context, q db.Querier, contractID string) ([]Entry, error)
}

// Repository is the insert-only Postgres store for audit entries. It has no
// update or delete path; the table triggers reject both.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) Append(ctx context.Context, tx pgx.Tx, e Entry) error {
	if e.ContractID == "" {
		return fmt.Errorf("audit: missing contract id")
	}
	if e.Action == "" {
		return fmt.Errorf("audit: missing action")
	}
	if e.Actor == "" {
		e.Actor = ActorSystem
	}
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	body, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("audit: marshal details: %w", err)
	}

	const q = `
INSERT INTO audit_trail (contract_id, action, actor, created_at, details)
VALUES ($1, $2, $3, $4, $5::jsonb)
`
	if _, err := tx.Exec(ctx, q, e.ContractID, string(e.Action), e.Actor, e.Timestamp.UTC(), body); err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

func (r *Repository) List(ctx context.Context, q db.Querier, contractID string) ([]Entry, error) {
	const query = `
SELECT id, contract_id::text, action, actor, created_at, details
FROM audit_trail
WHERE contract_id = $1
ORDER BY id ASC
`
	rows, err := q.Query(ctx, query, contractID)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, 16)
	for rows.Next() {
		var (
			e    Entry
			body []byte
		)
		if err := rows.Scan(&e.ID, &e.ContractID, &e.Action, &e.Actor, &e.Timestamp, &body); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &e.Details); err != nil {
				return nil, fmt.Errorf("audit: decode details: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate: %w", err)
	}
	return out, nil
}
