package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"contractflow/db"
)

var ErrNotFound = errors.New("completion: not found")

type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, c Completion) error
	Get(ctx context.Context, q db.Querier, id string) (Completion, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Completion, error)
	Update(ctx context.Context, tx pgx.Tx, c Completion) error
	ListByContract(ctx context.Context, q db.Querier, contractID string) ([]Completion, error)
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, c Completion) error {
	evidence, err := json.Marshal(c.Evidence)
	if err != nil {
		return fmt.Errorf("completion: marshal evidence: %w", err)
	}
	var milestoneID any
	if c.MilestoneID != "" {
		milestoneID = c.MilestoneID
	}
	const insertSQL = `
INSERT INTO job_completions (id, contract_id, milestone_id, submitted_by, submitter_id, evidence, notes, status,
                             dispute_window_expires_at, payout_status, submitted_at)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11);
`
	if _, err := tx.Exec(ctx, insertSQL, c.ID, c.ContractID, milestoneID, string(c.SubmittedBy), c.SubmitterID, evidence,
		c.Notes, string(c.Status), c.DisputeWindowExpiresAt, string(c.PayoutStatus), c.SubmittedAt); err != nil {
		return fmt.Errorf("completion: insert: %w", err)
	}
	return nil
}

const columns = `id::text, contract_id::text, COALESCE(milestone_id::text, ''), submitted_by, submitter_id, evidence,
       notes, status, dispute_window_expires_at, payout_status, rating, rejection_reason, required_fixes,
       submitted_at, resolved_at`

func scan(row pgx.Row) (Completion, error) {
	var (
		c               Completion
		evidence, fixes []byte
	)
	err := row.Scan(&c.ID, &c.ContractID, &c.MilestoneID, &c.SubmittedBy, &c.SubmitterID, &evidence,
		&c.Notes, &c.Status, &c.DisputeWindowExpiresAt, &c.PayoutStatus, &c.Rating, &c.RejectionReason, &fixes,
		&c.SubmittedAt, &c.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Completion{}, ErrNotFound
		}
		return Completion{}, fmt.Errorf("completion: scan: %w", err)
	}
	if err := json.Unmarshal(evidence, &c.Evidence); err != nil {
		return Completion{}, fmt.Errorf("completion: decode evidence: %w", err)
	}
	if len(fixes) > 0 {
		if err := json.Unmarshal(fixes, &c.RequiredFixes); err != nil {
			return Completion{}, fmt.Errorf("completion: decode required fixes: %w", err)
		}
	}
	return c, nil
}

func (r *Repository) Get(ctx context.Context, q db.Querier, id string) (Completion, error) {
	return scan(q.QueryRow(ctx, `SELECT `+columns+` FROM job_completions WHERE id = $1`, id))
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Completion, error) {
	return scan(tx.QueryRow(ctx, `SELECT `+columns+` FROM job_completions WHERE id = $1 FOR UPDATE`, id))
}

func (r *Repository) Update(ctx context.Context, tx pgx.Tx, c Completion) error {
	fixes := c.RequiredFixes
	if fixes == nil {
		fixes = []string{}
	}
	encoded, err := json.Marshal(fixes)
	if err != nil {
		return fmt.Errorf("completion: marshal required fixes: %w", err)
	}
	const updateSQL = `
UPDATE job_completions
SET status = $2,
    payout_status = $3,
    rating = $4,
    rejection_reason = $5,
    required_fixes = $6::jsonb,
    resolved_at = $7
WHERE id = $1;
`
	tag, err := tx.Exec(ctx, updateSQL, c.ID, string(c.Status), string(c.PayoutStatus), c.Rating, c.RejectionReason,
		encoded, c.ResolvedAt)
	if err != nil {
		return fmt.Errorf("completion: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) ListByContract(ctx context.Context, q db.Querier, contractID string) ([]Completion, error) {
	rows, err := q.Query(ctx, `SELECT `+columns+` FROM job_completions WHERE contract_id = $1 ORDER BY submitted_at`, contractID)
	if err != nil {
		return nil, fmt.Errorf("completion: list: %w", err)
	}
	defer rows.Close()

	var out []Completion
	for rows.Next() {
		c, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("completion: iterate: %w", err)
	}
	return out, nil
}
