package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"contractflow/db"
)

var ErrNotFound = errors.New("dispute: not found")

type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, rec Record) error
	Get(ctx context.Context, q db.Querier, id string) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	Update(ctx context.Context, tx pgx.Tx, rec Record) error
	ListByContract(ctx context.Context, q db.Querier, contractID string) ([]Record, error)
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rec Record) error {
	const query = `
		INSERT INTO disputes (id, contract_id, escrow_account_id, completion_id, initiated_by, reason,
		                      held_amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	if _, err := tx.Exec(ctx, query, rec.ID, rec.ContractID, rec.EscrowAccountID, nullable(rec.CompletionID),
		rec.InitiatedBy, rec.Reason, rec.HeldAmount, string(rec.Status), rec.CreatedAt, rec.UpdatedAt); err != nil {
		return fmt.Errorf("dispute: insert: %w", err)
	}
	return nil
}

const columns = `id::text, contract_id::text, escrow_account_id::text, COALESCE(completion_id::text, ''), initiated_by,
	reason, held_amount, status, COALESCE(decision, ''), resolution_amount, resolution_notes, resolved_by,
	mediation_notes, resolution_date, created_at, updated_at`

func scan(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.ContractID, &rec.EscrowAccountID, &rec.CompletionID, &rec.InitiatedBy,
		&rec.Reason, &rec.HeldAmount, &rec.Status, &rec.Decision, &rec.ResolutionAmount, &rec.ResolutionNotes,
		&rec.ResolvedBy, &rec.MediationNotes, &rec.ResolutionDate, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: scan: %w", err)
	}
	return rec, nil
}

func (r *Repository) Get(ctx context.Context, q db.Querier, id string) (Record, error) {
	return scan(q.QueryRow(ctx, `SELECT `+columns+` FROM disputes WHERE id = $1`, id))
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	return scan(tx.QueryRow(ctx, `SELECT `+columns+` FROM disputes WHERE id = $1 FOR UPDATE`, id))
}

func (r *Repository) Update(ctx context.Context, tx pgx.Tx, rec Record) error {
	const query = `
		UPDATE disputes
		SET status = $2,
		    decision = $3,
		    resolution_amount = $4,
		    resolution_notes = $5,
		    resolved_by = $6,
		    mediation_notes = $7,
		    resolution_date = $8,
		    updated_at = $9
		WHERE id = $1 AND status <> 'RESOLVED'
	`
	tag, err := tx.Exec(ctx, query, rec.ID, string(rec.Status), nullable(string(rec.Decision)), rec.ResolutionAmount,
		rec.ResolutionNotes, rec.ResolvedBy, rec.MediationNotes, rec.ResolutionDate, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("dispute: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) ListByContract(ctx context.Context, q db.Querier, contractID string) ([]Record, error) {
	rows, err := q.Query(ctx, `SELECT `+columns+` FROM disputes WHERE contract_id = $1 ORDER BY created_at DESC`, contractID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 4)
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}
