package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"contractflow/db"
)

var (
	ErrContractNotFound = errors.New("contract: not found")
	ErrDuplicateBid     = errors.New("contract: bid already contracted")
	ErrChangeNotFound   = errors.New("contract: change order not found")
	// ErrStaleContract is returned when the version check on update fails.
	ErrStaleContract = errors.New("contract: stale version")
)

type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, c Contract) error
	Get(ctx context.Context, q db.Querier, id string) (Contract, error)
	GetByBid(ctx context.Context, q db.Querier, bidID string) (Contract, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Contract, error)
	Update(ctx context.Context, tx pgx.Tx, c Contract) (Contract, error)
	InsertChange(ctx context.Context, tx pgx.Tx, ch ChangeOrder) error
	GetChangeForUpdate(ctx context.Context, tx pgx.Tx, contractID, changeID string) (ChangeOrder, error)
	UpdateChange(ctx context.Context, tx pgx.Tx, ch ChangeOrder) error
	ListChanges(ctx context.Context, q db.Querier, contractID string) ([]ChangeOrder, error)
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, c Contract) error {
	scope, err := json.Marshal(nonNil(c.ScopeOfWork))
	if err != nil {
		return fmt.Errorf("contract: marshal scope: %w", err)
	}
	const insertSQL = `
INSERT INTO contracts (id, bid_id, job_id, homeowner_id, contractor_id, total_amount, scope_of_work, status,
                       start_date, estimated_end_date, created_at, version, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11, $12, $13);
`
	if _, err := tx.Exec(ctx, insertSQL, c.ID, c.BidID, c.JobID, c.HomeownerID, c.ContractorID, c.TotalAmount, scope,
		string(c.Status), c.StartDate, c.EstimatedEndDate, c.CreatedAt, c.Version, c.UpdatedAt); err != nil {
		if db.IsUniqueViolation(err) {
			return ErrDuplicateBid
		}
		return fmt.Errorf("contract: insert: %w", err)
	}
	return nil
}

const contractColumns = `id::text, bid_id, job_id, homeowner_id, contractor_id, total_amount, scope_of_work, status,
       start_date, estimated_end_date, created_at, accepted_at, completed_at, cancelled_at, cancellation_reason,
       version, updated_at`

func scanContract(row pgx.Row) (Contract, error) {
	var (
		c     Contract
		scope []byte
	)
	err := row.Scan(&c.ID, &c.BidID, &c.JobID, &c.HomeownerID, &c.ContractorID, &c.TotalAmount, &scope, &c.Status,
		&c.StartDate, &c.EstimatedEndDate, &c.CreatedAt, &c.AcceptedAt, &c.CompletedAt, &c.CancelledAt, &c.CancellationReason,
		&c.Version, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrContractNotFound
		}
		return Contract{}, fmt.Errorf("contract: scan: %w", err)
	}
	if len(scope) > 0 {
		if err := json.Unmarshal(scope, &c.ScopeOfWork); err != nil {
			return Contract{}, fmt.Errorf("contract: decode scope: %w", err)
		}
	}
	return c, nil
}

func (r *Repository) Get(ctx context.Context, q db.Querier, id string) (Contract, error) {
	return scanContract(q.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id))
}

func (r *Repository) GetByBid(ctx context.Context, q db.Querier, bidID string) (Contract, error) {
	return scanContract(q.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE bid_id = $1`, bidID))
}

// GetForUpdate takes the per-contract lock for the rest of the transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Contract, error) {
	return scanContract(tx.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1 FOR UPDATE`, id))
}

// Update writes c if its version is still current and returns it with the
// incremented version.
func (r *Repository) Update(ctx context.Context, tx pgx.Tx, c Contract) (Contract, error) {
	scope, err := json.Marshal(nonNil(c.ScopeOfWork))
	if err != nil {
		return Contract{}, fmt.Errorf("contract: marshal scope: %w", err)
	}
	const updateSQL = `
UPDATE contracts
SET total_amount = $3,
    scope_of_work = $4::jsonb,
    status = $5,
    estimated_end_date = $6,
    accepted_at = $7,
    completed_at = $8,
    cancelled_at = $9,
    cancellation_reason = $10,
    updated_at = $11,
    version = version + 1
WHERE id = $1 AND version = $2;
`
	tag, err := tx.Exec(ctx, updateSQL, c.ID, c.Version, c.TotalAmount, scope, string(c.Status), c.EstimatedEndDate,
		c.AcceptedAt, c.CompletedAt, c.CancelledAt, c.CancellationReason, c.UpdatedAt)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Contract{}, ErrStaleContract
	}
	c.Version++
	return c, nil
}

func (r *Repository) InsertChange(ctx context.Context, tx pgx.Tx, ch ChangeOrder) error {
	additions, err := json.Marshal(nonNil(ch.ScopeAdditions))
	if err != nil {
		return fmt.Errorf("contract: marshal scope additions: %w", err)
	}
	const insertSQL = `
INSERT INTO change_orders (id, contract_id, type, description, proposed_amount, extension_days, scope_additions,
                           proposed_by, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10);
`
	if _, err := tx.Exec(ctx, insertSQL, ch.ID, ch.ContractID, string(ch.Type), ch.Description, ch.ProposedAmount,
		ch.ExtensionDays, additions, ch.ProposedBy, string(ch.Status), ch.CreatedAt); err != nil {
		return fmt.Errorf("contract: insert change: %w", err)
	}
	return nil
}

const changeColumns = `id::text, contract_id::text, type, description, proposed_amount, extension_days, scope_additions,
       proposed_by, status, resolution_note, resolved_by, created_at, resolved_at`

func scanChange(row pgx.Row) (ChangeOrder, error) {
	var (
		ch        ChangeOrder
		additions []byte
	)
	err := row.Scan(&ch.ID, &ch.ContractID, &ch.Type, &ch.Description, &ch.ProposedAmount, &ch.ExtensionDays, &additions,
		&ch.ProposedBy, &ch.Status, &ch.ResolutionNote, &ch.ResolvedBy, &ch.CreatedAt, &ch.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ChangeOrder{}, ErrChangeNotFound
		}
		return ChangeOrder{}, fmt.Errorf("contract: scan change: %w", err)
	}
	if len(additions) > 0 {
		if err := json.Unmarshal(additions, &ch.ScopeAdditions); err != nil {
			return ChangeOrder{}, fmt.Errorf("contract: decode scope additions: %w", err)
		}
	}
	return ch, nil
}

func (r *Repository) GetChangeForUpdate(ctx context.Context, tx pgx.Tx, contractID, changeID string) (ChangeOrder, error) {
	return scanChange(tx.QueryRow(ctx, `SELECT `+changeColumns+` FROM change_orders WHERE id = $1 AND contract_id = $2 FOR UPDATE`, changeID, contractID))
}

func (r *Repository) UpdateChange(ctx context.Context, tx pgx.Tx, ch ChangeOrder) error {
	const updateSQL = `
UPDATE change_orders
SET status = $2, resolution_note = $3, resolved_by = $4, resolved_at = $5
WHERE id = $1 AND status = 'PROPOSED';
`
	tag, err := tx.Exec(ctx, updateSQL, ch.ID, string(ch.Status), ch.ResolutionNote, ch.ResolvedBy, ch.ResolvedAt)
	if err != nil {
		return fmt.Errorf("contract: update change: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("contract: change %s already resolved", ch.ID)
	}
	return nil
}

func (r *Repository) ListChanges(ctx context.Context, q db.Querier, contractID string) ([]ChangeOrder, error) {
	rows, err := q.Query(ctx, `SELECT `+changeColumns+` FROM change_orders WHERE contract_id = $1 ORDER BY created_at ASC`, contractID)
	if err != nil {
		return nil, fmt.Errorf("contract: list changes: %w", err)
	}
	defer rows.Close()

	var out []ChangeOrder
	for rows.Next() {
		ch, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contract: iterate changes: %w", err)
	}
	return out, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
