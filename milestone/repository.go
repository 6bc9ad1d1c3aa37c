package milestone

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"contractflow/db"
)

var (
	ErrMilestoneNotFound = errors.New("milestone: not found")
	ErrEntryNotFound     = errors.New("milestone: schedule entry not found")
)

// Store persists milestones and release schedule entries.
type Store interface {
	InsertMilestones(ctx context.Context, tx pgx.Tx, ms []Milestone) error
	InsertEntries(ctx context.Context, tx pgx.Tx, es []Entry) error
	AttachAccount(ctx context.Context, tx pgx.Tx, contractID, accountID string) error
	ListMilestones(ctx context.Context, q db.Querier, contractID string) ([]Milestone, error)
	GetMilestone(ctx context.Context, q db.Querier, id string) (Milestone, error)
	GetMilestoneForUpdate(ctx context.Context, tx pgx.Tx, id string) (Milestone, error)
	UpdateMilestone(ctx context.Context, tx pgx.Tx, m Milestone) error
	ListEntries(ctx context.Context, q db.Querier, contractID string) ([]Entry, error)
	GetEntry(ctx context.Context, q db.Querier, id string) (Entry, error)
	GetEntryForUpdate(ctx context.Context, tx pgx.Tx, id string) (Entry, error)
	UpdateEntry(ctx context.Context, tx pgx.Tx, e Entry) error
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

func (r *Repository) InsertMilestones(ctx context.Context, tx pgx.Tx, ms []Milestone) error {
	const insertSQL = `
INSERT INTO milestones (id, contract_id, title, due_date, target_amount, status, completion_date, blocked_reason, position)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
`
	for _, m := range ms {
		if _, err := tx.Exec(ctx, insertSQL, m.ID, m.ContractID, m.Title, m.DueDate, m.TargetAmount,
			string(m.Status), m.CompletionDate, m.BlockedReason, m.Position); err != nil {
			return fmt.Errorf("milestone: insert milestone: %w", err)
		}
	}
	return nil
}

func (r *Repository) InsertEntries(ctx context.Context, tx pgx.Tx, es []Entry) error {
	const insertSQL = `
INSERT INTO release_schedule (id, contract_id, escrow_account_id, milestone_id, kind, amount, due_date, status, release_date, reason, position)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
`
	for _, e := range es {
		if e.Amount <= 0 {
			return fmt.Errorf("milestone: entry %s has non-positive amount", e.ID)
		}
		if _, err := tx.Exec(ctx, insertSQL, e.ID, e.ContractID, nullable(e.EscrowAccountID), nullable(e.MilestoneID),
			string(e.Kind), e.Amount, e.DueDate, string(e.Status), e.ReleaseDate, e.Reason, e.Position); err != nil {
			return fmt.Errorf("milestone: insert entry: %w", err)
		}
	}
	return nil
}

func (r *Repository) AttachAccount(ctx context.Context, tx pgx.Tx, contractID, accountID string) error {
	const updateSQL = `
UPDATE release_schedule
SET escrow_account_id = $2
WHERE contract_id = $1 AND escrow_account_id IS NULL;
`
	if _, err := tx.Exec(ctx, updateSQL, contractID, accountID); err != nil {
		return fmt.Errorf("milestone: attach account: %w", err)
	}
	return nil
}

const milestoneColumns = `id::text, contract_id::text, title, due_date, target_amount, status, completion_date, blocked_reason, position`

func scanMilestone(row pgx.Row) (Milestone, error) {
	var m Milestone
	err := row.Scan(&m.ID, &m.ContractID, &m.Title, &m.DueDate, &m.TargetAmount, &m.Status, &m.CompletionDate, &m.BlockedReason, &m.Position)
	return m, err
}

func (r *Repository) ListMilestones(ctx context.Context, q db.Querier, contractID string) ([]Milestone, error) {
	rows, err := q.Query(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE contract_id = $1 ORDER BY position ASC`, contractID)
	if err != nil {
		return nil, fmt.Errorf("milestone: list milestones: %w", err)
	}
	defer rows.Close()

	var out []Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, fmt.Errorf("milestone: scan milestone: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("milestone: iterate milestones: %w", err)
	}
	return out, nil
}

func (r *Repository) GetMilestone(ctx context.Context, q db.Querier, id string) (Milestone, error) {
	m, err := scanMilestone(q.QueryRow(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrMilestoneNotFound
		}
		return Milestone{}, fmt.Errorf("milestone: get milestone: %w", err)
	}
	return m, nil
}

func (r *Repository) GetMilestoneForUpdate(ctx context.Context, tx pgx.Tx, id string) (Milestone, error) {
	m, err := scanMilestone(tx.QueryRow(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrMilestoneNotFound
		}
		return Milestone{}, fmt.Errorf("milestone: get milestone: %w", err)
	}
	return m, nil
}

func (r *Repository) UpdateMilestone(ctx context.Context, tx pgx.Tx, m Milestone) error {
	const updateSQL = `
UPDATE milestones
SET status = $2, completion_date = $3, blocked_reason = $4, due_date = $5, target_amount = $6
WHERE id = $1;
`
	tag, err := tx.Exec(ctx, updateSQL, m.ID, string(m.Status), m.CompletionDate, m.BlockedReason, m.DueDate, m.TargetAmount)
	if err != nil {
		return fmt.Errorf("milestone: update milestone: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMilestoneNotFound
	}
	return nil
}

const entryColumns = `id::text, contract_id::text, escrow_account_id::text, milestone_id::text, kind, amount, due_date, status, release_date, reason, position`

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e         Entry
		accountID *string
		msID      *string
		released  *time.Time
	)
	if err := row.Scan(&e.ID, &e.ContractID, &accountID, &msID, &e.Kind, &e.Amount, &e.DueDate, &e.Status, &released, &e.Reason, &e.Position); err != nil {
		return Entry{}, err
	}
	if accountID != nil {
		e.EscrowAccountID = *accountID
	}
	if msID != nil {
		e.MilestoneID = *msID
	}
	e.ReleaseDate = released
	return e, nil
}

func (r *Repository) ListEntries(ctx context.Context, q db.Querier, contractID string) ([]Entry, error) {
	rows, err := q.Query(ctx, `SELECT `+entryColumns+` FROM release_schedule WHERE contract_id = $1 ORDER BY position ASC`, contractID)
	if err != nil {
		return nil, fmt.Errorf("milestone: list entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("milestone: scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("milestone: iterate entries: %w", err)
	}
	return out, nil
}

func (r *Repository) GetEntry(ctx context.Context, q db.Querier, id string) (Entry, error) {
	e, err := scanEntry(q.QueryRow(ctx, `SELECT `+entryColumns+` FROM release_schedule WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrEntryNotFound
		}
		return Entry{}, fmt.Errorf("milestone: get entry: %w", err)
	}
	return e, nil
}

func (r *Repository) GetEntryForUpdate(ctx context.Context, tx pgx.Tx, id string) (Entry, error) {
	e, err := scanEntry(tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM release_schedule WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrEntryNotFound
		}
		return Entry{}, fmt.Errorf("milestone: get entry for update: %w", err)
	}
	return e, nil
}

// UpdateEntry refuses to touch an entry that is already RELEASED; the
// table trigger enforces the same rule.
func (r *Repository) UpdateEntry(ctx context.Context, tx pgx.Tx, e Entry) error {
	const updateSQL = `
UPDATE release_schedule
SET status = $2, release_date = $3, reason = $4, due_date = $5, amount = $6,
    escrow_account_id = COALESCE(escrow_account_id, $7)
WHERE id = $1 AND status <> 'RELEASED';
`
	tag, err := tx.Exec(ctx, updateSQL, e.ID, string(e.Status), e.ReleaseDate, e.Reason, e.DueDate, e.Amount, nullable(e.EscrowAccountID))
	if err != nil {
		return fmt.Errorf("milestone: update entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("milestone: entry %s missing or already released", e.ID)
	}
	return nil
}
