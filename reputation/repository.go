package reputation

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"contractflow/db"
)

// Store persists ratings and reads contractor aggregates.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, r Rating) (bool, error)
	Profile(ctx context.Context, q db.Querier, contractorID string) (Profile, error)
}

// Repository provides access to contractor ratings.
type Repository struct{}

// NewRepository wires a pgx-backed repository implementation.
func NewRepository() *Repository {
	return &Repository{}
}

// Insert records r unless its completion was already rated, and reports
// whether a row was written.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rating Rating) (bool, error) {
	const query = `
		INSERT INTO contractor_ratings (id, contractor_id, contract_id, completion_id, score, rated_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (completion_id) DO NOTHING
	`
	tag, err := tx.Exec(ctx, query, rating.ID, rating.ContractorID, rating.ContractID, rating.CompletionID,
		rating.Score, rating.RatedBy, rating.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("reputation: insert: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Profile aggregates every rating a contractor has received. A contractor
// with no ratings gets an empty profile.
func (r *Repository) Profile(ctx context.Context, q db.Querier, contractorID string) (Profile, error) {
	const query = `
		SELECT count(*), COALESCE(avg(score), 0)::float8, max(created_at)
		FROM contractor_ratings
		WHERE contractor_id = $1
	`

	profile := Profile{ContractorID: contractorID}
	err := q.QueryRow(ctx, query, contractorID).Scan(
		&profile.Ratings,
		&profile.Average,
		&profile.LastRatedAt,
	)
	if err != nil {
		return Profile{}, fmt.Errorf("reputation: query profile: %w", err)
	}
	return profile, nil
}
