package reputation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"contractflow/apperr"
	"contractflow/db"
)

const (
	MinScore = 1
	MaxScore = 5
)

// Service exposes business-level reputation operations.
type Service struct {
	pool  db.Querier
	store Store
	now   func() time.Time
}

// NewService builds a Service using the provided store.
func NewService(pool db.Querier, store Store) *Service {
	if store == nil {
		store = NewRepository()
	}
	return &Service{pool: pool, store: store, now: time.Now}
}

// ValidScore reports whether score is on the rating scale.
func ValidScore(score int) error {
	if score < MinScore || score > MaxScore {
		return apperr.New(apperr.CodeInvalidRating, "rating must be between %d and %d, got %d", MinScore, MaxScore, score)
	}
	return nil
}

// Record stores the rating for an approved completion inside tx. A
// completion is rated at most once; later calls are ignored.
func (s *Service) Record(ctx context.Context, tx pgx.Tx, r Rating) (Rating, error) {
	if err := ValidScore(r.Score); err != nil {
		return Rating{}, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	if _, err := s.store.Insert(ctx, tx, r); err != nil {
		return Rating{}, err
	}
	return r, nil
}

// Profile returns the aggregate rating for a contractor.
func (s *Service) Profile(ctx context.Context, contractorID string) (Profile, error) {
	return s.store.Profile(ctx, s.pool, contractorID)
}
