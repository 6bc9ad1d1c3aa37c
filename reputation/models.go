package reputation

import "time"

// Rating is one homeowner score for an approved completion.
type Rating struct {
	ID           string    `json:"id"`
	ContractorID string    `json:"contractor_id"`
	ContractID   string    `json:"contract_id"`
	CompletionID string    `json:"completion_id"`
	Score        int       `json:"score"`
	RatedBy      string    `json:"rated_by"`
	CreatedAt    time.Time `json:"created_at"`
}

// Profile captures the aggregate reputation exposed via the public API layer.
type Profile struct {
	ContractorID string     `json:"contractor_id"`
	Ratings      int        `json:"ratings"`
	Average      float64    `json:"average"`
	LastRatedAt  *time.Time `json:"last_rated_at,omitempty"`
}
