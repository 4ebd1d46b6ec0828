package storage

import (
	"context"
	"time"
)

// EvaluationStatus represents the lifecycle state of a submitted evaluation.
type EvaluationStatus string

const (
	StatusPending   EvaluationStatus = "pending"
	StatusCompleted EvaluationStatus = "completed"
	StatusFailed    EvaluationStatus = "failed"
	StatusCrashed   EvaluationStatus = "crashed"
)

// Evaluation is the coordinator's record of one evaluation submitted to a
// runtime container.
type Evaluation struct {
	ID        string           `json:"id"`
	RuntimeID string           `json:"runtime_id"`
	Container string           `json:"container"`
	Code      string           `json:"code"`
	Status    EvaluationStatus `json:"status"`
	Value     string           `json:"value,omitempty"` // JSON-encoded result value
	Error     string           `json:"error,omitempty"`
	ElapsedMS int64            `json:"elapsed_ms"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// EvaluationListOptions controls filtering and pagination for
// ListEvaluations.
type EvaluationListOptions struct {
	RuntimeID string
	Container string
	Status    EvaluationStatus
	Limit     int
	Offset    int
}

// Store is the persistence interface for evaluation history.
type Store interface {
	// CreateEvaluation inserts a new record. The ID field must be set by
	// the caller.
	CreateEvaluation(ctx context.Context, e *Evaluation) error

	// GetEvaluation returns an evaluation by ID.
	GetEvaluation(ctx context.Context, id string) (*Evaluation, error)

	// ListEvaluations returns evaluations ordered by created_at ascending.
	ListEvaluations(ctx context.Context, opts EvaluationListOptions) ([]Evaluation, error)

	// UpdateEvaluation updates mutable fields (status, value, error,
	// elapsed_ms, updated_at).
	UpdateEvaluation(ctx context.Context, e *Evaluation) error

	// MarkContainerCrashed flips every pending evaluation in one runtime
	// container to crashed with the given cause, returning how many rows it
	// touched.
	MarkContainerCrashed(ctx context.Context, runtimeID, container, cause string) (int64, error)

	// MarkRuntimeGone flips every pending evaluation on a runtime to failed
	// when the runtime disconnects.
	MarkRuntimeGone(ctx context.Context, runtimeID, cause string) (int64, error)

	// Close releases resources.
	Close() error
}
