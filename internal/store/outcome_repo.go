package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// OutcomeRecord is one resolved request as persisted.
type OutcomeRecord struct {
	RunID      uuid.UUID
	RequestID  string
	URL        string
	Site       string
	Kind       string
	Attempts   int
	StatusCode int
	Bytes      int64
	Duration   time.Duration
	// Error is nil for successful requests.
	Error      *string
	ResolvedAt time.Time
}

// OutcomeRepository persists outcome rows.
type OutcomeRepository interface {
	InsertOutcomes(ctx context.Context, records []OutcomeRecord) error
}
