package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetchgate/internal/progress"
	"github.com/JakeFAU/fetchgate/internal/store"
)

// StoreSink persists OUTCOME events through a store.OutcomeRepository. Other
// stages are ignored.
type StoreSink struct {
	repo   store.OutcomeRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.OutcomeRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume writes the batch's outcomes in one call.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	records := make([]store.OutcomeRecord, 0, len(batch))
	for _, evt := range batch {
		if evt.Stage != progress.StageOutcome {
			continue
		}
		rec := store.OutcomeRecord{
			RunID:      evt.RunUUID(),
			RequestID:  evt.RequestID,
			URL:        evt.URL,
			Site:       evt.Site,
			Kind:       evt.Kind,
			Attempts:   evt.Attempt,
			StatusCode: evt.StatusCode,
			Bytes:      evt.Bytes,
			Duration:   evt.Dur,
			ResolvedAt: evt.TS.UTC(),
		}
		if evt.Note != "" {
			note := evt.Note
			rec.Error = &note
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil
	}
	if err := s.repo.InsertOutcomes(ctx, records); err != nil {
		return fmt.Errorf("insert outcomes: %w", err)
	}
	s.logger.Debug("persisted outcomes", zap.Int("count", len(records)))
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
