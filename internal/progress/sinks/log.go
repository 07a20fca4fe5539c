package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/fetchgate/internal/progress"
)

// LogSink emits structured logs for progress streams. Outcomes log at info,
// attempt milestones at debug.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.DebugLevel
		switch evt.Stage {
		case progress.StageOutcome, progress.StageRunStart, progress.StageRunDone:
			level = zapcore.InfoLevel
		}
		ce := s.logger.Check(level, "progress event")
		if ce == nil {
			continue
		}
		ce.Write(
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.String("request_id", evt.RequestID),
			zap.String("site", evt.Site),
			zap.String("url", evt.URL),
			zap.Int("attempt", evt.Attempt),
			zap.String("context_id", evt.ContextID),
			zap.String("verdict", evt.Verdict),
			zap.String("kind", evt.Kind),
			zap.String("status_class", string(evt.StatusClass)),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
