package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/progress"
)

// LogSink writes one structured line per event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("event", string(evt.Type)),
			zap.String("unit_id", evt.UnitID),
			zap.String("stage", string(evt.Stage)),
			zap.Int("attempt", evt.Attempt),
		}
		if evt.Transitioned() {
			fields = append(fields, zap.String("from", string(evt.From)), zap.String("to", string(evt.To)))
		}
		if evt.Delay > 0 {
			fields = append(fields, zap.Duration("delay", evt.Delay))
		}
		if evt.Message != "" {
			fields = append(fields, zap.String("message", evt.Message))
		}
		s.logger.Info("audit lifecycle event", fields...)
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}
