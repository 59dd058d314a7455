// Package sinks provides progress.Sink implementations.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/skyhive/skyhive/internal/progress"
)

// LogSink emits structured logs for the pipeline's progress stream. It is
// useful during development or audits where a metrics backend is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("kind", string(evt.Kind)),
			zap.Time("ts", evt.TS),
		}
		if evt.Stage != "" {
			fields = append(fields, zap.String("stage", string(evt.Stage)))
		}
		if evt.EntityID != "" {
			fields = append(fields, zap.String("entity", evt.EntityID))
		}
		if evt.Claimed > 0 {
			fields = append(fields, zap.Int("claimed", evt.Claimed))
		}
		if evt.Records > 0 {
			fields = append(fields, zap.Int("records", evt.Records))
		}
		if evt.Swept > 0 {
			fields = append(fields, zap.Int("swept", evt.Swept))
		}
		if evt.Kind == progress.KindEntityFailed {
			fields = append(fields, zap.Bool("terminal", evt.Terminal))
		}
		if evt.SessionState != "" {
			fields = append(fields, zap.String("session_state", evt.SessionState))
		}
		if evt.StatusCounts != nil {
			fields = append(fields, zap.Any("status_counts", evt.StatusCounts))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
