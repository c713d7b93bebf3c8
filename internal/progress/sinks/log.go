package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/content-harvester/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. Target state
// transitions are logged at debug level; everything else at info.
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
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Index >= 0 {
			fields = append(fields, zap.Int("index", evt.Index))
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		switch evt.Stage {
		case progress.StageRunStart:
			fields = append(fields, zap.Int("total", evt.Total))
		case progress.StageTargetState:
			fields = append(fields, zap.String("state", evt.State))
			s.logger.Debug("progress event", fields...)
			continue
		case progress.StageFetchDone:
			fields = append(fields,
				zap.String("engine", evt.Engine),
				zap.String("status_class", string(evt.StatusClass)),
				zap.Int64("bytes", evt.Bytes),
			)
		case progress.StageTargetFailed:
			fields = append(fields, zap.String("kind", evt.Kind))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
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
