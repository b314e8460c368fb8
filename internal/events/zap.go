package events

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapSink writes events as structured log lines. Batch and wait events log
// at Debug; phase and run transitions at Info; failures at Warn.
type ZapSink struct {
	log *zap.Logger
}

// NewZapSink creates a sink on log, or the global logger when nil.
func NewZapSink(log *zap.Logger) *ZapSink {
	if log == nil {
		log = zap.L()
	}
	return &ZapSink{log: log.Named("events")}
}

func (s *ZapSink) Emit(e Event) {
	fields := []zap.Field{
		zap.String("event", string(e.Type)),
		zap.String("run_id", e.RunID),
	}
	if e.PhaseID != "" {
		fields = append(fields, zap.String("phase", e.PhaseID))
	}

	level := zapcore.DebugLevel
	switch e.Type {
	case BatchStarted, BatchResumed:
		fields = append(fields, zap.Int("batch", e.BatchIndex))
	case BatchCompleted:
		fields = append(fields,
			zap.Int("batch", e.BatchIndex),
			zap.Int("successes", e.Successes),
			zap.Int("failures", e.Failures),
			zap.Duration("duration", e.Duration),
		)
	case TaskRetried:
		fields = append(fields, zap.String("task", e.TaskID), zap.Int("batch", e.BatchIndex))
	case ResourceQueueWait:
		fields = append(fields, zap.String("task", e.TaskID), zap.Int64("wait_ms", e.Duration.Milliseconds()))
	case PhaseStarted, RunStarted:
		level = zapcore.InfoLevel
	case PhaseCompleted, RunCompleted:
		level = zapcore.InfoLevel
		fields = append(fields,
			zap.String("status", e.Status),
			zap.Int("successes", e.Successes),
			zap.Int("failures", e.Failures),
			zap.Duration("duration", e.Duration),
		)
	case PhaseFailed, PhaseSkipped:
		level = zapcore.WarnLevel
		fields = append(fields, zap.String("status", e.Status))
	}

	if ce := s.log.Check(level, "pipeline event"); ce != nil {
		ce.Write(fields...)
	}
}
