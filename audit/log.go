package audit

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/aryangodara/apigateway"
)

var _ apigateway.AuditLogger = &LogSink{}

// LogSink writes audit events as structured log lines.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink writing to logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *LogSink) LogEvent(_ context.Context, kind, description string, metadata map[string]any) error {
	s.logger.Info().
		Str("kind", kind).
		Fields(metadata).
		Msg(description)
	return nil
}
