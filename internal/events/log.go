package events

import (
	"context"
	"log/slog"
)

// LogSink writes events to the structured log. Useful as the default sink
// and for local development; production deployments point the dispatcher at
// a real analytics transport.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging at info level. A nil logger uses the
// process default.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(ctx context.Context, event Event) error {
	s.logger.InfoContext(ctx, "event published",
		"event", event.Name,
		"event_id", event.ID,
		"user_id", event.UserID,
		"service", event.Service,
		"amount", event.Amount,
	)
	return nil
}
