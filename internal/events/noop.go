package events

import "context"

// NoopSink discards all events.
type NoopSink struct{}

func (NoopSink) Publish(ctx context.Context, event Event) error {
	return nil
}
