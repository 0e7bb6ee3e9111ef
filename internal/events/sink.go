// Package events delivers fire-and-forget notifications emitted on credit
// commits. A slow or failing sink must never delay or fail the commit path,
// so publication goes through an asynchronous dispatcher with a bounded
// buffer.
package events

import (
	"context"
	"time"
)

// Event names emitted by the credit ledger service.
const (
	EventCreditsConsumed = "credits.consumed"
	EventCreditsAdded    = "credits.added"
	EventCreditsReset    = "credits.reset"
)

// Event is one notification payload.
type Event struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	UserID    string            `json:"user_id"`
	Service   string            `json:"service,omitempty"`
	Amount    int64             `json:"amount"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Sink receives events. Publish failures are the sink's problem to report
// (log, count); callers never see them.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}
