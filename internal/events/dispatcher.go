package events

import (
	"context"
	"log/slog"
	"sync"
)

// Dispatcher decouples event publication from the credit commit path.
// Events are queued on a buffered channel and delivered by background
// workers; a full buffer drops the event with a warning rather than
// blocking the caller.
type Dispatcher struct {
	sink    Sink
	queue   chan Event
	wg      sync.WaitGroup
	once    sync.Once
	dropped func() // test hook, may be nil
}

// NewDispatcher creates a dispatcher delivering to sink with the given
// buffer size and worker count, and starts the workers.
func NewDispatcher(sink Sink, bufferSize, workers int) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if workers <= 0 {
		workers = 1
	}

	d := &Dispatcher{
		sink:  sink,
		queue: make(chan Event, bufferSize),
	}

	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}

	return d
}

// Publish queues the event for asynchronous delivery. It never blocks and
// never returns an error to the caller: full-buffer drops are logged.
func (d *Dispatcher) Publish(ctx context.Context, event Event) error {
	select {
	case d.queue <- event:
	default:
		slog.Warn("event buffer full, dropping event",
			"event", event.Name,
			"user_id", event.UserID,
		)
		if d.dropped != nil {
			d.dropped()
		}
	}
	return nil
}

// Close stops accepting events and waits for queued events to drain.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.queue)
	})
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for event := range d.queue {
		if err := d.sink.Publish(context.Background(), event); err != nil {
			slog.Warn("event delivery failed",
				"event", event.Name,
				"user_id", event.UserID,
				"error", err,
			)
		}
	}
}
