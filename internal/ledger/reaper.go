package ledger

import (
	"context"
	"log/slog"
	"time"

	"metergate/internal/coordination"
)

// Reaper actively releases expired reservations so abandoned holds free
// their credits promptly. Correctness never depends on it: expiry is also
// resolved lazily on every read, the reaper just tightens the window.
type Reaper struct {
	cache    coordination.Cache
	interval time.Duration
	done     chan struct{}
	stopped  chan struct{}
}

// NewReaper creates a reaper sweeping at the given interval.
func NewReaper(cache coordination.Cache, interval time.Duration) *Reaper {
	return &Reaper{
		cache:    cache,
		interval: interval,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called.
func (r *Reaper) Start() {
	go func() {
		defer close(r.stopped)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

// Stop terminates the sweep loop and waits for it to finish.
func (r *Reaper) Stop() {
	close(r.done)
	<-r.stopped
}

func (r *Reaper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	users, err := r.cache.ReservingUsers(ctx)
	if err != nil {
		slog.Warn("reaper could not list reserving users", "error", err)
		return
	}

	total := 0
	for _, userID := range users {
		pruned, err := r.cache.PruneExpired(ctx, userID)
		if err != nil {
			slog.Warn("reaper sweep failed for user",
				"user_id", userID,
				"error", err,
			)
			continue
		}
		total += pruned
	}
	if total > 0 {
		slog.Info("released expired reservations", "count", total)
	}
}
