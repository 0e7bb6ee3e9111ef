package ratelimit

import (
	"context"
	"sync"
	"time"
)

// window holds the request timestamps for one dimension key.
type window struct {
	times    []time.Time
	lastSeen time.Time
}

// MemoryGate is the in-process sliding-window gate. It mirrors the Redis
// gate's semantics for tests and single-node deployments. A background
// goroutine periodically evicts keys that have not been seen within 2x the
// cleanup interval.
type MemoryGate struct {
	limits          Limits
	cleanupInterval time.Duration

	mu      sync.Mutex
	windows map[string]*window
	done    chan struct{}
	closed  bool
	now     func() time.Time
}

var _ Gate = (*MemoryGate)(nil)

// NewMemoryGate creates an in-process sliding-window gate. A non-positive
// cleanup interval disables background eviction.
func NewMemoryGate(limits Limits, cleanupInterval time.Duration) *MemoryGate {
	g := &MemoryGate{
		limits:          limits,
		cleanupInterval: cleanupInterval,
		windows:         make(map[string]*window),
		done:            make(chan struct{}),
		now:             func() time.Time { return time.Now().UTC() },
	}
	if cleanupInterval > 0 {
		go g.cleanup()
	}
	return g
}

// Check records the attempt and evaluates all applicable dimensions.
func (g *MemoryGate) Check(ctx context.Context, ip, userID string) (Decision, error) {
	type dimension struct {
		key   string
		limit int
	}
	dims := []dimension{{"ip:" + ip, g.limits.IP}}
	if userID != "" {
		dims = append(dims,
			dimension{"user:" + userID, g.limits.User},
			dimension{"ipuser:" + ip + ":" + userID, g.limits.IPUser})
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	cutoff := now.Add(-g.limits.Window)

	decision := Decision{Allowed: true, Remaining: -1, ResetAt: now.Add(g.limits.Window)}
	var retry time.Duration
	for _, dim := range dims {
		w, exists := g.windows[dim.key]
		if !exists {
			w = &window{}
			g.windows[dim.key] = w
		}

		kept := w.times[:0]
		for _, t := range w.times {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		w.times = append(kept, now)
		w.lastSeen = now

		count := len(w.times)
		remaining := dim.limit - count
		if remaining < 0 {
			remaining = 0
		}
		if decision.Remaining < 0 || remaining < decision.Remaining {
			decision.Remaining = remaining
			decision.Limit = dim.limit
		}
		if count > dim.limit {
			decision.Allowed = false
			if r := w.times[0].Add(g.limits.Window).Sub(now); r > retry {
				retry = r
			}
		}
	}
	if !decision.Allowed {
		decision.RetryAfter = retry
	}
	return decision, nil
}

// Close stops the background cleanup goroutine.
func (g *MemoryGate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.closed = true
		close(g.done)
	}
}

func (g *MemoryGate) cleanup() {
	ticker := time.NewTicker(g.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			g.evictStale()
		}
	}
}

func (g *MemoryGate) evictStale() {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.now().Add(-2 * g.cleanupInterval)
	for key, w := range g.windows {
		if w.lastSeen.Before(cutoff) {
			delete(g.windows, key)
		}
	}
}
