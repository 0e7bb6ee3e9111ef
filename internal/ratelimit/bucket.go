package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// bucketEntry holds a token bucket and its last access time for cleanup.
type bucketEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// BucketGate is a single-instance gate backed by golang.org/x/time/rate.
// Each caller (user when known, client IP otherwise) gets its own token
// bucket. It trades the multi-dimension window semantics for zero external
// dependencies, which suits dev setups and small deployments.
type BucketGate struct {
	rate            rate.Limit
	burst           int
	limit           int // requests per minute, for Decision.Limit
	cleanupInterval time.Duration

	mu      sync.Mutex
	entries map[string]*bucketEntry
	done    chan struct{}
	closed  bool
}

var _ Gate = (*BucketGate)(nil)

// NewBucketGate creates a token-bucket gate with the given requests-per-minute
// rate, burst size, and cleanup interval. It starts a background goroutine
// that evicts entries not accessed within 2x the cleanup interval.
func NewBucketGate(requestsPerMinute, burst int, cleanupInterval time.Duration) *BucketGate {
	g := &BucketGate{
		rate:            rate.Every(time.Minute / time.Duration(requestsPerMinute)),
		burst:           burst,
		limit:           requestsPerMinute,
		cleanupInterval: cleanupInterval,
		entries:         make(map[string]*bucketEntry),
		done:            make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go g.cleanup()
	}
	return g
}

// Check draws a token from the caller's bucket.
func (g *BucketGate) Check(ctx context.Context, ip, userID string) (Decision, error) {
	key := "ip:" + ip
	if userID != "" {
		key = "user:" + userID
	}

	g.mu.Lock()
	e, exists := g.entries[key]
	if !exists {
		e = &bucketEntry{limiter: rate.NewLimiter(g.rate, g.burst)}
		g.entries[key] = e
	}
	e.lastSeen = time.Now()
	g.mu.Unlock()

	allowed := e.limiter.Allow()

	now := time.Now()
	tokens := e.limiter.TokensAt(now)
	remaining := int(math.Max(0, math.Floor(tokens)))

	// Reset time: how long until the bucket is full again.
	tokensNeeded := float64(g.burst) - tokens
	resetAt := now
	if tokensNeeded > 0 {
		resetAt = now.Add(time.Duration(tokensNeeded / float64(g.rate) * float64(time.Second)))
	}

	decision := Decision{
		Allowed:   allowed,
		Limit:     g.limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !allowed {
		// Time until the next token is available.
		reservation := e.limiter.Reserve()
		decision.RetryAfter = reservation.Delay()
		reservation.Cancel()
	}
	return decision, nil
}

// Close stops the background cleanup goroutine.
func (g *BucketGate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.closed = true
		close(g.done)
	}
}

func (g *BucketGate) cleanup() {
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

func (g *BucketGate) evictStale() {
	cutoff := time.Now().Add(-2 * g.cleanupInterval)
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, e := range g.entries {
		if e.lastSeen.Before(cutoff) {
			delete(g.entries, key)
		}
	}
}
