// Package ratelimit provides request admission gating. The primary
// implementation is an atomic three-dimension sliding window (ip, user,
// ip+user) evaluated in a single coordination-cache script; a token bucket
// backend covers single-instance deployments. All implementations must be
// safe for concurrent use.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"metergate/internal/models"
)

// Gate decides whether a request may proceed.
type Gate interface {
	// Check records the request attempt and evaluates every applicable
	// dimension. A request is blocked when ANY dimension is over its
	// limit. Blocked attempts still count toward the windows. userID may
	// be empty for anonymous requests; only the ip dimension applies then.
	//
	// An error means the backing store was unreachable. Callers decide
	// the failure policy; the admission layer fails open.
	Check(ctx context.Context, ip, userID string) (Decision, error)

	// Close stops background goroutines and releases resources.
	Close()
}

// Decision contains the gate outcome and state for response headers.
// Limit and Remaining reflect the most restrictive dimension.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration // meaningful only when denied
}

// Limits holds the per-dimension request caps for one window.
type Limits struct {
	Window time.Duration
	IP     int
	User   int
	IPUser int
}

// NewGate builds a gate from configuration. The redis backend requires a
// connected client; the others ignore it.
func NewGate(cfg models.RateLimitConfig, client goredis.Cmdable) (Gate, error) {
	limits := Limits{
		Window: time.Duration(cfg.WindowSeconds) * time.Second,
		IP:     cfg.IPLimit,
		User:   cfg.UserLimit,
		IPUser: cfg.IPUserLimit,
	}

	switch cfg.Backend {
	case models.RateLimitRedis:
		if client == nil {
			return nil, fmt.Errorf("redis rate limit backend requires a redis coordination cache")
		}
		return NewRedisGate(client, limits), nil
	case models.RateLimitMemory:
		return NewMemoryGate(limits, cfg.CleanupInterval), nil
	case models.RateLimitBucket:
		return NewBucketGate(cfg.RequestsPerMinute, cfg.BurstSize, cfg.CleanupInterval), nil
	default:
		return nil, fmt.Errorf("unsupported rate limit backend: %s", cfg.Backend)
	}
}
