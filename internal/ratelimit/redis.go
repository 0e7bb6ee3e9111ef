package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// RedisGate is the sliding-window gate backed by Redis sorted sets, one per
// dimension. A single script prunes, records, and counts all dimensions, so
// concurrent checks across instances agree on every window.
type RedisGate struct {
	client    goredis.Cmdable
	keyPrefix string
	limits    Limits
}

var _ Gate = (*RedisGate)(nil)

// RedisGateOption configures RedisGate.
type RedisGateOption func(*RedisGate)

// WithGateKeyPrefix sets the Redis key prefix (default "metergate:rl:").
func WithGateKeyPrefix(prefix string) RedisGateOption {
	return func(g *RedisGate) { g.keyPrefix = prefix }
}

// NewRedisGate creates a sliding-window gate on the given client.
func NewRedisGate(client goredis.Cmdable, limits Limits, opts ...RedisGateOption) *RedisGate {
	g := &RedisGate{
		client:    client,
		keyPrefix: "metergate:rl:",
		limits:    limits,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// checkScript evaluates every dimension in one atomic step.
// KEYS[i]  = window zset for dimension i
// ARGV[1]  = now (unix ms)
// ARGV[2]  = window (ms)
// ARGV[3]  = unique member for this request
// ARGV[3+i] = limit for dimension i
//
// The attempt is recorded in every dimension before counting, so blocked
// requests still consume window slots. Returns
// {blocked, min_remaining, limit_at_min, retry_after_ms}.
var checkScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local member = ARGV[3]
local blocked = 0
local min_remaining = -1
local min_limit = 0
local retry = 0
for i, key in ipairs(KEYS) do
    local limit = tonumber(ARGV[3 + i])
    redis.call("ZREMRANGEBYSCORE", key, 0, now - window)
    redis.call("ZADD", key, now, member)
    redis.call("PEXPIRE", key, math.floor(window * 3 / 2))
    local count = redis.call("ZCARD", key)
    local remaining = limit - count
    if remaining < 0 then
        remaining = 0
    end
    if min_remaining < 0 or remaining < min_remaining then
        min_remaining = remaining
        min_limit = limit
    end
    if count > limit then
        blocked = 1
        local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
        if oldest[2] then
            local r = tonumber(oldest[2]) + window - now
            if r > retry then
                retry = r
            end
        end
    end
end
return {blocked, min_remaining, min_limit, retry}
`)

// Check records the attempt and evaluates all applicable dimensions.
func (g *RedisGate) Check(ctx context.Context, ip, userID string) (Decision, error) {
	now := time.Now().UTC()

	keys := []string{g.keyPrefix + "ip:" + ip}
	args := []interface{}{now.UnixMilli(), g.limits.Window.Milliseconds(), uuid.NewString(), g.limits.IP}
	if userID != "" {
		keys = append(keys, g.keyPrefix+"user:"+userID, g.keyPrefix+"ipuser:"+ip+":"+userID)
		args = append(args, g.limits.User, g.limits.IPUser)
	}

	vals, err := checkScript.Run(ctx, g.client, keys, args...).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(vals) < 4 {
		return Decision{}, fmt.Errorf("unexpected rate limit script result: %v", vals)
	}

	decision := Decision{
		Allowed:   vals[0] == 0,
		Remaining: int(vals[1]),
		Limit:     int(vals[2]),
		ResetAt:   now.Add(g.limits.Window),
	}
	if !decision.Allowed {
		decision.RetryAfter = time.Duration(vals[3]) * time.Millisecond
	}
	return decision, nil
}

// Close is a no-op; the client belongs to the coordination layer.
func (g *RedisGate) Close() {}
