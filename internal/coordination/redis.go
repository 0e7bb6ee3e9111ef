package coordination

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"metergate/internal/models"
)

// RedisCache is the Redis-backed coordination cache. Reservation state lives
// in a hash per operation plus a per-user sorted set scored by expiry, so
// pruning stale holds and summing active ones are both single-key-range
// operations inside the scripts.
type RedisCache struct {
	client    goredis.Cmdable
	closer    interface{ Close() error }
	keyPrefix string
	// retention keeps terminal reservation hashes queryable after expiry.
	retention time.Duration
}

var _ Cache = (*RedisCache)(nil)

// Option configures RedisCache.
type Option func(*RedisCache)

// WithKeyPrefix sets the Redis key prefix (default "metergate:").
func WithKeyPrefix(prefix string) Option {
	return func(rc *RedisCache) { rc.keyPrefix = prefix }
}

// WithRetention sets how long finished reservations stay readable.
func WithRetention(d time.Duration) Option {
	return func(rc *RedisCache) { rc.retention = d }
}

// NewRedisClient builds a connected client from configuration.
func NewRedisClient(cfg models.RedisConfig) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisCache creates a Redis-backed coordination cache.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func NewRedisCache(client goredis.Cmdable, opts ...Option) *RedisCache {
	rc := &RedisCache{
		client:    client,
		keyPrefix: "metergate:",
		retention: time.Hour,
	}
	if closer, ok := client.(interface{ Close() error }); ok {
		rc.closer = closer
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

func (rc *RedisCache) reservationKey(userID, operationID string) string {
	return rc.keyPrefix + "resv:" + userID + ":" + operationID
}

func (rc *RedisCache) indexKey(userID string) string {
	return rc.keyPrefix + "residx:" + userID
}

func (rc *RedisCache) usersKey() string {
	return rc.keyPrefix + "resusers"
}

func (rc *RedisCache) valueKey(key string) string {
	return rc.keyPrefix + "val:" + key
}

// Index members are "<operationID>|<amount>", scored by expiry in unix
// milliseconds. The amount is parsed back off the last separator so
// operation IDs may contain anything.

// createScript atomically checks headroom against the active holds and
// places the reservation.
// KEYS[1] = reservation hash
// KEYS[2] = per-user index zset
// KEYS[3] = reserving-users set
// ARGV[1] = now (unix ms)
// ARGV[2] = amount
// ARGV[3] = headroom (cap - used, from the ledger)
// ARGV[4] = operation ID
// ARGV[5] = user ID
// ARGV[6] = service
// ARGV[7] = expires_at (unix ms)
// ARGV[8] = hash TTL (seconds)
// ARGV[9] = created_at (RFC3339)
//
// Returns {flag, active_sum}: flag 1 = created, 0 = insufficient,
// -1 = duplicate operation ID.
var createScript = goredis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[2], "-inf", "(" .. ARGV[1])
if redis.call("EXISTS", KEYS[1]) == 1 then
    return {-1, 0}
end
local sum = 0
for _, m in ipairs(redis.call("ZRANGE", KEYS[2], 0, -1)) do
    local pos = string.find(m, "|[^|]*$")
    sum = sum + tonumber(string.sub(m, pos + 1))
end
if tonumber(ARGV[2]) > tonumber(ARGV[3]) - sum then
    return {0, sum}
end
redis.call("HSET", KEYS[1],
    "operation_id", ARGV[4],
    "user_id", ARGV[5],
    "service", ARGV[6],
    "amount", ARGV[2],
    "status", "reserved",
    "created_at", ARGV[9],
    "expires_at", ARGV[7])
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[8]))
redis.call("ZADD", KEYS[2], tonumber(ARGV[7]), ARGV[4] .. "|" .. ARGV[2])
redis.call("SADD", KEYS[3], ARGV[5])
return {1, sum}
`)

// finishScript transitions a reserved hold to a terminal status exactly once.
// KEYS[1] = reservation hash
// KEYS[2] = per-user index zset
// ARGV[1] = now (unix ms)
// ARGV[2] = target status
// ARGV[3] = operation ID
// ARGV[4] = finish timestamp (RFC3339)
// ARGV[5] = finish field name
//
// Returns {status_after, amount, transitioned, service}.
var finishScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return {"missing", "0", "0", ""}
end
local status = redis.call("HGET", KEYS[1], "status")
local amount = redis.call("HGET", KEYS[1], "amount") or "0"
local service = redis.call("HGET", KEYS[1], "service") or ""
local member = ARGV[3] .. "|" .. amount
if status == "reserved" then
    local expires = tonumber(redis.call("HGET", KEYS[1], "expires_at") or "0")
    if tonumber(ARGV[1]) > expires then
        redis.call("HSET", KEYS[1], "status", "expired")
        redis.call("ZREM", KEYS[2], member)
        return {"expired", amount, "0", service}
    end
    redis.call("HSET", KEYS[1], "status", ARGV[2], ARGV[5], ARGV[4])
    redis.call("ZREM", KEYS[2], member)
    return {ARGV[2], amount, "1", service}
end
return {status, amount, "0", service}
`)

// pruneScript releases expired holds for one user and marks their hashes.
// KEYS[1] = per-user index zset
// KEYS[2] = reserving-users set
// ARGV[1] = now (unix ms)
// ARGV[2] = reservation hash key prefix for this user
// ARGV[3] = user ID
var pruneScript = goredis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[1])
for _, m in ipairs(expired) do
    redis.call("ZREM", KEYS[1], m)
    local pos = string.find(m, "|[^|]*$")
    local hash = ARGV[2] .. string.sub(m, 1, pos - 1)
    if redis.call("HGET", hash, "status") == "reserved" then
        redis.call("HSET", hash, "status", "expired")
    end
end
if redis.call("ZCARD", KEYS[1]) == 0 then
    redis.call("SREM", KEYS[2], ARGV[3])
end
return #expired
`)

// sumScript prunes and sums the active holds for one user.
// KEYS[1] = per-user index zset
// ARGV[1] = now (unix ms)
var sumScript = goredis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[1])
local sum = 0
for _, m in ipairs(redis.call("ZRANGE", KEYS[1], 0, -1)) do
    local pos = string.find(m, "|[^|]*$")
    sum = sum + tonumber(string.sub(m, pos + 1))
end
return sum
`)

// CreateReservation places a hold if headroom allows it.
func (rc *RedisCache) CreateReservation(ctx context.Context, res models.Reservation, headroom int64) (CreateResult, error) {
	now := time.Now().UTC()
	hashTTL := int64(res.ExpiresAt.Sub(now)/time.Second) + int64(rc.retention/time.Second)
	if hashTTL < 1 {
		hashTTL = 1
	}

	vals, err := createScript.Run(ctx, rc.client,
		[]string{rc.reservationKey(res.UserID, res.OperationID), rc.indexKey(res.UserID), rc.usersKey()},
		now.UnixMilli(), res.Amount, headroom, res.OperationID, res.UserID, res.Service,
		res.ExpiresAt.UnixMilli(), hashTTL, res.CreatedAt.UTC().Format(time.RFC3339Nano),
	).Int64Slice()
	if err != nil {
		return CreateResult{}, fmt.Errorf("failed to create reservation: %w", err)
	}
	if len(vals) < 2 {
		return CreateResult{}, fmt.Errorf("unexpected create reservation result: %v", vals)
	}

	switch vals[0] {
	case 1:
		return CreateResult{Created: true, ReservedSum: vals[1]}, nil
	case 0:
		return CreateResult{Created: false, ReservedSum: vals[1]}, nil
	case -1:
		return CreateResult{Duplicate: true}, nil
	default:
		return CreateResult{}, fmt.Errorf("unexpected create reservation flag: %d", vals[0])
	}
}

// GetReservation reads a reservation, resolving lazy expiry (read-only).
func (rc *RedisCache) GetReservation(ctx context.Context, userID, operationID string) (*models.Reservation, error) {
	fields, err := rc.client.HGetAll(ctx, rc.reservationKey(userID, operationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read reservation: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	res, err := reservationFromFields(fields)
	if err != nil {
		return nil, err
	}
	res.Status = res.EffectiveStatus(time.Now().UTC())
	return res, nil
}

// FinishReservation transitions a hold to consumed or cancelled.
func (rc *RedisCache) FinishReservation(ctx context.Context, userID, operationID, status string) (FinishResult, error) {
	field := "consumed_at"
	if status == models.StatusCancelled {
		field = "cancelled_at"
	}
	now := time.Now().UTC()

	raw, err := finishScript.Run(ctx, rc.client,
		[]string{rc.reservationKey(userID, operationID), rc.indexKey(userID)},
		now.UnixMilli(), status, operationID, now.Format(time.RFC3339Nano), field,
	).StringSlice()
	if err != nil {
		return FinishResult{}, fmt.Errorf("failed to finish reservation: %w", err)
	}
	if len(raw) < 4 {
		return FinishResult{}, fmt.Errorf("unexpected finish reservation result: %v", raw)
	}
	if raw[0] == "missing" {
		return FinishResult{}, ErrNotFound
	}

	amount, err := strconv.ParseInt(raw[1], 10, 64)
	if err != nil {
		return FinishResult{}, fmt.Errorf("failed to parse reserved amount: %w", err)
	}
	return FinishResult{
		Transitioned: raw[2] == "1",
		Status:       raw[0],
		Amount:       amount,
		Service:      raw[3],
	}, nil
}

// ActiveReservedSum prunes and totals the user's live holds.
func (rc *RedisCache) ActiveReservedSum(ctx context.Context, userID string) (int64, error) {
	sum, err := sumScript.Run(ctx, rc.client,
		[]string{rc.indexKey(userID)},
		time.Now().UTC().UnixMilli(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to sum reservations: %w", err)
	}
	return sum, nil
}

// PruneExpired releases expired holds for one user.
func (rc *RedisCache) PruneExpired(ctx context.Context, userID string) (int, error) {
	count, err := pruneScript.Run(ctx, rc.client,
		[]string{rc.indexKey(userID), rc.usersKey()},
		time.Now().UTC().UnixMilli(), rc.keyPrefix+"resv:"+userID+":", userID,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to prune reservations: %w", err)
	}
	return count, nil
}

// ReservingUsers lists users with tracked holds.
func (rc *RedisCache) ReservingUsers(ctx context.Context) ([]string, error) {
	users, err := rc.client.SMembers(ctx, rc.usersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list reserving users: %w", err)
	}
	return users, nil
}

// GetValue reads a cached value.
func (rc *RedisCache) GetValue(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := rc.client.Get(ctx, rc.valueKey(key)).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cached value: %w", err)
	}
	return raw, true, nil
}

// SetValue writes a cached value with a TTL.
func (rc *RedisCache) SetValue(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := rc.client.Set(ctx, rc.valueKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cached value: %w", err)
	}
	return nil
}

// DeleteValue removes a cached value.
func (rc *RedisCache) DeleteValue(ctx context.Context, key string) error {
	if err := rc.client.Del(ctx, rc.valueKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete cached value: %w", err)
	}
	return nil
}

// Close closes the underlying client when it owns one.
func (rc *RedisCache) Close() error {
	if rc.closer != nil {
		return rc.closer.Close()
	}
	return nil
}

func reservationFromFields(fields map[string]string) (*models.Reservation, error) {
	amount, err := strconv.ParseInt(fields["amount"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse reserved amount: %w", err)
	}
	expiresMs, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse reservation expiry: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse reservation creation time: %w", err)
	}

	res := &models.Reservation{
		OperationID: fields["operation_id"],
		UserID:      fields["user_id"],
		Service:     fields["service"],
		Amount:      amount,
		Status:      fields["status"],
		CreatedAt:   createdAt,
		ExpiresAt:   time.UnixMilli(expiresMs).UTC(),
	}
	if raw, ok := fields["consumed_at"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			res.ConsumedAt = &t
		}
	}
	if raw, ok := fields["cancelled_at"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			res.CancelledAt = &t
		}
	}
	return res, nil
}
