package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "gatewright:idem:"

// checkAndSetScript creates the record iff the key is absent, otherwise
// returns the stored record. Running it server-side makes the
// check-and-set a single indivisible operation across processes.
var checkAndSetScript = redis.NewScript(`
local existing = redis.call("GET", KEYS[1])
if existing then
  return existing
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return false
`)

// finishScript transitions a pending record to a terminal status and
// stamps the status-specific TTL. The original created_at and payload
// hash are preserved; terminal records are never rewritten.
var finishScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
  return 0
end
local rec = cjson.decode(raw)
if rec["status"] ~= "pending" then
  return 0
end
local upd = cjson.decode(ARGV[1])
rec["status"] = upd["status"]
rec["completed_at"] = upd["completed_at"]
rec["result"] = upd["result"]
rec["failure_reason"] = upd["failure_reason"]
redis.call("SET", KEYS[1], cjson.encode(rec), "PX", ARGV[2])
return 1
`)

// RedisStore is a Store backed by Redis, for multi-process deployments
// sharing one idempotency space. TTL enforcement is delegated to Redis
// key expiry, so expired records vanish without a sweeper.
type RedisStore struct {
	client *redis.Client
	ttls   TTLs
	clock  Clock
}

// NewRedisStore connects to the given Redis URL and verifies the
// connection before returning.
func NewRedisStore(url string, ttls TTLs, clock Clock) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("idempotency: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("idempotency: connect redis: %w", err)
	}
	if clock == nil {
		clock = wallClock{}
	}
	return &RedisStore{client: client, ttls: ttls, clock: clock}, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) redisKey(key Key) string { return redisKeyPrefix + key.Generate() }

// CheckAndSet implements Store.
func (s *RedisStore) CheckAndSet(ctx context.Context, key Key, payloadHash string) (CheckResult, error) {
	rec := Record{
		Key:         key.Generate(),
		Status:      StatusPending,
		PayloadHash: payloadHash,
		CreatedAt:   s.clock.Now(),
	}
	payload, err := json.Marshal(&rec)
	if err != nil {
		return CheckResult{}, fmt.Errorf("idempotency: marshal record: %w", err)
	}

	res, err := checkAndSetScript.Run(ctx, s.client,
		[]string{s.redisKey(key)},
		payload, s.ttls.PendingStale.Milliseconds(),
	).Result()
	if err == redis.Nil || res == nil {
		return CheckResult{IsNew: true}, nil
	}
	if err != nil {
		return CheckResult{}, fmt.Errorf("idempotency: check-and-set: %w", err)
	}

	raw, ok := res.(string)
	if !ok {
		return CheckResult{}, fmt.Errorf("idempotency: unexpected script result %T", res)
	}
	var existing Record
	if err := json.Unmarshal([]byte(raw), &existing); err != nil {
		return CheckResult{}, fmt.Errorf("idempotency: unmarshal stored record: %w", err)
	}
	return CheckResult{
		Existing: &existing,
		Conflict: payloadHash != "" && existing.PayloadHash != "" && existing.PayloadHash != payloadHash,
	}, nil
}

// Complete implements Store.
func (s *RedisStore) Complete(ctx context.Context, key Key, result json.RawMessage) error {
	return s.finish(ctx, key, StatusCompleted, result, "")
}

// Fail implements Store.
func (s *RedisStore) Fail(ctx context.Context, key Key, reason string) error {
	return s.finish(ctx, key, StatusFailed, nil, reason)
}

func (s *RedisStore) finish(ctx context.Context, key Key, status Status, result json.RawMessage, reason string) error {
	now := s.clock.Now()
	upd := Record{
		Key:           key.Generate(),
		Status:        status,
		CompletedAt:   &now,
		Result:        result,
		FailureReason: reason,
	}
	payload, err := json.Marshal(&upd)
	if err != nil {
		return fmt.Errorf("idempotency: marshal record: %w", err)
	}

	n, err := finishScript.Run(ctx, s.client,
		[]string{s.redisKey(key)},
		payload, s.ttls.For(status).Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("idempotency: finish: %w", err)
	}
	if n == 0 {
		return ErrNotPending
	}
	return nil
}

// Get returns the stored record for a key, primarily for diagnostics.
func (s *RedisStore) Get(ctx context.Context, key Key) (*Record, error) {
	raw, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("idempotency: unmarshal record: %w", err)
	}
	return &rec, nil
}
