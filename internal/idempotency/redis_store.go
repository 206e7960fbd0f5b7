package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "idem:"

// completeScript overwrites an in-progress record only while it still exists,
// so a reservation that expired and was taken over is not clobbered.
var completeScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

// RedisStore keeps keys in Redis with native expiry.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisStore creates a store over client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, lockTTL time.Duration) (*Record, bool, error) {
	now := s.now()
	rec := Record{
		Key:         key,
		Fingerprint: fingerprint,
		State:       StateInProgress,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(lockTTL),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, false, err
	}

	// Two attempts cover a record expiring between SETNX and GET.
	for i := 0; i < 2; i++ {
		ok, err := s.client.SetNX(ctx, redisKeyPrefix+key, payload, lockTTL).Result()
		if err != nil {
			return nil, false, fmt.Errorf("redis setnx: %w", err)
		}
		if ok {
			return nil, true, nil
		}
		existing, err := s.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return nil, false, fmt.Errorf("redis reserve %s: contended", key)
}

func (s *RedisStore) Complete(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) error {
	rec, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	now := s.now()
	rec.State = StateCompleted
	rec.Result = result
	rec.UpdatedAt = now
	rec.ExpiresAt = now.Add(ttl)

	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	n, err := completeScript.Run(ctx, s.client, []string{redisKeyPrefix + key}, payload, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis complete: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	rec, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.State != StateInProgress {
		return nil
	}
	return s.client.Del(ctx, redisKeyPrefix+key).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, nil
}
