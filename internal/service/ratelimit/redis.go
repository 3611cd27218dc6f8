package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCountingStore implements CountingStore on a Redis sorted set.
type RedisCountingStore struct {
	client *redis.Client
}

var _ CountingStore = (*RedisCountingStore)(nil)

// NewRedisCountingStore wraps an existing Redis client.
func NewRedisCountingStore(client *redis.Client) *RedisCountingStore {
	return &RedisCountingStore{client: client}
}

func (r *RedisCountingStore) Add(ctx context.Context, key, member string, score int64) error {
	return r.client.ZAdd(ctx, key, redis.Z{Score: float64(score), Member: member}).Err()
}

func (r *RedisCountingStore) Remove(ctx context.Context, key, member string) error {
	return r.client.ZRem(ctx, key, member).Err()
}

func (r *RedisCountingStore) RemoveByScoreRange(ctx context.Context, key string, min, max int64) error {
	return r.client.ZRemRangeByScore(ctx, key,
		strconv.FormatInt(min, 10), strconv.FormatInt(max, 10)).Err()
}

func (r *RedisCountingStore) Count(ctx context.Context, key string) (int64, error) {
	return r.client.ZCard(ctx, key).Result()
}

func (r *RedisCountingStore) OldestScore(ctx context.Context, key string) (int64, bool, error) {
	entries, err := r.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return 0, false, err
	}
	if len(entries) == 0 {
		return 0, false, nil
	}
	return int64(entries[0].Score), true, nil
}

func (r *RedisCountingStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

func (r *RedisCountingStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// RedisFlagStore implements FlagStore with plain TTL keys.
type RedisFlagStore struct {
	client *redis.Client
}

var _ FlagStore = (*RedisFlagStore)(nil)

// NewRedisFlagStore wraps an existing Redis client.
func NewRedisFlagStore(client *redis.Client) *RedisFlagStore {
	return &RedisFlagStore{client: client}
}

func (r *RedisFlagStore) SetFlag(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Set(ctx, key, "1", ttl).Err()
}

func (r *RedisFlagStore) HasFlag(ctx context.Context, key string) (bool, error) {
	count, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *RedisFlagStore) ClearFlag(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}
