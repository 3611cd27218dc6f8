package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const mirrorKeyPrefix = "conn:"

// RedisMirror persists connection snapshots into Redis with a TTL so they
// can be inspected or reconciled after a process restart.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Mirror = (*RedisMirror)(nil)

// NewRedisMirror wraps an existing Redis client. Entries expire after ttl
// without a heartbeat refresh.
func NewRedisMirror(client *redis.Client, ttl time.Duration) *RedisMirror {
	return &RedisMirror{client: client, ttl: ttl}
}

func (m *RedisMirror) Save(ctx context.Context, info Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode connection info: %w", err)
	}
	return m.client.Set(ctx, mirrorKeyPrefix+info.ID, data, m.ttl).Err()
}

func (m *RedisMirror) Remove(ctx context.Context, connID string) error {
	return m.client.Del(ctx, mirrorKeyPrefix+connID).Err()
}

// Reconcile marks every mirrored entry inactive. Run at process start: the
// sockets behind recovered entries are gone, so a new physical connection is
// always required to become active again.
func (m *RedisMirror) Reconcile(ctx context.Context) (int, error) {
	var reconciled int
	iter := m.client.Scan(ctx, 0, mirrorKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := m.client.Get(ctx, key).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return reconciled, err
		}

		var info Info
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			// Unreadable entry, drop it rather than carry garbage forward.
			m.client.Del(ctx, key)
			continue
		}

		info, rewrite := reconcileEntry(info)
		if !rewrite {
			continue
		}

		updated, err := json.Marshal(info)
		if err != nil {
			return reconciled, err
		}
		if err := m.client.Set(ctx, key, updated, m.ttl).Err(); err != nil {
			return reconciled, err
		}
		reconciled++
	}
	return reconciled, iter.Err()
}

// reconcileEntry returns the post-restart view of a mirrored entry and
// whether it needs rewriting. Sockets never survive a restart, so any entry
// still marked active is stale; a new physical connection is required to
// become active again.
func reconcileEntry(info Info) (Info, bool) {
	if !info.Active {
		return info, false
	}
	info.Active = false
	return info, true
}
