package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryEvent struct {
	member string
	score  int64
}

// MemoryCountingStore is a mutex-guarded CountingStore for tests and
// single-process deployments without Redis.
type MemoryCountingStore struct {
	mu   sync.Mutex
	sets map[string][]memoryEvent
}

var _ CountingStore = (*MemoryCountingStore)(nil)

// NewMemoryCountingStore returns an empty in-memory counting store.
func NewMemoryCountingStore() *MemoryCountingStore {
	return &MemoryCountingStore{sets: make(map[string][]memoryEvent)}
}

func (m *MemoryCountingStore) Add(_ context.Context, key, member string, score int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := append(m.sets[key], memoryEvent{member: member, score: score})
	sort.Slice(events, func(i, j int) bool { return events[i].score < events[j].score })
	m.sets[key] = events
	return nil
}

func (m *MemoryCountingStore) Remove(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.sets[key]
	for i, ev := range events {
		if ev.member == member {
			m.sets[key] = append(events[:i], events[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MemoryCountingStore) RemoveByScoreRange(_ context.Context, key string, min, max int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.sets[key]
	kept := events[:0]
	for _, ev := range events {
		if ev.score < min || ev.score > max {
			kept = append(kept, ev)
		}
	}
	m.sets[key] = kept
	return nil
}

func (m *MemoryCountingStore) Count(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.sets[key])), nil
}

func (m *MemoryCountingStore) OldestScore(_ context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.sets[key]
	if len(events) == 0 {
		return 0, false, nil
	}
	return events[0].score, true, nil
}

// Expire is a no-op: in-memory windows are pruned lazily by score on every
// check, so there is nothing to reap.
func (m *MemoryCountingStore) Expire(_ context.Context, _ string, _ time.Duration) error {
	return nil
}

func (m *MemoryCountingStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sets, key)
	return nil
}

// MemoryFlagStore is a mutex-guarded FlagStore with wall-clock TTLs.
type MemoryFlagStore struct {
	mu    sync.Mutex
	flags map[string]time.Time
	now   func() time.Time
}

var _ FlagStore = (*MemoryFlagStore)(nil)

// NewMemoryFlagStore returns an empty in-memory flag store.
func NewMemoryFlagStore() *MemoryFlagStore {
	return &MemoryFlagStore{flags: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryFlagStore) SetFlag(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[key] = m.now().Add(ttl)
	return nil
}

func (m *MemoryFlagStore) HasFlag(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expiry, ok := m.flags[key]
	if !ok {
		return false, nil
	}
	if m.now().After(expiry) {
		delete(m.flags, key)
		return false, nil
	}
	return true, nil
}

func (m *MemoryFlagStore) ClearFlag(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.flags, key)
	return nil
}
