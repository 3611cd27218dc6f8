package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestLimiter(store CountingStore) (*Limiter, *time.Time) {
	l := NewLimiter(store, "test", zerolog.Nop())
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestCheckSlidingWindow(t *testing.T) {
	l, now := newTestLimiter(NewMemoryCountingStore())
	ctx := context.Background()
	start := *now

	for i := 0; i < 3; i++ {
		*now = start.Add(time.Duration(i) * time.Second)
		if !l.Check(ctx, "u1", 3, time.Minute) {
			t.Fatalf("call at t=%d should be allowed", i)
		}
	}

	*now = start.Add(3 * time.Second)
	if l.Check(ctx, "u1", 3, time.Minute) {
		t.Fatal("fourth call inside window should be rejected")
	}

	// Window slid past t=0, freeing one slot.
	*now = start.Add(61 * time.Second)
	if !l.Check(ctx, "u1", 3, time.Minute) {
		t.Fatal("call after window elapsed should be allowed")
	}
}

func TestCheckConcurrentNeverOverAdmits(t *testing.T) {
	l := NewLimiter(NewMemoryCountingStore(), "test", zerolog.Nop())
	ctx := context.Background()

	const limit = 5
	const callers = 50

	var accepted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check(ctx, "u1", limit, time.Minute) {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	// Add-then-verify may over-reject a borderline caller under race, but
	// the accepted count must never exceed the limit.
	if got := accepted.Load(); got > limit {
		t.Fatalf("%d calls accepted, limit is %d", got, limit)
	}

	count, err := l.store.Count(ctx, l.key("u1"))
	if err != nil {
		t.Fatalf("Count err: %v", err)
	}
	if count > limit {
		t.Fatalf("%d events left recorded, limit is %d", count, limit)
	}
}

func TestCheckSubjectsIndependent(t *testing.T) {
	l, _ := newTestLimiter(NewMemoryCountingStore())
	ctx := context.Background()

	if !l.Check(ctx, "u1", 1, time.Minute) {
		t.Fatal("first subject should be allowed")
	}
	if l.Check(ctx, "u1", 1, time.Minute) {
		t.Fatal("first subject should now be over limit")
	}
	if !l.Check(ctx, "u2", 1, time.Minute) {
		t.Fatal("second subject must not share the first subject's window")
	}
}

func TestRemainingQuotaDoesNotRecord(t *testing.T) {
	l, _ := newTestLimiter(NewMemoryCountingStore())
	ctx := context.Background()

	l.Check(ctx, "u1", 5, time.Minute)

	for i := 0; i < 3; i++ {
		quota := l.RemainingQuota(ctx, "u1", 5, time.Minute)
		if quota.Used != 1 {
			t.Fatalf("expected used=1, got %d", quota.Used)
		}
		if quota.Remaining != 4 {
			t.Fatalf("expected remaining=4, got %d", quota.Remaining)
		}
	}
}

func TestQuotaResetIn(t *testing.T) {
	l, now := newTestLimiter(NewMemoryCountingStore())
	ctx := context.Background()
	start := *now

	l.Check(ctx, "u1", 3, time.Minute)

	*now = start.Add(20 * time.Second)
	quota := l.RemainingQuota(ctx, "u1", 3, time.Minute)
	if quota.ResetIn != 40*time.Second {
		t.Fatalf("expected reset in 40s, got %s", quota.ResetIn)
	}
}

func TestReset(t *testing.T) {
	l, _ := newTestLimiter(NewMemoryCountingStore())
	ctx := context.Background()

	if !l.Check(ctx, "u1", 1, time.Minute) {
		t.Fatal("first call should be allowed")
	}
	if err := l.Reset(ctx, "u1"); err != nil {
		t.Fatalf("Reset err: %v", err)
	}
	if !l.Check(ctx, "u1", 1, time.Minute) {
		t.Fatal("call after reset should be allowed")
	}
}

type failingStore struct{}

func (failingStore) Add(context.Context, string, string, int64) error  { return errors.New("down") }
func (failingStore) Remove(context.Context, string, string) error     { return errors.New("down") }
func (failingStore) RemoveByScoreRange(context.Context, string, int64, int64) error {
	return errors.New("down")
}
func (failingStore) Count(context.Context, string) (int64, error) { return 0, errors.New("down") }
func (failingStore) OldestScore(context.Context, string) (int64, bool, error) {
	return 0, false, errors.New("down")
}
func (failingStore) Expire(context.Context, string, time.Duration) error { return errors.New("down") }
func (failingStore) Delete(context.Context, string) error                { return errors.New("down") }

func TestCheckFailsOpen(t *testing.T) {
	l, _ := newTestLimiter(failingStore{})

	if !l.Check(context.Background(), "u1", 1, time.Minute) {
		t.Fatal("store failure must fail open, not block traffic")
	}
}

func TestMessageLimiterCategoriesIndependent(t *testing.T) {
	l, _ := newTestLimiter(NewMemoryCountingStore())
	ml := NewMessageLimiter(l, map[Category]Rule{
		CategoryMessage:     {Limit: 1, Window: time.Minute},
		CategoryStreamStart: {Limit: 1, Window: time.Minute},
	})
	ctx := context.Background()

	if !ml.Allow(ctx, "u1", CategoryMessage) {
		t.Fatal("first message should be allowed")
	}
	if ml.Allow(ctx, "u1", CategoryMessage) {
		t.Fatal("second message should be rejected")
	}
	if !ml.Allow(ctx, "u1", CategoryStreamStart) {
		t.Fatal("stream start budget must be independent of messages")
	}
}

func TestIPLimiterBan(t *testing.T) {
	l, _ := newTestLimiter(NewMemoryCountingStore())
	flags := NewMemoryFlagStore()
	clock := time.Unix(1_700_000_000, 0)
	flags.now = func() time.Time { return clock }

	ip := NewIPLimiter(l, flags, 100, time.Minute, zerolog.Nop())
	ctx := context.Background()

	if !ip.Allow(ctx, "10.0.0.1") {
		t.Fatal("fresh ip should be allowed")
	}

	if err := ip.Ban(ctx, "10.0.0.1", time.Hour); err != nil {
		t.Fatalf("Ban err: %v", err)
	}
	if ip.Allow(ctx, "10.0.0.1") {
		t.Fatal("banned ip must be rejected regardless of budget")
	}
	if !ip.IsBanned(ctx, "10.0.0.1") {
		t.Fatal("IsBanned should report the flag")
	}

	clock = clock.Add(2 * time.Hour)
	if ip.IsBanned(ctx, "10.0.0.1") {
		t.Fatal("ban should expire with its TTL")
	}
}
