// Package ratelimit bounds request rates with sliding windows kept in an
// ordered-set counting store. Redis backs the store in production; an
// in-memory implementation covers tests and single-process deployments.
package ratelimit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CountingStore is the ordered-set contract the limiter needs. Members are
// event IDs scored by arrival time in unix nanoseconds.
type CountingStore interface {
	Add(ctx context.Context, key, member string, score int64) error
	Remove(ctx context.Context, key, member string) error
	RemoveByScoreRange(ctx context.Context, key string, min, max int64) error
	Count(ctx context.Context, key string) (int64, error)
	OldestScore(ctx context.Context, key string) (score int64, ok bool, err error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Quota is the read-only view of a subject's window.
type Quota struct {
	Used      int           `json:"used"`
	Limit     int           `json:"limit"`
	Remaining int           `json:"remaining"`
	ResetIn   time.Duration `json:"resetIn"`
}

// Limiter implements the sliding-window primitive keyed by subject.
//
// On counting-store failure every operation fails open: the request is
// allowed rather than blocking all traffic. Availability is deliberately
// preferred over strictness here; failures are logged, never swallowed.
type Limiter struct {
	store  CountingStore
	prefix string
	log    zerolog.Logger
	now    func() time.Time
}

// NewLimiter builds a limiter over the given counting store. prefix
// namespaces the store keys so independent limiters can share one store.
func NewLimiter(store CountingStore, prefix string, log zerolog.Logger) *Limiter {
	return &Limiter{
		store:  store,
		prefix: prefix,
		log:    log.With().Str("component", "ratelimit").Logger(),
		now:    time.Now,
	}
}

func (l *Limiter) key(subject string) string {
	return l.prefix + ":" + subject
}

// Check prunes expired events, then records a new one only while the subject
// is under limit. It returns false, without recording, once the window is
// full.
//
// Acceptance is add-then-verify: the event is recorded first and counted
// afterwards, and over-limit additions are rolled back. Under concurrent
// callers this can briefly over-count (rejecting a borderline request) but
// never admits more than limit events per window.
func (l *Limiter) Check(ctx context.Context, subject string, limit int, window time.Duration) bool {
	if limit <= 0 {
		return false
	}

	now := l.now()
	key := l.key(subject)
	// Events scored exactly now-window are still inside the window; the
	// inclusive range prunes strictly older ones only.
	cutoff := now.Add(-window).UnixNano() - 1

	if err := l.store.RemoveByScoreRange(ctx, key, 0, cutoff); err != nil {
		return l.failOpen(subject, err)
	}

	member := uuid.NewString()
	if err := l.store.Add(ctx, key, member, now.UnixNano()); err != nil {
		return l.failOpen(subject, err)
	}

	count, err := l.store.Count(ctx, key)
	if err != nil {
		return l.failOpen(subject, err)
	}

	// Entries self-expire after a full quiet window.
	if err := l.store.Expire(ctx, key, window); err != nil {
		l.log.Warn().Err(err).Str("subject", subject).Msg("failed to arm window expiry")
	}

	if count > int64(limit) {
		if err := l.store.Remove(ctx, key, member); err != nil {
			l.log.Warn().Err(err).Str("subject", subject).Msg("failed to roll back rejected event")
		}
		return false
	}
	return true
}

// RemainingQuota reports the subject's window without recording an event.
func (l *Limiter) RemainingQuota(ctx context.Context, subject string, limit int, window time.Duration) Quota {
	quota := Quota{Limit: limit, Remaining: limit}

	now := l.now()
	key := l.key(subject)
	cutoff := now.Add(-window).UnixNano() - 1

	if err := l.store.RemoveByScoreRange(ctx, key, 0, cutoff); err != nil {
		l.failOpen(subject, err)
		return quota
	}

	count, err := l.store.Count(ctx, key)
	if err != nil {
		l.failOpen(subject, err)
		return quota
	}

	quota.Used = int(count)
	quota.Remaining = limit - quota.Used
	if quota.Remaining < 0 {
		quota.Remaining = 0
	}

	if oldest, ok, err := l.store.OldestScore(ctx, key); err == nil && ok {
		reset := time.Unix(0, oldest).Add(window).Sub(now)
		if reset > 0 {
			quota.ResetIn = reset
		}
	}
	return quota
}

// Reset clears every recorded event for the subject immediately.
func (l *Limiter) Reset(ctx context.Context, subject string) error {
	return l.store.Delete(ctx, l.key(subject))
}

func (l *Limiter) failOpen(subject string, err error) bool {
	l.log.Warn().Err(err).Str("subject", subject).
		Msg("counting store unavailable, failing open")
	return true
}
