package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// FlagStore holds always-on boolean flags with an explicit TTL, used for IP
// bans. A ban is not a sliding window: it stays set until the TTL elapses.
type FlagStore interface {
	SetFlag(ctx context.Context, key string, ttl time.Duration) error
	HasFlag(ctx context.Context, key string) (bool, error)
	ClearFlag(ctx context.Context, key string) error
}

// IPLimiter combines a per-IP sliding window with a ban flag.
type IPLimiter struct {
	limiter *Limiter
	flags   FlagStore
	limit   int
	window  time.Duration
	log     zerolog.Logger
}

// NewIPLimiter builds an IP limiter with the given request budget.
func NewIPLimiter(limiter *Limiter, flags FlagStore, limit int, window time.Duration, log zerolog.Logger) *IPLimiter {
	return &IPLimiter{
		limiter: limiter,
		flags:   flags,
		limit:   limit,
		window:  window,
		log:     log.With().Str("component", "ratelimit.ip").Logger(),
	}
}

func banKey(ip string) string { return "ban:" + ip }

// Allow reports whether the IP is both unbanned and under its request budget.
func (l *IPLimiter) Allow(ctx context.Context, ip string) bool {
	if l.IsBanned(ctx, ip) {
		return false
	}
	return l.limiter.Check(ctx, ip, l.limit, l.window)
}

// Quota reports the IP's remaining request budget.
func (l *IPLimiter) Quota(ctx context.Context, ip string) Quota {
	return l.limiter.RemainingQuota(ctx, ip, l.limit, l.window)
}

// Ban flags the IP for the given duration.
func (l *IPLimiter) Ban(ctx context.Context, ip string, duration time.Duration) error {
	l.log.Info().Str("ip", ip).Dur("duration", duration).Msg("banning ip")
	return l.flags.SetFlag(ctx, banKey(ip), duration)
}

// Unban clears the flag before its TTL elapses.
func (l *IPLimiter) Unban(ctx context.Context, ip string) error {
	return l.flags.ClearFlag(ctx, banKey(ip))
}

// IsBanned checks the ban flag. Store failure fails open to unbanned.
func (l *IPLimiter) IsBanned(ctx context.Context, ip string) bool {
	banned, err := l.flags.HasFlag(ctx, banKey(ip))
	if err != nil {
		l.log.Warn().Err(err).Str("ip", ip).Msg("flag store unavailable, failing open")
		return false
	}
	return banned
}
