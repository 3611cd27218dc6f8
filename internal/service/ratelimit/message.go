package ratelimit

import (
	"context"
	"time"
)

// Category names one class of inbound traffic with its own budget.
type Category string

const (
	CategoryMessage     Category = "message"
	CategoryStreamStart Category = "stream_start"
	CategoryAttachment  Category = "attachment"
	CategoryReaction    Category = "reaction"
)

// Rule is a (limit, window) pair for one category.
type Rule struct {
	Limit  int
	Window time.Duration
}

// DefaultMessageRules are the out-of-the-box per-category budgets.
func DefaultMessageRules() map[Category]Rule {
	return map[Category]Rule{
		CategoryMessage:     {Limit: 30, Window: time.Minute},
		CategoryStreamStart: {Limit: 10, Window: time.Minute},
		CategoryAttachment:  {Limit: 12, Window: time.Minute},
		CategoryReaction:    {Limit: 60, Window: time.Minute},
	}
}

// MessageLimiter applies distinct budgets per message category, keying the
// underlying sliding window by (subject, category).
type MessageLimiter struct {
	limiter *Limiter
	rules   map[Category]Rule
}

// NewMessageLimiter builds a per-category limiter. Unknown categories fall
// back to the plain message rule.
func NewMessageLimiter(limiter *Limiter, rules map[Category]Rule) *MessageLimiter {
	if len(rules) == 0 {
		rules = DefaultMessageRules()
	}
	return &MessageLimiter{limiter: limiter, rules: rules}
}

func (m *MessageLimiter) rule(category Category) Rule {
	if rule, ok := m.rules[category]; ok {
		return rule
	}
	return m.rules[CategoryMessage]
}

func (m *MessageLimiter) subject(userID string, category Category) string {
	return userID + ":" + string(category)
}

// Allow records one event for the user in the given category if under budget.
func (m *MessageLimiter) Allow(ctx context.Context, userID string, category Category) bool {
	rule := m.rule(category)
	return m.limiter.Check(ctx, m.subject(userID, category), rule.Limit, rule.Window)
}

// Quota reports the user's remaining budget for the category.
func (m *MessageLimiter) Quota(ctx context.Context, userID string, category Category) Quota {
	rule := m.rule(category)
	return m.limiter.RemainingQuota(ctx, m.subject(userID, category), rule.Limit, rule.Window)
}

// Reset clears all category windows for the user.
func (m *MessageLimiter) Reset(ctx context.Context, userID string) error {
	for category := range m.rules {
		if err := m.limiter.Reset(ctx, m.subject(userID, category)); err != nil {
			return err
		}
	}
	return nil
}
