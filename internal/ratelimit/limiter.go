// Package ratelimit throttles user actions with Redis INCR + EXPIRE fixed
// windows. It fails open: a Redis outage never blocks traffic.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Rule is a limit of Limit actions per Window, counted under Key+identifier.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RuleMessage allows 5 messages per 10 seconds per user.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 5, Window: 10 * time.Second}

	// RuleMatch allows 10 find-match requests per minute per user.
	RuleMatch = Rule{Key: "rl:match:", Limit: 10, Window: time.Minute}
)

// Decision is the outcome of Allow. RetryAfter is set when not allowed.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter performs rate limit checks. A nil *Limiter allows everything.
type Limiter struct {
	client *redis.Client
	logger *zap.Logger
}

// NewLimiter creates a Limiter on client.
func NewLimiter(client *redis.Client, logger *zap.Logger) *Limiter {
	return &Limiter{client: client, logger: logger.Named("ratelimit")}
}

// Allow counts one action by identifier against rule.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) Decision {
	if l == nil {
		return Decision{Allowed: true}
	}
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("redis INCR failed, failing open", zap.String("key", key), zap.Error(err))
		return Decision{Allowed: true}
	}

	// The first increment opens the window.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.logger.Warn("redis EXPIRE failed, failing open", zap.String("key", key), zap.Error(err))
			// A key without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return Decision{Allowed: true}
		}
	}

	if int(count) <= rule.Limit {
		return Decision{Allowed: true}
	}

	retry, err := l.client.PTTL(ctx, key).Result()
	if err != nil || retry <= 0 {
		retry = rule.Window
	}
	return Decision{Allowed: false, RetryAfter: retry}
}

// Remaining returns how many actions identifier has left in the current
// window, or the full limit on error.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) int {
	if l == nil {
		return rule.Limit
	}
	count, err := l.client.Get(ctx, rule.Key+identifier).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit
	}
	if err != nil {
		l.logger.Warn("redis GET failed, failing open", zap.String("key", rule.Key+identifier), zap.Error(err))
		return rule.Limit
	}
	return max(rule.Limit-count, 0)
}
