// Package ratelimit implements the per-recipient send-rate capability on
// Redis. Work over the limit is deferred with a retry-after hint, never
// dropped.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Scope is the key against which send rate is measured.
type Scope struct {
	Kind    string // "user" or "company"
	ID      string
	Channel string
}

func (s Scope) key(window time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%s:%s:%d", s.Kind, s.ID, s.Channel, window.Unix())
}

// Decision answers "may this scope send now".
type Decision struct {
	Allowed    bool
	RetryAfter time.Time
}

// Config bounds sends per scope per window.
type Config struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// Limiter is a fixed-window counter over Redis. Check never records usage;
// RecordUsage is a separate call made only after a successful send.
type Limiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

func NewLimiter(client *redis.Client, cfg Config) *Limiter {
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	return &Limiter{
		client: client,
		limit:  cfg.Limit,
		window: cfg.Window,
	}
}

// Check reports whether the scope may send now. A Redis outage fails open:
// blocking every outbound message on the limiter's availability is worse
// than briefly exceeding a quota.
func (l *Limiter) Check(ctx context.Context, scope Scope) (*Decision, error) {
	windowStart := time.Now().Truncate(l.window)

	count, err := l.client.Get(ctx, scope.key(windowStart)).Int()
	if err == redis.Nil {
		count = 0
	} else if err != nil {
		return &Decision{Allowed: true}, nil
	}

	if count >= l.limit {
		return &Decision{
			Allowed:    false,
			RetryAfter: windowStart.Add(l.window),
		}, nil
	}
	return &Decision{Allowed: true}, nil
}

// RecordUsage counts one successful send against the scope's window.
func (l *Limiter) RecordUsage(ctx context.Context, scope Scope) error {
	windowStart := time.Now().Truncate(l.window)
	key := scope.key(windowStart)

	pipe := l.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record rate limit usage: %w", err)
	}
	return nil
}
