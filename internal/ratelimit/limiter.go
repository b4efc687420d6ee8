package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/medisync/identity/internal/models"
	"github.com/redis/go-redis/v9"
)

// RateLimitError matches models.ErrTooManyRequests under errors.Is and
// carries how long the caller should wait, read from the counter's TTL.
type RateLimitError struct {
	Action     Action
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many %s requests, retry in %ds", e.Action, int(e.RetryAfter.Seconds()))
}

func (e *RateLimitError) Is(target error) bool {
	return target == models.ErrTooManyRequests
}

// Limiter enforces fixed-window counters per (action, key) on Redis.
// Counters use INCR plus EXPIRE-on-first-hit; the key TTL is the window and
// the only expiry mechanism. Windows under-count near boundaries, which is
// the accepted trade-off of a fixed window.
type Limiter struct {
	redis  redis.UniversalClient
	logger *slog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(redisClient redis.UniversalClient, logger *slog.Logger) *Limiter {
	return &Limiter{redis: redisClient, logger: logger}
}

// Check counts one attempt for (action, key). When the counter was already
// at or over the configured limit before this attempt, it returns a
// *RateLimitError. Redis failures deny the action: a limiter that fails open
// is not a limiter.
func (l *Limiter) Check(ctx context.Context, action Action, key string) error {
	policy, err := l.policyFor(ctx, action)
	if err != nil {
		return err
	}

	counterKey := counterKey(action, key)

	count, err := l.redis.Incr(ctx, counterKey).Result()
	if err != nil {
		l.logger.Error("rate limit counter unavailable, denying",
			slog.String("action", action.String()), slog.Any("error", err))
		return models.ErrTooManyRequests
	}

	if count == 1 {
		if err := l.redis.Expire(ctx, counterKey, policy.Window).Err(); err != nil {
			l.logger.Error("rate limit expire failed, denying",
				slog.String("action", action.String()), slog.Any("error", err))
			return models.ErrTooManyRequests
		}
	}

	if count > int64(policy.Limit) {
		retryAfter, err := l.redis.TTL(ctx, counterKey).Result()
		if err != nil || retryAfter < 0 {
			retryAfter = policy.Window
		}
		return &RateLimitError{Action: action, RetryAfter: retryAfter}
	}

	return nil
}

// Reset unconditionally deletes the counter for (action, key).
func (l *Limiter) Reset(ctx context.Context, action Action, key string) error {
	if err := l.redis.Del(ctx, counterKey(action, key)).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit counter: %w", err)
	}
	return nil
}

// Status is a diagnostic snapshot of one counter.
type Status struct {
	Count     int64         `json:"count"`
	Remaining time.Duration `json:"remaining_window"`
	Limit     int           `json:"limit"`
}

// CurrentStatus reports the counter and remaining window for (action, key)
// without incrementing.
func (l *Limiter) CurrentStatus(ctx context.Context, action Action, key string) (*Status, error) {
	policy, err := l.policyFor(ctx, action)
	if err != nil {
		return nil, err
	}

	counterKey := counterKey(action, key)

	countStr, err := l.redis.Get(ctx, counterKey).Result()
	if errors.Is(err, redis.Nil) {
		return &Status{Count: 0, Remaining: 0, Limit: policy.Limit}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read rate limit counter: %w", err)
	}

	count, err := strconv.ParseInt(countStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt rate limit counter %q: %w", countStr, err)
	}

	ttl, err := l.redis.TTL(ctx, counterKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read rate limit ttl: %w", err)
	}
	if ttl < 0 {
		ttl = 0
	}

	return &Status{Count: count, Remaining: ttl, Limit: policy.Limit}, nil
}

// UpdateConfig persists per-action policy overrides in the durable keyed
// store (a Redis hash per action, no TTL).
func (l *Limiter) UpdateConfig(ctx context.Context, policies map[Action]Policy) error {
	for action, policy := range policies {
		if policy.Limit < 1 || policy.Window < time.Second {
			return fmt.Errorf("invalid policy for %s: limit=%d window=%s", action, policy.Limit, policy.Window)
		}
	}

	for action, policy := range policies {
		err := l.redis.HSet(ctx, configKey(action),
			"limit", policy.Limit,
			"window_seconds", int(policy.Window.Seconds()),
		).Err()
		if err != nil {
			return fmt.Errorf("failed to persist policy for %s: %w", action, err)
		}
	}
	return nil
}

// CurrentConfig returns the effective policy map: durable overrides merged
// over the built-in defaults.
func (l *Limiter) CurrentConfig(ctx context.Context) (map[Action]Policy, error) {
	policies := DefaultPolicies()

	for _, action := range Actions {
		override, err := l.loadOverride(ctx, action)
		if err != nil {
			return nil, err
		}
		if override != nil {
			policies[action] = *override
		}
	}

	return policies, nil
}

func (l *Limiter) policyFor(ctx context.Context, action Action) (Policy, error) {
	override, err := l.loadOverride(ctx, action)
	if err != nil {
		l.logger.Error("rate limit config unavailable, denying",
			slog.String("action", action.String()), slog.Any("error", err))
		return Policy{}, models.ErrTooManyRequests
	}
	if override != nil {
		return *override, nil
	}
	return DefaultPolicies()[action], nil
}

func (l *Limiter) loadOverride(ctx context.Context, action Action) (*Policy, error) {
	fields, err := l.redis.HGetAll(ctx, configKey(action)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read rate limit config: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	limit, err := strconv.Atoi(fields["limit"])
	if err != nil {
		return nil, fmt.Errorf("corrupt rate limit config for %s: %w", action, err)
	}
	windowSeconds, err := strconv.Atoi(fields["window_seconds"])
	if err != nil {
		return nil, fmt.Errorf("corrupt rate limit config for %s: %w", action, err)
	}

	return &Policy{Limit: limit, Window: time.Duration(windowSeconds) * time.Second}, nil
}

func counterKey(action Action, key string) string {
	return "ratelimit:" + action.String() + ":" + key
}

func configKey(action Action) string {
	return "ratelimit:config:" + action.String()
}
