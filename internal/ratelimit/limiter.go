// Package ratelimit provides fixed-window and burst admission control
// over the counter store.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Counter TTLs. Buckets are short-lived; an abandoned increment is wasted
// but harmless.
const (
	minuteBucketTTL = 120 * time.Second
	burstBucketTTL  = 2 * time.Second

	// endpointRetryAfter is the fixed backoff for per-endpoint denials.
	endpointRetryAfter = 60
)

// Limiter performs the admission-control state machine:
// burst window, then minute window, then per-endpoint override.
type Limiter struct {
	store  domain.Store
	bus    domain.EventBus
	limits *domain.LimitsHolder

	// now is the clock; overridable in tests.
	now func() time.Time
}

// NewLimiter creates a rate limiter backed by the given store. The bus is
// optional; when present, denials are published for offline analysis.
func NewLimiter(store domain.Store, bus domain.EventBus, limits *domain.LimitsHolder) *Limiter {
	return &Limiter{
		store:  store,
		bus:    bus,
		limits: limits,
		now:    time.Now,
	}
}

// WithNow overrides the limiter clock. Test hook for bucket boundaries.
func (l *Limiter) WithNow(now func() time.Time) {
	l.now = now
}

// Check evaluates the request against all applicable windows.
//
// Burst is checked first and takes priority: a burst denial returns
// retryAfter=1s without consulting the minute window. On store outage the
// limiter fails open when the configured policy allows it.
func (l *Limiter) Check(ctx context.Context, identifier, tier, endpoint string) (domain.RateLimitResult, error) {
	limits := l.limits.Load()
	now := l.now()

	rateLimit, ok := limits.RatePerMinute[tier]
	if !ok {
		rateLimit = limits.RatePerMinute["anonymous"]
	}

	// Burst window: per-second bucket, ceiling by authenticated vs
	// anonymous.
	burstLimit := limits.BurstAnonymous
	if tier != "anonymous" {
		burstLimit = limits.BurstAuthenticated
	}

	burstKey := fmt.Sprintf("burst:%s:%d", identifier, now.Unix())
	burstCount, err := l.store.Increment(ctx, burstKey, burstBucketTTL)
	if err != nil {
		return l.failPolicy(ctx, identifier, rateLimit, now, err)
	}
	if burstCount > burstLimit {
		result := domain.RateLimitResult{
			Allowed:      false,
			CurrentCount: burstCount,
			Limit:        burstLimit,
			ResetAt:      now.Add(time.Second),
			RetryAfter:   1,
		}
		l.publishDenial(ctx, identifier, endpoint, "burst", &result)
		return result, nil
	}

	// Minute window: fixed bucket per identifier and tier.
	minuteBucket := now.Unix() / 60
	resetAt := time.Unix((minuteBucket+1)*60, 0).UTC()

	minuteKey := fmt.Sprintf("rate:%s:%s:%d", identifier, tier, minuteBucket)
	currentCount, err := l.store.Increment(ctx, minuteKey, minuteBucketTTL)
	if err != nil {
		return l.failPolicy(ctx, identifier, rateLimit, now, err)
	}
	if currentCount > rateLimit {
		result := domain.RateLimitResult{
			Allowed:      false,
			CurrentCount: currentCount,
			Limit:        rateLimit,
			ResetAt:      resetAt,
			RetryAfter:   retryAfterSeconds(resetAt, now),
		}
		l.publishDenial(ctx, identifier, endpoint, "minute", &result)
		return result, nil
	}

	// Per-endpoint override: an independent counter for sensitive
	// endpoints. Both tier and endpoint ceilings must pass.
	if endpoint != "" {
		if endpointLimit, ok := limits.EndpointPerMinute[endpoint]; ok {
			endpointKey := fmt.Sprintf("rate:endpoint:%s:%s:%d", identifier, endpoint, minuteBucket)
			endpointCount, err := l.store.Increment(ctx, endpointKey, minuteBucketTTL)
			if err != nil {
				return l.failPolicy(ctx, identifier, rateLimit, now, err)
			}
			if endpointCount > endpointLimit {
				result := domain.RateLimitResult{
					Allowed:      false,
					CurrentCount: endpointCount,
					Limit:        endpointLimit,
					ResetAt:      resetAt,
					RetryAfter:   endpointRetryAfter,
				}
				l.publishDenial(ctx, identifier, endpoint, "endpoint", &result)
				return result, nil
			}
		}
	}

	return domain.RateLimitResult{
		Allowed:      true,
		CurrentCount: currentCount,
		Limit:        rateLimit,
		ResetAt:      resetAt,
	}, nil
}

// failPolicy applies the configured outage policy. Fail-open admits the
// request; fail-closed denies with a short backoff. Only store outages
// land here, never counter overruns.
func (l *Limiter) failPolicy(ctx context.Context, identifier string, limit int64, now time.Time, err error) (domain.RateLimitResult, error) {
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		return domain.RateLimitResult{}, err
	}

	limits := l.limits.Load()
	if limits.RateLimitFailOpen {
		slog.Warn("rate limiter failing open, store unavailable",
			"identifier", shorten(identifier),
			"error", err,
		)
		return domain.RateLimitResult{
			Allowed: true,
			Limit:   limit,
			ResetAt: now.Add(time.Minute),
		}, nil
	}

	slog.Warn("rate limiter failing closed, store unavailable",
		"identifier", shorten(identifier),
		"error", err,
	)
	return domain.RateLimitResult{
		Allowed:    false,
		Limit:      limit,
		ResetAt:    now.Add(time.Second),
		RetryAfter: 1,
	}, nil
}

// publishDenial emits a denial event for offline analysis. Best effort.
func (l *Limiter) publishDenial(ctx context.Context, identifier, endpoint, window string, result *domain.RateLimitResult) {
	if l.bus == nil {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"identifier": shorten(identifier),
		"endpoint":   endpoint,
		"window":     window,
		"count":      result.CurrentCount,
		"limit":      result.Limit,
	})
	if err != nil {
		return
	}
	if err := l.bus.Publish(ctx, domain.TopicRateLimitDenied, payload); err != nil {
		slog.Debug("failed to publish rate limit denial", "error", err)
	}
}

func retryAfterSeconds(resetAt, now time.Time) int {
	secs := int(resetAt.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

func shorten(identifier string) string {
	if len(identifier) > 16 {
		return identifier[:16] + "..."
	}
	return identifier
}
