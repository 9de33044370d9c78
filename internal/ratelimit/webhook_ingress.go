package ratelimit

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/mawared/internal/config"
)

const keyWebhookIngress = "mawared:ratelimit:webhook:"

// IngressLimiter throttles webhook deliveries per source address.
// A nil limiter allows everything.
type IngressLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

// NewIngressLimiter returns nil when Redis or a positive rate is not configured.
func NewIngressLimiter(client *redis.Client, cfg config.Config) *IngressLimiter {
	if client == nil || cfg.WebhookRateLimitRPS <= 0 || cfg.WebhookRateLimitBurst <= 0 {
		return nil
	}
	return &IngressLimiter{
		bucket: NewTokenBucket(client),
		rate:   cfg.WebhookRateLimitRPS,
		burst:  cfg.WebhookRateLimitBurst,
	}
}

func (l *IngressLimiter) Allow(ctx context.Context, source string) (Result, error) {
	if l == nil {
		return Result{Allowed: true}, nil
	}
	source = strings.TrimSpace(source)
	if source == "" {
		source = "unknown"
	}
	return l.bucket.Allow(ctx, keyWebhookIngress+source, l.rate, l.burst)
}
