package server

import (
	"context"
	"math"
	"net/http"
	"net/netip"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/mawared/internal/payment/webhook"
	"github.com/smallbiznis/mawared/internal/ratelimit"
	"go.uber.org/zap"
)

type ingressLimiter interface {
	Allow(ctx context.Context, source string) (ratelimit.Result, error)
}

// WebhookRateLimit throttles deliveries per client IP. Provider ranges listed
// in WEBHOOK_RATE_LIMIT_EXEMPT_CIDRS are never throttled, and limiter errors
// let the request through.
func (s *Server) WebhookRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil || s.isExempt(c.ClientIP()) {
			c.Next()
			return
		}

		res, err := s.limiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			s.log.Warn("webhook rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}
		if res.Allowed {
			c.Next()
			return
		}

		retryAfter := int(math.Ceil(res.RetryAfter.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.Set("webhook_state", "RATE_LIMITED")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, webhook.Result{
			Success: false,
			Error:   "Too many requests",
			Code:    "rate_limited",
		})
	}
}

func (s *Server) isExempt(clientIP string) bool {
	if len(s.exempt) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range s.exempt {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// parseExemptSources accepts CIDRs and bare addresses; bad entries are logged and skipped.
func parseExemptSources(entries []string, log *zap.Logger) []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, entry := range entries {
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			log.Warn("ignoring invalid rate limit exemption", zap.String("entry", entry))
			continue
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes
}
