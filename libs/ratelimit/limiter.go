package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Limiter is a fixed-window counter keyed by caller.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error)
}

// KeyFunc picks the bucket for a request; "" skips limiting.
type KeyFunc func(c *gin.Context) string

// Operation separates the windows a caller draws from.
type Operation string

const (
	OperationPlace Operation = "place"
	OperationAmend Operation = "amend"
)

// ByOperation prefixes the caller key with op, so placing orders and amending
// them are counted apart.
func ByOperation(op Operation, key KeyFunc) KeyFunc {
	return func(c *gin.Context) string {
		k := key(c)
		if k == "" {
			return ""
		}
		return string(op) + ":" + k
	}
}

// Middleware rejects requests over the limit with 429. Limiter errors fail open.
func Middleware(limiter Limiter, key KeyFunc, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		k := key(c)
		if limiter == nil || k == "" {
			c.Next()
			return
		}

		allowed, retryAfter, err := limiter.Allow(c.Request.Context(), k, time.Now())
		if err != nil {
			logger.Warn("rate limiter unavailable", "error", err)
			c.Next()
			return
		}
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"code":    "RATE_LIMITED",
				"message": "too many requests",
			})
			return
		}
		c.Next()
	}
}
