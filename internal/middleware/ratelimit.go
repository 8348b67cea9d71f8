package middleware

import (
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	apierrors "github.com/ruvnet/roomsync/internal/errors"
)

// RateLimiter rate-limits the admin HTTP surface per client IP. The
// protocol's own per-connection token bucket (internal/session) is
// separate and guards the WebSocket frame path instead.
type RateLimiter struct {
	mu                sync.Mutex
	limiters          map[string]*rate.Limiter
	requestsPerMinute int
	burst             int
}

// NewRateLimiter builds a RateLimiter allowing requestsPerMinute sustained
// throughput with the given burst capacity, per client IP.
func NewRateLimiter(requestsPerMinute, burst int) *RateLimiter {
	return &RateLimiter{
		limiters:          make(map[string]*rate.Limiter),
		requestsPerMinute: requestsPerMinute,
		burst:             burst,
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if limiter, ok := rl.limiters[key]; ok {
		return limiter
	}
	limiter := rate.NewLimiter(rate.Limit(rl.requestsPerMinute)/60, rl.burst)
	rl.limiters[key] = limiter
	return limiter
}

// RateLimit returns gin middleware enforcing the bucket per client IP.
func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		limiter := rl.getLimiter(c.ClientIP())
		if !limiter.Allow() {
			c.Header("Retry-After", strconv.Itoa(1))
			apiErr := apierrors.New(apierrors.RateLimitExceeded, "too many admin requests")
			c.JSON(apiErr.HTTPStatus(), apiErr)
			c.Abort()
			return
		}
		c.Next()
	}
}
