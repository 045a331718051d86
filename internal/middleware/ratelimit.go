package middleware

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// LoginRateLimit applies a fixed-window per-IP limit to the login endpoint.
// With a nil redis client the middleware is a no-op: a missing cache must not
// take authentication down with it.
func LoginRateLimit(redisClient *redis.Client, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if redisClient == nil || limit <= 0 {
			c.Next()
			return
		}

		windowKey := time.Now().Unix() / int64(window.Seconds())
		key := fmt.Sprintf("bikely:ratelimit:login:%s:%d", c.ClientIP(), windowKey)

		count, err := redisClient.Incr(c.Request.Context(), key).Result()
		if err != nil {
			// Degraded cache: let the request through
			log.Printf("[RateLimit] Redis error, allowing request: %v", err)
			c.Next()
			return
		}
		if count == 1 {
			redisClient.Expire(c.Request.Context(), key, window)
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		remaining := int64(limit) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > int64(limit) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
