package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/thw/backend/internal/config"
)

// RateLimiter limits requests per client IP within cfg.RateLimitDuration.
// Without a reachable Redis every request passes.
func RateLimiter(redisClient *redis.Client, cfg *config.Config, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		// If Redis is not available, bypass the rate limiter
		if err := redisAvailable(ctx, redisClient); err != nil {
			log.Warn("redis not available for rate limiting", "error", err)
			c.Next()
			return
		}

		clientIP := c.ClientIP()
		key := fmt.Sprintf("rate_limit:%s", clientIP)

		count, err := redisClient.Get(ctx, key).Int()
		if err == redis.Nil {
			// First request
			if err := redisClient.Set(ctx, key, 1, cfg.RateLimitDuration).Err(); err != nil {
				log.Warn("rate limiter failed to set key", "error", err)
				c.Next()
				return
			}
		} else if err != nil {
			log.Warn("rate limiter failed to get key", "error", err)
			c.Next()
			return
		} else if count >= cfg.RateLimitRequests {
			ttl, _ := redisClient.TTL(ctx, key).Result()
			c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", cfg.RateLimitRequests))
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(ttl).Unix()))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success":     false,
				"message":     "Too many requests",
				"retry_after": ttl.Seconds(),
			})
			return
		} else {
			newCount, _ := redisClient.Incr(ctx, key).Result()
			c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", cfg.RateLimitRequests))
			c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", cfg.RateLimitRequests-int(newCount)))
		}

		c.Next()
	}
}

// pingTimeout bounds the Redis availability check of the limiters.
const pingTimeout = 200 * time.Millisecond

func redisAvailable(ctx context.Context, redisClient *redis.Client) error {
	if redisClient == nil {
		return redis.ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return redisClient.Ping(ctx).Err()
}
