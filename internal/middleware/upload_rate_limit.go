package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/thw/backend/internal/config"
)

// UploadRateLimit caps the number of multipart upload requests per client IP
// and day. Redis errors never block an upload.
func UploadRateLimit(redisClient *redis.Client, cfg *config.Config, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		// Only requests carrying files count
		if c.Request.Method == http.MethodGet || !strings.HasPrefix(c.ContentType(), "multipart/form-data") {
			c.Next()
			return
		}
		if cfg.UploadMaxPerDay <= 0 {
			c.Next()
			return
		}
		if err := redisAvailable(ctx, redisClient); err != nil {
			log.Warn("redis not available for upload limiting", "error", err)
			c.Next()
			return
		}

		// Rate limit key: upload_limit:{ip}:{date}
		// Resets daily at midnight for predictable behavior
		today := time.Now().Format("2006-01-02")
		key := fmt.Sprintf("upload_limit:%s:%s", c.ClientIP(), today)

		count, err := redisClient.Get(ctx, key).Int()
		if err == redis.Nil {
			now := time.Now()
			midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
			if err := redisClient.Set(ctx, key, 1, midnight.Sub(now)).Err(); err != nil {
				log.Warn("upload limiter failed to set key", "error", err)
			}
			c.Next()
			return
		} else if err != nil {
			log.Warn("upload limiter failed to get key", "error", err)
			c.Next()
			return
		} else if count >= cfg.UploadMaxPerDay {
			ttl, _ := redisClient.TTL(ctx, key).Result()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success":             false,
				"message":             "Too many uploads today. Please try again tomorrow.",
				"error":               "upload_rate_limit_exceeded",
				"retry_after_hours":   int(ttl.Hours()),
				"uploads_today":       count,
				"max_uploads_per_day": cfg.UploadMaxPerDay,
			})
			return
		}

		redisClient.Incr(ctx, key)
		c.Next()
	}
}
