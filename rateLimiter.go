package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/vault_backend/config"
	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window per-client counter in Redis.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, limit: limit, window: window}
}

// rateLimiterFromEnv reads RATE_LIMIT_MAX_REQUESTS (600) and RATE_LIMIT_WINDOW_SECONDS (60).
// The shared Redis client is resolved per request since it connects after the port opens.
func rateLimiterFromEnv() *RateLimiter {
	limit := int64(600)
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}
	windowSec := int64(60)
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			windowSec = n
		}
	}
	return NewRateLimiter(nil, limit, time.Duration(windowSec)*time.Second)
}

func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	client := rl.client
	if client == nil {
		client = config.GetRedisDB()
	}
	if client == nil {
		// No Redis yet: fail open.
		c.Next()
		return
	}
	key := "ratelimit:" + c.ClientIP()
	ctx := c.Request.Context()
	count, err := client.Incr(ctx, key).Result()
	if err != nil {
		_ = c.Error(err)
		c.Next()
		return
	}
	if count == 1 {
		if err := client.Expire(ctx, key, rl.window).Err(); err != nil {
			_ = c.Error(err)
		}
	}
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
			"code":  "RATE_LIMITED",
		})
		return
	}
	c.Next()
}
