package app

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type RateLimit struct {
	Enabled  bool
	Capacity int
	Every    time.Duration
	Prefix   string
}

var tokenBucket = redis.NewScript(`
	local key = KEYS[1]
	local now_ms = tonumber(ARGV[1])
	local capacity = tonumber(ARGV[2])
	local interval_ms = tonumber(ARGV[3])
	local ttl_seconds = tonumber(ARGV[4])

	local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
	local tokens = tonumber(state[1])
	local last_refill = tonumber(state[2])
	if tokens == nil or last_refill == nil then
		tokens = capacity
		last_refill = now_ms
	end

	local elapsed = math.max(0, now_ms - last_refill)
	local intervals = math.floor(elapsed / interval_ms)
	if intervals > 0 then
		tokens = math.min(capacity, tokens + intervals)
		last_refill = last_refill + (intervals * interval_ms)
	end

	local allowed = 0
	local retry_after_ms = 0
	if tokens > 0 then
		allowed = 1
		tokens = tokens - 1
	else
		retry_after_ms = math.max(0, interval_ms - (now_ms - last_refill))
	end

	redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
	redis.call('EXPIRE', key, ttl_seconds)
	return { allowed, tokens, retry_after_ms }
`)

// RateLimitMiddleware is a per-user, per-route token bucket kept in Redis.
// Requests pass through when Redis is absent or failing.
func RateLimitMiddleware(cfg RateLimit, rdb redis.Scripter, log *slog.Logger) gin.HandlerFunc {
	if !cfg.Enabled || rdb == nil {
		return func(c *gin.Context) { c.Next() }
	}
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.Every <= 0 {
		cfg.Every = time.Second
	}
	ttl := int64(math.Ceil((time.Duration(cfg.Capacity+5) * cfg.Every).Seconds()))

	return func(c *gin.Context) {
		key := rateKey(cfg.Prefix, c)
		vals, err := tokenBucket.Run(c.Request.Context(), rdb, []string{key},
			time.Now().UnixMilli(), cfg.Capacity, cfg.Every.Milliseconds(), ttl).Int64Slice()
		if err != nil || len(vals) != 3 {
			log.WarnContext(c.Request.Context(), "rate limit unavailable", "key", key, "error", err)
			c.Next()
			return
		}
		allowed, remaining, retryMs := vals[0] == 1, vals[1], vals[2]

		c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.Capacity))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		if !allowed {
			secs := int(math.Ceil(float64(retryMs) / 1000))
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": secs,
			})
			return
		}
		c.Next()
	}
}

func rateKey(prefix string, c *gin.Context) string {
	user := currentUser(c)
	if user == "" {
		user = "anon"
	}
	return strings.Join([]string{prefix, "user", user, "route", fmt.Sprintf("%s %s", c.Request.Method, c.FullPath())}, ":")
}
