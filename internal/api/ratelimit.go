package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"medchat/internal/auth"
)

const rateLimitLuaScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

local bucket = redis.call('HMGET', key, 'tokens', 'updated_at')
local tokens = tonumber(bucket[1])
local updated_at = tonumber(bucket[2])

if tokens == nil or updated_at == nil then
    tokens = capacity
    updated_at = now
end

local elapsed = math.max(0, now - updated_at)
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
local retry_after = 0
if tokens >= requested then
    tokens = tokens - requested
    allowed = 1
else
    retry_after = (requested - tokens) / rate
end

redis.call('HSET', key, 'tokens', tokens, 'updated_at', now)
redis.call('EXPIRE', key, 3600)

return {allowed, math.floor(tokens), math.ceil(retry_after)}
`

// ScriptRunner evaluates a Lua script atomically; the redis client satisfies it.
type ScriptRunner interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// RateLimit is a per-user token bucket kept in redis: capacity 2*qps,
// refilled at qps tokens per second. Requests pass when the bucket cannot be
// consulted.
func RateLimit(runner ScriptRunner, qps int, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	if qps <= 0 {
		qps = 1
	}
	capacity := 2 * qps
	return func(c *gin.Context) {
		key := "rate_limit:ip:" + c.ClientIP()
		if userID, ok := auth.UserIDFromContext(c); ok {
			key = "rate_limit:user:" + strconv.FormatInt(userID, 10)
		}
		now := float64(time.Now().UnixNano()) / 1e9

		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		result, err := runner.Eval(ctx, rateLimitLuaScript, []string{key}, capacity, float64(qps), now, 1)
		cancel()
		if err != nil {
			logger.Warn("rate limit unavailable, allowing request", "key", key, "err", err)
			c.Next()
			return
		}

		allowed, remaining, retryAfter := parseBucketResult(result, capacity)
		c.Header("X-RateLimit-Limit", strconv.Itoa(capacity))
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"msg": "Too many requests, slow down"})
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Next()
	}
}

// parseBucketResult reads {allowed, remaining, retry_after}. Anything
// unexpected counts as allowed.
func parseBucketResult(result interface{}, capacity int) (bool, int, int) {
	arr, ok := result.([]interface{})
	if !ok || len(arr) < 3 {
		return true, capacity, 0
	}
	allowed, remaining, retryAfter := int64(1), int64(capacity), int64(0)
	if v, ok := arr[0].(int64); ok {
		allowed = v
	}
	if v, ok := arr[1].(int64); ok {
		remaining = v
	}
	if v, ok := arr[2].(int64); ok {
		retryAfter = v
	}
	return allowed == 1, int(remaining), int(retryAfter)
}
