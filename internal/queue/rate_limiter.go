package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Token bucket per campaign. Capacity equals one minute of budget and the
// bucket refills continuously. Grants at most ARGV[2] whole tokens.
const takeTokensLuaScript = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local want = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
    tokens = rate
    ts = now
end
if now > ts then
    tokens = math.min(rate, tokens + (now - ts) * rate / 60000)
    ts = now
end

local granted = math.floor(tokens)
if granted > want then
    granted = want
end
if granted < 0 then
    granted = 0
end
tokens = tokens - granted

redis.call("HSET", key, "tokens", tostring(tokens), "ts", tostring(ts))
redis.call("PEXPIRE", key, 120000)
return granted
`

// RateLimiter enforces each campaign's send-rate ceiling across workers.
type RateLimiter struct {
	redis      *redis.Client
	takeScript *redis.Script
}

// NewRateLimiter creates a rate limiter with pre-compiled Lua scripts
func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{
		redis:      client,
		takeScript: redis.NewScript(takeTokensLuaScript),
	}
}

func bucketKey(campaignID string) string {
	return fmt.Sprintf("ratelimit:campaign:{%s}", campaignID)
}

// Take grants up to want tokens for a campaign limited to perMinute sends.
// A non-positive perMinute is unthrottled.
func (r *RateLimiter) Take(ctx context.Context, campaignID string, perMinute, want int, now time.Time) (int, error) {
	if want <= 0 {
		return 0, nil
	}
	if perMinute <= 0 {
		return want, nil
	}
	n, err := r.takeScript.Run(ctx, r.redis, []string{bucketKey(campaignID)},
		perMinute, want, now.UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("rate limit take: %w", err)
	}
	return n, nil
}

// Reset forgets a campaign's bucket.
func (r *RateLimiter) Reset(ctx context.Context, campaignID string) error {
	return r.redis.Del(ctx, bucketKey(campaignID)).Err()
}
