package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/newsletter-service/internal/config"
	"github.com/ignite/newsletter-service/internal/pkg/logger"
)

// RateLimiter throttles outbound sends with atomic Redis Lua scripts. A
// GET → check → INCR sequence races across pool instances; running the whole
// decision server-side does not.
type RateLimiter struct {
	redis *redis.Client

	perSecond int
	perMinute int
	perDay    int

	script *redis.Script
}

// The script checks every window before incrementing any of them, so a batch
// either consumes budget in all three windows or in none. A limit of zero or
// below disables that window entirely.
const sendLimitLuaScript = `
local secondKey = KEYS[1]
local minuteKey = KEYS[2]
local dailyKey = KEYS[3]
local increment = tonumber(ARGV[1])
local secondLimit = tonumber(ARGV[2])
local minuteLimit = tonumber(ARGV[3])
local dailyLimit = tonumber(ARGV[4])
local secondTTL = tonumber(ARGV[5])
local minuteTTL = tonumber(ARGV[6])
local dailyTTL = tonumber(ARGV[7])

local secCurrent = tonumber(redis.call("GET", secondKey) or "0")
local minCurrent = tonumber(redis.call("GET", minuteKey) or "0")
local dayCurrent = tonumber(redis.call("GET", dailyKey) or "0")

if secondLimit > 0 and secCurrent + increment > secondLimit then
    return {0, 1, secCurrent}
end
if minuteLimit > 0 and minCurrent + increment > minuteLimit then
    return {0, 2, minCurrent}
end
if dailyLimit > 0 and dayCurrent + increment > dailyLimit then
    return {0, 3, dayCurrent}
end

if secondLimit > 0 then
    local newSec = redis.call("INCRBY", secondKey, increment)
    if newSec == increment then
        redis.call("EXPIRE", secondKey, secondTTL)
    end
end

if minuteLimit > 0 then
    local newMin = redis.call("INCRBY", minuteKey, increment)
    if newMin == increment then
        redis.call("EXPIRE", minuteKey, minuteTTL)
    end
end

local newDay = dayCurrent + increment
if dailyLimit > 0 then
    newDay = redis.call("INCRBY", dailyKey, increment)
    if newDay == increment then
        redis.call("EXPIRE", dailyKey, dailyTTL)
    end
end

return {1, 0, newDay}
`

// NewRateLimiter wraps an existing Redis client with the configured limits.
func NewRateLimiter(client *redis.Client, cfg config.WorkerConfig) *RateLimiter {
	return &RateLimiter{
		redis:     client,
		perSecond: cfg.SendPerSecond,
		perMinute: cfg.SendPerMinute,
		perDay:    cfg.SendPerDay,
		script:    redis.NewScript(sendLimitLuaScript),
	}
}

// NewRateLimiterFromAddr connects to Redis and verifies the connection
// before wrapping it.
func NewRateLimiterFromAddr(addr, password string, db int, cfg config.WorkerConfig) (*RateLimiter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info("rate limiter connected to redis", "addr", addr)
	return NewRateLimiter(client, cfg), nil
}

// ErrDailyLimitExceeded is returned when the day's send budget is spent.
// Waiting out the current second or minute will not help.
var ErrDailyLimitExceeded = fmt.Errorf("daily send limit exceeded")

// CheckAndIncrement tries to reserve budget for n sends. When denied, the
// returned wait is how long to back off before trying again.
func (r *RateLimiter) CheckAndIncrement(ctx context.Context, n int) (allowed bool, wait time.Duration, err error) {
	now := time.Now()

	secondKey := fmt.Sprintf("ratelimit:send:sec:%d", now.Unix())
	minuteKey := fmt.Sprintf("ratelimit:send:min:%d", now.Unix()/60)
	dailyKey := fmt.Sprintf("ratelimit:send:day:%s", now.Format("2006-01-02"))

	result, err := r.script.Run(ctx, r.redis,
		[]string{secondKey, minuteKey, dailyKey},
		n,
		r.perSecond,
		r.perMinute,
		r.perDay,
		2,     // second TTL
		120,   // minute TTL
		90000, // daily TTL, 25 hours
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check failed: %w", err)
	}

	if result[0].(int64) == 1 {
		return true, 0, nil
	}

	switch result[1].(int64) {
	case 1:
		return false, time.Second, nil
	case 2:
		return false, time.Duration(60-now.Second()) * time.Second, nil
	default:
		return false, 0, ErrDailyLimitExceeded
	}
}

// CurrentUsage reports the live counters against their limits.
func (r *RateLimiter) CurrentUsage(ctx context.Context) (map[string]int64, error) {
	now := time.Now()

	secondKey := fmt.Sprintf("ratelimit:send:sec:%d", now.Unix())
	minuteKey := fmt.Sprintf("ratelimit:send:min:%d", now.Unix()/60)
	dailyKey := fmt.Sprintf("ratelimit:send:day:%s", now.Format("2006-01-02"))

	pipe := r.redis.Pipeline()
	secCmd := pipe.Get(ctx, secondKey)
	minCmd := pipe.Get(ctx, minuteKey)
	dayCmd := pipe.Get(ctx, dailyKey)
	pipe.Exec(ctx)

	sec, _ := secCmd.Int64()
	min, _ := minCmd.Int64()
	day, _ := dayCmd.Int64()

	return map[string]int64{
		"second_current": sec,
		"second_limit":   int64(r.perSecond),
		"minute_current": min,
		"minute_limit":   int64(r.perMinute),
		"daily_current":  day,
		"daily_limit":    int64(r.perDay),
	}, nil
}

// Close releases the underlying Redis connection.
func (r *RateLimiter) Close() error {
	return r.redis.Close()
}
