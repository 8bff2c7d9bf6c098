package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cafgpt/cafgpt/pkg/models"
)

// consumeScript checks both windows and increments them only when neither
// is exhausted. A window key expires duration after its first hit, which
// gives the same fixed-window semantics as MemoryStore.
//
// Returns {scope, hourlyCount, hourlyTTLms, dailyCount, dailyTTLms} where
// scope is 0 (allowed), 1 (hourly) or 2 (daily).
var consumeScript = redis.NewScript(`
local function bump(key, ms)
  local n = redis.call('INCR', key)
  if n == 1 then redis.call('PEXPIRE', key, ms) end
  return n
end
local h = tonumber(redis.call('GET', KEYS[1]) or '0')
local d = tonumber(redis.call('GET', KEYS[2]) or '0')
local scope = 0
if h >= tonumber(ARGV[1]) then
  scope = 1
elseif d >= tonumber(ARGV[2]) then
  scope = 2
end
if scope == 0 then
  h = bump(KEYS[1], ARGV[3])
  d = bump(KEYS[2], ARGV[4])
end
return {scope, h, redis.call('PTTL', KEYS[1]), d, redis.call('PTTL', KEYS[2])}
`)

// RedisStore keeps windows in Redis so several replicas share quotas.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "ratelimit"}, nil
}

func (s *RedisStore) keys(key string) []string {
	return []string{
		fmt.Sprintf("%s:%s:hourly", s.prefix, key),
		fmt.Sprintf("%s:%s:daily", s.prefix, key),
	}
}

// CheckAndConsume implements Store.
func (s *RedisStore) CheckAndConsume(ctx context.Context, key string, limits Limits, now time.Time) (Decision, error) {
	res, err := consumeScript.Run(ctx, s.client, s.keys(key),
		limits.Hourly, limits.Daily, HourWindow.Milliseconds(), DayWindow.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis consume: %w", err)
	}
	if len(res) != 5 {
		return Decision{}, fmt.Errorf("redis consume: unexpected reply length %d", len(res))
	}

	st := models.RateLimitStatus{
		Hourly: redisStatus(limits.Hourly, res[1], res[2], now, HourWindow),
		Daily:  redisStatus(limits.Daily, res[3], res[4], now, DayWindow),
	}
	switch res[0] {
	case 1:
		return Decision{Scope: ScopeHourly, RetryAfter: st.Hourly.ResetAt.Sub(now), Status: st}, nil
	case 2:
		return Decision{Scope: ScopeDaily, RetryAfter: st.Daily.ResetAt.Sub(now), Status: st}, nil
	default:
		return Decision{Allowed: true, Status: st}, nil
	}
}

// Remaining implements Store.
func (s *RedisStore) Remaining(ctx context.Context, key string, limits Limits, now time.Time) (models.RateLimitStatus, error) {
	keys := s.keys(key)
	pipe := s.client.Pipeline()
	hc := pipe.Get(ctx, keys[0])
	ht := pipe.PTTL(ctx, keys[0])
	dc := pipe.Get(ctx, keys[1])
	dt := pipe.PTTL(ctx, keys[1])
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return models.RateLimitStatus{}, fmt.Errorf("redis status: %w", err)
	}

	hcount, _ := hc.Int64()
	dcount, _ := dc.Int64()
	return models.RateLimitStatus{
		Hourly: redisStatus(limits.Hourly, hcount, ht.Val().Milliseconds(), now, HourWindow),
		Daily:  redisStatus(limits.Daily, dcount, dt.Val().Milliseconds(), now, DayWindow),
	}, nil
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func redisStatus(limit int, count, ttlMs int64, now time.Time, d time.Duration) models.WindowStatus {
	if count <= 0 || ttlMs <= 0 {
		return models.WindowStatus{Limit: limit, Remaining: limit, ResetAt: now.Add(d)}
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return models.WindowStatus{
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   now.Add(time.Duration(ttlMs) * time.Millisecond),
	}
}
