// Package ratelimit implements per-API-key token-bucket rate limiting over
// three windows (second, minute, day) backed by Redis.
//
// Buckets live entirely in Redis; refill is computed inside an atomic Lua
// script from the elapsed time since the last take, so no background refill
// process exists and any gateway instance sees the same bucket. Redis being
// down fails open: throttling is protection, not a ledger.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and takes from one bucket atomically.
// KEYS[1] = bucket key
// ARGV[1] = capacity (window limit)
// ARGV[2] = refill interval in milliseconds (window size)
// ARGV[3] = now, unix milliseconds
// Returns {1, 0} when allowed, {0, ms_until_next_token} when exhausted.
var tokenBucketScript = redis.NewScript(`
		local capacity = tonumber(ARGV[1])
		local interval = tonumber(ARGV[2])
		local now      = tonumber(ARGV[3])

		local state  = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
		local tokens = tonumber(state[1])
		local ts     = tonumber(state[2])
		if tokens == nil then
			tokens = capacity
			ts = now
		end

		-- Refill from elapsed time, capped at capacity.
		local rate = capacity / interval
		tokens = math.min(capacity, tokens + (now - ts) * rate)

		if tokens < 1 then
			local wait = math.ceil((1 - tokens) / rate)
			redis.call('HMSET', KEYS[1], 'tokens', tokens, 'ts', now)
			redis.call('PEXPIRE', KEYS[1], interval * 2)
			return {0, wait}
		end

		redis.call('HMSET', KEYS[1], 'tokens', tokens - 1, 'ts', now)
		redis.call('PEXPIRE', KEYS[1], interval * 2)
		return {1, 0}
`)

// window is one throttling horizon.
type window struct {
	name string
	size time.Duration
}

var windows = []window{
	{"1s", time.Second},
	{"1m", time.Minute},
	{"1d", 24 * time.Hour},
}

// Limits holds the per-window request budgets for one key. Zero disables a
// window.
type Limits struct {
	PerSecond int
	PerMinute int
	PerDay    int
}

func (l Limits) forWindow(name string) int {
	switch name {
	case "1s":
		return l.PerSecond
	case "1m":
		return l.PerMinute
	default:
		return l.PerDay
	}
}

// Decision is the admission verdict. When not allowed, Window names the
// tightest window that rejected and RetryAfter says when one token is back.
type Decision struct {
	Allowed    bool
	Window     string
	RetryAfter time.Duration
}

// Limiter checks every configured window; all must pass.
type Limiter struct {
	rdb *redis.Client
	log *slog.Logger
}

func New(rdb *redis.Client, log *slog.Logger) *Limiter {
	if log == nil {
		log = slog.Default()
	}
	return &Limiter{rdb: rdb, log: log}
}

// Allow takes one token from every active window's bucket for keyID.
//
// Windows are checked tightest-first and a rejection stops the sweep, so a
// burst that trips the per-second bucket does not also drain the daily one.
// Any Redis failure admits the request.
func (l *Limiter) Allow(ctx context.Context, keyID string, limits Limits) Decision {
	if l.rdb == nil {
		return Decision{Allowed: true}
	}
	now := time.Now().UnixMilli()

	for _, w := range windows {
		limit := limits.forWindow(w.name)
		if limit <= 0 {
			continue
		}
		key := fmt.Sprintf("rl:%s:%s", keyID, w.name)

		vals, err := tokenBucketScript.Run(ctx, l.rdb,
			[]string{key},
			limit, w.size.Milliseconds(), now,
		).Int64Slice()
		if err != nil || len(vals) != 2 {
			l.log.Warn("ratelimit_degraded",
				slog.String("key_id", keyID),
				slog.String("window", w.name),
				slog.Any("error", err),
			)
			return Decision{Allowed: true}
		}
		if vals[0] != 1 {
			return Decision{
				Allowed:    false,
				Window:     w.name,
				RetryAfter: time.Duration(vals[1]) * time.Millisecond,
			}
		}
	}
	return Decision{Allowed: true}
}
