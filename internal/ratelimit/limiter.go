// Package ratelimit enforces per-account, per-platform request budgets
// using a sliding window stored in Redis. The window is shared across
// process instances; the check-and-append is a single atomic round trip.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Budget is a platform's request allowance inside a sliding window.
type Budget struct {
	MaxRequests int
	Window      time.Duration
}

// admitScript prunes expired timestamps, then either denies with the time
// until the oldest retained entry exits the window, or admits and appends
// now. Running it as one script keeps check-and-append atomic across
// concurrent callers sharing the window.
var admitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count >= max then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	return {0, (tonumber(oldest[2]) + window) - now}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, 0}
`)

// Limiter admits or denies platform calls against configured budgets.
// instance distinguishes members written by different processes sharing a
// window: a timestamp-plus-sequence member alone would collide across
// instances at the same millisecond, merging two admissions into one.
type Limiter struct {
	rdb      redis.Scripter
	budgets  map[string]Budget
	instance string
	seq      atomic.Uint64 // disambiguates members added in the same millisecond
}

// New creates a Limiter. budgets maps platform name to its allowance.
func New(rdb redis.Scripter, budgets map[string]Budget) (*Limiter, error) {
	if rdb == nil {
		return nil, fmt.Errorf("ratelimit: redis client is required")
	}
	if len(budgets) == 0 {
		return nil, fmt.Errorf("ratelimit: at least one budget is required")
	}
	for name, b := range budgets {
		if b.MaxRequests <= 0 || b.Window <= 0 {
			return nil, fmt.Errorf("ratelimit: invalid budget for %q: %+v", name, b)
		}
	}
	return &Limiter{rdb: rdb, budgets: budgets, instance: uuid.NewString()[:8]}, nil
}

// Allow checks the account's window for the platform. It returns ok=true
// when the call is admitted; otherwise retryAfter is the time until the
// oldest retained request leaves the window (never less than a second).
//
// When the shared window store is unreachable the limiter fails open:
// availability beats strict budget adherence during an infrastructure
// outage, so the call is admitted and the error logged.
func (l *Limiter) Allow(ctx context.Context, accountID, platform string) (retryAfter time.Duration, ok bool) {
	budget, known := l.budgets[platform]
	if !known {
		log.Printf("ratelimit: no budget configured for platform %q, allowing", platform)
		return 0, true
	}

	key := windowKey(accountID, platform)
	now := time.Now().UnixMilli()
	member := fmt.Sprintf("%d-%s-%d", now, l.instance, l.seq.Add(1))

	res, err := admitScript.Run(ctx, l.rdb, []string{key},
		now, budget.Window.Milliseconds(), budget.MaxRequests, member).Int64Slice()
	if err != nil {
		log.Printf("ratelimit: window store unreachable, failing open: %v", err)
		return 0, true
	}
	if len(res) != 2 {
		log.Printf("ratelimit: unexpected script reply %v, failing open", res)
		return 0, true
	}

	if res[0] == 1 {
		return 0, true
	}
	retryAfter = time.Duration(res[1]) * time.Millisecond
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return retryAfter, false
}

// windowKey names the sorted set holding one account's request timestamps.
func windowKey(accountID, platform string) string {
	return fmt.Sprintf("swb:ratelimit:%s:%s", platform, accountID)
}
