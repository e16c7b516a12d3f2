// Package ratelimit counts requests in Redis so command bursts against the
// hub are bounded across API replicas and restarts.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrRedisUnavailable  = errors.New("redis unavailable")
)

type Decision struct {
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter int // seconds
	Allowed    bool
}

type LimitConfig struct {
	Rate   int           `yaml:"rate"`
	Window time.Duration `yaml:"window"`
}

func (c LimitConfig) Enabled() bool { return c.Rate > 0 && c.Window > 0 }

// incr starts the window on the first hit and reports the count together
// with the remaining window so Reset is exact.
var incr = redis.NewScript(`
	local current = redis.call("INCR", KEYS[1])
	if tonumber(current) == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return {current, redis.call("PTTL", KEYS[1])}
`)

type Limiter struct {
	client *redis.Client
	prefix string
	salt   string
}

func NewLimiter(client *redis.Client, prefix, salt string) *Limiter {
	if prefix == "" {
		prefix = "homeguard:rl"
	}
	return &Limiter{client: client, prefix: prefix, salt: salt}
}

// HashIP keeps client addresses out of Redis keys.
func (l *Limiter) HashIP(ip string) string {
	hash := sha256.Sum256([]byte(ip + l.salt))
	return hex.EncodeToString(hash[:])
}

// Check counts one hit against key in a fixed window that opens on the
// first hit.
func (l *Limiter) Check(ctx context.Context, key string, cfg LimitConfig) (Decision, error) {
	res, err := incr.Run(ctx, l.client, []string{l.prefix + ":" + key}, cfg.Window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		return Decision{}, ErrRedisUnavailable
	}
	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	if ttl < 0 {
		ttl = cfg.Window
	}

	remaining := cfg.Rate - count
	if remaining < 0 {
		remaining = 0
	}
	retry := int((ttl + time.Second - 1) / time.Second)
	return Decision{
		Limit:      cfg.Rate,
		Remaining:  remaining,
		Reset:      time.Now().Add(ttl),
		RetryAfter: retry,
		Allowed:    count <= cfg.Rate,
	}, nil
}
