// Package ratelimit provides fixed-window rate limiting on Redis. Counters are
// incremented and given their TTL by one script, so a counter can never be
// left without expiry.
package ratelimit

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the key segment, the maximum number of
// requests allowed in the window and the window duration.
type Rule struct {
	Key    string        // key segment, e.g. "rl:match:"
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleMatch allows 30 match requests per minute per participant. A client
	// polling every 2s makes at most 30.
	RuleMatch = Rule{Key: "rl:match:", Limit: 30, Window: time.Minute}

	// RuleMessage allows 5 relayed chat messages per 10 seconds per participant.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 5, Window: 10 * time.Second}

	// RuleConnect allows 10 relay connections per minute per remote address.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 10, Window: time.Minute}

	// RuleReport allows 5 abuse reports per hour per participant.
	RuleReport = Rule{Key: "rl:report:", Limit: 5, Window: time.Hour}
)

// incrLua increments KEYS[1] and starts its window (ARGV[1] ms) on first use.
var incrLua = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	prefix string
}

// NewLimiter creates a Limiter backed by the given Redis client. prefix is
// prepended to every counter key.
func NewLimiter(client *redis.Client, prefix string) *Limiter {
	return &Limiter{client: client, prefix: prefix}
}

func (l *Limiter) key(identifier string, rule Rule) string {
	return l.prefix + rule.Key + identifier
}

// Allow counts one request for identifier under rule and reports whether it
// is within the limit.
//
// On Redis errors it fails open (returns true along with the error) so that a
// Redis outage does not block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := l.key(identifier, rule)

	count, err := incrLua.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int()
	if err != nil {
		log.Printf("[ratelimit] redis error key=%s: %v (failing open)", key, err)
		return true, err
	}

	return count <= rule.Limit, nil
}

// Remaining returns the number of requests identifier has left in the
// current window. On Redis errors it returns the full limit (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := l.key(identifier, rule)

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] redis GET error key=%s: %v (failing open)", key, err)
		return rule.Limit, err
	}

	return max(rule.Limit-count, 0), nil
}

// RetryAfter returns how long until identifier's window under rule resets.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	ttl, err := l.client.PTTL(ctx, l.key(identifier, rule)).Result()
	if err != nil || ttl <= 0 {
		return rule.Window
	}
	return ttl
}
