// Package ratelimit throttles chat actions per user with a fixed window
// counter in Redis. Sending a message, typing, joining a chat and opening a
// connection each have their own Rule.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Yug2op/SkillExchange-sub001/internal/log"
)

// Rule is one throttle: at most Limit hits per Window, counted under
// Key+identifier.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

var (
	RuleMessage = Rule{Key: "rl:msg:", Limit: 20, Window: 10 * time.Second}

	// RuleTyping is looser than RuleMessage; clients emit one per keystroke
	// burst.
	RuleTyping = Rule{Key: "rl:typing:", Limit: 30, Window: 10 * time.Second}

	RuleJoin    = Rule{Key: "rl:join:", Limit: 60, Window: time.Minute}
	RuleConnect = Rule{Key: "rl:conn:", Limit: 20, Window: time.Minute}
)

// hitScript counts a hit and opens the window in one round trip. A key
// left without a TTL (by a crash between calls, or a manual SET) gets one
// on the next hit instead of throttling the user forever.
var hitScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if redis.call('PTTL', KEYS[1]) < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Limiter checks Rules against Redis.
type Limiter struct {
	client *redis.Client
}

func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow records a hit for identifier and reports whether it is within rule.
// Redis errors fail open: the hit is allowed and the error returned for
// logging.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	hits, err := hitScript.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int64()
	if err != nil {
		logger := log.WithComponent("ratelimit")
		logger.Warn().Err(err).Str("key", key).Msg("rate limit check failed, allowing")
		return true, err
	}
	return hits <= int64(rule.Limit), nil
}
