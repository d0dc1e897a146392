// Package ratelimit throttles stream connection churn using the Redis
// INCR + EXPIRE fixed-window algorithm. A client that reconnects in a
// tight loop (a broken reconnect backoff, for example) would otherwise
// hammer the registry with subscribe/unsubscribe cycles.
package ratelimit

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JefferyWang/chat/internal/auth"
)

// Rule defines a throttling policy: the Redis key prefix, the maximum
// count in the window, and the window duration.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

// RuleStreamOpen allows 30 stream opens per user per minute, generous
// enough for flaky networks but tight enough to stop reconnect storms.
var RuleStreamOpen = Rule{Key: "rl:stream:", Limit: 30, Window: time.Minute}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow reports whether the user is within the rule's limit, incrementing
// the window counter. On Redis errors it fails open so a cache outage
// never blocks delivery.
func (l *Limiter) Allow(ctx context.Context, userID int64, rule Rule) (bool, error) {
	key := rule.Key + strconv.FormatInt(userID, 10)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("ratelimit: redis INCR %s: %v (failing open)", key, err)
		return true, err
	}

	// First increment defines the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("ratelimit: redis EXPIRE %s: %v (failing open)", key, err)
			// No TTL got set; delete so the counter cannot stick forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns how many opens the user has left in the current
// window. Missing key means the full limit; Redis errors fail open.
func (l *Limiter) Remaining(ctx context.Context, userID int64, rule Rule) (int, error) {
	key := rule.Key + strconv.FormatInt(userID, 10)

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("ratelimit: redis GET %s: %v (failing open)", key, err)
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Middleware rejects stream opens over the limit with 429. It must run
// after the auth middleware so the user identity is available.
func Middleware(l *Limiter, rule Rule, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.UserFrom(r.Context())
		if !ok {
			http.Error(w, "unauthenticated", http.StatusUnauthorized)
			return
		}
		allowed, _ := l.Allow(r.Context(), user.ID, rule)
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(rule.Window.Seconds())))
			http.Error(w, "too many stream opens", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
