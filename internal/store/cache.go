package store

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// membersPrefix is the Redis key prefix for cached member lists.
	membersPrefix = "chat:members:"

	// DefaultMembersTTL bounds how stale a cached member list may be.
	DefaultMembersTTL = 30 * time.Second
)

// membershipSource is the lookup the cache sits in front of.
type membershipSource interface {
	ChatMembers(ctx context.Context, chatID int64) ([]int64, error)
}

// MembershipCache is a Redis read-through cache over chat membership.
// Every notification for a busy chat would otherwise repeat the same
// query. Cache failures fall through to the database (fail-open); only a
// database failure surfaces to the caller.
type MembershipCache struct {
	client *redis.Client
	source membershipSource
	ttl    time.Duration
}

// NewMembershipCache creates a cache over the given source. A ttl <= 0
// uses DefaultMembersTTL.
func NewMembershipCache(client *redis.Client, source membershipSource, ttl time.Duration) *MembershipCache {
	if ttl <= 0 {
		ttl = DefaultMembersTTL
	}
	return &MembershipCache{client: client, source: source, ttl: ttl}
}

// ChatMembers returns the cached member list when fresh, otherwise reads
// through to the source and repopulates the cache best-effort.
func (c *MembershipCache) ChatMembers(ctx context.Context, chatID int64) ([]int64, error) {
	key := membersKey(chatID)

	val, err := c.client.Get(ctx, key).Result()
	if err == nil {
		var members []int64
		if jsonErr := json.Unmarshal([]byte(val), &members); jsonErr == nil {
			return members, nil
		}
		// Unparseable entry: fall through and overwrite it.
	} else if err != redis.Nil {
		log.Printf("store: members cache read chat=%d: %v", chatID, err)
	}

	members, err := c.source.ChatMembers(ctx, chatID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(members); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			log.Printf("store: members cache write chat=%d: %v", chatID, err)
		}
	}
	return members, nil
}

func membersKey(chatID int64) string {
	return membersPrefix + strconv.FormatInt(chatID, 10)
}
