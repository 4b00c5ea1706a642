// Package cache keeps per-user unread counters in redis in front of the
// notifications table.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultUnreadTTL = 30 * time.Second

// KV is the subset of redis.UniversalClient the counter uses.
type KV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// UnreadCounter caches unread counts for a short TTL. Writers invalidate the
// key instead of adjusting it.
type UnreadCounter struct {
	client KV
	ttl    time.Duration
}

func NewUnreadCounter(client KV, ttl time.Duration) *UnreadCounter {
	if ttl <= 0 {
		ttl = DefaultUnreadTTL
	}
	return &UnreadCounter{client: client, ttl: ttl}
}

func unreadKey(userID string) string {
	return fmt.Sprintf("notifications:unread:%s", userID)
}

// Get returns the cached count. ok is false on a miss.
func (c *UnreadCounter) Get(ctx context.Context, userID string) (count int, ok bool, err error) {
	count, err = c.client.Get(ctx, unreadKey(userID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read unread count: %w", err)
	}
	return count, true, nil
}

func (c *UnreadCounter) Set(ctx context.Context, userID string, count int) error {
	if err := c.client.Set(ctx, unreadKey(userID), count, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache unread count: %w", err)
	}
	return nil
}

func (c *UnreadCounter) Invalidate(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, unreadKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate unread count: %w", err)
	}
	return nil
}
