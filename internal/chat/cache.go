package chat

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
)

// HistoryCache holds the newest messages of each room. It is filled only by
// Append as messages are persisted, never from the store, so once a room's
// list is long enough it is exactly the tail of the store. A list lives for
// at most its TTL from creation, which bounds how long a message whose
// Append was lost can stay missing.
type HistoryCache interface {
	Append(ctx context.Context, msg *Message) error
	// Recent returns ErrCacheMiss unless it can answer with limit messages.
	Recent(ctx context.Context, roomID string, limit int) ([]*Message, error)
	Invalidate(ctx context.Context, roomID string) error
}

type RedisHistoryCache struct {
	client *redis.Client
	prefix string
	size   int
	ttl    time.Duration
}

func NewRedisHistoryCache(client *redis.Client, prefix string, size int, ttl time.Duration) *RedisHistoryCache {
	return &RedisHistoryCache{client: client, prefix: prefix, size: size, ttl: ttl}
}

func (c *RedisHistoryCache) key(roomID string) string {
	return fmt.Sprintf("%s:history:%s", c.prefix, roomID)
}

func (c *RedisHistoryCache) Append(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal cached message: %w", err)
	}
	key := c.key(msg.RoomID)
	_, err = c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, data)
		p.LTrim(ctx, key, 0, int64(c.size-1))
		if c.ttl > 0 {
			// Set on creation only; appends never extend it.
			p.ExpireNX(ctx, key, c.ttl)
		}
		return nil
	})
	return err
}

func (c *RedisHistoryCache) Recent(ctx context.Context, roomID string, limit int) ([]*Message, error) {
	if limit <= 0 || limit > c.size {
		return nil, ErrCacheMiss
	}
	items, err := c.client.LRange(ctx, c.key(roomID), 0, int64(limit-1)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("read history cache: %w", err)
	}
	if len(items) < limit {
		return nil, ErrCacheMiss
	}

	msgs := make([]*Message, 0, len(items))
	for _, item := range items {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("decode cached message: %w", err)
		}
		msgs = append(msgs, &m)
	}
	// Newest first in Redis, oldest first for clients.
	slices.SortStableFunc(msgs, func(a, b *Message) int { return cmp.Compare(a.CreatedAt.UnixNano(), b.CreatedAt.UnixNano()) })
	return msgs, nil
}

func (c *RedisHistoryCache) Invalidate(ctx context.Context, roomID string) error {
	return c.client.Del(ctx, c.key(roomID)).Err()
}
