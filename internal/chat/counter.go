package chat

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

// PresenceCounter answers "who is online in room R". With one process the
// answer is derived from the Hub's membership set; with several processes
// each one only knows its own sessions, so membership is mirrored into Redis.
type PresenceCounter interface {
	Add(ctx context.Context, roomID string, c *Client) error
	Remove(ctx context.Context, roomID string, c *Client) error
	Online(ctx context.Context, roomID string) (OnlineCountPayload, error)
}

// LocalCounter reads counts straight from the Hub.
type LocalCounter struct {
	hub *Hub
}

func NewLocalCounter(hub *Hub) *LocalCounter {
	return &LocalCounter{hub: hub}
}

func (l *LocalCounter) Add(context.Context, string, *Client) error    { return nil }
func (l *LocalCounter) Remove(context.Context, string, *Client) error { return nil }

func (l *LocalCounter) Online(_ context.Context, roomID string) (OnlineCountPayload, error) {
	snap, err := l.hub.Snapshot(roomID, "")
	if err != nil {
		return OnlineCountPayload{}, err
	}
	users := slices.Clone(snap.Users)
	slices.Sort(users)
	return onlinePayload(roomID, snap.Count, users), nil
}

// RedisCounter keeps one set per room whose members are "<session>|<user>".
// The key expires after ttl of inactivity so sessions of a crashed process
// do not linger forever.
type RedisCounter struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCounter(client *redis.Client, prefix string, ttl time.Duration) *RedisCounter {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCounter{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisCounter) key(roomID string) string {
	return fmt.Sprintf("%s:presence:%s", r.prefix, roomID)
}

func member(c *Client) string {
	return c.ID + "|" + strconv.Itoa(c.UserID)
}

func (r *RedisCounter) Add(ctx context.Context, roomID string, c *Client) error {
	key := r.key(roomID)
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, key, member(c))
		p.Expire(ctx, key, r.ttl)
		return nil
	})
	return err
}

func (r *RedisCounter) Remove(ctx context.Context, roomID string, c *Client) error {
	return r.client.SRem(ctx, r.key(roomID), member(c)).Err()
}

func (r *RedisCounter) Online(ctx context.Context, roomID string) (OnlineCountPayload, error) {
	members, err := r.client.SMembers(ctx, r.key(roomID)).Result()
	if err != nil {
		return OnlineCountPayload{}, err
	}
	users := lo.Uniq(lo.FilterMap(members, func(m string, _ int) (int, bool) {
		_, raw, ok := strings.Cut(m, "|")
		if !ok {
			return 0, false
		}
		id, err := strconv.Atoi(raw)
		return id, err == nil
	}))
	slices.Sort(users)
	return onlinePayload(roomID, len(members), users), nil
}

func onlinePayload(roomID string, count int, users []int) OnlineCountPayload {
	return OnlineCountPayload{
		RoomID: roomID,
		Count:  count,
		Users: lo.Map(users, func(id int, _ int) OnlineUser {
			return OnlineUser{UserID: id, Online: true}
		}),
	}
}
