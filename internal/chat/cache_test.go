package chat

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRedisHistoryCache(t *testing.T) {
	req := require.New(t)
	mr, client := newTestRedis(t)
	cache := NewRedisHistoryCache(client, "chat", 3, time.Hour)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := cache.Recent(ctx, "general", 1)
	req.ErrorIs(err, ErrCacheMiss)

	for i := range 5 {
		req.NoError(cache.Append(ctx, &Message{
			ID:        fmt.Sprint(i),
			RoomID:    "general",
			Content:   fmt.Sprint(i),
			Images:    []string{},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	items, err := mr.List("chat:history:general")
	req.NoError(err)
	req.Len(items, 3)
	req.Greater(mr.TTL("chat:history:general"), time.Duration(0))

	msgs, err := cache.Recent(ctx, "general", 3)
	req.NoError(err)
	req.Equal([]string{"2", "3", "4"}, contents(msgs))

	_, err = cache.Recent(ctx, "general", 4)
	req.ErrorIs(err, ErrCacheMiss)

	req.NoError(cache.Invalidate(ctx, "general"))
	_, err = cache.Recent(ctx, "general", 1)
	req.ErrorIs(err, ErrCacheMiss)
}

func TestRedisCounter(t *testing.T) {
	req := require.New(t)
	mr, client := newTestRedis(t)
	counter := NewRedisCounter(client, "chat", time.Hour)
	ctx := context.Background()

	a1 := newTestClient("a1", 1, "alice")
	a2 := newTestClient("a2", 1, "alice")
	b := newTestClient("b", 2, "bob")
	for _, c := range []*Client{b, a1, a2, a1} {
		req.NoError(counter.Add(ctx, "general", c))
	}
	req.True(mr.Exists("chat:presence:general"))

	online, err := counter.Online(ctx, "general")
	req.NoError(err)
	req.Equal(3, online.Count)
	req.Equal([]OnlineUser{{UserID: 1, Online: true}, {UserID: 2, Online: true}}, online.Users)

	req.NoError(counter.Remove(ctx, "general", a1))
	req.NoError(counter.Remove(ctx, "general", a2))
	online, err = counter.Online(ctx, "general")
	req.NoError(err)
	req.Equal(1, online.Count)
	req.Equal([]OnlineUser{{UserID: 2, Online: true}}, online.Users)

	online, err = counter.Online(ctx, "empty")
	req.NoError(err)
	req.Zero(online.Count)
	req.Empty(online.Users)
}

func TestLocalCounter(t *testing.T) {
	req := require.New(t)
	h := startHub(t)
	counter := NewLocalCounter(h)
	a := newTestClient("a", 5, "eve")
	b := newTestClient("b", 4, "dan")
	for _, c := range []*Client{a, b} {
		req.NoError(h.Register(c))
		_, err := h.Join(c, "game")
		req.NoError(err)
	}

	online, err := counter.Online(context.Background(), "game")
	req.NoError(err)
	req.Equal("game", online.RoomID)
	req.Equal(2, online.Count)
	req.Equal([]OnlineUser{{UserID: 4, Online: true}, {UserID: 5, Online: true}}, online.Users)
}

func TestRedisHistoryCacheTTLIsNotExtendedByAppends(t *testing.T) {
	req := require.New(t)
	mr, client := newTestRedis(t)
	cache := NewRedisHistoryCache(client, "chat", 3, 10*time.Minute)
	ctx := context.Background()
	msg := func(id string) *Message {
		return &Message{ID: id, RoomID: "general", Content: id, Images: []string{}}
	}

	req.NoError(cache.Append(ctx, msg("1")))
	mr.FastForward(6 * time.Minute)
	req.NoError(cache.Append(ctx, msg("2")))
	req.Equal(4*time.Minute, mr.TTL("chat:history:general"))

	mr.FastForward(5 * time.Minute)
	req.False(mr.Exists("chat:history:general"))
	_, err := cache.Recent(ctx, "general", 1)
	req.ErrorIs(err, ErrCacheMiss)
}
