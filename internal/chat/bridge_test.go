package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestBridge_Validate(t *testing.T) {
	b := NewBridge(newMemStore(), BridgeOptions{}, zerolog.Nop())
	ok := NewMessage{RoomID: "general", Content: "hi", AuthorID: 1}

	tests := []struct {
		name  string
		edit  func(m *NewMessage)
		field string
	}{
		{name: "valid", edit: func(*NewMessage) {}},
		{name: "images only", edit: func(m *NewMessage) { m.Content = ""; m.Images = []string{"a.png"} }},
		{name: "exactly max length", edit: func(m *NewMessage) { m.Content = strings.Repeat("é", 10000) }},
		{name: "empty", edit: func(m *NewMessage) { m.Content = "" }, field: "content"},
		{name: "whitespace", edit: func(m *NewMessage) { m.Content = " \n\t" }, field: "content"},
		{name: "too long", edit: func(m *NewMessage) { m.Content = strings.Repeat("x", 10001) }, field: "content"},
		{name: "empty room", edit: func(m *NewMessage) { m.RoomID = "" }, field: "roomId"},
		{name: "room with slash", edit: func(m *NewMessage) { m.RoomID = "a/b" }, field: "roomId"},
		{name: "room too long", edit: func(m *NewMessage) { m.RoomID = strings.Repeat("r", 65) }, field: "roomId"},
		{name: "blank image", edit: func(m *NewMessage) { m.Images = []string{""} }, field: "images"},
		{name: "long image", edit: func(m *NewMessage) { m.Images = []string{strings.Repeat("i", 2049)} }, field: "images"},
		{name: "no author", edit: func(m *NewMessage) { m.AuthorID = 0 }, field: "author"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := ok
			tt.edit(&m)
			err := b.Validate(m)
			if tt.field == "" {
				require.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestBridge_PersistRoundTripsImages(t *testing.T) {
	req := require.New(t)
	store := newMemStore("general")
	b := NewBridge(store, BridgeOptions{}, zerolog.Nop())

	msg, err := b.Persist(context.Background(), NewMessage{RoomID: "general", Content: "pics", Images: []string{"a.png", "b.png"}, AuthorID: 3, AuthorName: "carol"})
	req.NoError(err)
	req.Equal([]string{"a.png", "b.png"}, msg.Images)
	req.Equal(Author{ID: 3, Username: "carol"}, msg.Author)
	req.Equal(`["a.png","b.png"]`, *store.messages[0].Images)

	msg, err = b.Persist(context.Background(), NewMessage{RoomID: "general", Content: "text", AuthorID: 3})
	req.NoError(err)
	req.NotNil(msg.Images)
	req.Empty(msg.Images)
	req.Nil(store.messages[1].Images)
	req.True(msg.CreatedAt.After(store.messages[0].CreatedAt))
}

func TestBridge_PersistClassifiesErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{name: "foreign key", err: &pgconn.PgError{Code: "23503"}, retryable: false},
		{name: "check constraint", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23514"}), retryable: false},
		{name: "serialization failure", err: &pgconn.PgError{Code: "40001"}, retryable: true},
		{name: "timeout", err: context.DeadlineExceeded, retryable: true},
		{name: "network", err: errors.New("connection reset by peer"), retryable: true},
		{name: "cancelled", err: context.Canceled, retryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore("general")
			store.insertErr = tt.err
			b := NewBridge(store, BridgeOptions{}, zerolog.Nop())

			_, err := b.Persist(context.Background(), NewMessage{RoomID: "general", Content: "x", AuthorID: 1})
			var perr *PersistenceError
			require.ErrorAs(t, err, &perr)
			require.Equal(t, "insert", perr.Op)
			require.Equal(t, tt.retryable, perr.Retryable)
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestBridge_HistoryPagesBackwards(t *testing.T) {
	req := require.New(t)
	store := newMemStore("general", "game")
	b := NewBridge(store, BridgeOptions{}, zerolog.Nop())
	ctx := context.Background()

	var sent []*Message
	for i := range 5 {
		m, err := b.Persist(ctx, NewMessage{RoomID: "general", Content: fmt.Sprint(i), AuthorID: 1})
		req.NoError(err)
		sent = append(sent, m)
	}
	_, err := b.Persist(ctx, NewMessage{RoomID: "game", Content: "elsewhere", AuthorID: 1})
	req.NoError(err)

	recent, err := b.Recent(ctx, "general", 3)
	req.NoError(err)
	req.Equal([]string{"2", "3", "4"}, contents(recent))

	older, err := b.History(ctx, "general", &sent[2].CreatedAt, 10)
	req.NoError(err)
	req.Equal([]string{"0", "1"}, contents(older))
}

func contents(msgs []*Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestBridge_RecentUsesCacheOnceFull(t *testing.T) {
	req := require.New(t)
	_, client := newTestRedis(t)
	store := newMemStore("general")
	cache := NewRedisHistoryCache(client, "test", 50, time.Hour)
	b := NewBridge(store, BridgeOptions{Cache: cache}, zerolog.Nop())
	ctx := context.Background()

	for i := range 3 {
		_, err := b.Persist(ctx, NewMessage{RoomID: "general", Content: fmt.Sprint(i), AuthorID: 1, AuthorName: "alice"})
		req.NoError(err)
	}

	// Served from the cache even though the store no longer answers.
	store.mu.Lock()
	store.messages = nil
	store.mu.Unlock()

	msgs, err := b.Recent(ctx, "general", 2)
	req.NoError(err)
	req.Equal([]string{"1", "2"}, contents(msgs))
	req.Equal("alice", msgs[0].Author.Username)

	// Not enough cached entries: falls back to the store.
	msgs, err = b.Recent(ctx, "general", 5)
	req.NoError(err)
	req.Empty(msgs)
}

func TestBridge_CacheFailureDoesNotFailPersist(t *testing.T) {
	req := require.New(t)
	mr, client := newTestRedis(t)
	store := newMemStore("general")
	b := NewBridge(store, BridgeOptions{Cache: NewRedisHistoryCache(client, "test", 50, time.Hour)}, zerolog.Nop())
	mr.Close()

	msg, err := b.Persist(context.Background(), NewMessage{RoomID: "general", Content: "still stored", AuthorID: 1})
	req.NoError(err)
	req.Equal("still stored", msg.Content)

	msgs, err := b.Recent(context.Background(), "general", 10)
	req.NoError(err)
	req.Len(msgs, 1)
}

// switchableCache fails every call while down is set.
type switchableCache struct {
	HistoryCache
	down atomic.Bool
}

func (c *switchableCache) Append(ctx context.Context, msg *Message) error {
	if c.down.Load() {
		return errors.New("cache unreachable")
	}
	return c.HistoryCache.Append(ctx, msg)
}

func (c *switchableCache) Recent(ctx context.Context, roomID string, limit int) ([]*Message, error) {
	if c.down.Load() {
		return nil, errors.New("cache unreachable")
	}
	return c.HistoryCache.Recent(ctx, roomID, limit)
}

func (c *switchableCache) Invalidate(ctx context.Context, roomID string) error {
	if c.down.Load() {
		return errors.New("cache unreachable")
	}
	return c.HistoryCache.Invalidate(ctx, roomID)
}

func TestBridge_LostAppendBypassesCacheUntilDropped(t *testing.T) {
	req := require.New(t)
	mr, client := newTestRedis(t)
	store := newMemStore("general")
	cache := &switchableCache{HistoryCache: NewRedisHistoryCache(client, "test", 50, time.Hour)}
	b := NewBridge(store, BridgeOptions{Cache: cache}, zerolog.Nop())
	ctx := context.Background()
	persist := func(content string) {
		_, err := b.Persist(ctx, NewMessage{RoomID: "general", Content: content, AuthorID: 1, AuthorName: "alice"})
		req.NoError(err)
	}

	persist("one")
	persist("two")

	// Neither the append nor the invalidation reach Redis.
	cache.down.Store(true)
	persist("three")
	cache.down.Store(false)

	msgs, err := b.Recent(ctx, "general", 2)
	req.NoError(err)
	req.Equal([]string{"two", "three"}, contents(msgs))
	req.False(mr.Exists("test:history:general"))

	// Rebuilt from new appends, the list is trusted again.
	persist("four")
	persist("five")
	store.mu.Lock()
	store.messages = nil
	store.mu.Unlock()
	msgs, err = b.Recent(ctx, "general", 2)
	req.NoError(err)
	req.Equal([]string{"four", "five"}, contents(msgs))
}
