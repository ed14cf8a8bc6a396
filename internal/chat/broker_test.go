package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []*RoomEvent
}

func (r *recorder) deliver(evt *RoomEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) snapshot() []*RoomEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*RoomEvent(nil), r.events...)
}

func TestMemoryBroker(t *testing.T) {
	req := require.New(t)
	b := NewMemoryBroker()
	var first, second recorder

	sub1, err := b.Subscribe(context.Background(), first.deliver)
	req.NoError(err)
	_, err = b.Subscribe(context.Background(), second.deliver)
	req.NoError(err)

	evt, err := NewRoomEvent("general", EventUserTyping, TypingPayload{RoomID: "general"}, "a")
	req.NoError(err)
	req.NoError(b.Publish(context.Background(), evt))
	req.Len(first.snapshot(), 1)
	req.Len(second.snapshot(), 1)

	req.NoError(sub1.Close())
	req.NoError(b.Publish(context.Background(), evt))
	req.Len(first.snapshot(), 1)
	req.Len(second.snapshot(), 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req.ErrorIs(b.Publish(ctx, evt), context.Canceled)
}

func TestRedisBrokerKeepsPublishOrder(t *testing.T) {
	req := require.New(t)
	_, client := newTestRedis(t)
	b := NewRedisBroker(client, "chat", zerolog.Nop())
	var rec recorder

	sub, err := b.Subscribe(context.Background(), rec.deliver)
	req.NoError(err)
	defer sub.Close()

	for _, content := range []string{"A", "B", "C"} {
		evt, err := NewRoomEvent("general", EventNewMessage, Message{RoomID: "general", Content: content}, "")
		req.NoError(err)
		req.NoError(b.Publish(context.Background(), evt))
	}
	other, err := NewRoomEvent("game", EventOnlineCount, OnlineCountPayload{RoomID: "game", Count: 1}, "s1")
	req.NoError(err)
	req.NoError(b.Publish(context.Background(), other))

	req.Eventually(func() bool { return len(rec.snapshot()) == 4 }, 2*time.Second, 10*time.Millisecond)
	events := rec.snapshot()
	for i, want := range []string{"A", "B", "C"} {
		req.Equal("general", events[i].RoomID)
		req.Equal(want, decodeData[Message](t, Envelope{Data: events[i].Data}).Content)
	}
	req.Equal("game", events[3].RoomID)
	req.Equal("s1", events[3].Exclude)
}

func TestNATSBrokerSubjects(t *testing.T) {
	b := NewNATSBroker(nil, "chat", zerolog.Nop())
	require.Equal(t, "chat.general", b.subject("general"))
	require.Equal(t, "chat.*", b.subject("*"))
}
