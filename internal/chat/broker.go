package chat

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

// RoomEvent is what travels through the broker: an event addressed to every
// member of a room, optionally minus one session.
type RoomEvent struct {
	RoomID  string          `json:"roomId"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	Exclude string          `json:"exclude,omitempty"`
}

func NewRoomEvent(roomID, event string, data any, exclude string) (*RoomEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &RoomEvent{RoomID: roomID, Event: event, Data: raw, Exclude: exclude}, nil
}

// Broker carries room events between every process serving chat. Each
// process subscribes once and hands what it receives to its Hub, which only
// knows its own sessions. Events from one publisher on one room must reach
// subscribers in publish order.
type Broker interface {
	Publish(ctx context.Context, evt *RoomEvent) error
	// Subscribe returns once the subscription is active.
	Subscribe(ctx context.Context, deliver func(*RoomEvent)) (io.Closer, error)
}

// MemoryBroker delivers synchronously inside one process.
type MemoryBroker struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(*RoomEvent)
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[int]func(*RoomEvent))}
}

func (b *MemoryBroker) Publish(ctx context.Context, evt *RoomEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	subs := make([]func(*RoomEvent), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()

	for _, deliver := range subs {
		deliver(evt)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, deliver func(*RoomEvent)) (io.Closer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = deliver
	return closerFunc(func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
		return nil
	}), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
