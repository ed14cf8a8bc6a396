package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBroker publishes each room on its own channel, <prefix>:room:<id>,
// and subscribes to all of them with one pattern subscription.
type RedisBroker struct {
	client *redis.Client
	prefix string
	log    zerolog.Logger
}

func NewRedisBroker(client *redis.Client, prefix string, log zerolog.Logger) *RedisBroker {
	return &RedisBroker{client: client, prefix: prefix, log: log}
}

func (b *RedisBroker) channel(roomID string) string {
	return fmt.Sprintf("%s:room:%s", b.prefix, roomID)
}

func (b *RedisBroker) Publish(ctx context.Context, evt *RoomEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal room event: %w", err)
	}
	return b.client.Publish(ctx, b.channel(evt.RoomID), data).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, deliver func(*RoomEvent)) (io.Closer, error) {
	pubsub := b.client.PSubscribe(ctx, b.channel("*"))
	// Wait for the confirmation so nothing published after we return is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to room events: %w", err)
	}

	go func() {
		for msg := range pubsub.Channel() {
			var evt RoomEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				b.log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed room event")
				continue
			}
			if evt.RoomID == "" {
				evt.RoomID = strings.TrimPrefix(msg.Channel, b.channel(""))
			}
			deliver(&evt)
		}
	}()
	return pubsub, nil
}
