package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSBroker maps rooms to subjects <prefix>.<roomID>. Room ids are
// restricted to [A-Za-z0-9_-], so they are always a single subject token.
type NATSBroker struct {
	conn   *nats.Conn
	prefix string
	log    zerolog.Logger
}

func NewNATSBroker(conn *nats.Conn, prefix string, log zerolog.Logger) *NATSBroker {
	return &NATSBroker{conn: conn, prefix: prefix, log: log}
}

func (b *NATSBroker) subject(roomID string) string {
	return b.prefix + "." + roomID
}

func (b *NATSBroker) Publish(ctx context.Context, evt *RoomEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal room event: %w", err)
	}
	return b.conn.Publish(b.subject(evt.RoomID), data)
}

func (b *NATSBroker) Subscribe(_ context.Context, deliver func(*RoomEvent)) (io.Closer, error) {
	// A plain subscription calls the handler sequentially, which keeps
	// per-room publish order.
	sub, err := b.conn.Subscribe(b.subject("*"), func(m *nats.Msg) {
		var evt RoomEvent
		if err := json.Unmarshal(m.Data, &evt); err != nil {
			b.log.Warn().Err(err).Str("subject", m.Subject).Msg("dropping malformed room event")
			return
		}
		deliver(&evt)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to room events: %w", err)
	}
	if err := b.conn.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}
	return closerFunc(sub.Unsubscribe), nil
}

// Close drains the connection so in-flight publishes reach the server.
func (b *NATSBroker) Close() error {
	return b.conn.Drain()
}
