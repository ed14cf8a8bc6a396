package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"roomchat/internal/logger"
)

// presenceTimeout bounds the best-effort presence updates done on disconnect,
// when the session's context is already gone.
const presenceTimeout = 3 * time.Second

// Gateway implements the socket event protocol on top of the Hub. Room
// events are published to the broker; the broker subscription feeds them
// back into the Hub, which fans them out to local members.
type Gateway struct {
	hub          *Hub
	broker       Broker
	bridge       *Bridge
	counter      PresenceCounter
	historyLimit int
	log          zerolog.Logger
	now          func() time.Time

	sessions sync.WaitGroup
}

type GatewayOptions struct {
	// Counter defaults to the Hub's local membership.
	Counter      PresenceCounter
	HistoryLimit int
}

func NewGateway(hub *Hub, broker Broker, bridge *Bridge, opts GatewayOptions, log zerolog.Logger) *Gateway {
	if opts.Counter == nil {
		opts.Counter = NewLocalCounter(hub)
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	return &Gateway{
		hub:          hub,
		broker:       broker,
		bridge:       bridge,
		counter:      opts.Counter,
		historyLimit: opts.HistoryLimit,
		log:          log,
		now:          time.Now,
	}
}

// Start subscribes the Hub to the broker. Close the returned io.Closer to
// stop receiving room events.
func (g *Gateway) Start(ctx context.Context) (io.Closer, error) {
	return g.broker.Subscribe(ctx, g.hub.Deliver)
}

func (g *Gateway) Hub() *Hub {
	return g.hub
}

func (g *Gateway) Bridge() *Bridge {
	return g.bridge
}

// Connect registers a verified session.
func (g *Gateway) Connect(c *Client) error {
	if err := g.hub.Register(c); err != nil {
		return err
	}
	g.sessions.Add(1)
	c.live.Store(true)
	c.log.Info().Msg("session connected")
	return nil
}

// Wait blocks until every connected session went through Disconnect, so
// their presence entries are gone before shared stores are closed.
func (g *Gateway) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect removes the session from every room and tells those rooms the
// new online count. Calling it twice is harmless.
func (g *Gateway) Disconnect(c *Client) {
	if c.live.CompareAndSwap(true, false) {
		defer g.sessions.Done()
	}
	rooms := g.hub.Unregister(c)
	if len(rooms) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	for _, roomID := range rooms {
		if err := g.counter.Remove(ctx, roomID, c); err != nil {
			c.log.Warn().Err(err).Str(logger.FieldRoomID, roomID).Msg("presence remove failed")
		}
		g.publishOnline(ctx, roomID)
	}
	c.log.Info().Strs("rooms", rooms).Msg("session disconnected")
}

// HandleEvent dispatches one inbound frame. Errors are reported to the
// session; none of them end it.
func (g *Gateway) HandleEvent(ctx context.Context, c *Client, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		g.sendError(c, CodeBadEvent, "malformed event")
		return
	}

	switch env.Event {
	case EventJoinRoom:
		g.handleJoin(ctx, c, env.Data)
	case EventLeaveRoom:
		g.handleLeave(ctx, c, env.Data)
	case EventSendMessage:
		g.handleSend(ctx, c, env.Data)
	case EventTyping:
		g.handleTyping(ctx, c, env.Data)
	default:
		g.sendError(c, CodeBadEvent, "unknown event "+env.Event)
	}
}

func (g *Gateway) roomFrom(c *Client, data json.RawMessage) (string, bool) {
	roomID, err := decodeRoomRef(data)
	if err == nil && !ValidRoomID(roomID) {
		err = &ValidationError{Field: "roomId", Reason: "must be 1-64 letters, digits, '-' or '_'"}
	}
	if err != nil {
		g.sendError(c, CodeValidation, err.Error())
		return "", false
	}
	return roomID, true
}

func (g *Gateway) handleJoin(ctx context.Context, c *Client, data json.RawMessage) {
	roomID, ok := g.roomFrom(c, data)
	if !ok {
		return
	}
	if _, err := g.hub.Join(c, roomID); err != nil {
		c.log.Warn().Err(err).Str(logger.FieldRoomID, roomID).Msg("join failed")
		return
	}
	if err := g.counter.Add(ctx, roomID, c); err != nil {
		c.log.Warn().Err(err).Str(logger.FieldRoomID, roomID).Msg("presence add failed")
	}

	history, err := g.bridge.Recent(ctx, roomID, g.historyLimit)
	if err != nil {
		c.log.Error().Err(err).Str(logger.FieldRoomID, roomID).Msg("load history")
		g.sendError(c, CodePersistence, "could not load room history")
		history = []*Message{}
	}
	if err := g.hub.SendTo(c, EventRoomHistory, RoomHistoryPayload{RoomID: roomID, Messages: history}); err != nil {
		c.log.Warn().Err(err).Str(logger.FieldRoomID, roomID).Msg("send history failed")
		return
	}

	g.publish(ctx, roomID, EventUserJoined, UserJoinedPayload{
		UserID:    c.UserID,
		Username:  c.Username,
		RoomID:    roomID,
		Timestamp: g.now().UTC().Format(time.RFC3339Nano),
	}, c.ID)
	g.publishOnline(ctx, roomID)

	c.log.Debug().Str(logger.FieldRoomID, roomID).Msg("joined room")
}

func (g *Gateway) handleLeave(ctx context.Context, c *Client, data json.RawMessage) {
	roomID, ok := g.roomFrom(c, data)
	if !ok {
		return
	}
	left, err := g.hub.Leave(c, roomID)
	if err != nil || !left {
		return
	}
	if err := g.counter.Remove(ctx, roomID, c); err != nil {
		c.log.Warn().Err(err).Str(logger.FieldRoomID, roomID).Msg("presence remove failed")
	}
	g.publishOnline(ctx, roomID)

	c.log.Debug().Str(logger.FieldRoomID, roomID).Msg("left room")
}

func (g *Gateway) handleSend(ctx context.Context, c *Client, data json.RawMessage) {
	var p SendMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		g.sendMessageError(c, "", &ValidationError{Field: "message", Reason: "malformed payload"})
		return
	}
	in := p.toNewMessage(c.Identity())

	msg, err := g.bridge.Persist(ctx, in)
	if err != nil {
		c.log.Warn().Err(err).Str(logger.FieldRoomID, in.RoomID).Msg("message rejected")
		g.sendMessageError(c, in.CorrelationID, err)
		return
	}

	if err := g.BroadcastMessage(ctx, msg); err != nil {
		// The message is stored; at least the sender learns its server id.
		g.sendTo(c, EventNewMessage, msg)
	}
}

// Send persists a message on behalf of a user who is not necessarily
// connected, then broadcasts it to the room.
func (g *Gateway) Send(ctx context.Context, in NewMessage) (*Message, error) {
	msg, err := g.bridge.Persist(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := g.BroadcastMessage(ctx, msg); err != nil {
		g.log.Warn().Err(err).Str(logger.FieldRoomID, msg.RoomID).Msg("stored message was not broadcast")
	}
	return msg, nil
}

// BroadcastMessage publishes an already persisted message to every member of
// its room, the sender included.
func (g *Gateway) BroadcastMessage(ctx context.Context, msg *Message) error {
	evt, err := NewRoomEvent(msg.RoomID, EventNewMessage, msg, "")
	if err != nil {
		return err
	}
	if err := g.broker.Publish(ctx, evt); err != nil {
		g.log.Error().Err(err).Str(logger.FieldRoomID, msg.RoomID).Str("message_id", msg.ID).Msg("publish new message")
		return err
	}
	return nil
}

func (g *Gateway) handleTyping(ctx context.Context, c *Client, data json.RawMessage) {
	var p TypingPayload
	if err := json.Unmarshal(data, &p); err != nil || !ValidRoomID(p.RoomID) {
		return
	}
	snap, err := g.hub.Snapshot(p.RoomID, c.ID)
	if err != nil {
		return
	}
	if !snap.IsMember {
		g.sendError(c, CodeNotMember, "not a member of room "+p.RoomID)
		return
	}
	g.publish(ctx, p.RoomID, EventUserTyping, UserTypingPayload{
		UserID:   c.UserID,
		Username: c.Username,
		RoomID:   p.RoomID,
		IsTyping: p.IsTyping,
	}, c.ID)
}

// Online reports who is in a room right now.
func (g *Gateway) Online(ctx context.Context, roomID string) (OnlineCountPayload, error) {
	return g.counter.Online(ctx, roomID)
}

func (g *Gateway) publishOnline(ctx context.Context, roomID string) {
	online, err := g.counter.Online(ctx, roomID)
	if err != nil {
		g.log.Warn().Err(err).Str(logger.FieldRoomID, roomID).Msg("online count failed")
		return
	}
	g.publish(ctx, roomID, EventOnlineCount, online, "")
}

func (g *Gateway) publish(ctx context.Context, roomID, event string, data any, exclude string) {
	evt, err := NewRoomEvent(roomID, event, data, exclude)
	if err != nil {
		g.log.Error().Err(err).Str(logger.FieldEvent, event).Msg("encode room event")
		return
	}
	if err := g.broker.Publish(ctx, evt); err != nil {
		g.log.Warn().Err(err).Str(logger.FieldRoomID, roomID).Str(logger.FieldEvent, event).Msg("publish failed")
	}
}

func (g *Gateway) sendError(c *Client, code, message string) {
	g.sendTo(c, EventError, ErrorPayload{Code: code, Message: message})
}

func (g *Gateway) sendTo(c *Client, event string, data any) {
	if err := g.hub.SendTo(c, event, data); err != nil {
		c.log.Warn().Err(err).Str(logger.FieldEvent, event).Msg("direct send failed")
	}
}

func (g *Gateway) sendMessageError(c *Client, correlationID string, err error) {
	payload := MessageErrorPayload{CorrelationID: correlationID}

	var verr *ValidationError
	var perr *PersistenceError
	switch {
	case errors.As(err, &verr):
		payload.Code = CodeValidation
		payload.Error = verr.Error()
	case errors.As(err, &perr):
		payload.Code = CodePersistence
		payload.Error = "message could not be saved"
		payload.Retryable = perr.Retryable
	default:
		payload.Code = CodePersistence
		payload.Error = "message could not be saved"
		payload.Retryable = true
	}
	g.sendTo(c, EventMessageError, payload)
}
