package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"roomchat/internal/logger"
)

// SessionState tracks one connection's lifecycle. A session only exists once
// its credential verified, and Terminated is final: reconnecting creates a
// new session.
type SessionState int32

const (
	StateUnauthenticated SessionState = iota
	StateAuthenticated
	StateTerminated
)

func (s SessionState) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateTerminated:
		return "terminated"
	default:
		return "unauthenticated"
	}
}

type ConnConfig struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

func (c ConnConfig) withDefaults() ConnConfig {
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = (c.PongWait * 9) / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 16 * 1024
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	return c
}

// Client is one session: a middleman between the websocket connection and
// the hub.
type Client struct {
	ID       string
	UserID   int
	Username string

	conn  *websocket.Conn
	send  chan []byte
	state atomic.Int32
	cfg   ConnConfig
	log   zerolog.Logger

	// live is set while the gateway counts the session as connected.
	live atomic.Bool

	mu sync.Mutex
	// departed holds the rooms the hub removed the session from when it
	// dropped it, until Unregister hands them out.
	departed []string
}

func NewClient(id string, identity Identity, conn *websocket.Conn, cfg ConnConfig, log zerolog.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		ID:       id,
		UserID:   identity.UserID,
		Username: identity.Username,
		conn:     conn,
		send:     make(chan []byte, cfg.SendBuffer),
		cfg:      cfg,
		log: log.With().
			Str(logger.FieldSessionID, id).
			Int(logger.FieldUserID, identity.UserID).
			Str(logger.FieldUsername, identity.Username).
			Logger(),
	}
}

func (c *Client) Identity() Identity {
	return Identity{UserID: c.UserID, Username: c.Username}
}

func (c *Client) State() SessionState {
	return SessionState(c.state.Load())
}

func (c *Client) setState(s SessionState) {
	c.state.Store(int32(s))
}

func (c *Client) recordDeparture(rooms []string) {
	c.mu.Lock()
	c.departed = append(c.departed, rooms...)
	c.mu.Unlock()
}

func (c *Client) takeDeparture() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := c.departed
	c.departed = nil
	return rooms
}

// readPump pumps events from the websocket connection to the gateway. Events
// of one session are handled one at a time, in arrival order.
func (c *Client) readPump(ctx context.Context, g *Gateway) {
	defer func() {
		g.Disconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}
		g.HandleEvent(ctx, c, message)
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Coalesce whatever is already queued into the same frame,
			// one event per line.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
