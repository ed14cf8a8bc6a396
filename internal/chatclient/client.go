// Package chatclient is a chat client that survives dropped connections.
// While disconnected it queues joins and sends and replays them, in order,
// once a new connection is up.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrUnauthorized = errors.New("credential rejected")
	ErrClosed       = errors.New("client closed")
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	// Failed means the attempt ceiling was reached. Only Reconnect leaves it.
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Local event names, next to the ones the server sends.
const (
	EventState            = "state"
	EventConnectionFailed = "connection-failed"
)

// Event is a server event, a state change or a terminal connection error.
type Event struct {
	Name  string
	Data  json.RawMessage
	State State
	Err   error
}

type Options struct {
	URL   string
	Token string
	// Dialer defaults to a gorilla websocket dialer.
	Dialer Dialer
	// MaxAttempts is the number of dials tried before giving up.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// CurrentRoom reports the room the user is looking at. It is re-joined
	// after every reconnect.
	CurrentRoom func() string
	EventBuffer int
	Logger      zerolog.Logger
}

type actionKind int

const (
	actionJoin actionKind = iota
	actionSend
)

type queuedAction struct {
	kind   actionKind
	roomID string
	frame  []byte
}

type Client struct {
	opts Options
	log  zerolog.Logger

	mu    sync.Mutex
	state State
	conn  Conn
	queue []queuedAction

	writeMu sync.Mutex

	events    chan Event
	reconnect chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func New(opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 10 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	return &Client{
		opts:      opts,
		log:       opts.Logger,
		events:    make(chan Event, opts.EventBuffer),
		reconnect: make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
}

// Events must be drained by the caller; the client blocks when it is full.
func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending reports how many actions wait for a connection.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Client) JoinRoom(roomID string) error {
	frame, err := encode("join-room", roomID)
	if err != nil {
		return err
	}
	return c.submit(queuedAction{kind: actionJoin, roomID: roomID, frame: frame})
}

// LeaveRoom is dropped while disconnected: the new session starts outside
// every room anyway.
func (c *Client) LeaveRoom(roomID string) error {
	frame, err := encode("leave-room", roomID)
	if err != nil {
		return err
	}
	return c.sendNow(frame)
}

// SendMessage returns the temporary id the server echoes back as the
// correlation id of a message-error.
func (c *Client) SendMessage(roomID, content string, images []string) (string, error) {
	tempID := uuid.NewString()
	if images == nil {
		images = []string{}
	}
	frame, err := encode("send-message", map[string]any{
		"roomId": roomID,
		"message": map[string]any{
			"id":      tempID,
			"content": content,
			"images":  images,
		},
	})
	if err != nil {
		return "", err
	}
	return tempID, c.submit(queuedAction{kind: actionSend, roomID: roomID, frame: frame})
}

// SetTyping is never queued: a stale typing flag is worse than none.
func (c *Client) SetTyping(roomID string, isTyping bool) error {
	frame, err := encode("typing", map[string]any{"roomId": roomID, "isTyping": isTyping})
	if err != nil {
		return err
	}
	return c.sendNow(frame)
}

// Reconnect leaves the Failed state and starts a fresh series of attempts.
func (c *Client) Reconnect() {
	if c.State() != Failed {
		return
	}
	select {
	case c.reconnect <- struct{}{}:
	default:
	}
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
	return nil
}

// Run keeps the client connected until ctx is done or Close is called.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return c.stopped(ctx)
			}
			c.setState(Failed)
			c.emit(Event{Name: EventConnectionFailed, State: Failed, Err: err})
			c.log.Error().Err(err).Msg("giving up on connection")

			select {
			case <-c.reconnect:
				continue
			case <-ctx.Done():
				return c.stopped(ctx)
			}
		}

		err = c.serve(ctx, conn)
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		if ctx.Err() != nil {
			c.setState(Disconnected)
			return c.stopped(ctx)
		}
		c.log.Warn().Err(err).Msg("connection lost")
		c.setState(Disconnected)
	}
}

func (c *Client) stopped(ctx context.Context) error {
	select {
	case <-c.closed:
		return nil
	default:
		return ctx.Err()
	}
}

// connect dials with exponential backoff, at most MaxAttempts times. A
// rejected credential is not retried.
func (c *Client) connect(ctx context.Context) (Conn, error) {
	c.setState(Connecting)

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.opts.InitialInterval
	exp.MaxInterval = c.opts.MaxInterval
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.opts.MaxAttempts-1)), ctx)

	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	var conn Conn
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		var err error
		conn, err = c.opts.Dialer.Dial(ctx, c.opts.URL, header)
		if errors.Is(err, ErrUnauthorized) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		c.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("dial failed")
	})
	if err != nil {
		return nil, fmt.Errorf("connect after %d attempts: %w", attempt, err)
	}
	return conn, nil
}

// serve restores the session on a fresh connection and then reads from it
// until it breaks.
func (c *Client) serve(ctx context.Context, conn Conn) error {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if c.opts.CurrentRoom != nil {
		if room := c.opts.CurrentRoom(); room != "" {
			frame, err := encode("join-room", room)
			if err != nil {
				return err
			}
			if err := c.write(conn, frame); err != nil {
				return err
			}
		}
	}
	if err := c.drain(conn); err != nil {
		return err
	}
	return c.readLoop(conn)
}

// drain writes queued actions oldest first. An entry is removed only after
// its write succeeded, so a failure keeps it and everything behind it for
// the next connection. The state turns Connected only once the queue is
// empty, which keeps new submissions behind the queued ones.
func (c *Client) drain(conn Conn) error {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.state = Connected
			c.mu.Unlock()
			c.emit(Event{Name: EventState, State: Connected})
			return nil
		}
		next := c.queue[0]
		c.mu.Unlock()

		if err := c.write(conn, next.frame); err != nil {
			return fmt.Errorf("replay queued action: %w", err)
		}

		c.mu.Lock()
		c.queue = c.queue[1:]
		c.mu.Unlock()
	}
}

func (c *Client) readLoop(conn Conn) error {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		// The server batches several events per frame, one per line.
		for _, line := range bytes.Split(frame, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var env struct {
				Event string          `json:"event"`
				Data  json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal(line, &env); err != nil {
				c.log.Warn().Err(err).Msg("dropping malformed event")
				continue
			}
			c.emit(Event{Name: env.Event, Data: env.Data, State: Connected})
		}
	}
}

func (c *Client) submit(a queuedAction) error {
	c.mu.Lock()
	if c.state != Connected {
		c.queue = append(c.queue, a)
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	if err := c.write(conn, a.frame); err != nil {
		// Anything submitted from now on queues behind this action.
		c.mu.Lock()
		c.queue = append([]queuedAction{a}, c.queue...)
		c.mu.Unlock()
		c.broken(conn)
	}
	return nil
}

// broken marks a connection whose write failed. Run notices when the read
// loop fails on the closed connection and starts reconnecting.
func (c *Client) broken(conn Conn) {
	c.mu.Lock()
	changed := c.conn == conn && c.state == Connected
	if changed {
		c.state = Disconnected
	}
	c.mu.Unlock()
	// Reported before the close so it precedes the reconnect's events.
	if changed {
		c.emit(Event{Name: EventState, State: Disconnected})
	}
	conn.Close()
}

func (c *Client) sendNow(frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == Connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	if err := c.write(conn, frame); err != nil {
		c.broken(conn)
		return ErrNotConnected
	}
	return nil
}

func (c *Client) write(conn Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.emit(Event{Name: EventState, State: s})
}

func (c *Client) emit(e Event) {
	select {
	case c.events <- e:
	case <-c.closed:
	}
}

func encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}{Event: event, Data: raw})
}
