package chat

import (
	"context"

	"github.com/rs/zerolog"

	"roomchat/internal/logger"
)

// Hub is the single dispatch loop of a process. Run is the only goroutine
// that touches clients, presence and rooms; everything else talks to it
// through channels, so no locks guard those maps.
type Hub struct {
	clients  map[string]*Client
	presence *PresenceRegistry
	rooms    *RoomChannel

	register   chan registerRequest
	unregister chan unregisterRequest
	join       chan membershipRequest
	leave      chan membershipRequest
	outbound   chan delivery
	query      chan roomQuery
	stats      chan chan Stats

	done chan struct{}
	log  zerolog.Logger
}

type registerRequest struct {
	client *Client
	reply  chan error
}

type unregisterRequest struct {
	client *Client
	reply  chan struct{}
}

type membershipRequest struct {
	client *Client
	roomID string
	reply  chan membershipResult
}

type membershipResult struct {
	changed bool
	err     error
}

// delivery is either a room event to fan out or a payload for a single
// session. Both share one queue so a session sees them in the order they
// were handed to the hub.
type delivery struct {
	event   *RoomEvent
	client  *Client
	payload []byte
}

type roomQuery struct {
	roomID    string
	sessionID string
	reply     chan RoomSnapshot
}

// Stats counts the sessions connected to this process and the distinct
// users behind them.
type Stats struct {
	Sessions int `json:"sessions"`
	Users    int `json:"users"`
}

// RoomSnapshot is the local view of one room at the moment it was taken.
type RoomSnapshot struct {
	Count    int
	Users    []int
	IsMember bool
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		presence:   NewPresenceRegistry(),
		rooms:      NewRoomChannel(),
		register:   make(chan registerRequest),
		unregister: make(chan unregisterRequest),
		join:       make(chan membershipRequest),
		leave:      make(chan membershipRequest),
		outbound:   make(chan delivery, 256),
		query:      make(chan roomQuery),
		stats:      make(chan chan Stats),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run processes requests until ctx is cancelled. On exit every session's send
// channel is closed, which makes its write pump hang up.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		for _, c := range h.clients {
			h.drop(c)
		}
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case req := <-h.register:
			if _, ok := h.clients[req.client.ID]; ok {
				req.reply <- nil
				continue
			}
			h.clients[req.client.ID] = req.client
			h.presence.Add(req.client.ID, req.client.Identity())
			req.client.setState(StateAuthenticated)
			h.log.Debug().Str(logger.FieldSessionID, req.client.ID).Int(logger.FieldUserID, req.client.UserID).Msg("session registered")
			req.reply <- nil

		case req := <-h.unregister:
			h.drop(req.client)
			req.reply <- struct{}{}

		case req := <-h.join:
			if _, ok := h.clients[req.client.ID]; !ok {
				req.reply <- membershipResult{err: ErrNotRegistered}
				continue
			}
			req.reply <- membershipResult{changed: h.rooms.Join(req.client, req.roomID)}

		case req := <-h.leave:
			req.reply <- membershipResult{changed: h.rooms.Leave(req.client.ID, req.roomID)}

		case d := <-h.outbound:
			if d.event != nil {
				h.fanOut(d.event)
			} else {
				h.sendDirect(d.client, d.payload)
			}

		case reply := <-h.stats:
			reply <- Stats{Sessions: h.presence.Len(), Users: len(h.presence.Users())}

		case q := <-h.query:
			members := h.rooms.Members(q.roomID)
			seen := make(map[int]struct{}, len(members))
			users := make([]int, 0, len(members))
			for _, c := range members {
				if _, ok := seen[c.UserID]; ok {
					continue
				}
				seen[c.UserID] = struct{}{}
				users = append(users, c.UserID)
			}
			q.reply <- RoomSnapshot{
				Count:    len(members),
				Users:    users,
				IsMember: h.rooms.IsMember(q.sessionID, q.roomID),
			}
		}
	}
}

func (h *Hub) fanOut(evt *RoomEvent) {
	payload, err := encodeEnvelope(evt.Event, evt.Data)
	if err != nil {
		h.log.Error().Err(err).Str(logger.FieldEvent, evt.Event).Msg("encode room event")
		return
	}
	for _, c := range h.rooms.Broadcast(evt.RoomID, payload, evt.Exclude) {
		h.log.Warn().Str(logger.FieldSessionID, c.ID).Msg("send buffer full, dropping session")
		h.drop(c)
	}
}

func (h *Hub) sendDirect(c *Client, payload []byte) {
	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	select {
	case c.send <- payload:
	default:
		h.log.Warn().Str(logger.FieldSessionID, c.ID).Msg("send buffer full, dropping session")
		h.drop(c)
	}
}

// drop forgets a session. The rooms it was in are kept on the client until
// Unregister collects them, whoever dropped it.
func (h *Hub) drop(c *Client) {
	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	rooms := h.rooms.LeaveAll(c.ID)
	h.presence.Remove(c.ID)
	delete(h.clients, c.ID)
	c.recordDeparture(rooms)
	h.terminate(c)
	h.log.Debug().Str(logger.FieldSessionID, c.ID).Strs("rooms", rooms).Msg("session unregistered")
}

func (h *Hub) terminate(c *Client) {
	c.setState(StateTerminated)
	close(c.send)
}

// Register admits an authenticated session.
func (h *Hub) Register(c *Client) error {
	reply := make(chan error, 1)
	select {
	case h.register <- registerRequest{client: c, reply: reply}:
	case <-h.done:
		return ErrHubStopped
	}
	select {
	case err := <-reply:
		return err
	case <-h.done:
		return ErrHubStopped
	}
}

// Unregister removes the session everywhere and returns the rooms it left,
// including rooms it lost earlier when the hub dropped it as a slow consumer
// or on shutdown. Unregistering twice is harmless.
func (h *Hub) Unregister(c *Client) []string {
	reply := make(chan struct{}, 1)
	select {
	case h.unregister <- unregisterRequest{client: c, reply: reply}:
		select {
		case <-reply:
		case <-h.done:
		}
	case <-h.done:
	}
	return c.takeDeparture()
}

// Join reports whether the session was newly added to the room.
func (h *Hub) Join(c *Client, roomID string) (bool, error) {
	return h.membership(h.join, c, roomID)
}

// Leave reports whether the session was a member of the room.
func (h *Hub) Leave(c *Client, roomID string) (bool, error) {
	return h.membership(h.leave, c, roomID)
}

func (h *Hub) membership(ch chan membershipRequest, c *Client, roomID string) (bool, error) {
	reply := make(chan membershipResult, 1)
	select {
	case ch <- membershipRequest{client: c, roomID: roomID, reply: reply}:
	case <-h.done:
		return false, ErrHubStopped
	}
	select {
	case res := <-reply:
		return res.changed, res.err
	case <-h.done:
		return false, ErrHubStopped
	}
}

// Deliver fans a room event out to the local members of its room.
func (h *Hub) Deliver(evt *RoomEvent) {
	select {
	case h.outbound <- delivery{event: evt}:
	case <-h.done:
	}
}

// SendTo queues an event for one session only.
func (h *Hub) SendTo(c *Client, event string, data any) error {
	payload, err := encodeEnvelope(event, data)
	if err != nil {
		return err
	}
	select {
	case h.outbound <- delivery{client: c, payload: payload}:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

// Snapshot reports the local membership of a room, and whether sessionID is
// part of it.
func (h *Hub) Snapshot(roomID, sessionID string) (RoomSnapshot, error) {
	reply := make(chan RoomSnapshot, 1)
	select {
	case h.query <- roomQuery{roomID: roomID, sessionID: sessionID, reply: reply}:
	case <-h.done:
		return RoomSnapshot{}, ErrHubStopped
	}
	select {
	case s := <-reply:
		return s, nil
	case <-h.done:
		return RoomSnapshot{}, ErrHubStopped
	}
}

func (h *Hub) Stats() (Stats, error) {
	reply := make(chan Stats, 1)
	select {
	case h.stats <- reply:
	case <-h.done:
		return Stats{}, ErrHubStopped
	}
	select {
	case s := <-reply:
		return s, nil
	case <-h.done:
		return Stats{}, ErrHubStopped
	}
}
