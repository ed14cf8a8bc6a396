package chat

import (
	"slices"
	"strings"

	"github.com/samber/lo"
)

// RoomChannel is the membership index: room id -> sessions, plus the reverse
// index used to clean up on disconnect. Membership is a set, so joining twice
// and leaving once leaves the session outside the room.
//
// Like PresenceRegistry it is owned by the Hub loop.
type RoomChannel struct {
	rooms    map[string]map[string]*Client
	sessions map[string]map[string]struct{}
}

func NewRoomChannel() *RoomChannel {
	return &RoomChannel{
		rooms:    make(map[string]map[string]*Client),
		sessions: make(map[string]map[string]struct{}),
	}
}

// Join reports whether the session was not a member before.
func (rc *RoomChannel) Join(c *Client, roomID string) bool {
	members, ok := rc.rooms[roomID]
	if !ok {
		members = make(map[string]*Client)
		rc.rooms[roomID] = members
	}
	if _, already := members[c.ID]; already {
		return false
	}
	members[c.ID] = c

	joined, ok := rc.sessions[c.ID]
	if !ok {
		joined = make(map[string]struct{})
		rc.sessions[c.ID] = joined
	}
	joined[roomID] = struct{}{}
	return true
}

// Leave reports whether the session was a member.
func (rc *RoomChannel) Leave(sessionID, roomID string) bool {
	members, ok := rc.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok := members[sessionID]; !ok {
		return false
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(rc.rooms, roomID)
	}

	joined := rc.sessions[sessionID]
	delete(joined, roomID)
	if len(joined) == 0 {
		delete(rc.sessions, sessionID)
	}
	return true
}

// LeaveAll removes the session from every room and returns those rooms, sorted.
func (rc *RoomChannel) LeaveAll(sessionID string) []string {
	rooms := rc.RoomsOf(sessionID)
	for _, roomID := range rooms {
		rc.Leave(sessionID, roomID)
	}
	return rooms
}

func (rc *RoomChannel) IsMember(sessionID, roomID string) bool {
	_, ok := rc.rooms[roomID][sessionID]
	return ok
}

func (rc *RoomChannel) Count(roomID string) int {
	return len(rc.rooms[roomID])
}

func (rc *RoomChannel) Members(roomID string) []*Client {
	members := lo.Values(rc.rooms[roomID])
	slices.SortFunc(members, func(a, b *Client) int { return strings.Compare(a.ID, b.ID) })
	return members
}

func (rc *RoomChannel) RoomsOf(sessionID string) []string {
	rooms := lo.Keys(rc.sessions[sessionID])
	slices.Sort(rooms)
	return rooms
}

// Broadcast queues payload on every member except the one with id exclude.
// Members whose send buffer is full are returned so the caller can drop them.
func (rc *RoomChannel) Broadcast(roomID string, payload []byte, exclude string) []*Client {
	var slow []*Client
	for id, c := range rc.rooms[roomID] {
		if id == exclude {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	return slow
}
