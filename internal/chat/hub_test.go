package chat

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestHubRegisterJoinSnapshot(t *testing.T) {
	req := require.New(t)
	h := startHub(t)
	a := newTestClient("a", 1, "alice")
	b := newTestClient("b", 1, "alice")
	c := newTestClient("c", 2, "bob")

	req.Equal(StateUnauthenticated, a.State())
	for _, cl := range []*Client{a, b, c} {
		req.NoError(h.Register(cl))
	}
	req.Equal(StateAuthenticated, a.State())

	for _, cl := range []*Client{a, b, c} {
		joined, err := h.Join(cl, "general")
		req.NoError(err)
		req.True(joined)
	}
	joined, err := h.Join(a, "general")
	req.NoError(err)
	req.False(joined)

	snap, err := h.Snapshot("general", "a")
	req.NoError(err)
	req.Equal(3, snap.Count)
	req.ElementsMatch([]int{1, 2}, snap.Users)
	req.True(snap.IsMember)

	stats, err := h.Stats()
	req.NoError(err)
	req.Equal(Stats{Sessions: 3, Users: 2}, stats)
}

func TestHubJoinRequiresRegistration(t *testing.T) {
	h := startHub(t)
	_, err := h.Join(newTestClient("ghost", 1, "alice"), "general")
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestHubUnregisterLeavesEveryRoom(t *testing.T) {
	req := require.New(t)
	h := startHub(t)
	a := newTestClient("a", 1, "alice")
	req.NoError(h.Register(a))
	h.Join(a, "general")
	h.Join(a, "game")

	req.Equal([]string{"game", "general"}, h.Unregister(a))
	req.Equal(StateTerminated, a.State())
	_, open := <-a.send
	req.False(open)

	snap, err := h.Snapshot("general", "a")
	req.NoError(err)
	req.Zero(snap.Count)
	req.False(snap.IsMember)

	req.Empty(h.Unregister(a))
}

func TestHubDeliverExcludesSender(t *testing.T) {
	req := require.New(t)
	h := startHub(t)
	a := newTestClient("a", 1, "alice")
	b := newTestClient("b", 2, "bob")
	for _, cl := range []*Client{a, b} {
		req.NoError(h.Register(cl))
		h.Join(cl, "general")
	}

	evt, err := NewRoomEvent("general", EventUserTyping, UserTypingPayload{UserID: 1, RoomID: "general", IsTyping: true}, "a")
	req.NoError(err)
	h.Deliver(evt)

	env := nextEvent(t, b)
	req.Equal(EventUserTyping, env.Event)
	req.True(decodeData[UserTypingPayload](t, env).IsTyping)
	expectNoEvent(t, a)
}

func TestHubSendToKeepsOrderWithRoomEvents(t *testing.T) {
	req := require.New(t)
	h := startHub(t)
	a := newTestClient("a", 1, "alice")
	req.NoError(h.Register(a))
	h.Join(a, "general")

	req.NoError(h.SendTo(a, EventRoomHistory, RoomHistoryPayload{RoomID: "general"}))
	evt, err := NewRoomEvent("general", EventOnlineCount, OnlineCountPayload{RoomID: "general", Count: 1}, "")
	req.NoError(err)
	h.Deliver(evt)

	req.Equal(EventRoomHistory, nextEvent(t, a).Event)
	req.Equal(EventOnlineCount, nextEvent(t, a).Event)
}

func TestHubDropsSlowConsumer(t *testing.T) {
	req := require.New(t)
	h := startHub(t)
	slow := NewClient("slow", Identity{UserID: 1, Username: "alice"}, nil, ConnConfig{SendBuffer: 1}, zerolog.Nop())
	req.NoError(h.Register(slow))
	h.Join(slow, "general")

	for range 3 {
		evt, err := NewRoomEvent("general", EventOnlineCount, OnlineCountPayload{RoomID: "general"}, "")
		req.NoError(err)
		h.Deliver(evt)
	}

	req.Eventually(func() bool { return slow.State() == StateTerminated }, time.Second, 10*time.Millisecond)
	stats, err := h.Stats()
	req.NoError(err)
	req.Zero(stats.Sessions)

	// The rooms it lost are still reported when its connection goes away.
	req.Equal([]string{"general"}, h.Unregister(slow))
	req.Empty(h.Unregister(slow))
}

func TestHubStopped(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub(zerolog.Nop())
	a := newTestClient("a", 1, "alice")

	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()
	req.NoError(h.Register(a))
	member := newTestClient("m", 3, "mia")
	req.NoError(h.Register(member))
	_, err := h.Join(member, "general")
	req.NoError(err)
	cancel()
	<-stopped

	req.Equal(StateTerminated, a.State())
	req.ErrorIs(h.Register(newTestClient("b", 2, "bob")), ErrHubStopped)
	_, err = h.Join(a, "general")
	req.ErrorIs(err, ErrHubStopped)
	_, err = h.Snapshot("general", "")
	req.ErrorIs(err, ErrHubStopped)
	req.Empty(h.Unregister(a))
	req.Equal([]string{"general"}, h.Unregister(member))
}

func TestHubInterleavedJoinLeaveMatchesReplay(t *testing.T) {
	for _, seed := range []uint64{1, 7, 42} {
		t.Run(fmt.Sprint(seed), func(t *testing.T) {
			req := require.New(t)
			h := startHub(t)
			a := newTestClient("a", 1, "alice")
			other := newTestClient("b", 2, "bob")
			req.NoError(h.Register(a))
			req.NoError(h.Register(other))
			_, err := h.Join(other, "room-0")
			req.NoError(err)

			rooms := []string{"room-0", "room-1", "room-2", "room-3", "room-4"}
			rng := rand.New(rand.NewPCG(seed, seed))
			want := make(map[string]bool)

			for range 500 {
				room := rooms[rng.IntN(len(rooms))]
				if rng.IntN(2) == 0 {
					changed, err := h.Join(a, room)
					req.NoError(err)
					req.Equal(!want[room], changed, "join %s", room)
					want[room] = true
				} else {
					changed, err := h.Leave(a, room)
					req.NoError(err)
					req.Equal(want[room], changed, "leave %s", room)
					want[room] = false
				}
			}

			for _, room := range rooms {
				snap, err := h.Snapshot(room, "a")
				req.NoError(err)
				req.Equal(want[room], snap.IsMember, room)
				count := 0
				if want[room] {
					count++
				}
				if room == "room-0" {
					count++
				}
				req.Equal(count, snap.Count, room)
			}

			var joined []string
			for _, room := range rooms {
				if want[room] {
					joined = append(joined, room)
				}
			}
			req.Equal(joined, h.Unregister(a))
		})
	}
}
