package chat

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store. It rejects messages for unknown rooms the
// way the foreign key does.
type memStore struct {
	mu        sync.Mutex
	rooms     map[string]*Room
	messages  []MessageRecord
	clock     time.Time
	insertErr error
	inserts   int
}

func newMemStore(roomIDs ...string) *memStore {
	s := &memStore{
		rooms: make(map[string]*Room),
		clock: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	for _, id := range roomIDs {
		s.rooms[id] = &Room{ID: id, Name: id, CreatedAt: s.clock}
	}
	return s
}

func (s *memStore) InsertMessage(_ context.Context, rec MessageRecord) (MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	if s.insertErr != nil {
		return MessageRecord{}, s.insertErr
	}
	if _, ok := s.rooms[rec.RoomID]; !ok {
		return MessageRecord{}, &pgconn.PgError{Code: "23503", Message: "violates foreign key constraint"}
	}
	s.clock = s.clock.Add(time.Millisecond)
	rec.CreatedAt = s.clock
	s.messages = append(s.messages, rec)
	return rec, nil
}

func (s *memStore) QueryMessages(_ context.Context, roomID string, before *time.Time, limit int) ([]MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []MessageRecord
	for _, m := range s.messages {
		if m.RoomID != roomID || (before != nil && !m.CreatedAt.Before(*before)) {
			continue
		}
		out = append(out, m)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return slices.Clone(out), nil
}

func (s *memStore) CreateRoom(_ context.Context, name string, description *string, createdBy *int) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rooms {
		if r.Name == name {
			return nil, ErrDuplicateRoomName
		}
	}
	r := &Room{ID: uuid.NewString(), Name: name, Description: description, CreatedBy: createdBy, CreatedAt: s.clock}
	s.rooms[r.ID] = r
	return r, nil
}

func (s *memStore) ListRooms(_ context.Context, page, limit int) ([]Room, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	start := min((page-1)*limit, len(ids))
	end := min(start+limit, len(ids))
	rooms := []Room{}
	for _, id := range ids[start:end] {
		rooms = append(rooms, *s.rooms[id])
	}
	return rooms, len(ids), nil
}

func (s *memStore) GetRoom(_ context.Context, id string) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return r, nil
}

func (s *memStore) insertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserts
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub(zerolog.Nop())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h
}

func newTestClient(id string, userID int, username string) *Client {
	return NewClient(id, Identity{UserID: userID, Username: username}, nil, ConnConfig{SendBuffer: 64}, zerolog.Nop())
}

func nextEvent(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case raw, ok := <-c.send:
		require.True(t, ok, "session %s was closed", c.ID)
		var env Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("no event for session %s", c.ID)
		return Envelope{}
	}
}

// nextEventNamed skips events until one named name arrives.
func nextEventNamed(t *testing.T, c *Client, name string) Envelope {
	t.Helper()
	for range 20 {
		env := nextEvent(t, c)
		if env.Event == name {
			return env
		}
	}
	t.Fatalf("no %s event for session %s", name, c.ID)
	return Envelope{}
}

func expectNoEvent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw, ok := <-c.send:
		if ok {
			t.Fatalf("unexpected event for session %s: %s", c.ID, raw)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func drain(c *Client) {
	for {
		select {
		case _, ok := <-c.send:
			if !ok {
				return
			}
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}

func decodeData[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func event(t *testing.T, name string, data any) []byte {
	t.Helper()
	raw, err := encodeEnvelope(name, data)
	require.NoError(t, err)
	return raw
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
