package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"roomchat/internal/logger"
)

var (
	baseURL   = flag.String("base", "http://localhost:8080", "server base URL")
	userCount = flag.Int("users", 100, "users per room")
	roomCount = flag.Int("rooms", 5, "rooms to spread users over")
	msgCount  = flag.Int("msgs", 20, "messages per user")
	interval  = flag.Duration("interval", 10*time.Millisecond, "pause between messages of one user")
)

type AuthResponse struct {
	Token    string `json:"access_token"`
	ID       int    `json:"id"`
	Username string `json:"username"`
}

type RoomResponse struct {
	Room struct {
		ID string `json:"id"`
	} `json:"room"`
}

type stats struct {
	sent     atomic.Int64
	received atomic.Int64
	failed   atomic.Int64
}

func main() {
	flag.Parse()
	log := logger.New(logger.Config{Level: "info", Pretty: true}, nil)

	log.Info().Int("users", *userCount**roomCount).Int("msgs", *msgCount).Msg("starting stress test")
	start := time.Now()
	var st stats
	var wg sync.WaitGroup

	for r := 0; r < *roomCount; r++ {
		wg.Add(1)
		go func(roomNo int) {
			defer wg.Done()
			runRoom(roomNo, &st, log)
		}(r)
	}
	wg.Wait()

	log.Info().
		Int64("sent", st.sent.Load()).
		Int64("received", st.received.Load()).
		Int64("failed", st.failed.Load()).
		Dur("elapsed", time.Since(start)).
		Msg("load test complete")
}

// runRoom creates one room and has every user in it send msgCount messages
// while listening to everyone else.
func runRoom(roomNo int, st *stats, log zerolog.Logger) {
	pass := "password123"
	owner, err := authenticate(fmt.Sprintf("lt%downer", roomNo), pass)
	if err != nil {
		log.Error().Err(err).Int("room", roomNo).Msg("owner login failed")
		return
	}
	roomID, err := createRoom(owner.Token, fmt.Sprintf("loadtest-%d-%d", roomNo, time.Now().UnixNano()))
	if err != nil {
		log.Error().Err(err).Int("room", roomNo).Msg("create room failed")
		return
	}

	var wg sync.WaitGroup
	for i := 0; i < *userCount; i++ {
		wg.Add(1)
		go func(userNo int) {
			defer wg.Done()
			name := fmt.Sprintf("lt%du%d", roomNo, userNo)
			auth, err := authenticate(name, pass)
			if err != nil {
				st.failed.Add(1)
				log.Warn().Err(err).Str(logger.FieldUsername, name).Msg("login failed")
				return
			}
			spamRoom(auth, roomID, st, log)
		}(i)
	}
	wg.Wait()
}

// authenticate registers (ignoring a taken username) and logs in.
func authenticate(username, password string) (*AuthResponse, error) {
	if resp, err := postJSON("/register", "", map[string]string{"username": username, "password": password}); err == nil {
		resp.Body.Close()
	}

	resp, err := postJSON("/login", "", map[string]string{"username": username, "password": password})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login: %s", resp.Status)
	}

	var data AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

func createRoom(token, name string) (string, error) {
	resp, err := postJSON("/api/rooms", token, map[string]string{"name": name, "description": "load test"})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create room: %s", resp.Status)
	}

	var data RoomResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", err
	}
	return data.Room.ID, nil
}

func spamRoom(auth *AuthResponse, roomID string, st *stats, log zerolog.Logger) {
	wsURL := "ws" + strings.TrimPrefix(*baseURL, "http") + "/ws?token=" + auth.Token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		st.failed.Add(1)
		log.Warn().Err(err).Str(logger.FieldUsername, auth.Username).Msg("websocket connect failed")
		return
	}
	defer conn.Close()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			st.received.Add(int64(bytes.Count(frame, []byte(`"event":"new-message"`))))
		}
	}()

	if err := conn.WriteJSON(map[string]any{"event": "join-room", "data": roomID}); err != nil {
		st.failed.Add(1)
		return
	}

	for i := 0; i < *msgCount; i++ {
		msg := map[string]any{
			"event": "send-message",
			"data": map[string]any{
				"roomId": roomID,
				"message": map[string]any{
					"id":      fmt.Sprintf("%s-%d", auth.Username, i),
					"content": fmt.Sprintf("LoadTest Msg %d from %s", i, auth.Username),
				},
			},
		}
		if err := conn.WriteJSON(msg); err != nil {
			st.failed.Add(1)
			log.Warn().Err(err).Str(logger.FieldUsername, auth.Username).Msg("send failed")
			break
		}
		st.sent.Add(1)
		time.Sleep(*interval)
	}

	// Give the last broadcasts a moment to arrive before hanging up.
	time.Sleep(time.Second)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	<-readDone
}

func postJSON(endpoint, token string, data any) (*http.Response, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, *baseURL+endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}
