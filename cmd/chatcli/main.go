package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"roomchat/internal/chatclient"
	"roomchat/internal/logger"
)

type loginResponse struct {
	AccessToken string `json:"access_token"`
	ID          int    `json:"id"`
	Username    string `json:"username"`
}

type room struct {
	mu sync.Mutex
	id string
}

func (r *room) get() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

func (r *room) set(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.id = id
}

func main() {
	server := flag.String("server", "http://localhost:8080", "chat server base URL")
	username := flag.String("user", "", "username")
	password := flag.String("password", "", "password")
	initial := flag.String("room", "general", "room to join on start")
	verbose := flag.Bool("v", false, "log connection details")
	flag.Parse()

	level := "error"
	if *verbose {
		level = "debug"
	}
	log := logger.New(logger.Config{Level: level, Pretty: true}, os.Stderr)

	if *username == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "usage: chatcli -user NAME -password PASS [-server URL] [-room ID]")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	login, err := authenticate(ctx, *server, *username, *password)
	if err != nil {
		log.Fatal().Err(err).Msg("login failed")
	}

	wsURL, err := socketURL(*server)
	if err != nil {
		log.Fatal().Err(err).Msg("bad server URL")
	}

	current := &room{id: *initial}
	client := chatclient.New(chatclient.Options{
		URL:         wsURL,
		Token:       login.AccessToken,
		CurrentRoom: current.get,
		Logger:      log,
	})
	go printEvents(client, login.ID, log)
	go func() {
		if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("client stopped")
		}
	}()

	fmt.Printf("logged in as %s. /join ROOM, /leave, /typing, /retry, /quit\n", login.Username)

	lines := bufio.NewScanner(os.Stdin)
	for lines.Scan() {
		line := strings.TrimSpace(lines.Text())
		switch {
		case line == "":
		case line == "/quit":
			client.Close()
			return
		case line == "/retry":
			client.Reconnect()
		case line == "/typing":
			if id := current.get(); id != "" {
				if err := client.SetTyping(id, true); err != nil {
					fmt.Println("typing:", err)
				}
			}
		case line == "/leave":
			if id := current.get(); id != "" {
				client.LeaveRoom(id)
				current.set("")
			}
		case strings.HasPrefix(line, "/join "):
			id := strings.TrimSpace(strings.TrimPrefix(line, "/join "))
			if prev := current.get(); prev != "" && prev != id {
				client.LeaveRoom(prev)
			}
			current.set(id)
			if err := client.JoinRoom(id); err != nil {
				fmt.Println("join:", err)
			}
		default:
			id := current.get()
			if id == "" {
				fmt.Println("join a room first")
				continue
			}
			if _, err := client.SendMessage(id, line, nil); err != nil {
				fmt.Println("send:", err)
			}
		}
	}
	client.Close()
}

func printEvents(c *chatclient.Client, self int, log zerolog.Logger) {
	for e := range c.Events() {
		switch e.Name {
		case chatclient.EventState:
			fmt.Printf("* %s\n", e.State)
		case chatclient.EventConnectionFailed:
			fmt.Printf("* connection failed: %v (type /retry)\n", e.Err)
		case "room-history":
			var p struct {
				RoomID   string `json:"roomId"`
				Messages []struct {
					Author  struct{ Username string } `json:"author"`
					Content string                    `json:"content"`
				} `json:"messages"`
			}
			if decode(e, &p, log) {
				fmt.Printf("-- #%s (%d messages) --\n", p.RoomID, len(p.Messages))
				for _, m := range p.Messages {
					fmt.Printf("%s: %s\n", m.Author.Username, m.Content)
				}
			}
		case "new-message":
			var m struct {
				RoomID  string                    `json:"roomId"`
				Author  struct{ Username string } `json:"author"`
				Content string                    `json:"content"`
				Images  []string                  `json:"images"`
			}
			if decode(e, &m, log) {
				suffix := ""
				if len(m.Images) > 0 {
					suffix = fmt.Sprintf(" [%d image(s)]", len(m.Images))
				}
				fmt.Printf("[%s] %s: %s%s\n", m.RoomID, m.Author.Username, m.Content, suffix)
			}
		case "user-joined":
			var p struct {
				Username string `json:"username"`
			}
			if decode(e, &p, log) {
				fmt.Printf("* %s joined\n", p.Username)
			}
		case "user-typing":
			var p struct {
				UserID   int    `json:"userId"`
				Username string `json:"username"`
				IsTyping bool   `json:"isTyping"`
			}
			if decode(e, &p, log) && p.IsTyping && p.UserID != self {
				fmt.Printf("* %s is typing...\n", p.Username)
			}
		case "online-count":
			var p struct {
				RoomID string `json:"roomId"`
				Count  int    `json:"count"`
			}
			if decode(e, &p, log) {
				fmt.Printf("* %d online in #%s\n", p.Count, p.RoomID)
			}
		case "message-error":
			var p struct {
				Error     string `json:"error"`
				Retryable bool   `json:"retryable"`
			}
			if decode(e, &p, log) {
				fmt.Printf("! message not sent: %s (retryable: %t)\n", p.Error, p.Retryable)
			}
		case "error":
			fmt.Printf("! %s\n", e.Data)
		}
	}
}

func decode(e chatclient.Event, v any, log zerolog.Logger) bool {
	if err := json.Unmarshal(e.Data, v); err != nil {
		log.Warn().Err(err).Str(logger.FieldEvent, e.Name).Msg("undecodable event")
		return false
	}
	return true
}

func authenticate(ctx context.Context, server, username, password string) (*loginResponse, error) {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/login", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login: %s", resp.Status)
	}

	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func socketURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}
