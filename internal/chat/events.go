package chat

import (
	"encoding/json"
	"strings"
)

// Client -> server events.
const (
	EventJoinRoom    = "join-room"
	EventLeaveRoom   = "leave-room"
	EventSendMessage = "send-message"
	EventTyping      = "typing"
)

// Server -> client events.
const (
	EventRoomHistory  = "room-history"
	EventNewMessage   = "new-message"
	EventUserJoined   = "user-joined"
	EventUserTyping   = "user-typing"
	EventOnlineCount  = "online-count"
	EventMessageError = "message-error"
	EventError        = "error"
)

// Envelope frames every event on the socket in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func encodeEnvelope(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// RoomRef is the payload of join-room and leave-room. Clients may send either
// a bare JSON string or {"roomId": "..."}.
type RoomRef struct {
	RoomID string `json:"roomId"`
}

func decodeRoomRef(data json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return strings.TrimSpace(id), nil
	}
	var ref RoomRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return "", &ValidationError{Field: "roomId", Reason: "must be a string or an object with roomId"}
	}
	return strings.TrimSpace(ref.RoomID), nil
}

type OutgoingMessage struct {
	ID      string   `json:"id"`
	Content string   `json:"content"`
	Images  []string `json:"images"`
}

// SendMessagePayload accepts the nested {roomId, message:{id, content, images}}
// shape as well as a flat {roomId, content, images, correlationId}.
type SendMessagePayload struct {
	RoomID        string           `json:"roomId"`
	Message       *OutgoingMessage `json:"message,omitempty"`
	Content       string           `json:"content,omitempty"`
	Images        []string         `json:"images,omitempty"`
	CorrelationID string           `json:"correlationId,omitempty"`
}

func (p SendMessagePayload) toNewMessage(id Identity) NewMessage {
	in := NewMessage{
		RoomID:        strings.TrimSpace(p.RoomID),
		Content:       p.Content,
		Images:        p.Images,
		AuthorID:      id.UserID,
		AuthorName:    id.Username,
		CorrelationID: p.CorrelationID,
	}
	if p.Message != nil {
		in.Content = p.Message.Content
		in.Images = p.Message.Images
		if p.Message.ID != "" {
			in.CorrelationID = p.Message.ID
		}
	}
	return in
}

// TypingPayload carries a userId as well, but the server always uses the
// session's own identity.
type TypingPayload struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

type RoomHistoryPayload struct {
	RoomID   string     `json:"roomId"`
	Messages []*Message `json:"messages"`
}

type UserJoinedPayload struct {
	UserID    int    `json:"userId"`
	Username  string `json:"username"`
	RoomID    string `json:"roomId"`
	Timestamp string `json:"timestamp"`
}

type UserTypingPayload struct {
	UserID   int    `json:"userId"`
	Username string `json:"username"`
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

type OnlineCountPayload struct {
	RoomID string       `json:"roomId"`
	Count  int          `json:"count"`
	Users  []OnlineUser `json:"users"`
}

type MessageErrorPayload struct {
	CorrelationID string `json:"correlationId"`
	Error         string `json:"error"`
	Code          string `json:"code"`
	Retryable     bool   `json:"retryable"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
