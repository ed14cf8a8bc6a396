package chat

import (
	"time"
)

// ---------------------------------------------
// Database & API models
// ---------------------------------------------

type Room struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	CreatedBy   *int      `json:"createdBy,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Author struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
}

// Message is a persisted chat message. It never changes after creation.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	AuthorID  int       `json:"authorId"`
	Author    Author    `json:"author"`
	Content   string    `json:"content"`
	Images    []string  `json:"images"`
	CreatedAt time.Time `json:"createdAt"`
}

// MessageRecord is the storage layout of a Message: the image list is kept
// as a single JSON text column and the author name comes from a join.
type MessageRecord struct {
	ID         string
	RoomID     string
	AuthorID   int
	AuthorName string
	Content    string
	Images     *string
	CreatedAt  time.Time
}

// NewMessage is an accepted but not yet persisted message.
type NewMessage struct {
	RoomID        string   `validate:"roomid"`
	Content       string   `validate:"max=10000"`
	Images        []string `validate:"max=9,dive,required,max=2048"`
	AuthorID      int      `validate:"gt=0"`
	AuthorName    string
	CorrelationID string
}

// Identity is who a session authenticated as.
type Identity struct {
	UserID   int
	Username string
}

type OnlineUser struct {
	UserID int  `json:"userId"`
	Online bool `json:"online"`
}

// Pagination mirrors the page/limit envelope of the REST listing endpoints.
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}
