package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"roomchat/internal/logger"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)

var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("roomid", func(fl validator.FieldLevel) bool {
		return roomIDPattern.MatchString(fl.Field().String())
	})
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		m := sl.Current().Interface().(NewMessage)
		if strings.TrimSpace(m.Content) == "" && len(m.Images) == 0 {
			sl.ReportError(m.Content, "Content", "content", "content_or_images", "")
		}
	}, NewMessage{})
	return v
}

// ValidRoomID reports whether id can name a room.
func ValidRoomID(id string) bool {
	return roomIDPattern.MatchString(id)
}

// Store is the persistence collaborator for rooms and messages.
type Store interface {
	InsertMessage(ctx context.Context, rec MessageRecord) (MessageRecord, error)
	// QueryMessages returns at most limit messages older than before (or the
	// newest when before is nil), oldest first.
	QueryMessages(ctx context.Context, roomID string, before *time.Time, limit int) ([]MessageRecord, error)
	CreateRoom(ctx context.Context, name string, description *string, createdBy *int) (*Room, error)
	ListRooms(ctx context.Context, page, limit int) ([]Room, int, error)
	GetRoom(ctx context.Context, id string) (*Room, error)
}

// Bridge converts between the socket shape of a message and its storage
// shape, and turns store failures into typed errors.
type Bridge struct {
	store   Store
	cache   HistoryCache
	timeout time.Duration
	log     zerolog.Logger
	newID   func() string

	mu sync.Mutex
	// stale lists rooms whose cached history may lack a stored message
	// because neither Append nor Invalidate got through.
	// The value counts failures so a failure racing a recovery is kept.
	stale map[string]int
}

type BridgeOptions struct {
	// Cache is optional.
	Cache HistoryCache
	// Timeout bounds a single store call. Zero means no extra bound.
	Timeout time.Duration
}

func NewBridge(store Store, opts BridgeOptions, log zerolog.Logger) *Bridge {
	return &Bridge{
		store:   store,
		cache:   opts.Cache,
		timeout: opts.Timeout,
		log:     log,
		newID:   uuid.NewString,
		stale:   make(map[string]int),
	}
}

func (b *Bridge) Store() Store {
	return b.store
}

// Validate checks a message before anything is persisted.
func (b *Bridge) Validate(in NewMessage) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Field: "message", Reason: err.Error()}
	}
	return toValidationError(verrs[0])
}

func toValidationError(fe validator.FieldError) *ValidationError {
	field := fe.Field()
	switch fe.Tag() {
	case "roomid":
		return &ValidationError{Field: "roomId", Reason: "must be 1-64 letters, digits, '-' or '_'"}
	case "content_or_images":
		return &ValidationError{Field: "content", Reason: "message must have text or at least one image"}
	case "max":
		if field == "Content" {
			return &ValidationError{Field: "content", Reason: "must be at most " + fe.Param() + " characters"}
		}
		if field == "Images" {
			return &ValidationError{Field: "images", Reason: "at most " + fe.Param() + " images"}
		}
		return &ValidationError{Field: "images", Reason: "image reference too long"}
	case "required":
		return &ValidationError{Field: "images", Reason: "image reference must not be empty"}
	case "gt":
		return &ValidationError{Field: "author", Reason: "unknown author"}
	}
	return &ValidationError{Field: strings.ToLower(field), Reason: fe.Error()}
}

// Persist validates and durably stores a message. The returned message
// carries the server-assigned id and creation time.
func (b *Bridge) Persist(ctx context.Context, in NewMessage) (*Message, error) {
	if err := b.Validate(in); err != nil {
		return nil, err
	}

	images, err := encodeImages(in.Images)
	if err != nil {
		return nil, &ValidationError{Field: "images", Reason: err.Error()}
	}

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	rec, err := b.store.InsertMessage(ctx, MessageRecord{
		ID:         b.newID(),
		RoomID:     in.RoomID,
		AuthorID:   in.AuthorID,
		AuthorName: in.AuthorName,
		Content:    in.Content,
		Images:     images,
	})
	if err != nil {
		return nil, newPersistenceError("insert", err)
	}

	msg, err := fromRecord(rec)
	if err != nil {
		return nil, newPersistenceError("decode", err)
	}

	if b.cache != nil {
		if err := b.cache.Append(ctx, msg); err != nil {
			b.log.Warn().Err(err).Str(logger.FieldRoomID, msg.RoomID).Msg("history cache append failed, invalidating")
			if err := b.cache.Invalidate(context.WithoutCancel(ctx), msg.RoomID); err != nil {
				b.log.Warn().Err(err).Str(logger.FieldRoomID, msg.RoomID).Msg("history cache invalidate failed")
				b.markStale(msg.RoomID)
			}
		}
	}
	return msg, nil
}

// Recent returns the newest limit messages of a room, oldest first.
func (b *Bridge) Recent(ctx context.Context, roomID string, limit int) ([]*Message, error) {
	limit = clampLimit(limit)
	if b.cache != nil && b.cacheUsable(ctx, roomID) {
		msgs, err := b.cache.Recent(ctx, roomID, limit)
		if err == nil {
			return msgs, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			b.log.Warn().Err(err).Str(logger.FieldRoomID, roomID).Msg("history cache read failed")
		}
	}
	return b.History(ctx, roomID, nil, limit)
}

func (b *Bridge) markStale(roomID string) {
	b.mu.Lock()
	b.stale[roomID]++
	b.mu.Unlock()
}

// cacheUsable reports whether the cached history of a room can be trusted.
// A stale room is trusted again only once its list was dropped.
func (b *Bridge) cacheUsable(ctx context.Context, roomID string) bool {
	b.mu.Lock()
	failures, stale := b.stale[roomID]
	b.mu.Unlock()
	if !stale {
		return true
	}
	if err := b.cache.Invalidate(ctx, roomID); err != nil {
		b.log.Warn().Err(err).Str(logger.FieldRoomID, roomID).Msg("history cache still unreachable")
		return false
	}
	b.mu.Lock()
	if b.stale[roomID] == failures {
		delete(b.stale, roomID)
	}
	b.mu.Unlock()
	return false
}

// History pages backwards from before, straight from the store.
func (b *Bridge) History(ctx context.Context, roomID string, before *time.Time, limit int) ([]*Message, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	recs, err := b.store.QueryMessages(ctx, roomID, before, clampLimit(limit))
	if err != nil {
		return nil, newPersistenceError("query", err)
	}
	msgs := make([]*Message, 0, len(recs))
	for _, rec := range recs {
		m, err := fromRecord(rec)
		if err != nil {
			return nil, newPersistenceError("decode", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (b *Bridge) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.timeout)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	return min(limit, MaxHistoryLimit)
}

// encodeImages stores an empty list as NULL.
func encodeImages(images []string) (*string, error) {
	if len(images) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(images)
	if err != nil {
		return nil, err
	}
	s := string(raw)
	return &s, nil
}

func decodeImages(raw *string) ([]string, error) {
	images := []string{}
	if raw == nil || *raw == "" {
		return images, nil
	}
	if err := json.Unmarshal([]byte(*raw), &images); err != nil {
		return nil, fmt.Errorf("decode images: %w", err)
	}
	return images, nil
}

func fromRecord(rec MessageRecord) (*Message, error) {
	images, err := decodeImages(rec.Images)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        rec.ID,
		RoomID:    rec.RoomID,
		AuthorID:  rec.AuthorID,
		Author:    Author{ID: rec.AuthorID, Username: rec.AuthorName},
		Content:   rec.Content,
		Images:    images,
		CreatedAt: rec.CreatedAt,
	}, nil
}
