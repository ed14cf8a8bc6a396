package chat

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"roomchat/internal/logger"
	"roomchat/internal/middleware"
	"roomchat/internal/response"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

type CreateRoomRequest struct {
	Name        string  `json:"name" validate:"max=100"`
	Description *string `json:"description" validate:"omitempty,max=1000"`
}

type PostMessageRequest struct {
	Content string   `json:"content"`
	Images  []string `json:"images"`
}

type roomResponse struct {
	Room *Room `json:"room"`
}

type roomsResponse struct {
	Rooms      []Room     `json:"rooms"`
	Pagination Pagination `json:"pagination"`
}

type messagesResponse struct {
	Messages []*Message `json:"messages"`
}

type messageResponse struct {
	Message *Message `json:"message"`
}

// RoomHandler serves the REST room resources. Every route expects an
// authenticated request.
type RoomHandler struct {
	gateway *Gateway
	store   Store
}

func NewRoomHandler(g *Gateway) *RoomHandler {
	return &RoomHandler{gateway: g, store: g.Bridge().Store()}
}

func (h *RoomHandler) Routes(r chi.Router) {
	r.Get("/", h.ListRooms)
	r.Post("/", h.CreateRoom)
	r.Route("/{roomID}", func(r chi.Router) {
		r.Get("/", h.GetRoom)
		r.Get("/messages", h.ListMessages)
		r.Post("/messages", h.PostMessage)
		r.Get("/online", h.Online)
	})
}

func (h *RoomHandler) ListRooms(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	limit := min(queryInt(r, "limit", defaultPageLimit), maxPageLimit)

	rooms, total, err := h.store.ListRooms(r.Context(), page, limit)
	if err != nil {
		response.Internal(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, roomsResponse{
		Rooms: rooms,
		Pagination: Pagination{
			Page:  page,
			Limit: limit,
			Total: total,
			Pages: (total + limit - 1) / limit,
		},
	})
}

func (h *RoomHandler) GetRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := h.loadRoom(w, r)
	if !ok {
		return
	}
	response.JSON(w, r, http.StatusOK, roomResponse{Room: room})
}

func (h *RoomHandler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, r, "malformed request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		response.BadRequest(w, r, "room name is required")
		return
	}
	if err := validate.Struct(req); err != nil {
		response.BadRequest(w, r, err.Error())
		return
	}

	var createdBy *int
	if userID, _, ok := middleware.Identity(r.Context()); ok {
		createdBy = &userID
	}

	room, err := h.store.CreateRoom(r.Context(), req.Name, req.Description, createdBy)
	if err != nil {
		if errors.Is(err, ErrDuplicateRoomName) {
			response.Error(w, r, http.StatusConflict, response.CodeConflict, err.Error())
			return
		}
		response.Internal(w, r, err)
		return
	}

	l := logger.Ctx(r.Context())
	l.Info().Str(logger.FieldRoomID, room.ID).Str("room_name", room.Name).Msg("room created")
	response.JSON(w, r, http.StatusCreated, roomResponse{Room: room})
}

func (h *RoomHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	room, ok := h.loadRoom(w, r)
	if !ok {
		return
	}

	var before *time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			response.BadRequest(w, r, "before must be an RFC 3339 timestamp")
			return
		}
		before = &t
	}

	msgs, err := h.gateway.Bridge().History(r.Context(), room.ID, before, queryInt(r, "limit", DefaultHistoryLimit))
	if err != nil {
		writePersistenceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, messagesResponse{Messages: msgs})
}

func (h *RoomHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := middleware.Identity(r.Context())
	if !ok {
		response.Unauthorized(w, r, "missing identity")
		return
	}
	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, r, "malformed request body")
		return
	}

	msg, err := h.gateway.Send(r.Context(), NewMessage{
		RoomID:     chi.URLParam(r, "roomID"),
		Content:    req.Content,
		Images:     req.Images,
		AuthorID:   userID,
		AuthorName: username,
	})
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			response.BadRequest(w, r, verr.Error())
			return
		}
		writePersistenceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusCreated, messageResponse{Message: msg})
}

func (h *RoomHandler) Online(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if !ValidRoomID(roomID) {
		response.BadRequest(w, r, "invalid room id")
		return
	}
	online, err := h.gateway.Online(r.Context(), roomID)
	if err != nil {
		response.Internal(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, online)
}

func (h *RoomHandler) loadRoom(w http.ResponseWriter, r *http.Request) (*Room, bool) {
	roomID := chi.URLParam(r, "roomID")
	if !ValidRoomID(roomID) {
		response.NotFound(w, r, ErrRoomNotFound.Error())
		return nil, false
	}
	room, err := h.store.GetRoom(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			response.NotFound(w, r, err.Error())
			return nil, false
		}
		response.Internal(w, r, err)
		return nil, false
	}
	return room, true
}

func writePersistenceError(w http.ResponseWriter, r *http.Request, err error) {
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		response.Internal(w, r, err)
		return
	}
	l := logger.Ctx(r.Context())
	l.Warn().Err(err).Bool("retryable", perr.Retryable).Msg("persistence failed")
	if perr.Retryable {
		response.Error(w, r, http.StatusServiceUnavailable, response.CodeUnavailable, "storage unavailable, try again")
		return
	}
	response.Error(w, r, http.StatusUnprocessableEntity, response.CodeUnprocessable, "message rejected by storage")
}

func queryInt(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 1 {
		return def
	}
	return n
}
