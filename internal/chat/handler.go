package chat

import (
	"context"
	"net/http"
	"slices"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"roomchat/internal/logger"
	"roomchat/internal/middleware"
	"roomchat/internal/response"
)

type HandlerOptions struct {
	Conn ConnConfig
	// AllowedOrigins empty means any origin.
	AllowedOrigins []string
}

// Handler upgrades authenticated requests to chat sessions.
type Handler struct {
	ctx       context.Context
	gateway   *Gateway
	validator middleware.TokenValidator
	upgrader  websocket.Upgrader
	conn      ConnConfig
	log       zerolog.Logger
}

// NewHandler uses ctx as the parent context of every event a session handles.
func NewHandler(ctx context.Context, g *Gateway, validator middleware.TokenValidator, opts HandlerOptions, log zerolog.Logger) *Handler {
	origins := opts.AllowedOrigins
	return &Handler{
		ctx:       ctx,
		gateway:   g,
		validator: validator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(origins) == 0 {
					return true
				}
				return slices.Contains(origins, r.Header.Get("Origin"))
			},
		},
		conn: opts.Conn,
		log:  log,
	}
}

// ServeWs verifies the credential before upgrading, so an unauthenticated
// request never becomes a session.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	token := middleware.TokenFromRequest(r)
	if token == "" {
		response.Unauthorized(w, r, "missing authentication token")
		return
	}
	userID, username, err := h.validator.ValidateToken(token)
	if err != nil {
		l := logger.Ctx(r.Context())
		l.Info().Err(err).Msg("websocket auth rejected")
		response.Unauthorized(w, r, err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(uuid.NewString(), Identity{UserID: userID, Username: username}, conn, h.conn, h.log)
	if err := h.gateway.Connect(client); err != nil {
		h.log.Warn().Err(err).Msg("register session")
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server shutting down"))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(h.ctx, h.gateway)
}
