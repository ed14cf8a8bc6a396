package user

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"roomchat/internal/logger"
	"roomchat/internal/response"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type Handler struct {
	Service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{Service: s}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, r, "malformed request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		response.BadRequest(w, r, err.Error())
		return
	}

	res, err := h.Service.Register(r.Context(), &req)
	if err != nil {
		if errors.Is(err, ErrUsernameTaken) {
			response.Error(w, r, http.StatusConflict, response.CodeConflict, err.Error())
			return
		}
		response.Internal(w, r, err)
		return
	}

	l := logger.Ctx(r.Context())
	l.Info().Int(logger.FieldUserID, res.ID).Str(logger.FieldUsername, res.Username).Msg("user registered")
	response.JSON(w, r, http.StatusCreated, res)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, r, "malformed request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		response.BadRequest(w, r, err.Error())
		return
	}

	res, err := h.Service.Login(r.Context(), &req)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(w, r, "invalid credentials")
			return
		}
		response.Internal(w, r, err)
		return
	}

	response.JSON(w, r, http.StatusOK, res)
}

func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		response.BadRequest(w, r, "missing query parameter q")
		return
	}

	users, err := h.Service.SearchUsers(r.Context(), q)
	if err != nil {
		response.Internal(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, users)
}
