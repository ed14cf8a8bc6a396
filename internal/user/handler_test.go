package user

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandler_RegisterLoginSearch(t *testing.T) {
	req := require.New(t)
	h := NewHandler(newTestService(newMemoryStore()))

	rr := httptest.NewRecorder()
	h.Register(rr, httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(`{"username":"alice","password":"password123"}`)))
	req.Equal(http.StatusCreated, rr.Code)

	rr = httptest.NewRecorder()
	h.Register(rr, httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(`{"username":"alice","password":"password123"}`)))
	req.Equal(http.StatusConflict, rr.Code)

	rr = httptest.NewRecorder()
	h.Register(rr, httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(`{"username":"al","password":"x"}`)))
	req.Equal(http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	h.Login(rr, httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"alice","password":"password123"}`)))
	req.Equal(http.StatusOK, rr.Code)
	var login LoginResponse
	req.NoError(json.NewDecoder(rr.Body).Decode(&login))
	req.NotEmpty(login.AccessToken)
	req.Equal("alice", login.Username)

	rr = httptest.NewRecorder()
	h.Login(rr, httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"alice","password":"nope"}`)))
	req.Equal(http.StatusUnauthorized, rr.Code)

	rr = httptest.NewRecorder()
	h.SearchUsers(rr, httptest.NewRequest(http.MethodGet, "/api/users/search?q=ali", nil))
	req.Equal(http.StatusOK, rr.Code)
	var users []User
	req.NoError(json.NewDecoder(rr.Body).Decode(&users))
	req.Len(users, 1)

	rr = httptest.NewRecorder()
	h.SearchUsers(rr, httptest.NewRequest(http.MethodGet, "/api/users/search", nil))
	req.Equal(http.StatusBadRequest, rr.Code)
}
