package user

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type memoryStore struct {
	mu     sync.Mutex
	nextID int
	users  map[string]*User
}

func newMemoryStore() *memoryStore {
	return &memoryStore{users: make(map[string]*User)}
}

func (m *memoryStore) CreateUser(_ context.Context, u *User) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.Username]; ok {
		return nil, ErrUsernameTaken
	}
	m.nextID++
	u.ID = m.nextID
	m.users[u.Username] = u
	return u, nil
}

func (m *memoryStore) GetUserByUsername(_ context.Context, username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u, nil
}

func (m *memoryStore) SearchUsers(_ context.Context, query string, limit int) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []User
	for _, u := range m.users {
		if strings.Contains(u.Username, query) && len(out) < limit {
			out = append(out, User{ID: u.ID, Username: u.Username})
		}
	}
	return out, nil
}

func newTestService(store Store) *Service {
	return NewService(store, Options{Secret: "test-secret", Issuer: "roomchat", TokenTTL: time.Hour, BcryptCost: bcrypt.MinCost})
}

func TestRegisterAndLogin(t *testing.T) {
	req := require.New(t)
	svc := newTestService(newMemoryStore())
	ctx := context.Background()

	reg, err := svc.Register(ctx, &RegisterRequest{Username: "alice", Password: "password123"})
	req.NoError(err)
	req.Equal(1, reg.ID)

	_, err = svc.Register(ctx, &RegisterRequest{Username: "alice", Password: "other-pass"})
	req.ErrorIs(err, ErrUsernameTaken)

	res, err := svc.Login(ctx, &LoginRequest{Username: "alice", Password: "password123"})
	req.NoError(err)
	req.NotEmpty(res.AccessToken)

	id, name, err := svc.ValidateToken(res.AccessToken)
	req.NoError(err)
	req.Equal(1, id)
	req.Equal("alice", name)

	_, err = svc.Login(ctx, &LoginRequest{Username: "alice", Password: "wrong"})
	req.ErrorIs(err, ErrInvalidCredentials)

	_, err = svc.Login(ctx, &LoginRequest{Username: "bob", Password: "password123"})
	req.ErrorIs(err, ErrInvalidCredentials)
}

func TestValidateToken_Rejections(t *testing.T) {
	req := require.New(t)
	svc := newTestService(newMemoryStore())

	token, _, err := svc.IssueToken(7, "carol")
	req.NoError(err)

	t.Run("expired", func(t *testing.T) {
		late := newTestService(newMemoryStore())
		late.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		_, _, err := late.ValidateToken(token)
		require.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewService(newMemoryStore(), Options{Secret: "another", TokenTTL: time.Hour})
		_, _, err := other.ValidateToken(token)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, _, err := svc.ValidateToken("not.a.jwt")
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("alg none", func(t *testing.T) {
		unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
			ID:       7,
			Username: "carol",
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		s, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, _, err = svc.ValidateToken(s)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing expiry", func(t *testing.T) {
		noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{ID: 7, Username: "carol"})
		s, err := noExp.SignedString([]byte("test-secret"))
		require.NoError(t, err)
		_, _, err = svc.ValidateToken(s)
		require.ErrorIs(t, err, ErrInvalidToken)
	})
}
