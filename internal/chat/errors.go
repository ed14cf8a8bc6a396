package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrDuplicateRoomName = errors.New("room name already exists")
	ErrCacheMiss         = errors.New("cache miss")
	ErrHubStopped        = errors.New("hub stopped")
	ErrNotRegistered     = errors.New("session not registered")
)

// Error codes sent to clients in message-error and error events.
const (
	CodeValidation  = "VALIDATION_ERROR"
	CodePersistence = "PERSISTENCE_ERROR"
	CodeBadEvent    = "BAD_EVENT"
	CodeNotMember   = "NOT_IN_ROOM"
)

// ValidationError is a rejected input. The session stays usable.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PersistenceError wraps a storage failure. Retryable is false when the store
// rejected the write itself (constraint violations), so resubmitting the same
// message cannot succeed.
type PersistenceError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func newPersistenceError(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Retryable: isRetryable(err), Err: err}
}

// SQLSTATE class 23 is integrity constraint violation.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return !strings.HasPrefix(pgErr.Code, "23")
	}
	if errors.Is(err, ErrRoomNotFound) || errors.Is(err, ErrDuplicateRoomName) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
