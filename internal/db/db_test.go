package db

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*Database, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &Database{Conn: conn}, mock
}

func TestAutoMigrate_RunsEveryStatement(t *testing.T) {
	req := require.New(t)
	d, mock := newMock(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS users").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS rooms").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS messages").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS messages_room_created_idx").WillReturnResult(sqlmock.NewResult(0, 0))

	req.NoError(d.AutoMigrate(context.Background()))
	req.NoError(mock.ExpectationsWereMet())
}

func TestAutoMigrate_StopsOnFailure(t *testing.T) {
	req := require.New(t)
	d, mock := newMock(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS users").WillReturnError(errors.New("permission denied"))

	err := d.AutoMigrate(context.Background())
	req.ErrorContains(err, "migration failed")
	req.NoError(mock.ExpectationsWereMet())
}

func TestSeedRooms_IsIdempotent(t *testing.T) {
	req := require.New(t)
	d, mock := newMock(t)
	insert := regexp.QuoteMeta(`INSERT INTO rooms (id, name, description) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`)

	mock.ExpectExec(insert).WithArgs("general", "general", "Public chat room").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insert).WithArgs("game", "game", "Game discussion").WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := d.SeedRooms(context.Background(), DefaultRooms)
	req.NoError(err)
	req.Equal(1, created)
	req.NoError(mock.ExpectationsWereMet())
}
