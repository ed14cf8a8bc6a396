package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

type Options struct {
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

func NewDatabase(ctx context.Context, dsn string, opts Options) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, err
	}
	if opts.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(opts.MaxOpenConns)
		conn.SetMaxIdleConns(opts.MaxOpenConns)
	}
	if opts.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
            id SERIAL PRIMARY KEY,
            username VARCHAR(50) UNIQUE NOT NULL,
            password VARCHAR(255) NOT NULL,
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,

	`CREATE TABLE IF NOT EXISTS rooms (
            id VARCHAR(64) PRIMARY KEY,
            name VARCHAR(100) UNIQUE NOT NULL,
            description TEXT,
            created_by INT REFERENCES users(id) ON DELETE SET NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
        )`,

	`CREATE TABLE IF NOT EXISTS messages (
            id UUID PRIMARY KEY,
            room_id VARCHAR(64) NOT NULL REFERENCES rooms(id),
            author_id INT NOT NULL REFERENCES users(id),
            content TEXT NOT NULL DEFAULT '',
            images TEXT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
        )`,

	`CREATE INDEX IF NOT EXISTS messages_room_created_idx ON messages (room_id, created_at DESC)`,
}

func (d *Database) AutoMigrate(ctx context.Context) error {
	for _, query := range migrations {
		if _, err := d.Conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// DefaultRoom is a room that must exist before anyone can chat.
type DefaultRoom struct {
	ID          string
	Name        string
	Description string
}

var DefaultRooms = []DefaultRoom{
	{ID: "general", Name: "general", Description: "Public chat room"},
	{ID: "game", Name: "game", Description: "Game discussion"},
}

// SeedRooms inserts rooms that are missing and leaves existing ones alone.
// It returns how many rows were created.
func (d *Database) SeedRooms(ctx context.Context, rooms []DefaultRoom) (int, error) {
	created := 0
	for _, r := range rooms {
		res, err := d.Conn.ExecContext(ctx,
			`INSERT INTO rooms (id, name, description) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			r.ID, r.Name, r.Description)
		if err != nil {
			return created, fmt.Errorf("seed room %s: %w", r.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return created, err
		}
		created += int(n)
	}
	return created, nil
}
