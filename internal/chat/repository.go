package chat

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// Repository is the PostgreSQL Store.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) InsertMessage(ctx context.Context, rec MessageRecord) (MessageRecord, error) {
	query := `INSERT INTO messages (id, room_id, author_id, content, images)
              VALUES ($1, $2, $3, $4, $5) RETURNING created_at`

	err := r.db.QueryRowContext(ctx, query, rec.ID, rec.RoomID, rec.AuthorID, rec.Content, rec.Images).Scan(&rec.CreatedAt)
	if err != nil {
		return MessageRecord{}, err
	}
	return rec, nil
}

func (r *Repository) QueryMessages(ctx context.Context, roomID string, before *time.Time, limit int) ([]MessageRecord, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before != nil {
		rows, err = r.db.QueryContext(ctx, `
            SELECT m.id, m.room_id, m.author_id, u.username, m.content, m.images, m.created_at
            FROM messages m JOIN users u ON u.id = m.author_id
            WHERE m.room_id = $1 AND m.created_at < $2
            ORDER BY m.created_at DESC, m.id DESC LIMIT $3`, roomID, *before, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, `
            SELECT m.id, m.room_id, m.author_id, u.username, m.content, m.images, m.created_at
            FROM messages m JOIN users u ON u.id = m.author_id
            WHERE m.room_id = $1
            ORDER BY m.created_at DESC, m.id DESC LIMIT $2`, roomID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := []MessageRecord{}
	for rows.Next() {
		var rec MessageRecord
		if err := rows.Scan(&rec.ID, &rec.RoomID, &rec.AuthorID, &rec.AuthorName, &rec.Content, &rec.Images, &rec.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(recs)
	return recs, nil
}

func (r *Repository) CreateRoom(ctx context.Context, name string, description *string, createdBy *int) (*Room, error) {
	room := &Room{ID: uuid.NewString(), Name: name, Description: description, CreatedBy: createdBy}
	query := "INSERT INTO rooms (id, name, description, created_by) VALUES ($1, $2, $3, $4) RETURNING created_at"

	err := r.db.QueryRowContext(ctx, query, room.ID, name, description, createdBy).Scan(&room.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrDuplicateRoomName
		}
		return nil, err
	}
	return room, nil
}

func (r *Repository) ListRooms(ctx context.Context, page, limit int) ([]Room, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms").Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.QueryContext(ctx, `
        SELECT id, name, description, created_by, created_at FROM rooms
        ORDER BY created_at, id LIMIT $1 OFFSET $2`, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	rooms := []Room{}
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, 0, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, total, rows.Err()
}

func (r *Repository) GetRoom(ctx context.Context, id string) (*Room, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT id, name, description, created_by, created_at FROM rooms WHERE id = $1", id)
	room, err := scanRoom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	return room, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRoom(s scanner) (*Room, error) {
	var (
		room      Room
		desc      sql.NullString
		createdBy sql.NullInt64
	)
	if err := s.Scan(&room.ID, &room.Name, &desc, &createdBy, &room.CreatedAt); err != nil {
		return nil, err
	}
	if desc.Valid {
		room.Description = &desc.String
	}
	if createdBy.Valid {
		id := int(createdBy.Int64)
		room.CreatedBy = &id
	}
	return &room, nil
}
