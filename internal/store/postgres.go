package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Tyrowin/gochat/internal/chat"
)

//go:embed schema/postgres.sql
var postgresSchema string

// Postgres persists state in PostgreSQL through a connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to databaseURL and applies the schema.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply postgres schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Ping checks the pool.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

// IsMember implements Store.
func (s *Postgres) IsMember(ctx context.Context, room chat.RoomID, identity string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM room_members WHERE room_id = $1 AND identity = $2)`,
		int64(room), strings.TrimSpace(identity),
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return ok, nil
}

// InsertMessage implements Store.
func (s *Postgres) InsertMessage(ctx context.Context, msg chat.NewMessage) (chat.Message, error) {
	if err := validateNew(msg); err != nil {
		return chat.Message{}, err
	}
	out := chat.Message{
		RoomID:       msg.RoomID,
		Sender:       strings.TrimSpace(msg.Sender),
		Content:      contentPtr(msg.Content),
		AttachmentID: msg.AttachmentID,
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (room_id, sender, content, attachment_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, int64(out.RoomID), out.Sender, out.Content, out.AttachmentID).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return chat.Message{}, fmt.Errorf("insert message: %w", err)
	}
	out.CreatedAt = out.CreatedAt.UTC()
	return out, nil
}

// ListMessages implements Store.
func (s *Postgres) ListMessages(ctx context.Context, room chat.RoomID, limit int) ([]chat.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, room_id, sender, content, attachment_id, created_at
		FROM messages WHERE room_id = $1
		ORDER BY id DESC LIMIT $2
	`, int64(room), normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]chat.Message, 0)
	for rows.Next() {
		var (
			m      chat.Message
			roomID int64
		)
		if err := rows.Scan(&m.ID, &roomID, &m.Sender, &m.Content, &m.AttachmentID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.RoomID = chat.RoomID(roomID)
		m.CreatedAt = m.CreatedAt.UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	reverse(msgs)
	return msgs, nil
}

// ListRooms implements Store.
func (s *Postgres) ListRooms(ctx context.Context, identity string) ([]chat.Room, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.kind, r.name, r.created_by, r.created_at
		FROM rooms r JOIN room_members m ON m.room_id = r.id
		WHERE m.identity = $1 ORDER BY r.id DESC
	`, strings.TrimSpace(identity))
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	rooms := make([]chat.Room, 0)
	for rows.Next() {
		var (
			r    chat.Room
			id   int64
			kind string
		)
		if err := rows.Scan(&id, &kind, &r.Name, &r.CreatedBy, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		r.ID = chat.RoomID(id)
		r.Kind = chat.RoomKind(kind)
		r.CreatedAt = r.CreatedAt.UTC()
		rooms = append(rooms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return rooms, nil
}

// CreateDirectRoom implements Store.
func (s *Postgres) CreateDirectRoom(ctx context.Context, a, b string) (chat.Room, error) {
	key, err := directArgs(a, b)
	if err != nil {
		return chat.Room{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return chat.Room{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO rooms (kind, direct_key, created_by) VALUES ($1, $2, $3)
		ON CONFLICT (direct_key) DO NOTHING
	`, string(chat.RoomDirect), key, strings.TrimSpace(a)); err != nil {
		return chat.Room{}, fmt.Errorf("insert direct room: %w", err)
	}

	room := chat.Room{Kind: chat.RoomDirect}
	var id int64
	err = tx.QueryRow(ctx,
		`SELECT id, name, created_by, created_at FROM rooms WHERE direct_key = $1`, key,
	).Scan(&id, &room.Name, &room.CreatedBy, &room.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Room{}, fmt.Errorf("load direct room: %w", ErrNotFound)
	}
	if err != nil {
		return chat.Room{}, fmt.Errorf("load direct room: %w", err)
	}
	room.ID = chat.RoomID(id)
	room.CreatedAt = room.CreatedAt.UTC()

	if err := addMembersPg(ctx, tx, room.ID, chat.UniqueMembers(a, b)); err != nil {
		return chat.Room{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return chat.Room{}, fmt.Errorf("commit direct room: %w", err)
	}
	return room, nil
}

// CreateGroupRoom implements Store.
func (s *Postgres) CreateGroupRoom(ctx context.Context, name, creator string, members []string) (chat.Room, error) {
	name, all, err := groupArgs(name, creator, members)
	if err != nil {
		return chat.Room{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return chat.Room{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	room := chat.Room{Kind: chat.RoomGroup, Name: name, CreatedBy: all[0]}
	var id int64
	if err := tx.QueryRow(ctx, `
		INSERT INTO rooms (kind, name, created_by) VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, string(chat.RoomGroup), name, all[0]).Scan(&id, &room.CreatedAt); err != nil {
		return chat.Room{}, fmt.Errorf("insert group room: %w", err)
	}
	room.ID = chat.RoomID(id)
	room.CreatedAt = room.CreatedAt.UTC()

	if err := addMembersPg(ctx, tx, room.ID, all); err != nil {
		return chat.Room{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return chat.Room{}, fmt.Errorf("commit group room: %w", err)
	}
	return room, nil
}

func addMembersPg(ctx context.Context, tx pgx.Tx, room chat.RoomID, members []string) error {
	batch := &pgx.Batch{}
	for _, m := range members {
		batch.Queue(`
			INSERT INTO room_members (room_id, identity) VALUES ($1, $2)
			ON CONFLICT (room_id, identity) DO NOTHING
		`, int64(room), m)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("add members: %w", err)
	}
	return nil
}
