package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Tyrowin/gochat/internal/chat"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"

// SQLite persists state in a single SQLite file.
type SQLite struct {
	db *sql.DB
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	clean := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(clean), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+clean+"?"+sqlitePragmas)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Ping checks the database handle.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// IsMember implements Store.
func (s *SQLite) IsMember(ctx context.Context, room chat.RoomID, identity string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM room_members WHERE room_id = ? AND identity = ?`,
		int64(room), strings.TrimSpace(identity),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return true, nil
}

// InsertMessage implements Store.
func (s *SQLite) InsertMessage(ctx context.Context, msg chat.NewMessage) (chat.Message, error) {
	if err := validateNew(msg); err != nil {
		return chat.Message{}, err
	}
	now := time.Now().UTC()
	out := chat.Message{
		RoomID:       msg.RoomID,
		Sender:       strings.TrimSpace(msg.Sender),
		Content:      contentPtr(msg.Content),
		AttachmentID: msg.AttachmentID,
		CreatedAt:    fromMillis(toMillis(now)),
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (room_id, sender, content, attachment_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		int64(out.RoomID), out.Sender, out.Content, out.AttachmentID, toMillis(now),
	)
	if err != nil {
		return chat.Message{}, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return chat.Message{}, fmt.Errorf("insert message id: %w", err)
	}
	out.ID = id
	return out, nil
}

// ListMessages implements Store.
func (s *SQLite) ListMessages(ctx context.Context, room chat.RoomID, limit int) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, sender, content, attachment_id, created_at
		 FROM messages WHERE room_id = ? ORDER BY id DESC LIMIT ?`,
		int64(room), normalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]chat.Message, 0)
	for rows.Next() {
		var (
			m          chat.Message
			roomID     int64
			content    sql.NullString
			attachment sql.NullInt64
			created    int64
		)
		if err := rows.Scan(&m.ID, &roomID, &m.Sender, &content, &attachment, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.RoomID = chat.RoomID(roomID)
		if content.Valid {
			c := content.String
			m.Content = &c
		}
		if attachment.Valid {
			a := attachment.Int64
			m.AttachmentID = &a
		}
		m.CreatedAt = fromMillis(created)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	reverse(msgs)
	return msgs, nil
}

// ListRooms implements Store.
func (s *SQLite) ListRooms(ctx context.Context, identity string) ([]chat.Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.kind, r.name, r.created_by, r.created_at
		 FROM rooms r JOIN room_members m ON m.room_id = r.id
		 WHERE m.identity = ? ORDER BY r.id DESC`,
		strings.TrimSpace(identity),
	)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	rooms := make([]chat.Room, 0)
	for rows.Next() {
		var (
			r       chat.Room
			id      int64
			kind    string
			created int64
		)
		if err := rows.Scan(&id, &kind, &r.Name, &r.CreatedBy, &created); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		r.ID = chat.RoomID(id)
		r.Kind = chat.RoomKind(kind)
		r.CreatedAt = fromMillis(created)
		rooms = append(rooms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return rooms, nil
}

// CreateDirectRoom implements Store.
func (s *SQLite) CreateDirectRoom(ctx context.Context, a, b string) (chat.Room, error) {
	key, err := directArgs(a, b)
	if err != nil {
		return chat.Room{}, err
	}
	creator := strings.TrimSpace(a)
	now := toMillis(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Room{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rooms (kind, name, direct_key, created_by, created_at) VALUES (?, '', ?, ?, ?)
		 ON CONFLICT(direct_key) DO NOTHING`,
		string(chat.RoomDirect), key, creator, now,
	); err != nil {
		return chat.Room{}, fmt.Errorf("insert direct room: %w", err)
	}

	var (
		room    chat.Room
		id      int64
		created int64
	)
	if err := tx.QueryRowContext(ctx,
		`SELECT id, name, created_by, created_at FROM rooms WHERE direct_key = ?`, key,
	).Scan(&id, &room.Name, &room.CreatedBy, &created); err != nil {
		return chat.Room{}, fmt.Errorf("load direct room: %w", err)
	}
	room.ID = chat.RoomID(id)
	room.Kind = chat.RoomDirect
	room.CreatedAt = fromMillis(created)

	for _, m := range chat.UniqueMembers(a, b) {
		if err := addMemberTx(ctx, tx, room.ID, m, now); err != nil {
			return chat.Room{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return chat.Room{}, fmt.Errorf("commit direct room: %w", err)
	}
	return room, nil
}

// CreateGroupRoom implements Store.
func (s *SQLite) CreateGroupRoom(ctx context.Context, name, creator string, members []string) (chat.Room, error) {
	name, all, err := groupArgs(name, creator, members)
	if err != nil {
		return chat.Room{}, err
	}
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Room{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO rooms (kind, name, created_by, created_at) VALUES (?, ?, ?, ?)`,
		string(chat.RoomGroup), name, all[0], toMillis(now),
	)
	if err != nil {
		return chat.Room{}, fmt.Errorf("insert group room: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return chat.Room{}, fmt.Errorf("group room id: %w", err)
	}
	for _, m := range all {
		if err := addMemberTx(ctx, tx, chat.RoomID(id), m, toMillis(now)); err != nil {
			return chat.Room{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return chat.Room{}, fmt.Errorf("commit group room: %w", err)
	}
	return chat.Room{
		ID:        chat.RoomID(id),
		Kind:      chat.RoomGroup,
		Name:      name,
		CreatedBy: all[0],
		CreatedAt: fromMillis(toMillis(now)),
	}, nil
}

func addMemberTx(ctx context.Context, tx *sql.Tx, room chat.RoomID, identity string, at int64) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO room_members (room_id, identity, joined_at) VALUES (?, ?, ?)`,
		int64(room), identity, at,
	); err != nil {
		return fmt.Errorf("add member %s: %w", identity, err)
	}
	return nil
}
