// Package store persists rooms, memberships and messages.
//
// SQLite is the default backend, PostgreSQL is used when a database URL is
// configured, and Cached layers a Redis history cache over either.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/Tyrowin/gochat/internal/chat"
)

var (
	// ErrNotFound is returned for an unknown room.
	ErrNotFound = errors.New("not found")
	// ErrInvalid is returned for arguments the store refuses to persist.
	ErrInvalid = errors.New("invalid argument")
)

// DefaultHistoryLimit bounds history reads when the caller passes no limit.
const DefaultHistoryLimit = 200

// Store is the persistence boundary used by the delivery pipeline and the
// REST API. Implementations are safe for concurrent use.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// IsMember reports whether identity belongs to room.
	IsMember(ctx context.Context, room chat.RoomID, identity string) (bool, error)
	// InsertMessage persists msg and returns it with its assigned id and
	// timestamp. It does not check membership.
	InsertMessage(ctx context.Context, msg chat.NewMessage) (chat.Message, error)
	// ListMessages returns the newest limit messages of room, oldest first.
	ListMessages(ctx context.Context, room chat.RoomID, limit int) ([]chat.Message, error)

	// ListRooms returns the rooms identity belongs to, newest first.
	ListRooms(ctx context.Context, identity string) ([]chat.Room, error)
	// CreateDirectRoom returns the direct room between a and b, creating it
	// on first use.
	CreateDirectRoom(ctx context.Context, a, b string) (chat.Room, error)
	// CreateGroupRoom creates a named room. The creator is always a member.
	CreateGroupRoom(ctx context.Context, name, creator string, members []string) (chat.Room, error)
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > DefaultHistoryLimit {
		return DefaultHistoryLimit
	}
	return limit
}

func validateNew(msg chat.NewMessage) error {
	if msg.RoomID <= 0 {
		return errors.Join(ErrInvalid, errors.New("room id is required"))
	}
	if strings.TrimSpace(msg.Sender) == "" {
		return errors.Join(ErrInvalid, errors.New("sender is required"))
	}
	if strings.TrimSpace(msg.Content) == "" && msg.AttachmentID == nil {
		return errors.Join(ErrInvalid, errors.New("content or attachment is required"))
	}
	return nil
}

func directArgs(a, b string) (string, error) {
	key := chat.DirectKey(a, b)
	if key == "" {
		return "", errors.Join(ErrInvalid, errors.New("both participants are required"))
	}
	if strings.TrimSpace(a) == strings.TrimSpace(b) {
		return "", errors.Join(ErrInvalid, errors.New("direct room needs two distinct participants"))
	}
	return key, nil
}

func groupArgs(name, creator string, members []string) (string, []string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil, errors.Join(ErrInvalid, errors.New("room name is required"))
	}
	if strings.TrimSpace(creator) == "" {
		return "", nil, errors.Join(ErrInvalid, errors.New("creator is required"))
	}
	return name, chat.UniqueMembers(append([]string{creator}, members...)...), nil
}

func contentPtr(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// reverse turns a newest-first page into oldest-first order.
func reverse(msgs []chat.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
