package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Tyrowin/gochat/internal/chat"
	"github.com/Tyrowin/gochat/internal/store"
)

var _ store.Store = (*MockStore)(nil)

// MockStore is a thread-safe in-memory implementation of store.Store for
// testing. Setting one of the *Err fields makes the matching call fail.
type MockStore struct {
	mu sync.Mutex

	Rooms    map[chat.RoomID]chat.Room
	Members  map[chat.RoomID]map[string]bool
	Messages []chat.Message
	directs  map[string]chat.RoomID
	nextRoom chat.RoomID
	nextMsg  int64

	PingErr   error
	MemberErr error
	InsertErr error
	ListErr   error

	MemberCalls int
	InsertCalls int
}

func NewMockStore() *MockStore {
	return &MockStore{
		Rooms:    make(map[chat.RoomID]chat.Room),
		Members:  make(map[chat.RoomID]map[string]bool),
		directs:  make(map[string]chat.RoomID),
		nextRoom: 1,
		nextMsg:  1,
	}
}

// AddRoom creates a group room with the given members and returns its id.
func (m *MockStore) AddRoom(name string, members ...string) chat.RoomID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addRoomLocked(chat.RoomGroup, name, members)
}

func (m *MockStore) addRoomLocked(kind chat.RoomKind, name string, members []string) chat.RoomID {
	id := m.nextRoom
	m.nextRoom++
	all := chat.UniqueMembers(members...)
	creator := ""
	if len(all) > 0 {
		creator = all[0]
	}
	m.Rooms[id] = chat.Room{ID: id, Kind: kind, Name: name, CreatedBy: creator, CreatedAt: time.Now().UTC()}
	m.Members[id] = make(map[string]bool, len(all))
	for _, who := range all {
		m.Members[id][who] = true
	}
	return id
}

// Inserted returns a copy of every persisted message.
func (m *MockStore) Inserted() []chat.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chat.Message(nil), m.Messages...)
}

func (m *MockStore) Ping(context.Context) error {
	return m.PingErr
}

func (m *MockStore) Close() error {
	return nil
}

func (m *MockStore) IsMember(_ context.Context, room chat.RoomID, identity string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MemberCalls++
	if m.MemberErr != nil {
		return false, m.MemberErr
	}
	return m.Members[room][strings.TrimSpace(identity)], nil
}

func (m *MockStore) InsertMessage(_ context.Context, msg chat.NewMessage) (chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertCalls++
	if m.InsertErr != nil {
		return chat.Message{}, m.InsertErr
	}
	if _, ok := m.Rooms[msg.RoomID]; !ok {
		return chat.Message{}, fmt.Errorf("room %d: %w", msg.RoomID, store.ErrNotFound)
	}
	out := chat.Message{
		ID:           m.nextMsg,
		RoomID:       msg.RoomID,
		Sender:       msg.Sender,
		AttachmentID: msg.AttachmentID,
		CreatedAt:    time.Now().UTC(),
	}
	if c := strings.TrimSpace(msg.Content); c != "" {
		out.Content = &c
	}
	m.nextMsg++
	m.Messages = append(m.Messages, out)
	return out, nil
}

func (m *MockStore) ListMessages(_ context.Context, room chat.RoomID, limit int) ([]chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var out []chat.Message
	for _, msg := range m.Messages {
		if msg.RoomID == room {
			out = append(out, msg)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *MockStore) ListRooms(_ context.Context, identity string) ([]chat.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var out []chat.Room
	for id, members := range m.Members {
		if members[identity] {
			out = append(out, m.Rooms[id])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *MockStore) CreateDirectRoom(_ context.Context, a, b string) (chat.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := chat.DirectKey(a, b)
	if key == "" || strings.TrimSpace(a) == strings.TrimSpace(b) {
		return chat.Room{}, fmt.Errorf("%w: invalid direct room %q", store.ErrInvalid, key)
	}
	if id, ok := m.directs[key]; ok {
		return m.Rooms[id], nil
	}
	id := m.addRoomLocked(chat.RoomDirect, "", []string{a, b})
	m.directs[key] = id
	return m.Rooms[id], nil
}

func (m *MockStore) CreateGroupRoom(_ context.Context, name, creator string, members []string) (chat.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.TrimSpace(name) == "" || strings.TrimSpace(creator) == "" {
		return chat.Room{}, fmt.Errorf("%w: name and creator are required", store.ErrInvalid)
	}
	id := m.addRoomLocked(chat.RoomGroup, strings.TrimSpace(name), append([]string{creator}, members...))
	return m.Rooms[id], nil
}
