package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat/internal/chat"
)

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteDirectRoomIsStable(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	first, err := s.CreateDirectRoom(ctx, "bob", "alice")
	require.NoError(t, err)
	second, err := s.CreateDirectRoom(ctx, "alice", " bob ")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, chat.RoomDirect, first.Kind)
	for _, who := range []string{"alice", "bob"} {
		ok, err := s.IsMember(ctx, first.ID, who)
		require.NoError(t, err)
		assert.True(t, ok, who)
	}

	_, err = s.CreateDirectRoom(ctx, "alice", "alice")
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = s.CreateDirectRoom(ctx, "alice", "")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestSQLiteDirectRoomConcurrentCreate(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]chat.RoomID, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room, err := s.CreateDirectRoom(ctx, "alice", "bob")
			if assert.NoError(t, err) {
				ids[i] = room.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestSQLiteGroupRoomIncludesCreator(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	room, err := s.CreateGroupRoom(ctx, " standup ", "alice", []string{"bob", "alice", ""})
	require.NoError(t, err)
	assert.Equal(t, "standup", room.Name)
	assert.Equal(t, "alice", room.CreatedBy)

	for who, want := range map[string]bool{"alice": true, "bob": true, "carol": false} {
		ok, err := s.IsMember(ctx, room.ID, who)
		require.NoError(t, err)
		assert.Equal(t, want, ok, who)
	}

	rooms, err := s.ListRooms(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, room.ID, rooms[0].ID)

	_, err = s.CreateGroupRoom(ctx, "  ", "alice", nil)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestSQLiteMessagesRoundTrip(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	room, err := s.CreateGroupRoom(ctx, "general", "alice", nil)
	require.NoError(t, err)

	for _, text := range []string{"one", "two", "three"} {
		_, err := s.InsertMessage(ctx, chat.NewMessage{RoomID: room.ID, Sender: "alice", Content: text})
		require.NoError(t, err)
	}
	attachment := int64(7)
	att, err := s.InsertMessage(ctx, chat.NewMessage{RoomID: room.ID, Sender: "alice", AttachmentID: &attachment})
	require.NoError(t, err)
	assert.Nil(t, att.Content)

	msgs, err := s.ListMessages(ctx, room.ID, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "three", msgs[0].Text())
	assert.Nil(t, msgs[1].Content)
	require.NotNil(t, msgs[1].AttachmentID)
	assert.EqualValues(t, 7, *msgs[1].AttachmentID)
	assert.Less(t, msgs[0].ID, msgs[1].ID)
	assert.False(t, msgs[0].CreatedAt.IsZero())
}

func TestSQLiteRejectsEmptyMessage(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	room, err := s.CreateGroupRoom(ctx, "general", "alice", nil)
	require.NoError(t, err)

	_, err = s.InsertMessage(ctx, chat.NewMessage{RoomID: room.ID, Sender: "alice", Content: "   "})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = s.InsertMessage(ctx, chat.NewMessage{RoomID: room.ID, Content: "hi"})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestSQLiteMembershipOfUnknownRoom(t *testing.T) {
	s := openTestSQLite(t)
	ok, err := s.IsMember(context.Background(), 404, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, s.Ping(context.Background()))
}
