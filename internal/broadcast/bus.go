// Package broadcast maps rooms to their subscribed connections and fans a
// payload out to each of them once.
//
// The bus does not deduplicate. A sender that also receives its own message
// through the synchronous acknowledgement will see it twice; clients drop the
// repeat by message id.
package broadcast

import (
	"github.com/Tyrowin/gochat/internal/chat"
	"github.com/Tyrowin/gochat/internal/session"
)

// Subscriber is one connection subscribed to a room.
type Subscriber struct {
	ID   session.ID
	Conn session.Conn
}

// Result reports the outcome of a publish.
type Result struct {
	Delivered int
	// Failed lists subscribers whose outbound queue rejected the payload.
	Failed []session.ID
}

// Bus holds room subscriptions. It is owned by a single goroutine.
type Bus struct {
	rooms    map[chat.RoomID]map[session.ID]session.Conn
	memberOf map[session.ID]chat.RoomID
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{
		rooms:    make(map[chat.RoomID]map[session.ID]session.Conn),
		memberOf: make(map[session.ID]chat.RoomID),
	}
}

// Subscribe adds the subscriber to room, moving it out of any other room.
func (b *Bus) Subscribe(room chat.RoomID, sub Subscriber) {
	if current, ok := b.memberOf[sub.ID]; ok {
		if current == room {
			return
		}
		b.Unsubscribe(sub.ID)
	}
	subs, ok := b.rooms[room]
	if !ok {
		subs = make(map[session.ID]session.Conn)
		b.rooms[room] = subs
	}
	subs[sub.ID] = sub.Conn
	b.memberOf[sub.ID] = room
}

// Unsubscribe removes the connection from whatever room it is in.
func (b *Bus) Unsubscribe(id session.ID) {
	room, ok := b.memberOf[id]
	if !ok {
		return
	}
	delete(b.memberOf, id)
	subs := b.rooms[room]
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.rooms, room)
	}
}

// Publish sends payload to every connection subscribed to room right now.
// Publishing to a room with no subscribers is a no-op.
func (b *Bus) Publish(room chat.RoomID, payload []byte) Result {
	subs := b.rooms[room]
	res := Result{}
	for id, conn := range subs {
		if conn.Send(payload) {
			res.Delivered++
			continue
		}
		res.Failed = append(res.Failed, id)
	}
	return res
}

// Subscribers returns the number of connections in room.
func (b *Bus) Subscribers(room chat.RoomID) int {
	return len(b.rooms[room])
}

// RoomOf returns the room the connection is subscribed to.
func (b *Bus) RoomOf(id session.ID) (chat.RoomID, bool) {
	room, ok := b.memberOf[id]
	return room, ok
}

// Rooms returns the number of rooms with at least one subscriber.
func (b *Bus) Rooms() int {
	return len(b.rooms)
}

// IdentityBound implements session.Observer.
func (b *Bus) IdentityBound(*session.Session) {}

// IdentityReleased implements session.Observer.
func (b *Bus) IdentityReleased(*session.Session, string) {}

// RoomJoined implements session.Observer.
func (b *Bus) RoomJoined(s *session.Session) {
	b.Subscribe(s.Room, Subscriber{ID: s.ID, Conn: s.Conn})
}

// RoomLeft implements session.Observer.
func (b *Bus) RoomLeft(s *session.Session, _ chat.RoomID) {
	b.Unsubscribe(s.ID)
}
