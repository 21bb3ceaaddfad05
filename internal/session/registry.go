// Package session tracks live connections, the identity each one claims, and
// the single room each one is currently subscribed to.
//
// A Registry is not safe for concurrent use. The hub owns it and performs
// every mutation from its event loop, so observers see each change as one
// uninterrupted step.
package session

import (
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/Tyrowin/gochat/internal/chat"
)

// ErrUnknownSession is returned for operations on an id that is not registered.
var ErrUnknownSession = errors.New("unknown session")

// ID uniquely identifies one live connection.
type ID string

// Conn is the outbound side of a connection. Send must not block; it reports
// false when the frame could not be queued.
type Conn interface {
	Send(frame []byte) bool
}

// Session is the registry's view of one connection.
type Session struct {
	ID       ID
	Identity string
	Room     chat.RoomID
	Conn     Conn
}

// Authenticated reports whether the connection has claimed an identity.
func (s *Session) Authenticated() bool {
	return s.Identity != ""
}

// Observer receives registry events synchronously, inside the mutating call.
type Observer interface {
	IdentityBound(s *Session)
	IdentityReleased(s *Session, identity string)
	RoomJoined(s *Session)
	RoomLeft(s *Session, room chat.RoomID)
}

// Registry is the connection table.
type Registry struct {
	sessions  map[ID]*Session
	observers []Observer
	newID     func() ID
}

// NewRegistry returns an empty registry notifying the given observers in order.
func NewRegistry(observers ...Observer) *Registry {
	return &Registry{
		sessions:  make(map[ID]*Session),
		observers: observers,
		newID:     func() ID { return ID(uuid.NewString()) },
	}
}

// Observe appends an observer.
func (r *Registry) Observe(o Observer) {
	r.observers = append(r.observers, o)
}

// Register adds a connection and returns its id. An empty identity leaves the
// connection unauthenticated until SetIdentity.
func (r *Registry) Register(conn Conn, identity string) ID {
	s := &Session{ID: r.newID(), Conn: conn}
	r.sessions[s.ID] = s
	if identity = strings.TrimSpace(identity); identity != "" {
		r.bind(s, identity)
	}
	return s.ID
}

// SetIdentity binds identity to the connection, releasing any different
// identity it held before.
func (r *Registry) SetIdentity(id ID, identity string) error {
	s, ok := r.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	identity = strings.TrimSpace(identity)
	if identity == s.Identity {
		return nil
	}
	if s.Identity != "" {
		r.release(s)
	}
	if identity != "" {
		r.bind(s, identity)
	}
	return nil
}

// JoinRoom moves the connection into room, leaving its previous room first.
func (r *Registry) JoinRoom(id ID, room chat.RoomID) error {
	s, ok := r.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	if s.Room == room {
		return nil
	}
	if s.Room != 0 {
		r.leave(s)
	}
	if room == 0 {
		return nil
	}
	s.Room = room
	for _, o := range r.observers {
		o.RoomJoined(s)
	}
	return nil
}

// LeaveRoom unsubscribes the connection from its current room, if any.
func (r *Registry) LeaveRoom(id ID) error {
	s, ok := r.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	if s.Room != 0 {
		r.leave(s)
	}
	return nil
}

// Remove destroys the session, leaving its room and releasing its identity.
// Removing an unknown id is a no-op.
func (r *Registry) Remove(id ID) {
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	if s.Room != 0 {
		r.leave(s)
	}
	if s.Identity != "" {
		r.release(s)
	}
	delete(r.sessions, id)
}

// Get returns a copy of the session.
func (r *Registry) Get(id ID) (Session, bool) {
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return len(r.sessions)
}

// Each calls fn for every live session. fn must not mutate the registry.
func (r *Registry) Each(fn func(s *Session)) {
	for _, s := range r.sessions {
		fn(s)
	}
}

func (r *Registry) bind(s *Session, identity string) {
	s.Identity = identity
	for _, o := range r.observers {
		o.IdentityBound(s)
	}
}

func (r *Registry) release(s *Session) {
	identity := s.Identity
	s.Identity = ""
	for _, o := range r.observers {
		o.IdentityReleased(s, identity)
	}
}

func (r *Registry) leave(s *Session) {
	room := s.Room
	s.Room = 0
	for _, o := range r.observers {
		o.RoomLeft(s, room)
	}
}
