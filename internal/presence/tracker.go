// Package presence derives who is online from the number of live connections
// each identity holds.
package presence

import (
	"sort"
	"strings"

	"github.com/Tyrowin/gochat/internal/chat"
	"github.com/Tyrowin/gochat/internal/session"
)

// Change is emitted only when an identity crosses between absent and online.
type Change struct {
	User   string `json:"user"`
	Online bool   `json:"online"`
}

// Snapshot is the complete set of online identities, sorted.
type Snapshot struct {
	Users []string `json:"users"`
}

// Notifier receives presence events. Calls happen inside Connect/Disconnect.
type Notifier interface {
	PresenceChanged(c Change)
	PresenceSnapshot(s Snapshot)
}

// Tracker keeps a live-connection count per identity. Like the session
// registry it is owned by a single goroutine.
type Tracker struct {
	counts   map[string]int
	notifier Notifier
}

// NewTracker returns an empty tracker. notifier may be nil.
func NewTracker(notifier Notifier) *Tracker {
	return &Tracker{
		counts:   make(map[string]int),
		notifier: notifier,
	}
}

// Connect records one more live connection for identity.
func (t *Tracker) Connect(identity string) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return
	}
	prev := t.counts[identity]
	t.counts[identity] = prev + 1
	if prev == 0 {
		t.changed(Change{User: identity, Online: true})
	}
	t.snapshot()
}

// Disconnect records one fewer live connection. Disconnecting an identity
// that is not online does nothing.
func (t *Tracker) Disconnect(identity string) {
	identity = strings.TrimSpace(identity)
	prev, ok := t.counts[identity]
	if !ok {
		return
	}
	if prev <= 1 {
		delete(t.counts, identity)
		t.changed(Change{User: identity, Online: false})
	} else {
		t.counts[identity] = prev - 1
	}
	t.snapshot()
}

// Count returns the live-connection count for identity.
func (t *Tracker) Count(identity string) int {
	return t.counts[strings.TrimSpace(identity)]
}

// Online reports whether identity has at least one live connection.
func (t *Tracker) Online(identity string) bool {
	return t.Count(identity) > 0
}

// List returns the current snapshot without changing state.
func (t *Tracker) List() []string {
	users := make([]string, 0, len(t.counts))
	for u := range t.counts {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// IdentityBound implements session.Observer.
func (t *Tracker) IdentityBound(s *session.Session) {
	t.Connect(s.Identity)
}

// IdentityReleased implements session.Observer.
func (t *Tracker) IdentityReleased(_ *session.Session, identity string) {
	t.Disconnect(identity)
}

// RoomJoined implements session.Observer.
func (t *Tracker) RoomJoined(*session.Session) {}

// RoomLeft implements session.Observer.
func (t *Tracker) RoomLeft(*session.Session, chat.RoomID) {}

func (t *Tracker) changed(c Change) {
	if t.notifier != nil {
		t.notifier.PresenceChanged(c)
	}
}

func (t *Tracker) snapshot() {
	if t.notifier != nil {
		t.notifier.PresenceSnapshot(Snapshot{Users: t.List()})
	}
}
