// Package chatclient is the client side of the GoChat push protocol: a
// WebSocket client and a Timeline that renders every delivered message once.
package chatclient

import (
	"sync"

	"github.com/Tyrowin/gochat/internal/chat"
)

// DefaultTimelineCapacity is the number of delivery tickets a Timeline
// remembers when no capacity is given.
const DefaultTimelineCapacity = 1000

// Timeline keeps the most recent messages in arrival order and drops any
// message whose id was already rendered. A message can arrive twice, once in
// the sender's ack and once as message:new.
type Timeline struct {
	mu       sync.Mutex
	capacity int
	seen     map[int64]struct{}
	msgs     []chat.Message
}

// NewTimeline returns a Timeline holding at most capacity messages.
func NewTimeline(capacity int) *Timeline {
	if capacity <= 0 {
		capacity = DefaultTimelineCapacity
	}
	return &Timeline{
		capacity: capacity,
		seen:     make(map[int64]struct{}, capacity),
	}
}

// Add records msg and reports whether it should be rendered. Once more than
// capacity messages are held the oldest is evicted together with its id.
func (t *Timeline) Add(msg chat.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.seen[msg.ID]; ok {
		return false
	}
	t.seen[msg.ID] = struct{}{}
	t.msgs = append(t.msgs, msg)

	if len(t.msgs) > t.capacity {
		delete(t.seen, t.msgs[0].ID)
		t.msgs = append(t.msgs[:0:0], t.msgs[1:]...)
	}
	return true
}

// Messages returns a copy of the rendered messages, oldest first.
func (t *Timeline) Messages() []chat.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]chat.Message(nil), t.msgs...)
}

// Len returns the number of messages held.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.msgs)
}
