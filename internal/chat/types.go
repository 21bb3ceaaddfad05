// Package chat defines the room and message records shared by the realtime
// core, the persistence layer, and the client boundary.
package chat

import (
	"sort"
	"strings"
	"time"
)

// RoomID identifies a room. Zero means "no room".
type RoomID int64

// RoomKind tags a room as a two-party direct channel or a multi-party group.
type RoomKind string

const (
	RoomDirect RoomKind = "dm"
	RoomGroup  RoomKind = "group"
)

// Room is the metadata the store keeps for a room. Membership lives in the
// store as well; the realtime core never caches it.
type Room struct {
	ID        RoomID    `json:"id"`
	Kind      RoomKind  `json:"type"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is a persisted chat message. Its ID is assigned by the store and
// doubles as the delivery ticket clients dedup on.
type Message struct {
	ID           int64     `json:"id"`
	RoomID       RoomID    `json:"roomId"`
	Sender       string    `json:"sender"`
	Content      *string   `json:"content"`
	AttachmentID *int64    `json:"attachmentId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Text returns the message content or "" for attachment-only messages.
func (m Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// NewMessage is the input for persisting a message.
type NewMessage struct {
	RoomID       RoomID
	Sender       string
	Content      string
	AttachmentID *int64
}

// DirectKey returns the stable key of the direct room between two identities.
// It returns "" when either side is blank.
func DirectKey(a, b string) string {
	pair := []string{strings.TrimSpace(a), strings.TrimSpace(b)}
	if pair[0] == "" || pair[1] == "" {
		return ""
	}
	sort.Strings(pair)
	return pair[0] + "#" + pair[1]
}

// UniqueMembers trims, drops blanks, and deduplicates identities while keeping
// first-seen order.
func UniqueMembers(members ...string) []string {
	seen := make(map[string]struct{}, len(members))
	out := make([]string, 0, len(members))
	for _, m := range members {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
