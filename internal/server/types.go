package server

import (
	"encoding/json"
	"strings"

	"github.com/Tyrowin/gochat/internal/chat"
)

// Inbound frame types.
const (
	FrameAuth         = "auth"
	FrameRoomJoin     = "room:join"
	FrameRoomLeave    = "room:leave"
	FrameMessageSend  = "msg:send"
	FramePresenceList = "presence:list"
)

// Outbound frame types.
const (
	FrameAck                = "ack"
	FrameError              = "error"
	FrameMessageNew         = "message:new"
	FramePresenceUpdate     = "presence:update"
	FramePresenceFull       = "presence:full"
	FramePresenceListResult = "presence:list:result"
	FrameRoomsChanged       = "rooms:changed"
)

// Frame is the envelope of every WebSocket message in both directions.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// AuthPayload carries a bearer token for late authentication.
type AuthPayload struct {
	Token string `json:"token"`
}

// JoinPayload selects the room to subscribe to.
type JoinPayload struct {
	RoomID chat.RoomID `json:"roomId"`
}

// SendPayload submits a message. RoomID defaults to the joined room.
type SendPayload struct {
	RoomID       chat.RoomID `json:"roomId"`
	Content      string      `json:"content"`
	AttachmentID *int64      `json:"attachmentId,omitempty"`
}

// AckPayload answers exactly one inbound frame.
type AckPayload struct {
	OK      bool          `json:"ok"`
	Code    string        `json:"code,omitempty"`
	Error   string        `json:"error,omitempty"`
	RoomID  chat.RoomID   `json:"roomId,omitempty"`
	User    string        `json:"user,omitempty"`
	Message *chat.Message `json:"message,omitempty"`
	Reply   *chat.Message `json:"reply,omitempty"`
}

// ErrorPayload reports a frame that could not be handled at all.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RoomPayload names a room whose list entry should be refreshed.
type RoomPayload struct {
	RoomID chat.RoomID `json:"roomId"`
}

// UsersPayload lists online identities.
type UsersPayload struct {
	Users []string `json:"users"`
}

// encodeFrame marshals payload into a complete frame.
func encodeFrame(frameType, requestID string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: frameType, RequestID: requestID, Payload: raw})
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
