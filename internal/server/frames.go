package server

import (
	"encoding/json"
	"fmt"

	"github.com/Tyrowin/gochat/internal/delivery"
	"github.com/Tyrowin/gochat/internal/metrics"
)

// maxDecodeErrors is the number of consecutive undecodable frames after
// which the connection is closed.
const maxDecodeErrors = 3

type frameHandler func(c *Client, f Frame) (AckPayload, error)

var frameHandlers = map[string]frameHandler{
	FrameAuth:         (*Client).handleAuth,
	FrameRoomJoin:     (*Client).handleJoin,
	FrameRoomLeave:    (*Client).handleLeave,
	FrameMessageSend:  (*Client).handleSend,
	FramePresenceList: (*Client).handlePresenceList,
}

// processFrame decodes and dispatches one inbound frame. It returns false
// when the connection should be closed.
func (c *Client) processFrame(raw []byte) bool {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil || f.Type == "" {
		c.decodeErrors++
		metrics.Frames.WithLabelValues("unknown", "malformed").Inc()
		c.log.Debug().Err(err).Int("consecutive", c.decodeErrors).Msg("malformed frame")
		if !c.sendError(f.RequestID, CodeInvalidArgument, "malformed frame") {
			return false
		}
		if c.decodeErrors >= maxDecodeErrors {
			c.log.Warn().Int("consecutive", c.decodeErrors).Msg("closing connection after repeated malformed frames")
			return false
		}
		return true
	}
	c.decodeErrors = 0

	handle, ok := frameHandlers[f.Type]
	if !ok {
		metrics.Frames.WithLabelValues("unknown", "unknown_type").Inc()
		return c.sendError(f.RequestID, CodeInvalidArgument, fmt.Sprintf("unknown frame type %q", f.Type))
	}

	ack, err := handle(c, f)
	if err != nil {
		metrics.Frames.WithLabelValues(f.Type, "error").Inc()
		ack.OK = false
		ack.Code = errorCode(err)
		ack.Error = publicMessage(err)
		if ack.Code == CodeInternal {
			c.log.Error().Err(err).Str("type", f.Type).Msg("frame failed")
		}
	} else {
		metrics.Frames.WithLabelValues(f.Type, "ok").Inc()
		ack.OK = true
	}
	return c.reply(FrameAck, f.RequestID, ack)
}

// reply queues an outbound frame for this client only.
func (c *Client) reply(frameType, requestID string, payload any) bool {
	frame, err := encodeFrame(frameType, requestID, payload)
	if err != nil {
		c.log.Error().Err(err).Str("type", frameType).Msg("encode frame")
		return true
	}
	if !c.Send(frame) {
		c.log.Warn().Str("type", frameType).Msg("send buffer full; closing connection")
		return false
	}
	return true
}

// peekRequestID extracts request_id from a frame that will not be handled,
// so the error can still be correlated.
func peekRequestID(raw []byte) string {
	var f struct {
		RequestID string `json:"request_id"`
	}
	_ = json.Unmarshal(raw, &f)
	return f.RequestID
}

func (c *Client) sendError(requestID, code, message string) bool {
	return c.reply(FrameError, requestID, ErrorPayload{Code: code, Message: message})
}

func decodePayload(f Frame, v any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", errBadRequest, f.Type, err)
	}
	return nil
}

func (c *Client) handleAuth(f Frame) (AckPayload, error) {
	var p AuthPayload
	if err := decodePayload(f, &p); err != nil {
		return AckPayload{}, err
	}
	identity, err := c.srv.verifier.Verify(p.Token)
	if err != nil {
		return AckPayload{}, err
	}

	// A new identity must re-check membership, so drop the current room.
	if identity != c.identity && c.room != 0 {
		if err := c.hub.LeaveRoom(c); err != nil {
			return AckPayload{}, err
		}
		c.room = 0
	}
	if err := c.hub.SetIdentity(c, identity); err != nil {
		return AckPayload{}, err
	}
	c.identity = identity
	c.log.Info().Str("user", identity).Msg("client authenticated")
	return AckPayload{User: identity}, nil
}

func (c *Client) handleJoin(f Frame) (AckPayload, error) {
	var p JoinPayload
	if err := decodePayload(f, &p); err != nil {
		return AckPayload{}, err
	}
	if p.RoomID <= 0 {
		return AckPayload{}, fmt.Errorf("%w: roomId is required", errBadRequest)
	}
	if c.identity == "" {
		return AckPayload{}, errNoIdentity
	}

	ok, err := c.srv.store.IsMember(c.ctx, p.RoomID, c.identity)
	if err != nil {
		return AckPayload{}, fmt.Errorf("check membership: %w", err)
	}
	if !ok {
		return AckPayload{}, delivery.ErrNotMember
	}
	if err := c.hub.JoinRoom(c, p.RoomID); err != nil {
		return AckPayload{}, err
	}
	c.room = p.RoomID
	return AckPayload{RoomID: p.RoomID}, nil
}

func (c *Client) handleLeave(Frame) (AckPayload, error) {
	if err := c.hub.LeaveRoom(c); err != nil {
		return AckPayload{}, err
	}
	c.room = 0
	return AckPayload{}, nil
}

func (c *Client) handleSend(f Frame) (AckPayload, error) {
	var p SendPayload
	if err := decodePayload(f, &p); err != nil {
		return AckPayload{}, err
	}
	if c.identity == "" {
		return AckPayload{}, errNoIdentity
	}
	room := p.RoomID
	if room == 0 {
		room = c.room
	}
	if room == 0 {
		return AckPayload{}, errNoRoom
	}

	res, err := c.srv.pipeline.Submit(c.ctx, delivery.Request{
		RoomID:       room,
		Sender:       c.identity,
		Content:      p.Content,
		AttachmentID: p.AttachmentID,
	})
	ack := AckPayload{RoomID: room, Reply: res.Reply}
	if res.Message.ID != 0 {
		msg := res.Message
		ack.Message = &msg
	}
	return ack, err
}

func (c *Client) handlePresenceList(f Frame) (AckPayload, error) {
	users, err := c.hub.Online()
	if err != nil {
		return AckPayload{}, err
	}
	c.reply(FramePresenceListResult, f.RequestID, UsersPayload{Users: users})
	return AckPayload{}, nil
}
