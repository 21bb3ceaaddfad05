package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat/internal/chat"
	"github.com/Tyrowin/gochat/internal/presence"
	"github.com/Tyrowin/gochat/internal/server"
)

const writeWait = 10 * time.Second

// ErrClosed is returned for requests on a closed client.
var ErrClosed = errors.New("chat client is closed")

// ServerError is a failed ack or an error frame.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Handlers receive pushed events. Nil handlers are skipped. They run on the
// read loop and must not block.
type Handlers struct {
	// OnMessage is called once per message, however many times it arrives.
	OnMessage  func(chat.Message)
	OnPresence func(presence.Change)
	OnSnapshot func(users []string)

	// OnRoomsChanged is called when a room is created or receives a message,
	// whether or not this connection has joined it.
	OnRoomsChanged func(chat.RoomID)
}

// Options configure Dial.
type Options struct {
	Token    string
	Origin   string
	Timeline *Timeline
	Handlers Handlers
	Logger   zerolog.Logger
}

type call struct {
	done  chan struct{}
	ack   server.AckPayload
	users []string
}

// Client is a connection to /ws.
type Client struct {
	conn     *websocket.Conn
	timeline *Timeline
	handlers Handlers
	log      zerolog.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	pending map[string]*call
	closed  bool
	done    chan struct{}
	nextID  atomic.Uint64
}

// Dial connects to the WebSocket endpoint at rawURL. A token, when given, is
// sent with the handshake.
func Dial(ctx context.Context, rawURL string, opts Options) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if opts.Token != "" {
		q := u.Query()
		q.Set("token", opts.Token)
		u.RawQuery = q.Encode()
	}

	header := http.Header{}
	if opts.Origin != "" {
		header.Set("Origin", opts.Origin)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", u.Redacted(), resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}

	timeline := opts.Timeline
	if timeline == nil {
		timeline = NewTimeline(DefaultTimelineCapacity)
	}
	c := &Client{
		conn:     conn,
		timeline: timeline,
		handlers: opts.Handlers,
		log:      opts.Logger,
		pending:  make(map[string]*call),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Timeline returns the client's timeline.
func (c *Client) Timeline() *Timeline {
	return c.timeline
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Authenticate identifies the connection after the handshake.
func (c *Client) Authenticate(ctx context.Context, token string) (string, error) {
	res, err := c.roundTrip(ctx, server.FrameAuth, server.AuthPayload{Token: token})
	if err != nil {
		return "", err
	}
	return res.ack.User, nil
}

// Join subscribes the connection to room, leaving any previous room.
func (c *Client) Join(ctx context.Context, room chat.RoomID) error {
	_, err := c.roundTrip(ctx, server.FrameRoomJoin, server.JoinPayload{RoomID: room})
	return err
}

// Leave unsubscribes from the current room.
func (c *Client) Leave(ctx context.Context) error {
	_, err := c.roundTrip(ctx, server.FrameRoomLeave, nil)
	return err
}

// Send submits content to room. The returned message, and the assistant's
// reply if any, have already gone through the timeline. A failed assistant
// reply still returns the persisted message alongside the error.
func (c *Client) Send(ctx context.Context, room chat.RoomID, content string) (chat.Message, *chat.Message, error) {
	res, err := c.roundTrip(ctx, server.FrameMessageSend, server.SendPayload{RoomID: room, Content: content})
	if res == nil {
		return chat.Message{}, nil, err
	}
	var msg chat.Message
	if res.ack.Message != nil {
		msg = *res.ack.Message
	}
	return msg, res.ack.Reply, err
}

// Online lists the identities currently online.
func (c *Client) Online(ctx context.Context) ([]string, error) {
	res, err := c.roundTrip(ctx, server.FramePresenceList, nil)
	if err != nil {
		return nil, err
	}
	return res.users, nil
}

// Close closes the connection and fails pending requests.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) roundTrip(ctx context.Context, frameType string, payload any) (*call, error) {
	f := server.Frame{
		Type:      frameType,
		RequestID: strconv.FormatUint(c.nextID.Add(1), 10),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", frameType, err)
		}
		f.Payload = raw
	}

	pc := &call{done: make(chan struct{})}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[f.RequestID] = pc
	c.mu.Unlock()
	defer c.forget(f.RequestID)

	if err := c.write(f); err != nil {
		return nil, err
	}

	select {
	case <-pc.done:
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if !pc.ack.OK {
		return pc, &ServerError{Code: pc.ack.Code, Message: pc.ack.Error}
	}
	return pc, nil
}

func (c *Client) write(f server.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := c.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("write %s: %w", f.Type, err)
	}
	return nil
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) lookup(id string) *call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[id]
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	}()

	for {
		var f server.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug().Err(err).Msg("chat client read ended")
			}
			return
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f server.Frame) {
	switch f.Type {
	case server.FrameAck:
		var ack server.AckPayload
		if err := json.Unmarshal(f.Payload, &ack); err != nil {
			c.log.Warn().Err(err).Msg("undecodable ack")
			return
		}
		// The sender's copy is rendered from the ack; the broadcast copy
		// of the same message is then dropped by the timeline.
		c.render(ack.Message)
		c.render(ack.Reply)
		if pc := c.lookup(f.RequestID); pc != nil {
			pc.ack = ack
			close(pc.done)
		}

	case server.FrameError:
		var e server.ErrorPayload
		_ = json.Unmarshal(f.Payload, &e)
		c.log.Warn().Str("code", e.Code).Str("message", e.Message).Msg("server reported an error")
		if pc := c.lookup(f.RequestID); pc != nil {
			pc.ack = server.AckPayload{Code: e.Code, Error: e.Message}
			close(pc.done)
		}

	case server.FrameMessageNew:
		var msg chat.Message
		if err := json.Unmarshal(f.Payload, &msg); err != nil {
			c.log.Warn().Err(err).Msg("undecodable message")
			return
		}
		c.render(&msg)

	case server.FramePresenceListResult:
		var p server.UsersPayload
		if err := json.Unmarshal(f.Payload, &p); err == nil {
			if pc := c.lookup(f.RequestID); pc != nil {
				pc.users = p.Users
			}
		}

	case server.FramePresenceUpdate:
		var change presence.Change
		if err := json.Unmarshal(f.Payload, &change); err == nil && c.handlers.OnPresence != nil {
			c.handlers.OnPresence(change)
		}

	case server.FramePresenceFull:
		var p server.UsersPayload
		if err := json.Unmarshal(f.Payload, &p); err == nil && c.handlers.OnSnapshot != nil {
			c.handlers.OnSnapshot(p.Users)
		}

	case server.FrameRoomsChanged:
		var p server.RoomPayload
		if err := json.Unmarshal(f.Payload, &p); err == nil && c.handlers.OnRoomsChanged != nil {
			c.handlers.OnRoomsChanged(p.RoomID)
		}
	}
}

func (c *Client) render(msg *chat.Message) {
	if msg == nil || msg.ID == 0 {
		return
	}
	if c.timeline.Add(*msg) && c.handlers.OnMessage != nil {
		c.handlers.OnMessage(*msg)
	}
}
