package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat/internal/chat"
	"github.com/Tyrowin/gochat/internal/metrics"
	"github.com/Tyrowin/gochat/internal/session"
)

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
)

// Client represents one WebSocket connection. The read pump owns identity,
// room and decodeErrors; the hub only reaches the client through Send.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
	srv  *Server
	addr string
	id   session.ID

	identity     string
	room         chat.RoomID
	decodeErrors int

	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc

	maxMessageSize int64
	pongWait       time.Duration
	limiter        *tokenBucket
	rateLimit      RateLimitConfig
	log            zerolog.Logger
}

// NewClient creates a client for conn served by srv. identity is the one
// verified during the handshake, or empty.
func NewClient(conn *websocket.Conn, srv *Server, addr, identity string) *Client {
	cfg := srv.cfg
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	ctx, cancel := context.WithCancel(srv.hub.ctx)

	return &Client{
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		hub:            srv.hub,
		srv:            srv,
		addr:           addr,
		identity:       identity,
		ctx:            ctx,
		cancel:         cancel,
		maxMessageSize: cfg.MaxMessageSize,
		pongWait:       cfg.PongWait,
		limiter:        newTokenBucket(cfg.RateLimit),
		rateLimit:      cfg.RateLimit,
		log:            srv.log.With().Str("remote_addr", addr).Logger(),
	}
}

// Send queues a frame without blocking. It reports false when the queue is
// full or the client has been closed.
func (c *Client) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// closeSend closes the outbound queue once; the write pump then sends a
// close frame and exits.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	if c.cancel != nil {
		c.cancel()
	}
}

// readPump decodes frames until the connection fails or a handler asks to
// close it. It is the only goroutine reading from conn.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.cancel()
		c.closeConn()
	}()

	extend := func() {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.pongWait)); err != nil {
			c.log.Debug().Err(err).Msg("set read deadline")
		}
	}
	extend()
	c.conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadEnd(err)
			return
		}

		if !c.limiter.take() {
			metrics.RateLimited.Inc()
			metrics.Frames.WithLabelValues("unknown", "rate_limited").Inc()
			c.log.Warn().Int("burst", c.rateLimit.Burst).Dur("interval", c.rateLimit.RefillInterval).
				Msg("rate limit exceeded; discarding frame")
			if !c.sendError(peekRequestID(raw), CodeResourceExhausted, errRateLimited.Error()) {
				return
			}
			continue
		}

		if !c.processFrame(raw) {
			return
		}
		// Handling a frame can outlast pongWait while pongs queue up unread.
		extend()
	}
}

func (c *Client) logReadEnd(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn().Int64("limit", c.maxMessageSize).Msg("frame exceeded maximum size")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.log.Warn().Err(err).Msg("unexpected websocket close")
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		c.log.Debug().Err(err).Msg("client connection closed")
	default:
		c.log.Debug().Err(err).Msg("client disconnected")
	}
}

// writePump writes queued frames, one WebSocket message per frame, and pings
// the peer. A closed queue sends a close frame and ends the pump.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				c.write(websocket.CloseMessage, []byte{})
				return
			}
			if !c.write(websocket.TextMessage, frame) {
				return
			}
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// write sends one message under the write deadline.
func (c *Client) write(kind int, data []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug().Err(err).Msg("set write deadline")
		return false
	}
	if err := c.conn.WriteMessage(kind, data); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn().Err(err).Int("kind", kind).Msg("websocket write failed")
		}
		return false
	}
	return true
}

func (c *Client) closeConn() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Warn().Err(err).Msg("error closing connection")
	}
}
