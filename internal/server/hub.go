package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat/internal/broadcast"
	"github.com/Tyrowin/gochat/internal/chat"
	"github.com/Tyrowin/gochat/internal/metrics"
	"github.com/Tyrowin/gochat/internal/presence"
	"github.com/Tyrowin/gochat/internal/session"
)

// hubCall runs fn on the hub goroutine and reports its result on done.
type hubCall struct {
	fn   func() error
	done chan error
}

// Hub owns the session registry, the presence tracker and the room bus.
// Every mutation of them happens on the goroutine running Run, so a join or
// leave is visible to the next broadcast as soon as the call returns.
type Hub struct {
	registry *session.Registry
	presence *presence.Tracker
	bus      *broadcast.Bus
	clients  map[session.ID]*Client

	calls      chan hubCall
	unregister chan *Client

	// evict collects clients whose queues overflowed during the current step.
	evict []session.ID

	log    zerolog.Logger
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a hub. Call Run in its own goroutine before using it.
func NewHub(log zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		bus:        broadcast.NewBus(),
		clients:    make(map[session.ID]*Client),
		calls:      make(chan hubCall),
		unregister: make(chan *Client),
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	h.presence = presence.NewTracker(h)
	h.registry = session.NewRegistry(h.presence, h.bus)
	return h
}

// Run starts the hub's event loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case call := <-h.calls:
			call.done <- call.fn()

		case client := <-h.unregister:
			h.remove(client)
		}
		h.flushEvictions()
		h.updateGauges()
	}
}

// do runs fn on the hub goroutine and waits for it to finish.
func (h *Hub) do(fn func() error) error {
	call := hubCall{fn: fn, done: make(chan error, 1)}
	select {
	case h.calls <- call:
	case <-h.ctx.Done():
		return ErrHubClosed
	}
	select {
	case err := <-call.done:
		return err
	case <-h.done:
		select {
		case err := <-call.done:
			return err
		default:
			return ErrHubClosed
		}
	}
}

// Register adds the client under identity, which may be empty, and starts
// its pumps.
func (h *Hub) Register(c *Client, identity string) error {
	err := h.do(func() error {
		c.id = h.registry.Register(c, identity)
		h.clients[c.id] = c
		if c.conn != nil {
			h.wg.Add(2)
		}
		h.log.Info().Str("session", string(c.id)).Str("remote_addr", c.addr).
			Int("clients", len(h.clients)).Msg("client registered")
		return nil
	})
	if err != nil {
		return err
	}
	if c.conn == nil {
		return nil
	}

	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
	return nil
}

// Unregister removes the client. It never blocks after shutdown.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// SetIdentity binds identity to the client's session.
func (h *Hub) SetIdentity(c *Client, identity string) error {
	return h.do(func() error {
		return h.registry.SetIdentity(c.id, identity)
	})
}

// JoinRoom subscribes the client to room, leaving its previous room.
// Membership must be checked by the caller.
func (h *Hub) JoinRoom(c *Client, room chat.RoomID) error {
	return h.do(func() error {
		return h.registry.JoinRoom(c.id, room)
	})
}

// LeaveRoom unsubscribes the client from its room.
func (h *Hub) LeaveRoom(c *Client) error {
	return h.do(func() error {
		return h.registry.LeaveRoom(c.id)
	})
}

// Online returns the identities with at least one live session.
func (h *Hub) Online() ([]string, error) {
	var users []string
	err := h.do(func() error {
		users = h.presence.List()
		return nil
	})
	return users, err
}

// ClientCount returns the number of registered sessions.
func (h *Hub) ClientCount() int {
	var n int
	_ = h.do(func() error {
		n = h.registry.Len()
		return nil
	})
	return n
}

// Subscribers returns the number of sessions subscribed to room.
func (h *Hub) Subscribers(room chat.RoomID) int {
	var n int
	_ = h.do(func() error {
		n = h.bus.Subscribers(room)
		return nil
	})
	return n
}

// Broadcast publishes a persisted message to every session subscribed to its
// room, then tells every session that the room has activity. It returns once
// the frames are queued, so a join or leave issued afterwards is ordered
// after the message.
func (h *Hub) Broadcast(msg chat.Message) {
	_ = h.do(func() error {
		h.handleBroadcast(msg)
		return nil
	})
}

// RoomsChanged tells every session that room was created or has new activity.
func (h *Hub) RoomsChanged(room chat.RoomID) {
	_ = h.do(func() error {
		h.sendAll(FrameRoomsChanged, RoomPayload{RoomID: room})
		return nil
	})
}

func (h *Hub) handleBroadcast(msg chat.Message) {
	frame, err := encodeFrame(FrameMessageNew, "", msg)
	if err != nil {
		h.log.Error().Err(err).Int64("message", msg.ID).Msg("encode message frame")
		return
	}
	res := h.bus.Publish(msg.RoomID, frame)
	h.log.Debug().Int64("room", int64(msg.RoomID)).Int64("message", msg.ID).
		Int("delivered", res.Delivered).Int("failed", len(res.Failed)).Msg("message broadcast")
	h.dropFailed(res.Failed)
	h.sendAll(FrameRoomsChanged, RoomPayload{RoomID: msg.RoomID})
}

// PresenceChanged implements presence.Notifier.
func (h *Hub) PresenceChanged(c presence.Change) {
	h.log.Info().Str("user", c.User).Bool("online", c.Online).Msg("presence changed")
	h.sendAll(FramePresenceUpdate, c)
}

// PresenceSnapshot implements presence.Notifier.
func (h *Hub) PresenceSnapshot(s presence.Snapshot) {
	h.sendAll(FramePresenceFull, UsersPayload{Users: s.Users})
}

// sendAll delivers a frame to every live session.
func (h *Hub) sendAll(frameType string, payload any) {
	frame, err := encodeFrame(frameType, "", payload)
	if err != nil {
		h.log.Error().Err(err).Str("type", frameType).Msg("encode frame")
		return
	}
	var failed []session.ID
	h.registry.Each(func(s *session.Session) {
		if !s.Conn.Send(frame) {
			failed = append(failed, s.ID)
		}
	})
	h.dropFailed(failed)
}

func (h *Hub) dropFailed(ids []session.ID) {
	if len(ids) == 0 {
		return
	}
	metrics.BroadcastDropped.Add(float64(len(ids)))
	h.evict = append(h.evict, ids...)
}

// flushEvictions removes clients that could not keep up. Removing one can
// emit presence frames that overflow another queue, so it loops until stable.
func (h *Hub) flushEvictions() {
	for len(h.evict) > 0 {
		ids := h.evict
		h.evict = nil
		for _, id := range ids {
			if c, ok := h.clients[id]; ok {
				h.log.Warn().Str("session", string(id)).Str("remote_addr", c.addr).
					Msg("client removed due to full send buffer")
				h.remove(c)
			}
		}
	}
}

func (h *Hub) remove(c *Client) {
	if c == nil {
		return
	}
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	h.registry.Remove(c.id)
	c.closeSend()
	h.log.Info().Str("session", string(c.id)).Str("remote_addr", c.addr).
		Int("clients", len(h.clients)).Msg("client unregistered")
}

func (h *Hub) updateGauges() {
	metrics.Connections.Set(float64(h.registry.Len()))
	metrics.OnlineUsers.Set(float64(len(h.presence.List())))
}

// shutdownClients closes every connection. The pumps then exit on their own.
func (h *Hub) shutdownClients() {
	h.log.Info().Int("clients", len(h.clients)).Msg("shutting down all client connections")

	for _, c := range h.clients {
		c.closeSend()
		if c.conn != nil {
			if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
				h.log.Warn().Err(err).Str("remote_addr", c.addr).Msg("error closing client connection")
			}
		}
	}
}

// Shutdown stops the hub and waits for all client goroutines to complete or
// for timeout to elapse, in which case it returns context.DeadlineExceeded.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info().Msg("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info().Msg("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn().Msg("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
