// Package relay exports persisted messages to NATS so that other services
// can follow room traffic. Export is best effort and never blocks delivery.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat/internal/chat"
)

// SubjectPrefix is the root of every exported subject.
const SubjectPrefix = "chat.rooms"

// Publisher exports a persisted message.
type Publisher interface {
	PublishMessage(ctx context.Context, msg chat.Message) error
	Close()
}

// Subject returns the subject a room's messages are published on.
func Subject(room chat.RoomID) string {
	return fmt.Sprintf("%s.%d.messages", SubjectPrefix, room)
}

// Noop discards every message. It is used when no NATS URL is configured.
type Noop struct{}

func (Noop) PublishMessage(context.Context, chat.Message) error { return nil }
func (Noop) Close()                                             {}

// NATS publishes messages as JSON on Subject(room).
type NATS struct {
	nc *nats.Conn
}

// Connect dials natsURL. The connection retries in the background, so a
// broker that is down at startup does not stop the server.
func Connect(natsURL string, log zerolog.Logger) (*NATS, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("gochat"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATS{nc: nc}, nil
}

// NewNATS wraps an existing connection.
func NewNATS(nc *nats.Conn) *NATS {
	return &NATS{nc: nc}
}

// PublishMessage implements Publisher.
func (p *NATS) PublishMessage(ctx context.Context, msg chat.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := p.nc.Publish(Subject(msg.RoomID), data); err != nil {
		return fmt.Errorf("publish message %d: %w", msg.ID, err)
	}
	return nil
}

// Close drains pending publishes and closes the connection.
func (p *NATS) Close() {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}
