// Package delivery validates, authorizes, persists and fans out chat
// messages, and routes /ai prompts to the assistant.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Tyrowin/gochat/internal/assistant"
	"github.com/Tyrowin/gochat/internal/chat"
	"github.com/Tyrowin/gochat/internal/metrics"
)

// MaxContentRunes bounds the length of a message body.
const MaxContentRunes = 4000

var (
	// ErrInvalid is returned for malformed input.
	ErrInvalid = errors.New("invalid message")
	// ErrNotMember is returned when the sender does not belong to the room.
	ErrNotMember = errors.New("not a member of this room")
	// ErrPersist is returned when the store fails. Nothing is broadcast.
	ErrPersist = errors.New("storage failure")
	// ErrAssistant wraps assistant failures.
	ErrAssistant = errors.New("assistant failure")
	// ErrReservedIdentity is returned when a caller claims the assistant's name.
	ErrReservedIdentity = errors.New("identity is reserved for the assistant")
)

var assistantMarker = regexp.MustCompile(`(?i)^/ai\b[:\s]*`)

// Store is the persistence the pipeline needs.
type Store interface {
	IsMember(ctx context.Context, room chat.RoomID, identity string) (bool, error)
	InsertMessage(ctx context.Context, msg chat.NewMessage) (chat.Message, error)
}

// Publisher hands a persisted message to the live fan-out.
type Publisher interface {
	Broadcast(msg chat.Message)
}

// Assistant answers prompts.
type Assistant interface {
	Answer(ctx context.Context, prompt string) (assistant.Answer, error)
}

// Relay exports persisted messages. Failures are logged only.
type Relay interface {
	PublishMessage(ctx context.Context, msg chat.Message) error
}

// Request is a message submission.
type Request struct {
	RoomID       chat.RoomID
	Sender       string
	Content      string
	AttachmentID *int64
}

// Result is what the sender receives synchronously.
type Result struct {
	Message chat.Message  `json:"message"`
	Reply   *chat.Message `json:"reply,omitempty"`
}

// AskRequest is a direct assistant question. RoomID is optional; when set
// the answer is posted to the room.
type AskRequest struct {
	RoomID chat.RoomID
	Sender string
	Prompt string
}

// AskResult carries the answer and, for room-scoped asks, the posted message.
type AskResult struct {
	Answer  assistant.Answer
	Message *chat.Message
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithAssistant enables /ai handling. identity authors the replies.
func WithAssistant(a Assistant, identity string) Option {
	return func(p *Pipeline) {
		p.ai = a
		p.aiIdentity = identity
	}
}

// WithRelay exports every persisted message to r.
func WithRelay(r Relay) Option {
	return func(p *Pipeline) { p.relay = r }
}

// WithLogger sets the pipeline logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// Pipeline runs submissions on the caller's goroutine.
type Pipeline struct {
	store      Store
	pub        Publisher
	ai         Assistant
	aiIdentity string
	relay      Relay
	log        zerolog.Logger
	tracer     trace.Tracer
}

// New returns a pipeline persisting to store and broadcasting through pub.
func New(store Store, pub Publisher, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:      store,
		pub:        pub,
		aiIdentity: "Gemini",
		log:        zerolog.Nop(),
		tracer:     otel.Tracer("github.com/Tyrowin/gochat/internal/delivery"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AssistantPrompt reports whether content addresses the assistant and
// returns the prompt with the marker removed.
func AssistantPrompt(content string) (string, bool) {
	trimmed := strings.TrimSpace(content)
	loc := assistantMarker.FindStringIndex(trimmed)
	if loc == nil {
		return "", false
	}
	return strings.TrimSpace(trimmed[loc[1]:]), true
}

// Submit delivers one message. Membership is checked on every call. The
// message is broadcast only after it is persisted. When it addresses the
// assistant the reply is delivered the same way; an assistant failure is
// returned wrapped in ErrAssistant with Result.Message already delivered.
func (p *Pipeline) Submit(ctx context.Context, req Request) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "delivery.submit",
		trace.WithAttributes(attribute.Int64("chat.room_id", int64(req.RoomID))))
	defer span.End()

	res, err := p.submit(ctx, req)
	outcome := outcomeOf(err)
	metrics.Messages.WithLabelValues(outcome).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	return res, err
}

func (p *Pipeline) submit(ctx context.Context, req Request) (Result, error) {
	sender := strings.TrimSpace(req.Sender)
	content := strings.TrimSpace(req.Content)
	if err := validate(req.RoomID, sender, content, req.AttachmentID); err != nil {
		return Result{}, err
	}
	if p.reserved(sender) {
		return Result{}, ErrReservedIdentity
	}
	if err := p.authorize(ctx, req.RoomID, sender); err != nil {
		return Result{}, err
	}

	msg, err := p.persist(ctx, chat.NewMessage{
		RoomID:       req.RoomID,
		Sender:       sender,
		Content:      content,
		AttachmentID: req.AttachmentID,
	})
	if err != nil {
		return Result{}, err
	}
	res := Result{Message: msg}

	prompt, ok := AssistantPrompt(content)
	if !ok || prompt == "" || p.ai == nil {
		return res, nil
	}
	ans, err := p.ai.Answer(ctx, prompt)
	if err != nil {
		p.log.Warn().Err(err).Int64("room", int64(req.RoomID)).Msg("assistant reply failed")
		return res, fmt.Errorf("%w: %w", ErrAssistant, err)
	}
	reply, err := p.persist(ctx, chat.NewMessage{RoomID: req.RoomID, Sender: p.aiIdentity, Content: ans.Text})
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrAssistant, err)
	}
	res.Reply = &reply
	return res, nil
}

// Ask answers a prompt directly. A room-scoped ask checks membership first
// and posts the answer, degraded or not, to the room.
func (p *Pipeline) Ask(ctx context.Context, req AskRequest) (AskResult, error) {
	ctx, span := p.tracer.Start(ctx, "delivery.ask",
		trace.WithAttributes(attribute.Int64("chat.room_id", int64(req.RoomID))))
	defer span.End()

	sender := strings.TrimSpace(req.Sender)
	prompt := strings.TrimSpace(req.Prompt)
	if sender == "" {
		return AskResult{}, fmt.Errorf("%w: sender is required", ErrInvalid)
	}
	if p.reserved(sender) {
		return AskResult{}, ErrReservedIdentity
	}
	if prompt == "" {
		return AskResult{}, fmt.Errorf("%w: prompt is required", ErrInvalid)
	}
	if req.RoomID < 0 {
		return AskResult{}, fmt.Errorf("%w: room id must be positive", ErrInvalid)
	}
	if p.ai == nil {
		return AskResult{}, fmt.Errorf("%w: %w", ErrAssistant, assistant.ErrDisabled)
	}
	if req.RoomID > 0 {
		if err := p.authorize(ctx, req.RoomID, sender); err != nil {
			return AskResult{}, err
		}
	}

	ans, err := p.ai.Answer(ctx, prompt)
	if err != nil {
		span.RecordError(err)
		return AskResult{}, fmt.Errorf("%w: %w", ErrAssistant, err)
	}
	out := AskResult{Answer: ans}
	if req.RoomID == 0 {
		return out, nil
	}
	msg, err := p.persist(ctx, chat.NewMessage{RoomID: req.RoomID, Sender: p.aiIdentity, Content: ans.Text})
	if err != nil {
		return out, err
	}
	out.Message = &msg
	return out, nil
}

func (p *Pipeline) authorize(ctx context.Context, room chat.RoomID, sender string) error {
	ok, err := p.store.IsMember(ctx, room, sender)
	if err != nil {
		return fmt.Errorf("%w: check membership: %w", ErrPersist, err)
	}
	if !ok {
		return ErrNotMember
	}
	return nil
}

// persist stores msg, then broadcasts and relays it.
func (p *Pipeline) persist(ctx context.Context, nm chat.NewMessage) (chat.Message, error) {
	msg, err := p.store.InsertMessage(ctx, nm)
	if err != nil {
		return chat.Message{}, fmt.Errorf("%w: %w", ErrPersist, err)
	}
	p.pub.Broadcast(msg)
	if p.relay != nil {
		if err := p.relay.PublishMessage(ctx, msg); err != nil {
			p.log.Warn().Err(err).Int64("message", msg.ID).Msg("relay export failed")
		}
	}
	return msg, nil
}

// reserved reports whether sender would pass for the assistant.
func (p *Pipeline) reserved(sender string) bool {
	return p.aiIdentity != "" && strings.EqualFold(sender, p.aiIdentity)
}

func validate(room chat.RoomID, sender, content string, attachment *int64) error {
	switch {
	case room <= 0:
		return fmt.Errorf("%w: room id is required", ErrInvalid)
	case sender == "":
		return fmt.Errorf("%w: sender is required", ErrInvalid)
	case content == "" && attachment == nil:
		return fmt.Errorf("%w: content is required", ErrInvalid)
	case utf8.RuneCountInString(content) > MaxContentRunes:
		return fmt.Errorf("%w: content exceeds %d characters", ErrInvalid, MaxContentRunes)
	}
	return nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "delivered"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	case errors.Is(err, ErrNotMember), errors.Is(err, ErrReservedIdentity):
		return "forbidden"
	case errors.Is(err, ErrAssistant):
		return "assistant_error"
	case errors.Is(err, ErrPersist):
		return "store_error"
	default:
		return "error"
	}
}
