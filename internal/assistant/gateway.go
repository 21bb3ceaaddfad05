// Package assistant wraps a text-generation provider behind a model fallback
// ladder, bounded retries with exponential backoff, and an overall deadline.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Tyrowin/gochat/internal/metrics"
)

// Default tuning values.
const (
	DefaultModel       = "gemini-1.5-flash"
	DefaultAttempts    = 3
	DefaultBaseDelay   = time.Second
	DefaultTimeout     = 30 * time.Second
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 512

	maxRetryDelay = 30 * time.Second
)

// DefaultFallbacks are tried, in order, after the primary model.
var DefaultFallbacks = []string{"gemini-1.0-pro", "gemini-pro"}

var (
	modelPrefix = regexp.MustCompile(`(?i)^(v1beta/)?models/`)
	modelSuffix = regexp.MustCompile(`(?i):generate_?content$`)
)

// Config tunes a Gateway. Zero values fall back to the defaults above.
type Config struct {
	Model       string
	Fallbacks   []string
	System      string
	Temperature float64
	MaxTokens   int
	Attempts    int
	BaseDelay   time.Duration
	Timeout     time.Duration
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(l zerolog.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// WithRetryNotify is called before each backoff wait with the error that
// triggered it and the delay about to elapse.
func WithRetryNotify(fn func(error, time.Duration)) Option {
	return func(g *Gateway) { g.notify = fn }
}

// Gateway turns a prompt into text. A Gateway without a provider is disabled
// and answers every prompt with a degraded reply.
type Gateway struct {
	provider Provider
	cfg      Config
	ladder   []string
	log      zerolog.Logger
	tracer   trace.Tracer
	notify   func(error, time.Duration)
}

// New returns a gateway over provider. provider may be nil.
func New(provider Provider, cfg Config, opts ...Option) *Gateway {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Fallbacks == nil {
		cfg.Fallbacks = DefaultFallbacks
	}
	g := &Gateway{
		provider: provider,
		cfg:      cfg,
		ladder:   Ladder(cfg.Model, cfg.Fallbacks...),
		log:      zerolog.Nop(),
		tracer:   otel.Tracer("github.com/Tyrowin/gochat/internal/assistant"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Enabled reports whether a provider is configured.
func (g *Gateway) Enabled() bool {
	return g.provider != nil
}

// Models returns the candidate ladder in the order it is tried.
func (g *Gateway) Models() []string {
	return append([]string(nil), g.ladder...)
}

// NormalizeModel strips resource prefixes and method suffixes so that
// "models/gemini-pro:generateContent" becomes "gemini-pro". A blank name
// yields DefaultModel.
func NormalizeModel(name string) string {
	m := strings.TrimSpace(name)
	if m == "" {
		return DefaultModel
	}
	m = modelPrefix.ReplaceAllString(m, "")
	return modelSuffix.ReplaceAllString(m, "")
}

// Ladder builds the ordered, duplicate-free list of candidate models.
func Ladder(primary string, fallbacks ...string) []string {
	seen := make(map[string]bool, len(fallbacks)+1)
	out := make([]string, 0, len(fallbacks)+1)
	for _, m := range append([]string{primary}, fallbacks...) {
		if strings.TrimSpace(m) == "" && len(out) > 0 {
			continue
		}
		m = NormalizeModel(m)
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// Generate tries each candidate model in order. A retryable failure advances
// to the next candidate, a fatal one is returned as is. When every candidate
// fails, the last error is returned wrapped in ErrLadderExhausted.
func (g *Gateway) Generate(ctx context.Context, prompt string) (string, error) {
	return g.generate(ctx, prompt, false)
}

func (g *Gateway) generate(ctx context.Context, prompt string, asJSON bool) (string, error) {
	if !g.Enabled() {
		return "", ErrDisabled
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}
	if len(g.ladder) == 0 {
		return "", ErrNoModels
	}

	var lastErr error
	for _, model := range g.ladder {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		text, err := g.call(ctx, model, prompt, asJSON)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if Classify(err) == Fatal {
			return "", err
		}
		g.log.Debug().Err(err).Str("model", model).Msg("candidate failed, trying next model")
	}
	return "", fmt.Errorf("%w: %w", ErrLadderExhausted, lastErr)
}

func (g *Gateway) call(ctx context.Context, model, prompt string, asJSON bool) (string, error) {
	ctx, span := g.tracer.Start(ctx, "assistant.generate",
		trace.WithAttributes(attribute.String("assistant.model", model)))
	defer span.End()

	text, err := g.provider.Generate(ctx, Request{
		Model:       model,
		Prompt:      prompt,
		System:      g.cfg.System,
		Temperature: g.cfg.Temperature,
		MaxTokens:   g.cfg.MaxTokens,
		JSON:        asJSON,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.AssistantCalls.WithLabelValues(model, Classify(err).String()).Inc()
		return "", err
	}
	metrics.AssistantCalls.WithLabelValues(model, "ok").Inc()
	return text, nil
}

// GenerateWithRetry runs the whole ladder up to the configured number of
// attempts. Only transient failures are retried; the wait doubles from the
// base delay between attempts.
func (g *Gateway) GenerateWithRetry(ctx context.Context, prompt string) (string, error) {
	return g.retry(ctx, prompt, false)
}

func (g *Gateway) retry(ctx context.Context, prompt string, asJSON bool) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = maxRetryDelay

	op := func() (string, error) {
		text, err := g.generate(ctx, prompt, asJSON)
		if err == nil {
			return text, nil
		}
		if !IsTransient(err) || ctx.Err() != nil {
			return "", backoff.Permanent(err)
		}
		return "", err
	}
	notify := func(err error, wait time.Duration) {
		g.log.Warn().Err(err).Dur("wait", wait).Msg("assistant call failed, backing off")
		if g.notify != nil {
			g.notify(err, wait)
		}
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(g.cfg.Attempts)),
		backoff.WithNotify(notify),
	)
}

// Complete runs the retrying ladder under the configured deadline. When the
// deadline elapses first the in-flight call is cancelled and ErrTimeout is
// returned.
func (g *Gateway) Complete(ctx context.Context, prompt string) (string, error) {
	return g.complete(ctx, prompt, false)
}

func (g *Gateway) complete(ctx context.Context, prompt string, asJSON bool) (string, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	text, err := g.retry(ctx, prompt, asJSON)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			outcome = "timeout"
			err = fmt.Errorf("%w after %s: %w", ErrTimeout, g.cfg.Timeout, err)
		}
	}
	metrics.AssistantDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return text, err
}
