package assistant

import (
	"context"
	"fmt"
	"strings"
)

// Answer is a reply for a user prompt. Degraded answers are canned texts
// returned when the provider is missing or rate limited.
type Answer struct {
	Text     string `json:"answer"`
	Degraded bool   `json:"isFallback"`
}

const (
	disabledTemplate = "The assistant is turned off because no provider API key is configured.\n\nYou asked: %s"
	quotaTemplate    = "The assistant is rate limited by its provider right now. Chat keeps working as usual.\n\nYou asked: %s"
)

// Answer completes prompt and falls back to a degraded answer instead of an
// error when no provider is configured or the provider reports a quota
// problem. Any other failure is returned.
func (g *Gateway) Answer(ctx context.Context, prompt string) (Answer, error) {
	p := strings.TrimSpace(prompt)
	if p == "" {
		return Answer{}, ErrEmptyPrompt
	}
	if !g.Enabled() {
		return Answer{Text: fmt.Sprintf(disabledTemplate, p), Degraded: true}, nil
	}
	text, err := g.Complete(ctx, p)
	if err != nil {
		if IsQuota(err) {
			g.log.Warn().Err(err).Msg("assistant quota exhausted, answering degraded")
			return Answer{Text: fmt.Sprintf(quotaTemplate, p), Degraded: true}, nil
		}
		return Answer{}, err
	}
	return Answer{Text: text}, nil
}
