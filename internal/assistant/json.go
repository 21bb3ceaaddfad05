package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const jsonInstruction = "\n\nIMPORTANT: Return ONLY a valid JSON object. No preamble, no markdown blocks."

var fenceReplacer = strings.NewReplacer("```json", "", "```", "")

// CleanText removes markdown code fences and surrounding whitespace.
func CleanText(text string) string {
	return strings.TrimSpace(fenceReplacer.Replace(text))
}

// GenerateJSON asks for a bare JSON object and decodes it into v.
func (g *Gateway) GenerateJSON(ctx context.Context, prompt string, v any) error {
	if strings.TrimSpace(prompt) == "" {
		return ErrEmptyPrompt
	}
	text, err := g.complete(ctx, prompt+jsonInstruction, true)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(CleanText(text)), v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedJSON, err)
	}
	return nil
}
