package assistant

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyPrompt is returned when the prompt is blank after trimming.
	ErrEmptyPrompt = errors.New("prompt is required")
	// ErrNoModels is returned when the fallback ladder is empty.
	ErrNoModels = errors.New("no candidate models configured")
	// ErrLadderExhausted wraps the last error once every candidate failed
	// with a retryable error.
	ErrLadderExhausted = errors.New("all candidate models failed")
	// ErrTimeout is returned when the deadline elapses before a result.
	ErrTimeout = errors.New("assistant request timed out")
	// ErrMalformedJSON is returned by GenerateJSON when the cleaned text does
	// not parse.
	ErrMalformedJSON = errors.New("assistant returned malformed JSON")
	// ErrDisabled is returned by Complete when no provider is configured.
	ErrDisabled = errors.New("assistant is not configured")
)

// ProviderError is a failed generation call. Status is the HTTP status, or 0
// when no response was received at all.
type ProviderError struct {
	Model   string
	Status  int
	Message string
	// Body is the raw error payload, kept for classification.
	Body string
	Err  error
}

func (e *ProviderError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("provider call for %s failed: %s", e.Model, e.Message)
	}
	return fmt.Sprintf("provider returned %d for %s: %s", e.Status, e.Model, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
