package assistant

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// Class decides what the gateway does after a failed candidate.
type Class int

const (
	// Fatal aborts the whole invocation.
	Fatal Class = iota
	// Retryable advances to the next candidate model.
	Retryable
)

func (c Class) String() string {
	if c == Retryable {
		return "retryable"
	}
	return "fatal"
}

// rule matches when the status matches (0 matches any status) and, if
// substrings are listed, the lowercased message or body contains one of them.
type rule struct {
	status   int
	contains []string
	class    Class
}

// fallbackRules is the single classification table for provider failures.
// Anything not matched is fatal.
var fallbackRules = []rule{
	{status: 404, class: Retryable},
	{status: 400, contains: []string{"not found", "not supported", "supported methods"}, class: Retryable},
	{contains: []string{"call listmodels", "is not found for api version"}, class: Retryable},
	{status: 429, class: Retryable},
	{status: 503, class: Retryable},
}

// transientStatuses may succeed if the whole ladder is tried again later.
var transientStatuses = map[int]bool{
	429: true,
	503: true,
}

var quotaPattern = regexp.MustCompile(`(?i)quota exceeded|resource_exhausted|rate limit`)

func (r rule) matches(status int, text string) bool {
	if r.status != 0 && r.status != status {
		return false
	}
	if len(r.contains) == 0 {
		return true
	}
	for _, s := range r.contains {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}

// Classify maps a candidate failure to Retryable or Fatal. Errors that are not
// provider errors, including cancellation, are fatal.
func Classify(err error) Class {
	var pe *ProviderError
	if !errors.As(err, &pe) || isContextErr(err) {
		return Fatal
	}
	text := strings.ToLower(pe.Message + "\n" + pe.Body)
	for _, r := range fallbackRules {
		if r.matches(pe.Status, text) {
			return r.class
		}
	}
	return Fatal
}

// IsTransient reports whether re-running the whole ladder may help: rate
// limited, provider unavailable, or no response status at all.
func IsTransient(err error) bool {
	if err == nil || isContextErr(err) {
		return false
	}
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Status == 0 || transientStatuses[pe.Status]
}

// IsQuota reports whether err carries recognizable quota or rate-limit
// language.
func IsQuota(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Status == 429 || quotaPattern.MatchString(pe.Message) || quotaPattern.MatchString(pe.Body)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
