package server

import (
	"errors"
	"net/http"

	"github.com/Tyrowin/gochat/internal/assistant"
	"github.com/Tyrowin/gochat/internal/auth"
	"github.com/Tyrowin/gochat/internal/delivery"
	"github.com/Tyrowin/gochat/internal/store"
)

// Error codes carried by error frames and failed acks.
const (
	CodeInvalidArgument   = "INVALID_ARGUMENT"
	CodeUnauthenticated   = "UNAUTHENTICATED"
	CodeForbidden         = "FORBIDDEN"
	CodeUnavailable       = "UNAVAILABLE"
	CodeResourceExhausted = "RESOURCE_EXHAUSTED"
	CodeInternal          = "INTERNAL"
)

var (
	// ErrHubClosed is returned by hub operations after shutdown.
	ErrHubClosed = errors.New("hub is shut down")

	errBadRequest  = errors.New("malformed request")
	errNoIdentity  = errors.New("authenticate first")
	errNoRoom      = errors.New("join a room first")
	errRateLimited = errors.New("rate limit exceeded")
)

// errorCode maps an error to its protocol code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, errNoRoom),
		errors.Is(err, delivery.ErrInvalid),
		errors.Is(err, store.ErrInvalid),
		errors.Is(err, assistant.ErrEmptyPrompt):
		return CodeInvalidArgument
	case errors.Is(err, auth.ErrUnauthenticated), errors.Is(err, errNoIdentity):
		return CodeUnauthenticated
	case errors.Is(err, delivery.ErrNotMember),
		errors.Is(err, delivery.ErrReservedIdentity),
		errors.Is(err, store.ErrNotFound):
		return CodeForbidden
	case errors.Is(err, errRateLimited):
		return CodeResourceExhausted
	case errors.Is(err, ErrHubClosed), errors.Is(err, delivery.ErrAssistant):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

// httpStatus maps an error to the REST status code.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, delivery.ErrInvalid),
		errors.Is(err, store.ErrInvalid),
		errors.Is(err, assistant.ErrEmptyPrompt):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrUnauthenticated), errors.Is(err, errNoIdentity):
		return http.StatusUnauthorized
	case errors.Is(err, delivery.ErrNotMember),
		errors.Is(err, delivery.ErrReservedIdentity),
		errors.Is(err, store.ErrNotFound):
		return http.StatusForbidden
	case errors.Is(err, assistant.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, assistant.ErrDisabled), errors.Is(err, ErrHubClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, delivery.ErrAssistant):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage hides internal failure detail from clients.
func publicMessage(err error) string {
	switch errorCode(err) {
	case CodeInternal:
		return "internal error"
	default:
		return err.Error()
	}
}
