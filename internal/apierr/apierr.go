// Package apierr centralizes the error-kind -> HTTP-status mapping (§7) so
// every ingress handler maps errors identically: auth failures to 401,
// ownership failures to 403, and so on, with no handler inventing its own
// status code.
package apierr

import "net/http"

// Kind is the closed set of client-facing error categories from spec.md
// §7. Internal failures (timeout, unavailable, transport) are never
// surfaced synchronously — they become Capture state and capture.failed
// events, never an apierr.Error.
type Kind string

const (
	KindAuthMissing      Kind = "AuthMissing"
	KindAuthInvalid      Kind = "AuthInvalid"
	KindNotOwned         Kind = "NotOwned"
	KindBadRequest       Kind = "BadRequest"
	KindPayloadTooLarge  Kind = "PayloadTooLarge"
	KindUnsupportedMedia Kind = "UnsupportedMedia"
	KindRateLimited      Kind = "RateLimited"
	KindBusy             Kind = "Busy"
	KindNotFound         Kind = "NotFound"
	KindInternal         Kind = "Internal"
)

// Error is the error type every ingress handler returns; the HTTP layer
// reads its Kind to pick a status code and never inspects Err directly.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of kind with a client-facing message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of kind around an underlying error, keeping err
// available to errors.Is/As chains without leaking it to the client.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// StatusCode maps a Kind to its HTTP status per spec.md §7.
func StatusCode(kind Kind) int {
	switch kind {
	case KindAuthMissing, KindAuthInvalid:
		return http.StatusUnauthorized
	case KindNotOwned:
		return http.StatusForbidden
	case KindBadRequest, KindUnsupportedMedia:
		return http.StatusBadRequest
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindBusy:
		return http.StatusServiceUnavailable
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// RetryAfter reports whether kind carries a Retry-After response header,
// and its value in seconds.
func RetryAfter(kind Kind) (seconds int, ok bool) {
	switch kind {
	case KindRateLimited:
		return 60, true
	case KindBusy:
		return 5, true
	default:
		return 0, false
	}
}
