package tts

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel error kinds. Every error returned by a provider matches exactly
// one of these with errors.Is, or wraps a context error.
var (
	// ErrValidation means the request was rejected before any backend was contacted.
	ErrValidation = errors.New("invalid request")

	// ErrInvalidVoice means the requested voice is not in the backend's own set.
	ErrInvalidVoice = errors.New("invalid voice")

	// ErrEngineUnavailable means the upstream engine could not be reached.
	ErrEngineUnavailable = errors.New("engine unavailable")

	// ErrSynthesisFailed covers every other rendering failure.
	ErrSynthesisFailed = errors.New("synthesis failed")
)

// Error is the structured error returned by providers.
type Error struct {
	// Backend is the token of the backend that failed. Empty for validation errors.
	Backend string
	// Kind is one of the sentinel errors above.
	Kind error
	// Message is the engine or validator diagnostic.
	Message string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("tts: ")
	if e.Backend != "" {
		b.WriteString(e.Backend)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Is reports whether target is e's kind.
func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

// Invalid returns an ErrValidation error.
func Invalid(msg string) error {
	return &Error{Kind: ErrValidation, Message: msg}
}

// InvalidVoice returns an ErrInvalidVoice error for backend.
func InvalidVoice(backend, voice string) error {
	return &Error{Backend: backend, Kind: ErrInvalidVoice, Message: fmt.Sprintf("voice %q not offered", voice)}
}

// Unavailable returns an ErrEngineUnavailable error for backend.
func Unavailable(backend string, err error) error {
	return &Error{Backend: backend, Kind: ErrEngineUnavailable, Err: err}
}

// Failed returns an ErrSynthesisFailed error for backend.
func Failed(backend, msg string, err error) error {
	return &Error{Backend: backend, Kind: ErrSynthesisFailed, Message: msg, Err: err}
}

// TransportError classifies an error returned by an HTTP client or dialer.
// Context cancellation is passed through unchanged so callers can tell it
// apart from engine failures; everything else means the engine is unreachable.
func TransportError(backend string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("tts: %s: %w", backend, err)
	}
	return Unavailable(backend, err)
}

// StatusError classifies a non-2xx response from an engine. 5xx and 429
// responses are treated as the engine being unavailable; everything else is
// a synthesis failure carrying the response body as the diagnostic.
func StatusError(backend, op string, code int, body []byte) error {
	msg := fmt.Sprintf("%s returned status %d", op, code)
	if detail := strings.TrimSpace(string(body)); detail != "" {
		if len(detail) > 256 {
			detail = detail[:256]
		}
		msg += ": " + detail
	}
	if code >= http.StatusInternalServerError || code == http.StatusTooManyRequests {
		return &Error{Backend: backend, Kind: ErrEngineUnavailable, Message: msg}
	}
	return Failed(backend, msg, nil)
}

// KindOf returns a short machine-readable name for err's kind, or "" when err
// does not carry one of the sentinel kinds.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrInvalidVoice):
		return "invalid_voice"
	case errors.Is(err, ErrEngineUnavailable):
		return "engine_unavailable"
	case errors.Is(err, ErrSynthesisFailed):
		return "synthesis_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return ""
	}
}
