// Package apperr defines the classified error type shared by the completion
// client, the router and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind classifies a failure.
type Kind string

const (
	KindValidation    Kind = "VALIDATION_ERROR"
	KindRateLimited   Kind = "RATE_LIMITED"
	KindUnauthorized  Kind = "UNAUTHORIZED"
	KindForbidden     Kind = "FORBIDDEN"
	KindTimeout       Kind = "TIMEOUT"
	KindQuotaExceeded Kind = "QUOTA_EXCEEDED"
	KindAI            Kind = "AI_ERROR"
	KindNotFound      Kind = "NOT_FOUND"
	KindInternal      Kind = "INTERNAL_ERROR"
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap returns an Error of the given kind wrapping err.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation is shorthand for a VALIDATION_ERROR.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

// RateLimited returns a RATE_LIMITED error with a retry hint.
func RateLimited(message string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:    KindRateLimited,
		Message: message,
		Details: map[string]any{"retryAfter": int(retryAfter.Round(time.Second).Seconds())},
	}
}

// With attaches a detail and returns e.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of err, or KindInternal if err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Transient reports whether a failure of this kind is worth retrying.
func (k Kind) Transient() bool {
	return k == KindRateLimited
}

// HTTPStatus maps a kind to the status code returned to callers.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindTimeout, KindQuotaExceeded:
		return http.StatusServiceUnavailable
	case KindAI:
		return http.StatusBadGateway
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// UserMessage is the text shown to end users for a kind.
func (k Kind) UserMessage() string {
	switch k {
	case KindRateLimited:
		return "Rate limit exceeded. Please try again later."
	case KindUnauthorized:
		return "Authentication failed."
	case KindForbidden:
		return "Access denied."
	case KindTimeout:
		return "The request timed out. Please try again."
	case KindQuotaExceeded:
		return "Service quota exceeded. Please try again later."
	case KindAI:
		return "The AI service failed to produce a response."
	case KindNotFound:
		return "The requested resource was not found."
	default:
		return "An internal error occurred."
	}
}

// Classify maps a backend failure to a kind by inspecting its status code and
// message text. A status of 0 means only the text is inspected.
func Classify(status int, text string) Kind {
	switch status {
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusUnauthorized:
		return KindUnauthorized
	case http.StatusForbidden:
		return KindForbidden
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout
	case http.StatusPaymentRequired:
		return KindQuotaExceeded
	}

	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429"):
		return KindRateLimited
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		return KindTimeout
	case strings.Contains(lower, "api key") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "401"):
		return KindUnauthorized
	case strings.Contains(lower, "quota") || strings.Contains(lower, "limit exceeded"):
		return KindQuotaExceeded
	default:
		return KindAI
	}
}
