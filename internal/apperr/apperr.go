// Package apperr defines the machine-readable error kinds returned by the
// core services and their mapping onto HTTP statuses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable error classification exposed to API clients.
type Kind string

const (
	KindValidation     Kind = "validation_error"
	KindNotFound       Kind = "not_found"
	KindForbidden      Kind = "forbidden"
	KindInvalidState   Kind = "invalid_state"
	KindExpired        Kind = "expired"
	KindInvalidCode    Kind = "invalid_code"
	KindUnauthorized   Kind = "unauthorized"
	KindDeliveryFailed Kind = "delivery_failed"
	KindRateLimited    Kind = "rate_limited"
	KindInternal       Kind = "internal_error"
)

// Sentinels for errors.Is comparisons. They match any *Error of the same kind.
var (
	ErrValidation     = &Error{Kind: KindValidation}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrForbidden      = &Error{Kind: KindForbidden}
	ErrInvalidState   = &Error{Kind: KindInvalidState}
	ErrExpired        = &Error{Kind: KindExpired}
	ErrInvalidCode    = &Error{Kind: KindInvalidCode}
	ErrUnauthorized   = &Error{Kind: KindUnauthorized}
	ErrDeliveryFailed = &Error{Kind: KindDeliveryFailed}
	ErrInternal       = &Error{Kind: KindInternal}
)

// Error carries a Kind, a client-safe message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// New builds an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause that is logged but never shown to clients.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels (no message) by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// PublicMessage returns the text that may be shown to a client.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		if e.Message != "" {
			return e.Message
		}
		return string(e.Kind)
	}
	return "internal server error"
}

// HTTPStatus maps a kind onto a response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindInvalidCode:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidState:
		return http.StatusConflict
	case KindExpired:
		return http.StatusGone
	case KindDeliveryFailed:
		return http.StatusBadGateway
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// KindForStatus classifies a transport-level status, such as one carried by a
// fiber.Error, so every error body names a kind.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusForbidden:
		return KindForbidden
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindInvalidState
	case status == http.StatusGone:
		return KindExpired
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusBadGateway:
		return KindDeliveryFailed
	case status >= http.StatusInternalServerError:
		return KindInternal
	default:
		return KindValidation
	}
}
