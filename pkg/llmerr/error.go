// Package llmerr defines the failure taxonomy shared by providers, middleware
// stages and the conversation cache.
package llmerr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a failure.
type Kind string

const (
	// Configuration is a bad setup detected before any call.
	Configuration Kind = "configuration"
	// Connectivity means the backend could not be reached.
	Connectivity Kind = "connectivity"
	// Permission means the backend rejected our credentials.
	Permission Kind = "permission"
	// RateLimit means the backend throttled the call.
	RateLimit Kind = "rate_limit"
	// Request means the call itself was malformed.
	Request Kind = "request"
	// Response means the backend returned something unusable.
	Response Kind = "response"
	// Result is a local judgment: validation failed or retries ran out.
	Result Kind = "result"
)

// Error is a classified failure with an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the kind of the outermost *Error in err's chain, or "" when
// err carries no classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether the outermost classification of err is kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// FromStatus classifies a non-2xx HTTP reply from a backend.
func FromStatus(status int, body string) *Error {
	msg := fmt.Sprintf("backend returned %d", status)
	if b := strings.TrimSpace(body); b != "" {
		if len(b) > 256 {
			b = b[:256]
		}
		msg += ": " + b
	}
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return New(Permission, msg)
	case status == http.StatusTooManyRequests:
		return New(RateLimit, msg)
	case status >= 400 && status < 500:
		return New(Request, msg)
	default:
		return New(Response, msg)
	}
}
