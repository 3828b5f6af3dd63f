// Package apierr defines the closed error taxonomy shared by the transport,
// the backend health monitor and the sync coordinator.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into one of a fixed set of categories.
type Kind int

const (
	// KindConfiguration is a local precondition failure (missing host, method,
	// path or trust root). Never retried.
	KindConfiguration Kind = iota + 1

	// KindCannotConnect covers network failures, unresolved redirects and
	// requests refused locally because the host is banned.
	KindCannotConnect

	// KindRateLimited is a 429 response from the backend.
	KindRateLimited

	// KindBackendDown is a 5xx response, or a request refused while the
	// health monitor is probing the backend.
	KindBackendDown

	// KindEndpointGone is a 410 response. Terminal until restart.
	KindEndpointGone

	// KindRejected is any other non-2xx response.
	KindRejected

	// KindNotAuthenticated means the operation needs a logged-in session.
	KindNotAuthenticated
)

// String returns the stable name of the kind
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindCannotConnect:
		return "cannot-connect"
	case KindRateLimited:
		return "rate-limited"
	case KindBackendDown:
		return "backend-down"
	case KindEndpointGone:
		return "endpoint-gone"
	case KindRejected:
		return "rejected"
	case KindNotAuthenticated:
		return "not-authenticated"
	default:
		return "unknown"
	}
}

// Error is the single tagged error type returned by request paths.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

// Error returns the error message
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind wrapping err
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Common errors with fixed messages
var (
	ErrEndpointGone     = New(KindEndpointGone, "the API endpoint used by this app is gone, please update the app")
	ErrBackendDown      = New(KindBackendDown, "backend is down, will retry later")
	ErrNotAuthenticated = New(KindNotAuthenticated, "please login first")
)

// KindOf returns the kind of err, or 0 when err is nil or not an *Error.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return 0
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// FromStatus classifies an HTTP status code. It returns nil for 2xx.
func FromStatus(code int, message string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusGone:
		return &Error{Kind: KindEndpointGone, StatusCode: code, Message: orDefault(message, ErrEndpointGone.Message)}
	case code == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, StatusCode: code, Message: orDefault(message, "too many requests")}
	case code >= 500 && code < 600:
		return &Error{Kind: KindBackendDown, StatusCode: code, Message: orDefault(message, ErrBackendDown.Message)}
	case code >= 300 && code < 400:
		return &Error{Kind: KindCannotConnect, StatusCode: code, Message: orDefault(message, "unresolved redirect")}
	case code >= 400 && code < 500:
		return &Error{Kind: KindRejected, StatusCode: code, Message: orDefault(message, http.StatusText(code))}
	default:
		return &Error{Kind: KindCannotConnect, StatusCode: code, Message: orDefault(message, "unexpected status")}
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
