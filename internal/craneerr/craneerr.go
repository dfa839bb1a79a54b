// Package craneerr defines Crane's closed error taxonomy (spec.md §7).
//
// Each kind is a distinct type so callers can use errors.As to branch on it,
// and a package-level KindOf() helper maps any error produced inside Crane back
// to one of the enumerated kinds for logging and for the command surface's
// JSON error envelope. This stays on the standard library's error wrapping
// (errors.New/fmt.Errorf/%w) rather than an errors package: the taxonomy is
// small, closed and already exhaustively enumerable with errors.As, which is
// exactly the case the stdlib pattern was designed for (see DESIGN.md).
package craneerr

import (
	"errors"
	"fmt"
)

// Kind names one of the taxonomy entries from spec.md §7.
type Kind string

const (
	SSRFBlocked            Kind = "SSRFBlocked"
	DNSFailure             Kind = "DNSFailure"
	ConnectTimeout          Kind = "ConnectTimeout"
	ReadTimeout             Kind = "ReadTimeout"
	HTTPStatus              Kind = "HTTPStatus"
	RangeNotSupported       Kind = "RangeNotSupported"
	ContentLengthMismatch   Kind = "ContentLengthMismatch"
	ResourceChanged         Kind = "ResourceChanged"
	HashMismatch            Kind = "HashMismatch"
	DiskFull                Kind = "DiskFull"
	PermissionDenied        Kind = "PermissionDenied"
	QueueBudgetExhausted    Kind = "QueueBudgetExhausted"
	Malformed               Kind = "Malformed"
	Cancelled               Kind = "Cancelled"
)

// Error is a typed, wrapped Crane error carrying a taxonomy Kind, an
// optional HTTP status code (only meaningful when Kind == HTTPStatus), and
// the underlying cause.
type Error struct {
	Kind    Kind
	Code    int // HTTP status, when applicable
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Kind == HTTPStatus {
		return fmt.Sprintf("%s{%d}: %s", e.Kind, e.Code, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a Kind-tagged error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap tags an existing error with a Kind, preserving it as the cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// HTTPStatusError builds a taxonomy error for a non-2xx HTTP response.
func HTTPStatusError(code int, message string) *Error {
	return &Error{Kind: HTTPStatus, Code: code, Message: message}
}

// As extracts a *Error from err, if present anywhere in its chain.
func As(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// KindOf returns the taxonomy Kind carried by err, or Malformed if err isn't
// a tagged *Error.
func KindOf(err error) Kind {
	if ce, ok := As(err); ok {
		return ce.Kind
	}
	return Malformed
}

// Retryable reports whether a chunk-level worker should retry after this
// error, per spec.md §7's propagation policy.
func Retryable(err error) bool {
	ce, ok := As(err)
	if !ok {
		return false
	}
	switch ce.Kind {
	case ConnectTimeout, ReadTimeout, ContentLengthMismatch:
		return true
	case HTTPStatus:
		if ce.Code == 408 || ce.Code == 429 {
			return true
		}
		return ce.Code >= 500 && ce.Code < 600
	default:
		return false
	}
}

// Fatal reports whether an error must surface immediately without any
// retry, per spec.md §7.
func Fatal(err error) bool {
	ce, ok := As(err)
	if !ok {
		return false
	}
	switch ce.Kind {
	case SSRFBlocked, ResourceChanged, HashMismatch, DiskFull, PermissionDenied:
		return true
	case HTTPStatus:
		return ce.Code >= 400 && ce.Code < 500 && ce.Code != 408 && ce.Code != 429
	default:
		return false
	}
}

// IsCancelled reports whether err represents cooperative cancellation, which
// spec.md §7 says is a state transition, not a user-visible error.
func IsCancelled(err error) bool {
	return KindOf(err) == Cancelled
}
