package model

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies pipeline failures so callers can branch without
// inspecting messages.
type Kind uint8

// Error kinds.
const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindDuplicate
	KindRateLimited
	KindUnavailable
	KindMalformed
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindDuplicate:
		return "duplicate"
	case KindRateLimited:
		return "rate_limited"
	case KindUnavailable:
		return "unavailable"
	case KindMalformed:
		return "malformed"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Error is a kind-tagged error. RetryAfter is set for rate-limited upstream
// responses that suggested a wait.
type Error struct {
	Kind       Kind
	Op         string
	Err        error
	RetryAfter time.Duration
}

// Sentinels for errors.Is comparisons.
var (
	ErrValidation  = &Error{Kind: KindValidation}
	ErrNotFound    = &Error{Kind: KindNotFound}
	ErrDuplicate   = &Error{Kind: KindDuplicate}
	ErrRateLimited = &Error{Kind: KindRateLimited}
	ErrUnavailable = &Error{Kind: KindUnavailable}
	ErrMalformed   = &Error{Kind: KindMalformed}
	ErrStorage     = &Error{Kind: KindStorage}
)

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// E builds a kind-tagged error.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validationf builds a validation error from a format string.
func Validationf(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// RateLimited builds a rate-limit error carrying the suggested wait. A zero
// wait means the server did not suggest one.
func RateLimited(op string, wait time.Duration, err error) error {
	return &Error{Kind: KindRateLimited, Op: op, Err: err, RetryAfter: wait}
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// RetryAfter returns the suggested wait of a rate-limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimited && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}
