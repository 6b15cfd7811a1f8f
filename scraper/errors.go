package scraper

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidArg is returned for bad caller input (unknown platform, missing
// credentials, empty query) before anything is dispatched.
var ErrInvalidArg = errors.New("invalid argument")

// Kind classifies a failed catalog operation.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindQuotaExceeded
	KindServiceClosed
	KindTransient
	KindProtocol
	KindIO
)

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrNotFound      = errors.New("not found")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrServiceClosed = errors.New("service closed")
	ErrTransient     = errors.New("transient failure")
	ErrProtocol      = errors.New("protocol error")
	ErrIO            = errors.New("local i/o error")
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindServiceClosed:
		return "service_closed"
	case KindTransient:
		return "transient"
	case KindProtocol:
		return "protocol"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindQuotaExceeded:
		return ErrQuotaExceeded
	case KindServiceClosed:
		return ErrServiceClosed
	case KindTransient:
		return ErrTransient
	case KindProtocol:
		return ErrProtocol
	case KindIO:
		return ErrIO
	default:
		return nil
	}
}

// Error is the failure of one logical operation, after any retries.
type Error struct {
	Kind     Kind
	Op       string // e.g. "search_by_file"
	Attempts int    // Dispatches that reached the network
	Status   int    // Last HTTP status, 0 if none
	Err      error

	retryAfter time.Duration
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind.sentinel())
	if e.Kind == KindUnknown {
		msg = e.Op + ": failed"
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrNotFound) and friends work.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// Retryable reports whether the kind may succeed on a later attempt.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindServiceClosed
}

// KindOf returns the Kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsNotFound reports whether the catalog had no match.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
