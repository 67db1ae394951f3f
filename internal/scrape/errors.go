package scrape

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors surfaced synchronously to callers.
var (
	// ErrNotFound reports an unknown task id.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidSchedule reports a malformed schedule at submission time.
	ErrInvalidSchedule = errors.New("invalid schedule")
	// ErrCapacityExceeded reports that the pending-task ceiling is reached.
	ErrCapacityExceeded = errors.New("task capacity exceeded")
)

// FetchErrorKind classifies fetch failures for retry decisions.
type FetchErrorKind string

// Fetch error kinds.
const (
	FetchErrTimeout     FetchErrorKind = "timeout"
	FetchErrRateLimited FetchErrorKind = "rate_limited"
	FetchErrConnection  FetchErrorKind = "connection"
	FetchErrNotFound    FetchErrorKind = "not_found"
	FetchErrForbidden   FetchErrorKind = "forbidden"
	FetchErrBadTarget   FetchErrorKind = "bad_target"
	FetchErrOther       FetchErrorKind = "other"
)

// FetchError wraps a fetch failure with its kind and retriability.
type FetchError struct {
	Kind      FetchErrorKind
	Retriable bool
	Err       error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch failed: %s", e.Kind)
	}
	return fmt.Sprintf("fetch failed (%s): %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewTransientError builds a retriable FetchError.
func NewTransientError(kind FetchErrorKind, err error) *FetchError {
	return &FetchError{Kind: kind, Retriable: true, Err: err}
}

// NewPermanentError builds a non-retriable FetchError.
func NewPermanentError(kind FetchErrorKind, err error) *FetchError {
	return &FetchError{Kind: kind, Retriable: false, Err: err}
}

// IsRetriable reports whether err is worth another attempt. Context
// cancellation is never retried; deadline expiry is treated as a transient
// timeout. Untagged network timeouts follow net.Error semantics; unknown
// errors default to retriable so flaky targets get their attempts.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retriable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}
