package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrVersionConflict   = errors.New("version conflict")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrRateLimited       = errors.New("rate limited")
	ErrLockHeld          = errors.New("lock already held")
)

// ErrorKind classifies the structured errors returned by the match and settle
// entry points. Storage-layer detail never crosses those boundaries raw.
type ErrorKind string

const (
	// KindRetryable marks transient data problems, e.g. a missing or
	// unparseable probability snapshot. Safe to retry later.
	KindRetryable ErrorKind = "retryable"
	// KindAmbiguousOutcome means the snapshot prices are too close to call.
	// Requires human adjudication, never guessed.
	KindAmbiguousOutcome ErrorKind = "ambiguous_outcome"
	// KindAlreadySettled is the idempotency guard: re-settling a resolved
	// market is a safe no-op reported explicitly.
	KindAlreadySettled ErrorKind = "already_settled"
	// KindValidation covers caller mistakes, e.g. a manual market settled
	// without a forced outcome.
	KindValidation ErrorKind = "validation"
	// KindInsufficientLiquidity reports that the pool account could not
	// cover liquidity recovery. Downgraded to a bad-debt booking, never an
	// abort: payouts are not blocked by pool accounting.
	KindInsufficientLiquidity ErrorKind = "insufficient_liquidity"
)

// Error is a structured kind+message error. Two Errors compare equal under
// errors.Is when their kinds match, so callers can branch on taxonomy without
// string matching.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// Errorf builds a structured error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError builds a structured error wrapping an underlying cause.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the ErrorKind from err, or "" if err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
