package workflow

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error.
type Kind string

const (
	// KindTransient is a retryable storage/IO error. The storage adapter
	// retries these automatically; if the retry budget is exceeded it
	// surfaces as KindMaxRetries instead.
	KindTransient Kind = "transient"
	// KindMaxRetries means a transient error persisted past the retry
	// budget.
	KindMaxRetries Kind = "max_retries"
	// KindActivityFailed means a user activity handler returned an error.
	// The workflow suspends with a backoff wake.
	KindActivityFailed Kind = "activity_failed"
	// KindDivergence means replay reached a memoized call whose type or
	// sequence does not match the recorded history. Non-retryable.
	KindDivergence Kind = "divergence"
	// KindUnrecoverable is an explicit fatal classification from handler
	// code. No wake is set; the workflow does not retry.
	KindUnrecoverable Kind = "unrecoverable"
	// KindNotFound means a referenced workflow or signal does not exist.
	KindNotFound Kind = "not_found"
	// KindAlreadyExists means dispatch collided with an existing
	// workflow ID.
	KindAlreadyExists Kind = "already_exists"
	// KindInvalid means a caller-supplied value violates an engine
	// invariant (e.g. an empty tag map on a tagged signal).
	KindInvalid Kind = "invalid"
)

// Error is the engine's structured error type. It preserves a Kind for
// classification and a Cause chain so storage adapters, the worker pool,
// and handler code can all use errors.Is/As while the error still
// serializes cleanly into the workflow row's free-text Error column.
//
// Modeled on a flat error-kind/message/cause struct: a flat struct with a
// message and an optional cause, rather than a deep wrapped-error tree,
// because the workflow row only ever needs a human-readable summary.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New constructs an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind that chains an underlying
// cause. If message is empty, the cause's message is reused.
func Wrap(kind Kind, cause error, message string) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	// Wrap with an empty message reuses the cause's text; print it once.
	if e.Cause != nil && e.Message != e.Cause.Error() {
		return fmt.Sprintf("%s: %s", e.Message, e.Cause.Error())
	}
	return e.Message
}

// Unwrap supports errors.Is/errors.As against the cause chain.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind, so callers
// can write errors.Is(err, workflow.New(workflow.KindDivergence, "")) — or,
// more idiomatically, use KindOf below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error,
// returning ("", false) otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Retryable reports whether err's Kind means the storage adapter or
// worker pool should retry the operation.
func Retryable(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	switch kind {
	case KindTransient, KindActivityFailed:
		return true
	default:
		return false
	}
}
