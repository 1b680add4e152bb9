package audit

import (
	"errors"
	"fmt"
)

// Kind classifies an orchestration error.
type Kind string

// Error kinds surfaced by the orchestration subsystem.
const (
	KindNotFound         Kind = "not_found"
	KindAlreadyRunning   Kind = "already_running"
	KindNotRunning       Kind = "not_running"
	KindForbidden        Kind = "forbidden"
	KindTransientFailure Kind = "transient_stage_failure"
	KindFatalFailure     Kind = "fatal_stage_failure"
	KindQueueUnavailable Kind = "queue_unavailable"
	KindCancelled        Kind = "cancelled"
	KindInternal         Kind = "internal"
)

// Error is a classified error carrying a user-facing message. Err holds the
// underlying cause, which is logged but never shown to users.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Sentinels for errors.Is matching by kind.
var (
	ErrNotFound         = &Error{Kind: KindNotFound, Message: "audit unit not found"}
	ErrAlreadyRunning   = &Error{Kind: KindAlreadyRunning, Message: "audit unit is already running"}
	ErrNotRunning       = &Error{Kind: KindNotRunning, Message: "audit unit is not running"}
	ErrForbidden        = &Error{Kind: KindForbidden, Message: "audit unit belongs to another owner"}
	ErrQueueUnavailable = &Error{Kind: KindQueueUnavailable, Message: "work queue unavailable"}
	ErrCancelled        = &Error{Kind: KindCancelled, Message: "cancelled"}
)

// NewError builds an Error of the given kind.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// QueueUnavailable wraps a broker failure.
func QueueUnavailable(op string, cause error) *Error {
	return &Error{Kind: KindQueueUnavailable, Message: fmt.Sprintf("work queue unavailable during %s", op), Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the kind of err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the user-facing message for err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// Queue-internal outcomes. They never reach API callers.
var (
	// ErrStaleTask reports a handoff from a task that no longer owns its unit.
	ErrStaleTask = errors.New("task no longer holds the unit slot")
	// ErrClaimLost reports a heartbeat for a task whose claim expired.
	ErrClaimLost = errors.New("task claim lost")
	// ErrQueueClosed is returned by Dequeue after the queue is closed.
	ErrQueueClosed = errors.New("queue closed")
)
