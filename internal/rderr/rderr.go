// Package rderr defines the error taxonomy shared by every reportd
// component. Each error carries a Kind so that dispatch-thread handlers
// can translate it into a bus method-reply error without losing the
// underlying cause, and so worker-thread errors can be compared with
// errors.Is across the task/service boundary.
package rderr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error into a fixed, bus-stable taxonomy.
type Kind string

const (
	// BusTransport means a bus connection or call failed at the transport
	// layer. Fatal to the containing operation; a lost well-known name is
	// fatal to the process.
	BusTransport Kind = "bus_transport"
	// StoreAccess means a remote problem-store call failed or returned
	// malformed data. Fatal to the current task start, not to the daemon.
	StoreAccess Kind = "store_access"
	// CacheIO means a local dump-directory operation failed, or a push
	// target fell outside cache_root.
	CacheIO Kind = "cache_io"
	// UnknownWorkflow means the caller named a workflow not in the
	// catalogue. Reported to the caller, never logged as an error.
	UnknownWorkflow Kind = "unknown_workflow"
	// EventHandlerFailed means an event's runner exited non-zero after
	// quirk rewriting. Code carries the rewritten exit status.
	EventHandlerFailed Kind = "event_handler_failed"
	// NoEventHandlers means an event ran zero child processes.
	NoEventHandlers Kind = "no_event_handlers"
	// Cancelled dominates every other pending error once the task's
	// cancellation token has fired.
	Cancelled Kind = "cancelled"
	// Authorization covers the three AuthorizeProblemsSession failure
	// modes: failed, already pending, lost.
	Authorization Kind = "authorization"
)

// Error is a typed reportd error. Cause is preserved for errors.Is/As and
// errors.Cause (github.com/pkg/errors) traversal.
type Error struct {
	Kind  Kind
	Event string // populated for EventHandlerFailed/NoEventHandlers
	Code  int    // rewritten exit code, for EventHandlerFailed
	cause error
}

func (e *Error) Error() string {
	switch e.Kind {
	case EventHandlerFailed:
		return fmt.Sprintf("event %q failed with exit code %d", e.Event, e.Code)
	case NoEventHandlers:
		return fmt.Sprintf("event %q specified no processing", e.Event)
	default:
		if e.cause != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.cause)
		}
		return string(e.Kind)
	}
}

// Unwrap lets errors.Is/As see through to the underlying cause.
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, rderr.ErrCancelled) style checks via a sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.cause == nil && t.Code == 0 && t.Event == "" {
		return e.Kind == t.Kind
	}
	return e == t
}

// New builds a bare *Error of the given kind with a message, wrapped via
// pkg/errors so the call stack is preserved.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, cause: errors.New(msg)}
}

// Wrap attaches kind to cause, preserving cause for Unwrap/errors.Cause.
func Wrap(kind Kind, cause error, msg string) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, cause: errors.Wrap(cause, msg)}
}

// EventFailed builds the EventHandlerFailed error for a specific event and
// exit code.
func EventFailed(event string, code int) *Error {
	return &Error{Kind: EventHandlerFailed, Event: event, Code: code}
}

// NoHandlers builds the NoEventHandlers error for a specific event.
func NoHandlers(event string) *Error {
	return &Error{Kind: NoEventHandlers, Event: event}
}

// Sentinel instances usable with errors.Is for kind-only comparisons.
var (
	ErrCancelled            = &Error{Kind: Cancelled}
	ErrUnknownWorkflow      = &Error{Kind: UnknownWorkflow}
	ErrAuthorizationFailed  = &Error{Kind: Authorization, cause: errors.New("authorization failed")}
	ErrAuthorizationPending = &Error{Kind: Authorization, cause: errors.New("authorization request already pending")}
	ErrAuthorizationLost    = &Error{Kind: Authorization, cause: errors.New("authorization lost")}
)

// KindOf extracts the Kind from err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
