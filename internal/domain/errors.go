// Package domain defines the typed failures returned by muster operations.
//
// Every operation-level failure is one of a small set of codes. Callers
// branch on the code via the Is* predicates; messages are for humans and
// never carry connection or transaction internals.
package domain

import (
	"errors"
	"fmt"
)

// Code categorizes an operation failure.
type Code string

const (
	// CodeNotFound indicates a window, batch, member, or group is absent.
	CodeNotFound Code = "NOT_FOUND"

	// CodeInvalidRange indicates closesAt ≤ opensAt at window creation.
	CodeInvalidRange Code = "INVALID_RANGE"

	// CodeInvalidArgument indicates a malformed input such as a negative
	// count or amount.
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// CodeWindowClosed indicates a write attempted outside the window's
	// [opensAt, closesAt] range.
	CodeWindowClosed Code = "WINDOW_CLOSED"

	// CodeGroupMismatch indicates the member does not currently belong to
	// the stated group.
	CodeGroupMismatch Code = "GROUP_MISMATCH"

	// CodeConflict indicates a duplicate unique-key insert raced an upsert.
	// Upsert logic absorbs these; the code exists for the rare path where
	// one escapes.
	CodeConflict Code = "CONFLICT"

	// CodeForbidden indicates the actor's role or scope is insufficient.
	// Raised by the policy evaluator, not by the workflow components.
	CodeForbidden Code = "FORBIDDEN"
)

// Error is a typed operation failure.
type Error struct {
	// Code identifies the failure category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Entity names the kind of record involved (e.g. "attendance_window").
	Entity string

	// ID identifies the specific record, when known.
	ID string

	// Details carries additional context for diagnostics.
	Details map[string]string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Entity != "" && e.ID != "" {
		return fmt.Sprintf("%s: %s (%s=%s)", e.Code, e.Message, e.Entity, e.ID)
	}
	if e.Entity != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Entity)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NotFound builds a NOT_FOUND error for the given entity and id.
func NotFound(entity, id string) *Error {
	return &Error{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", entity),
		Entity:  entity,
		ID:      id,
	}
}

// InvalidRange builds an INVALID_RANGE error.
func InvalidRange(message string) *Error {
	return &Error{Code: CodeInvalidRange, Message: message}
}

// InvalidArgument builds an INVALID_ARGUMENT error.
func InvalidArgument(message string) *Error {
	return &Error{Code: CodeInvalidArgument, Message: message}
}

// WindowClosed builds a WINDOW_CLOSED error for the given window id.
func WindowClosed(windowID string) *Error {
	return &Error{
		Code:    CodeWindowClosed,
		Message: "attendance window is not currently open",
		Entity:  "attendance_window",
		ID:      windowID,
	}
}

// GroupMismatch builds a GROUP_MISMATCH error for a member marked against
// a group they do not currently belong to.
func GroupMismatch(memberID, groupID string) *Error {
	return &Error{
		Code:    CodeGroupMismatch,
		Message: "member does not currently belong to the stated group",
		Entity:  "member",
		ID:      memberID,
		Details: map[string]string{"group_id": groupID},
	}
}

// Conflict builds a CONFLICT error.
func Conflict(entity, message string) *Error {
	return &Error{Code: CodeConflict, Message: message, Entity: entity}
}

// Forbidden builds a FORBIDDEN error for the given action.
func Forbidden(action string) *Error {
	return &Error{
		Code:    CodeForbidden,
		Message: fmt.Sprintf("actor is not allowed to perform %s", action),
		Details: map[string]string{"action": action},
	}
}

// codeIs reports whether err is (or wraps) a domain Error with the code.
func codeIs(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// IsNotFound reports whether err is a NOT_FOUND failure.
func IsNotFound(err error) bool { return codeIs(err, CodeNotFound) }

// IsInvalidRange reports whether err is an INVALID_RANGE failure.
func IsInvalidRange(err error) bool { return codeIs(err, CodeInvalidRange) }

// IsInvalidArgument reports whether err is an INVALID_ARGUMENT failure.
func IsInvalidArgument(err error) bool { return codeIs(err, CodeInvalidArgument) }

// IsWindowClosed reports whether err is a WINDOW_CLOSED failure.
func IsWindowClosed(err error) bool { return codeIs(err, CodeWindowClosed) }

// IsGroupMismatch reports whether err is a GROUP_MISMATCH failure.
func IsGroupMismatch(err error) bool { return codeIs(err, CodeGroupMismatch) }

// IsConflict reports whether err is a CONFLICT failure.
func IsConflict(err error) bool { return codeIs(err, CodeConflict) }

// IsForbidden reports whether err is a FORBIDDEN failure.
func IsForbidden(err error) bool { return codeIs(err, CodeForbidden) }
