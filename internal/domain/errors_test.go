package domain

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	err := NotFound("attendance_window", "w-1")
	assert.Equal(t, "NOT_FOUND: attendance_window not found (attendance_window=w-1)", err.Error())

	err = InvalidRange("closesAt must be after opensAt")
	assert.Equal(t, "INVALID_RANGE: closesAt must be after opensAt", err.Error())

	err = Conflict("group_attendance", "duplicate record")
	assert.Equal(t, "CONFLICT: duplicate record (group_attendance)", err.Error())
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsNotFound(NotFound("member", "m-1")))
	assert.True(t, IsInvalidRange(InvalidRange("bad range")))
	assert.True(t, IsInvalidArgument(InvalidArgument("count must be >= 0")))
	assert.True(t, IsWindowClosed(WindowClosed("w-1")))
	assert.True(t, IsGroupMismatch(GroupMismatch("m-1", "g-1")))
	assert.True(t, IsConflict(Conflict("offering", "dup")))
	assert.True(t, IsForbidden(Forbidden("window.open")))

	// Codes do not cross-match.
	assert.False(t, IsNotFound(WindowClosed("w-1")))
	assert.False(t, IsForbidden(NotFound("group", "g-1")))

	// Non-domain errors match nothing.
	assert.False(t, IsNotFound(fmt.Errorf("plain error")))
	assert.False(t, IsNotFound(nil))
}

func TestPredicates_Wrapped(t *testing.T) {
	wrapped := fmt.Errorf("record group count: %w", WindowClosed("w-1"))
	assert.True(t, IsWindowClosed(wrapped))
	assert.False(t, IsNotFound(wrapped))

	doubly := fmt.Errorf("handler: %w", wrapped)
	assert.True(t, IsWindowClosed(doubly))
}

func TestGroupMismatch_Details(t *testing.T) {
	err := GroupMismatch("m-1", "g-2")
	assert.Equal(t, "g-2", err.Details["group_id"])
	assert.Equal(t, "m-1", err.ID)
}
