package store

import (
	"errors"
	"fmt"
)

// Precondition and validation sentinels. Callers match with errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrAlreadyInitialized = errors.New("project already initialized")
	ErrNotInitialized     = errors.New("project not initialized")
	ErrActiveSession      = errors.New("project already has an active session")
	ErrInvalidProjectName = errors.New("project name must match [a-z0-9_-]+")
	ErrSpecMissing        = errors.New("project spec is required")
)

// TestsNotPassingError refuses a task completion while attached tests are
// not passing.
type TestsNotPassingError struct {
	TaskID         string
	FailingTestIDs []string
}

func (e *TestsNotPassingError) Error() string {
	return fmt.Sprintf("task %s has %d tests not passing", e.TaskID, len(e.FailingTestIDs))
}

// EpicTestBlockedError reports that the epic gate blocked an epic on
// failing epic-tests. The enclosing session must end failed.
type EpicTestBlockedError struct {
	EpicID         string
	FailingTestIDs []string
	Reason         string
}

func (e *EpicTestBlockedError) Error() string {
	return fmt.Sprintf("epic %s blocked: %s", e.EpicID, e.Reason)
}
