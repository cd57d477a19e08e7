package project

import (
	"errors"
	"fmt"
)

var (
	ErrProjectNotFound  = errors.New("project not found")
	ErrInvalidProjectID = errors.New("invalid project id")
	ErrInvalidUser      = errors.New("invalid user")
	ErrNotRunning       = errors.New("project not running")
	ErrAlreadyStarted   = errors.New("project already has a process")
	ErrFileNotFound     = errors.New("file not found")
	ErrInvalidPath      = errors.New("path is outside the project files")
)

// InvalidStateError is returned when an operation requires the Project to be
// in a state other than the one it is in.
type InvalidStateError struct {
	from State
	to   State
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("cannot go from %s to %s", e.from, e.to)
}

// From returns the state the Project was in.
func (e InvalidStateError) From() State {
	return e.from
}

func NewInvalidStateError(from, to State) InvalidStateError {
	return InvalidStateError{from, to}
}
