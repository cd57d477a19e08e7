package dispatch

import (
	"errors"
	"fmt"
)

var ErrEmptyCommand = errors.New("command cannot be empty")

// SpawnError reports that the dispatcher helper could not be started. No
// sentinel has been written for the project when it is returned.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
