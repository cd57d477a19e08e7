package manager

import (
	"errors"

	"github.com/nixpig/clamworker/internal/profile"
)

var (
	ErrActionNotFound = errors.New("action not found")
	ErrNotDone        = errors.New("project has not finished")
)

// ParameterError is returned when run or action parameters are rejected.
// Nothing has been written when it is returned.
type ParameterError struct {
	Errors profile.ValidationErrors
}

func (e *ParameterError) Error() string {
	return "invalid parameters: " + e.Errors.Error()
}

func (e *ParameterError) Unwrap() error {
	return e.Errors
}
