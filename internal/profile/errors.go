package profile

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

var (
	ErrTemplateNotFound  = errors.New("input template not found")
	ErrAmbiguousTemplate = errors.New("filename matches more than one input template")
	ErrNoMatchingProfile = errors.New("no profile matches the inputs and parameters")
	ErrUnknownValidator  = errors.New("unknown validator")
	ErrUnknownConverter  = errors.New("unknown converter")
	ErrUnknownViewer     = errors.New("unknown viewer")
	ErrConversionFailed  = errors.New("conversion failed")
)

// ValidationErrors maps a parameter or metadata field to the reason its
// value was rejected.
type ValidationErrors map[string]string

func (e ValidationErrors) Error() string {
	keys := slices.Sorted(maps.Keys(e))

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e[k]))
	}

	return "validation failed: " + strings.Join(parts, "; ")
}
