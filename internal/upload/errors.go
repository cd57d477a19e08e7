package upload

import (
	"errors"
	"fmt"
)

var (
	ErrUniqueTemplate  = errors.New("template accepts a single file, delete the existing one first")
	ErrNoSource        = errors.New("no input given")
	ErrMultipleSources = errors.New("more than one input given")
	ErrOnlyInputSource = errors.New("template only accepts pre-installed input sources")
	ErrInvalidFilename = errors.New("invalid filename")
	ErrFileExists      = errors.New("file already exists")
	ErrFetchFailed     = errors.New("fetch failed")
	ErrEncoding        = errors.New("contents cannot be encoded")
	ErrInvalidArchive  = errors.New("invalid archive")
)

// FormatError reports a file rejected by the format validator of its
// template. The file has been removed when this error is returned.
type FormatError struct {
	Name     string
	Template string
	Err      error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s is not valid for template %s: %v", e.Name, e.Template, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}
