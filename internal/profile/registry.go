package profile

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Validator checks that a stored file is structurally valid for a format.
// It returns a descriptive error for invalid content.
type Validator interface {
	Validate(path string) error
}

// Converter rewrites a stored file in place into the format its template
// expects, updating the metadata to match.
type Converter interface {
	Convert(ctx context.Context, path string, meta *Metadata) error
}

// Viewer renders a stored file for a client.
type Viewer interface {
	MimeType(path string) string
	View(w io.Writer, path string) error
}

// Registry resolves validator, converter and viewer identifiers. Lookups
// happen once per request; registration happens at startup.
type Registry struct {
	validators map[string]Validator
	converters map[string]Converter
	viewers    map[string]Viewer

	mu sync.RWMutex
}

const (
	FormatAny       = "any"
	FormatPlainText = "plaintext"
	FormatXML       = "xml"
	FormatJSON      = "json"

	ViewerRaw = "raw"
)

// NewRegistry returns a Registry holding the built-in validators and
// viewers.
func NewRegistry() *Registry {
	r := &Registry{
		validators: map[string]Validator{
			FormatAny:       anyValidator{},
			FormatPlainText: plainTextValidator{},
			FormatXML:       xmlValidator{},
			FormatJSON:      jsonValidator{},
		},
		converters: make(map[string]Converter),
		viewers: map[string]Viewer{
			ViewerRaw: rawViewer{},
		},
	}

	return r
}

// RegisterValidator adds or replaces the validator for format id.
func (r *Registry) RegisterValidator(id string, v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.validators[id] = v
}

// RegisterConverter adds or replaces the converter with id.
func (r *Registry) RegisterConverter(id string, c Converter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.converters[id] = c
}

// RegisterViewer adds or replaces the viewer with id.
func (r *Registry) RegisterViewer(id string, v Viewer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.viewers[id] = v
}

// Validator returns the validator for format. An empty format accepts any
// content.
func (r *Registry) Validator(format string) (Validator, error) {
	if format == "" {
		format = FormatAny
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.validators[format]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownValidator, format)
	}

	return v, nil
}

// Converter returns the converter with id.
func (r *Registry) Converter(id string) (Converter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.converters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownConverter, id)
	}

	return c, nil
}

// Viewer returns the viewer with id.
func (r *Registry) Viewer(id string) (Viewer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.viewers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownViewer, id)
	}

	return v, nil
}
