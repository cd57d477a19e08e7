package profile

import (
	"slices"
)

// Attribute is one field of a metadata schema.
//
//   - Fixed non-empty: the value is always Fixed, whatever the input says.
//   - Choices non-empty: the value must be one of Choices.
//   - Required: the value must be present.
//
// An attribute with none of these accepts any value and may be omitted.
type Attribute struct {
	Required bool     `yaml:"required"`
	Choices  []string `yaml:"choices"`
	Fixed    string   `yaml:"fixed"`
}

// Schema is the metadata schema of a template, keyed by attribute id.
type Schema map[string]Attribute

// Validate checks values against the schema and returns the metadata to
// store: fixed attributes are forced and attributes outside the schema are
// kept as given.
func (s Schema) Validate(values map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(values)+len(s))
	for k, v := range values {
		out[k] = v
	}

	errs := ValidationErrors{}

	for id, attr := range s {
		if attr.Fixed != "" {
			out[id] = attr.Fixed
			continue
		}

		v, ok := values[id]
		if !ok || v == "" {
			delete(out, id)

			if attr.Required {
				errs[id] = "value is required"
			}

			continue
		}

		if len(attr.Choices) > 0 && !slices.Contains(attr.Choices, v) {
			errs[id] = "value must be one of " + quoteList(attr.Choices)
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}

	return out, nil
}

// InputSource is a file or directory pre-installed on the server that can be
// added to a project without uploading it.
type InputSource struct {
	ID       string            `yaml:"id"`
	Label    string            `yaml:"label"`
	Path     string            `yaml:"path"`
	Metadata map[string]string `yaml:"metadata"`
}

// InputTemplate describes one kind of input file.
type InputTemplate struct {
	ID    string `yaml:"id"`
	Label string `yaml:"label"`

	// Format selects the validator applied to uploaded files.
	Format string `yaml:"format"`

	// Filename forces the name of the stored file. A '#' is replaced by the
	// sequence number and $ID by the value of parameter ID.
	Filename  string `yaml:"filename"`
	Extension string `yaml:"extension"`

	Unique          bool `yaml:"unique"`
	Optional        bool `yaml:"optional"`
	AcceptArchive   bool `yaml:"acceptarchive"`
	OnlyInputSource bool `yaml:"onlyinputsource"`

	Attributes   Schema        `yaml:"attributes"`
	Converters   []string      `yaml:"converters"`
	Viewers      []string      `yaml:"viewers"`
	InputSources []InputSource `yaml:"inputsources"`
}

// HasConverter reports whether id is one of the template's converters.
func (t *InputTemplate) HasConverter(id string) bool {
	return slices.Contains(t.Converters, id)
}

// Condition restricts an output template to runs where a parameter has a
// given value. An empty Equals requires the parameter to be set.
type Condition struct {
	Parameter string `yaml:"parameter"`
	Equals    string `yaml:"equals"`
}

func (c *Condition) holds(params map[string]string) bool {
	if c == nil {
		return true
	}

	v := params[c.Parameter]
	if c.Equals == "" {
		return v != ""
	}

	return v == c.Equals
}

// OutputTemplate describes one kind of file a run produces.
type OutputTemplate struct {
	ID        string     `yaml:"id"`
	Label     string     `yaml:"label"`
	Format    string     `yaml:"format"`
	Filename  string     `yaml:"filename"`
	Extension string     `yaml:"extension"`
	Unique    bool       `yaml:"unique"`
	Viewers   []string   `yaml:"viewers"`
	Condition *Condition `yaml:"condition"`
}

// Profile is a unit of matching: a run may start when the project's inputs
// satisfy all input templates of at least one profile.
type Profile struct {
	ID      string           `yaml:"id"`
	Inputs  []InputTemplate  `yaml:"input"`
	Outputs []OutputTemplate `yaml:"output"`
}

func quoteList(values []string) string {
	s := ""
	for i, v := range values {
		if i > 0 {
			s += ", "
		}

		s += "'" + v + "'"
	}

	return s
}
