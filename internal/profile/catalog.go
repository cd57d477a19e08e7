package profile

import (
	"errors"
	"fmt"
	"strings"
)

// Catalog indexes the configured profiles by template id. A template may be
// shared by several profiles; lookups return the first definition.
type Catalog struct {
	profiles []Profile
	inputs   map[string]*InputTemplate
	outputs  map[string]*OutputTemplate
	order    []string
}

// NewCatalog builds a Catalog. Template ids must be non-empty and unique
// within a profile.
func NewCatalog(profiles []Profile) (*Catalog, error) {
	c := &Catalog{
		profiles: profiles,
		inputs:   make(map[string]*InputTemplate),
		outputs:  make(map[string]*OutputTemplate),
	}

	for pi := range c.profiles {
		p := &c.profiles[pi]

		seen := make(map[string]bool)

		for ti := range p.Inputs {
			t := &p.Inputs[ti]

			if t.ID == "" {
				return nil, fmt.Errorf("profile %q: input template without id", p.ID)
			}

			if seen[t.ID] {
				return nil, fmt.Errorf("profile %q: duplicate input template %q", p.ID, t.ID)
			}

			seen[t.ID] = true

			if _, ok := c.inputs[t.ID]; !ok {
				c.inputs[t.ID] = t
				c.order = append(c.order, t.ID)
			}
		}

		for ti := range p.Outputs {
			t := &p.Outputs[ti]

			if t.ID == "" {
				return nil, fmt.Errorf("profile %q: output template without id", p.ID)
			}

			if _, ok := c.outputs[t.ID]; !ok {
				c.outputs[t.ID] = t
			}
		}
	}

	return c, nil
}

// Profiles returns the configured profiles in order.
func (c *Catalog) Profiles() []Profile {
	return c.profiles
}

// InputTemplates returns each distinct input template once, in order of
// first appearance.
func (c *Catalog) InputTemplates() []*InputTemplate {
	templates := make([]*InputTemplate, 0, len(c.order))
	for _, id := range c.order {
		templates = append(templates, c.inputs[id])
	}

	return templates
}

// InputTemplate returns the input template with the given id.
func (c *Catalog) InputTemplate(id string) (*InputTemplate, error) {
	t, ok := c.inputs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTemplateNotFound, id)
	}

	return t, nil
}

// OutputTemplate returns the output template with the given id.
func (c *Catalog) OutputTemplate(id string) (*OutputTemplate, bool) {
	t, ok := c.outputs[id]
	return t, ok
}

// InputSource returns the input source with the given id and the template
// it belongs to.
func (c *Catalog) InputSource(id string) (*InputSource, *InputTemplate, error) {
	for _, tid := range c.order {
		t := c.inputs[tid]

		for i := range t.InputSources {
			if t.InputSources[i].ID == id {
				return &t.InputSources[i], t, nil
			}
		}
	}

	return nil, nil, fmt.Errorf("input source %q not found", id)
}

// ResolveTemplate finds the input template for an upload. In order of
// precedence: the explicit id, a "<template>/<name>" prefix on filename,
// then the single template whose fixed filename equals filename. It returns
// the template and the filename with any template prefix removed.
func (c *Catalog) ResolveTemplate(filename, explicitID string) (*InputTemplate, string, error) {
	if explicitID != "" {
		t, err := c.InputTemplate(explicitID)
		if err != nil {
			return nil, "", err
		}

		return t, filename, nil
	}

	if strings.Contains(strings.Trim(filename, "/"), "/") {
		prefix, rest, _ := strings.Cut(strings.TrimPrefix(filename, "/"), "/")
		if t, ok := c.inputs[prefix]; ok {
			return t, rest, nil
		}
	}

	var found *InputTemplate

	for _, id := range c.order {
		t := c.inputs[id]
		if t.Filename == "" || t.Filename != filename {
			continue
		}

		if found != nil {
			return nil, "", fmt.Errorf("%w: %q", ErrAmbiguousTemplate, filename)
		}

		found = t
	}

	if found == nil {
		return nil, "", fmt.Errorf("%w: no template for %q", ErrTemplateNotFound, filename)
	}

	return found, filename, nil
}

// Match returns the profiles satisfied by counts, the number of indexed
// input files per template id. A profile matches when every non-optional
// input template has at least one file and no unique template has more than
// one.
func (c *Catalog) Match(counts map[string]int) ([]Profile, error) {
	var matched []Profile

	for _, p := range c.profiles {
		if profileMatches(p, counts) {
			matched = append(matched, p)
		}
	}

	if len(matched) == 0 {
		return nil, ErrNoMatchingProfile
	}

	return matched, nil
}

func profileMatches(p Profile, counts map[string]int) bool {
	for _, t := range p.Inputs {
		n := counts[t.ID]

		if n == 0 && !t.Optional {
			return false
		}

		if n > 1 && t.Unique {
			return false
		}
	}

	return true
}

// ExpectedOutputs returns the output templates of the matched profiles whose
// conditions hold for params, each once. It only feeds the job manifest;
// actual outputs are discovered from disk after the run.
func ExpectedOutputs(matched []Profile, params map[string]string) []OutputTemplate {
	var (
		outputs []OutputTemplate
		seen    = make(map[string]bool)
	)

	for _, p := range matched {
		for _, t := range p.Outputs {
			if seen[t.ID] || !t.Condition.holds(params) {
				continue
			}

			seen[t.ID] = true
			outputs = append(outputs, t)
		}
	}

	return outputs
}

// IsNotFound reports whether err means a template could not be resolved.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTemplateNotFound) || errors.Is(err, ErrAmbiguousTemplate)
}
