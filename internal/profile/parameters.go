package profile

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"al.essio.dev/pkg/shellescape"
)

// ParameterType is the value type of a Parameter.
type ParameterType string

const (
	ParameterString  ParameterType = "string"
	ParameterText    ParameterType = "text"
	ParameterBoolean ParameterType = "boolean"
	ParameterInteger ParameterType = "integer"
	ParameterFloat   ParameterType = "float"
	ParameterChoice  ParameterType = "choice"
)

// Parameter is a global run parameter selectable by the client.
type Parameter struct {
	ID          string        `yaml:"id"`
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Type        ParameterType `yaml:"type"`

	// Flag is the command-line flag emitted for the parameter. Parameters
	// without a flag are recorded in the manifest only. A flag ending in '='
	// is joined to its value without a space.
	Flag string `yaml:"flag"`

	Required bool     `yaml:"required"`
	Default  string   `yaml:"default"`
	Choices  []string `yaml:"choices"`
	Min      *float64 `yaml:"min"`
	Max      *float64 `yaml:"max"`
}

// ResolvedParameters are the validated values of a parameter set.
type ResolvedParameters struct {
	Values map[string]string

	// Args are the shell-quoted command-line fragments, in parameter order.
	Args []string
}

// CommandLine returns Args joined for substitution into a shell command.
func (r *ResolvedParameters) CommandLine() string {
	return strings.Join(r.Args, " ")
}

// ProcessParameters validates input against params, applying defaults. Values
// for unknown ids are ignored. All invalid parameters are reported together
// as ValidationErrors.
func ProcessParameters(params []Parameter, input map[string]string) (*ResolvedParameters, error) {
	resolved := &ResolvedParameters{Values: make(map[string]string)}
	errs := ValidationErrors{}

	for _, p := range params {
		raw, ok := input[p.ID]
		if !ok || raw == "" {
			raw = p.Default
		}

		if raw == "" {
			if p.Required {
				errs[p.ID] = "value is required"
			}

			continue
		}

		value, err := p.normalise(raw)
		if err != nil {
			errs[p.ID] = err.Error()
			continue
		}

		resolved.Values[p.ID] = value

		if arg := p.arg(value); arg != "" {
			resolved.Args = append(resolved.Args, arg)
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}

	return resolved, nil
}

func (p Parameter) normalise(raw string) (string, error) {
	switch p.Type {
	case ParameterBoolean:
		b, err := parseBool(raw)
		if err != nil {
			return "", err
		}

		return strconv.FormatBool(b), nil

	case ParameterInteger:
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return "", fmt.Errorf("not an integer: %q", raw)
		}

		if err := p.checkRange(float64(n)); err != nil {
			return "", err
		}

		return strconv.Itoa(n), nil

	case ParameterFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return "", fmt.Errorf("not a number: %q", raw)
		}

		if err := p.checkRange(f); err != nil {
			return "", err
		}

		return strconv.FormatFloat(f, 'f', -1, 64), nil

	case ParameterChoice:
		if !slices.Contains(p.Choices, raw) {
			return "", fmt.Errorf("value must be one of %s", quoteList(p.Choices))
		}

		return raw, nil

	case ParameterString:
		if strings.ContainsAny(raw, "\n\r") {
			return "", fmt.Errorf("value must be a single line")
		}

		return raw, nil

	default:
		return raw, nil
	}
}

func (p Parameter) checkRange(v float64) error {
	if p.Min != nil && v < *p.Min {
		return fmt.Errorf("value must be at least %v", *p.Min)
	}

	if p.Max != nil && v > *p.Max {
		return fmt.Errorf("value must be at most %v", *p.Max)
	}

	return nil
}

func (p Parameter) arg(value string) string {
	if p.Flag == "" {
		return ""
	}

	if p.Type == ParameterBoolean {
		if value == "true" {
			return p.Flag
		}

		return ""
	}

	if strings.HasSuffix(p.Flag, "=") {
		return p.Flag + shellescape.Quote(value)
	}

	return p.Flag + " " + shellescape.Quote(value)
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("not a boolean: %q", raw)
	}
}
