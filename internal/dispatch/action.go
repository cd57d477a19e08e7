package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"

	"github.com/nixpig/clamworker/internal/profile"
)

// Action is a command run synchronously on request, outside any project.
type Action struct {
	ID          string              `yaml:"id"`
	Name        string              `yaml:"name"`
	Description string              `yaml:"description"`
	Command     string              `yaml:"command"`
	Parameters  []profile.Parameter `yaml:"parameters"`
	MimeType    string              `yaml:"mimetype"`

	// Exit statuses mapped to outcomes. Zero always means success.
	ReturnCodes200 []int `yaml:"returncodes200"`
	ReturnCodes403 []int `yaml:"returncodes403"`
	ReturnCodes404 []int `yaml:"returncodes404"`

	AllowAnonymous bool `yaml:"allowanonymous"`
}

// Outcome classifies the exit status of an action.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeForbidden
	OutcomeNotFound
	OutcomeFailed
)

var outcomes = []string{
	"OK",
	"Forbidden",
	"NotFound",
	"Failed",
}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomes) {
		return "Unknown"
	}

	return outcomes[o]
}

// ActionResult is the captured result of an action.
type ActionResult struct {
	Outcome    Outcome
	ExitStatus int
	Output     []byte
	Stderr     string
	MimeType   string
}

// Classify maps an exit status to an Outcome.
func (a *Action) Classify(status int) Outcome {
	switch {
	case status == 0 || slices.Contains(a.ReturnCodes200, status):
		return OutcomeOK
	case slices.Contains(a.ReturnCodes403, status):
		return OutcomeForbidden
	case slices.Contains(a.ReturnCodes404, status):
		return OutcomeNotFound
	default:
		return OutcomeFailed
	}
}

// ActionRequest carries the caller's identity and parameter values.
type ActionRequest struct {
	User        string
	AccessToken string
	Parameters  map[string]string
	WorkDir     string
}

// RunAction resolves the action's parameters, runs its command through the
// helper with NoProject and waits for it. Parameter errors are returned as
// profile.ValidationErrors before anything runs.
func (d *Dispatcher) RunAction(ctx context.Context, a *Action, req ActionRequest) (*ActionResult, error) {
	if strings.TrimSpace(a.Command) == "" {
		return nil, fmt.Errorf("action %s: %w", a.ID, ErrEmptyCommand)
	}

	resolved, err := profile.ProcessParameters(a.Parameters, req.Parameters)
	if err != nil {
		return nil, err
	}

	command := Expand(a.Command, Vars{
		Parameters:  resolved.CommandLine(),
		User:        req.User,
		AccessToken: req.AccessToken,
	})

	argv := []string{d.cfg.Binary, d.cfg.LibPath, d.cfg.SettingsID, NoProject, command}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = req.WorkDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger := d.logger.With().Str("action", a.ID).Str("user", req.User).Logger()

	status := 0

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, &SpawnError{Command: argv[0], Err: err}
		}

		status = exitErr.ExitCode()
	}

	result := &ActionResult{
		Outcome:    a.Classify(status),
		ExitStatus: status,
		Output:     stdout.Bytes(),
		Stderr:     stderr.String(),
		MimeType:   a.MimeType,
	}

	if result.MimeType == "" {
		result.MimeType = "text/plain"
	}

	logger.Info().
		Int("exit_status", status).
		Stringer("outcome", result.Outcome).
		Msg("action finished")

	return result, nil
}
