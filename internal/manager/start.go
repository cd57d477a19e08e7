package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/nixpig/clamworker/internal/dispatch"
	"github.com/nixpig/clamworker/internal/profile"
	"github.com/nixpig/clamworker/internal/project"
)

// StartRequest carries the run parameters chosen by the client.
type StartRequest struct {
	Parameters map[string]string
}

// StartResult describes a dispatched run.
type StartResult struct {
	PID      int
	Profiles []string
	Command  string
}

// Start dispatches the project's command. The checks run in order and the
// first failure leaves the project READY with nothing written:
//
//  1. the project must be READY
//  2. the parameters must be valid (*ParameterError)
//  3. the host must have the resources (*admission.InsufficientResourcesError)
//  4. the inputs must satisfy at least one profile (profile.ErrNoMatchingProfile)
//
// The .pid claim is then taken, the manifest written and the dispatcher
// launched. A launch failure releases the claim.
func (m *Manager) Start(ctx context.Context, user, id string, req StartRequest) (*StartResult, error) {
	p, err := m.Project(user, id)
	if err != nil {
		return nil, err
	}

	logger := m.logger.With().Str("user", p.User()).Str("project", p.ID()).Logger()

	status, err := p.Status()
	if err != nil {
		return nil, err
	}

	if status.State != project.StateReady {
		return nil, project.NewInvalidStateError(status.State, project.StateRunning)
	}

	resolved, err := profile.ProcessParameters(m.cfg.Parameters, req.Parameters)
	if err != nil {
		var verrs profile.ValidationErrors
		if errors.As(err, &verrs) {
			return nil, &ParameterError{Errors: verrs}
		}

		return nil, err
	}

	if err := m.admission.Check(ctx); err != nil {
		logger.Warn().Err(err).Msg("start refused")
		return nil, err
	}

	index, err := p.Index(project.KindInput, "")
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, e := range index {
		counts[e.Template]++
	}

	matched, err := m.catalog.Match(counts)
	if err != nil {
		return nil, err
	}

	if err := p.ClaimStart(); err != nil {
		return nil, err
	}

	command, err := m.prepare(p, resolved, matched, index)
	if err != nil {
		m.release(p)
		return nil, err
	}

	pid, err := m.dispatcher.Launch(p.Dir(), command)
	if err != nil {
		m.release(p)
		logger.Error().Err(err).Msg("dispatch failed")

		return nil, err
	}

	// The helper may already have finished and recorded .done; a stale .pid
	// next to .done is harmless but pointless.
	if !p.Done() {
		if err := p.RecordPID(pid); err != nil {
			logger.Warn().Err(err).Int("pid", pid).Msg("failed to record pid")
		}
	}

	result := &StartResult{PID: pid, Command: command}
	for _, prof := range matched {
		result.Profiles = append(result.Profiles, prof.ID)
	}

	logger.Info().
		Int("pid", pid).
		Strs("profiles", result.Profiles).
		Msg("project started")

	return result, nil
}

// prepare writes the manifest and returns the expanded command.
func (m *Manager) prepare(
	p *project.Project,
	resolved *profile.ResolvedParameters,
	matched []profile.Profile,
	index []project.IndexEntry,
) (string, error) {
	created, err := p.Created()
	if err != nil {
		return "", err
	}

	manifest := &profile.Manifest{
		SystemID:   m.cfg.SystemID,
		SystemName: m.cfg.SystemName,
		User:       p.User(),
		Project:    p.ID(),
		Created:    created,
		Parameters: resolved.Values,
		Profiles:   matched,
		Outputs:    profile.ExpectedOutputs(matched, resolved.Values),
	}

	for _, e := range index {
		manifest.Inputs = append(manifest.Inputs, profile.ManifestInput{
			Name:     e.Name,
			Template: e.Template,
			Sequence: e.Sequence,
		})
	}

	data, err := manifest.Encode()
	if err != nil {
		return "", err
	}

	if err := p.WriteManifest(data); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}

	vars := dispatch.ProjectVars(p.Dir())
	vars.Parameters = resolved.CommandLine()
	vars.User = p.User()
	vars.Project = p.ID()

	if m.cfg.Secret != "" {
		vars.AccessToken = p.AccessToken(m.cfg.Secret)
	}

	return dispatch.BuildCommand(m.cfg.Command, vars), nil
}

func (m *Manager) release(p *project.Project) {
	if err := p.ReleaseStart(); err != nil {
		m.logger.Error().Err(err).Str("project", p.ID()).Msg("failed to release start claim")
	}
}
