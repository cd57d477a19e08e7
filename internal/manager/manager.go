// Package manager wires the project store, upload pipeline, dispatcher,
// admission controller and archive builder into the operations a front end
// exposes.
package manager

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nixpig/clamworker/internal/admission"
	"github.com/nixpig/clamworker/internal/archive"
	"github.com/nixpig/clamworker/internal/auth"
	"github.com/nixpig/clamworker/internal/config"
	"github.com/nixpig/clamworker/internal/dispatch"
	"github.com/nixpig/clamworker/internal/profile"
	"github.com/nixpig/clamworker/internal/project"
	"github.com/nixpig/clamworker/internal/upload"
	"github.com/rs/zerolog"
)

// Manager is responsible for the lifecycle of projects. It holds no
// per-project state; everything is read from the project directories.
type Manager struct {
	cfg *config.Config

	store      *project.Store
	catalog    *profile.Catalog
	registry   *profile.Registry
	uploader   *upload.Uploader
	dispatcher *dispatch.Dispatcher
	admission  *admission.Controller
	archiver   *archive.Builder

	probes *admission.Probes
	logger zerolog.Logger
}

type Option func(*Manager)

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithAdmissionProbes replaces the host probes of the admission controller.
func WithAdmissionProbes(probes admission.Probes) Option {
	return func(m *Manager) {
		m.probes = &probes
	}
}

// New creates a Manager from cfg, creating the project root if needed.
func New(cfg *config.Config, opts ...Option) (*Manager, error) {
	m := &Manager{
		cfg:    cfg,
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(m)
	}

	storeOpts := []project.Option{project.WithLogger(m.logger)}
	if cfg.AbortPollInterval > 0 {
		storeOpts = append(storeOpts, project.WithAbortPollInterval(cfg.AbortPollInterval))
	}

	store, err := project.NewStore(cfg.Root, storeOpts...)
	if err != nil {
		return nil, err
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, fmt.Errorf("build catalog: %w", err)
	}

	registry, err := cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}

	admissionOpts := []admission.Option{admission.WithLogger(m.logger)}
	if m.probes != nil {
		admissionOpts = append(admissionOpts, admission.WithProbes(*m.probes))
	}

	m.store = store
	m.catalog = catalog
	m.registry = registry
	m.uploader = upload.NewUploader(catalog, registry, upload.WithLogger(m.logger))
	m.dispatcher = dispatch.NewDispatcher(cfg.DispatchConfig(), m.logger)
	m.admission = admission.NewController(cfg.Admission, admissionOpts...)
	m.archiver = archive.NewBuilder(cfg.Archive.ZipPath, cfg.Archive.TarPath, m.logger)

	return m, nil
}

// Check reports problems with the host setup that would make every start
// fail.
func (m *Manager) Check() error {
	return m.dispatcher.Check()
}

// Catalog returns the configured profiles.
func (m *Manager) Catalog() *profile.Catalog {
	return m.catalog
}

// CreateProject creates a project for user. Creating an existing project is
// not an error.
func (m *Manager) CreateProject(user, id string) (*project.Project, error) {
	user, err := auth.ValidateUsername(user)
	if err != nil {
		return nil, err
	}

	p, err := m.store.Create(user, id)
	if err != nil {
		return nil, err
	}

	m.logger.Info().Str("user", user).Str("project", id).Msg("project created")

	return p, nil
}

// Projects lists the projects of user.
func (m *Manager) Projects(user string) ([]project.Summary, error) {
	user, err := auth.ValidateUsername(user)
	if err != nil {
		return nil, err
	}

	return m.store.List(user)
}

// Users lists the owners of all projects.
func (m *Manager) Users() ([]string, error) {
	return m.store.Users()
}

// Corpora lists the pre-installed corpora.
func (m *Manager) Corpora() ([]string, error) {
	return m.store.Corpora()
}

// Project returns the project or project.ErrProjectNotFound.
func (m *Manager) Project(user, id string) (*project.Project, error) {
	user, err := auth.ValidateUsername(user)
	if err != nil {
		return nil, err
	}

	return m.store.Get(user, id)
}

// Status returns the derived status of a project.
func (m *Manager) Status(user, id string) (*project.Status, error) {
	p, err := m.Project(user, id)
	if err != nil {
		return nil, err
	}

	return p.Status()
}

// FollowStatus streams the raw status log of a project until its process
// finishes.
func (m *Manager) FollowStatus(ctx context.Context, user, id string) (io.ReadCloser, error) {
	p, err := m.Project(user, id)
	if err != nil {
		return nil, err
	}

	return p.FollowStatus(ctx), nil
}

// Abort requests termination of the running process and waits for it to
// finish within ctx.
func (m *Manager) Abort(ctx context.Context, user, id string) error {
	p, err := m.Project(user, id)
	if err != nil {
		return err
	}

	return p.Abort(ctx)
}

// Delete aborts a running process and removes the project. With abortOnly
// the project is kept.
func (m *Manager) Delete(ctx context.Context, user, id string, abortOnly bool) error {
	user, err := auth.ValidateUsername(user)
	if err != nil {
		return err
	}

	return m.store.Delete(ctx, user, id, abortOnly)
}

// Reset discards the outputs of a finished project so it can run again.
func (m *Manager) Reset(user, id string) error {
	p, err := m.Project(user, id)
	if err != nil {
		return err
	}

	return p.Reset()
}

// AccessToken returns the token granting access to a single project.
func (m *Manager) AccessToken(user, id string) (string, error) {
	if m.cfg.Secret == "" {
		return "", errors.New("no secret configured")
	}

	p, err := m.Project(user, id)
	if err != nil {
		return "", err
	}

	return p.AccessToken(m.cfg.Secret), nil
}

// RunAction runs a configured action for user and waits for its result.
func (m *Manager) RunAction(
	ctx context.Context,
	user, actionID string,
	params map[string]string,
) (*dispatch.ActionResult, error) {
	user, err := auth.ValidateUsername(user)
	if err != nil {
		return nil, err
	}

	action, ok := m.cfg.Action(actionID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrActionNotFound, actionID)
	}

	if user == auth.Anonymous && !action.AllowAnonymous {
		return nil, fmt.Errorf("action %q: %w", actionID, auth.ErrUnauthorised)
	}

	result, err := m.dispatcher.RunAction(ctx, action, dispatch.ActionRequest{
		User:       user,
		Parameters: params,
		WorkDir:    m.store.Root(),
	})
	if err != nil {
		var verrs profile.ValidationErrors
		if errors.As(err, &verrs) {
			return nil, &ParameterError{Errors: verrs}
		}

		return nil, err
	}

	return result, nil
}
