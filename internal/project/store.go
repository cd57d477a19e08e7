package project

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	projectsDir = "projects"
	corporaDir  = "corpora"

	defaultAbortPollInterval = time.Second
)

// Python's \w is unicode aware; Go's is ASCII only.
var validProjectID = regexp.MustCompile(`^[\p{L}\p{M}\p{N}_]+$`)

// Store is a directory tree of projects grouped by owner:
//
//	<root>/projects/<user>/<project>/
type Store struct {
	root              string
	abortPollInterval time.Duration
	logger            zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used by the Store and its Projects.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithAbortPollInterval sets how often Abort checks for completion.
func WithAbortPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.abortPollInterval = d
		}
	}
}

// Summary describes a project in a listing.
type Summary struct {
	User    string
	ID      string
	Created time.Time
}

// NewStore creates a Store rooted at root, creating the projects directory
// if needed.
func NewStore(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, errors.New("root cannot be empty")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}

	s := &Store{
		root:              abs,
		abortPollInterval: defaultAbortPollInterval,
		logger:            zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Join(abs, projectsDir), 0o755); err != nil {
		return nil, fmt.Errorf("make projects dir: %w", err)
	}

	return s, nil
}

// Root returns the absolute root directory of the Store.
func (s *Store) Root() string {
	return s.root
}

// ValidateProjectID returns ErrInvalidProjectID unless id consists only of
// word characters.
func ValidateProjectID(id string) error {
	if !validProjectID.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidProjectID, id)
	}

	return nil
}

// Create creates the project directory with its input and output
// directories. Creating an existing project is not an error.
func (s *Store) Create(user, id string) (*Project, error) {
	p, err := s.handle(user, id)
	if err != nil {
		return nil, err
	}

	for _, dir := range []string{p.InputDir(), p.OutputDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("make project dir: %w", err)
		}
	}

	p.logger.Debug().Msg("project created")

	return p, nil
}

// Get returns the Project or ErrProjectNotFound if it does not exist.
func (s *Store) Get(user, id string) (*Project, error) {
	p, err := s.handle(user, id)
	if err != nil {
		return nil, err
	}

	fi, err := os.Stat(p.dir)
	if err != nil || !fi.IsDir() {
		return nil, ErrProjectNotFound
	}

	return p, nil
}

// Exists reports whether the project directory exists.
func (s *Store) Exists(user, id string) bool {
	_, err := s.Get(user, id)
	return err == nil
}

// List returns the projects of user sorted by id.
func (s *Store) List(user string) ([]Summary, error) {
	if err := validateUser(user); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.userDir(user))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("read user dir: %w", err)
	}

	var summaries []Summary

	for _, e := range entries {
		if !e.IsDir() || ValidateProjectID(e.Name()) != nil {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}

		summaries = append(summaries, Summary{
			User:    user,
			ID:      e.Name(),
			Created: info.ModTime(),
		})
	}

	return summaries, nil
}

// Users returns the owners that have a project directory.
func (s *Store) Users() ([]string, error) {
	return listDirs(filepath.Join(s.root, projectsDir))
}

// Corpora returns the names of the pre-installed corpora under
// <root>/corpora.
func (s *Store) Corpora() ([]string, error) {
	return listDirs(filepath.Join(s.root, corporaDir))
}

// Delete removes the project. A running process is aborted first and
// waited for within ctx. With abortOnly the directory is kept.
func (s *Store) Delete(ctx context.Context, user, id string, abortOnly bool) error {
	p, err := s.Get(user, id)
	if err != nil {
		return err
	}

	running, err := p.Running()
	if err != nil {
		return err
	}

	if running {
		if err := p.Abort(ctx); err != nil {
			return fmt.Errorf("abort project: %w", err)
		}
	}

	if abortOnly {
		return nil
	}

	if err := os.RemoveAll(p.dir); err != nil {
		return fmt.Errorf("remove project dir: %w", err)
	}

	p.logger.Info().Msg("project deleted")

	return nil
}

func (s *Store) handle(user, id string) (*Project, error) {
	if err := validateUser(user); err != nil {
		return nil, err
	}

	if err := ValidateProjectID(id); err != nil {
		return nil, err
	}

	return &Project{
		user:              user,
		id:                id,
		dir:               filepath.Join(s.userDir(user), id),
		abortPollInterval: s.abortPollInterval,
		logger: s.logger.With().
			Str("user", user).
			Str("project", id).
			Logger(),
	}, nil
}

func (s *Store) userDir(user string) string {
	return filepath.Join(s.root, projectsDir, user)
}

func validateUser(user string) error {
	if user == "" || user == "." || user == ".." || strings.ContainsAny(user, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidUser, user)
	}

	return nil
}

func listDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("read dir: %w", err)
	}

	var names []string

	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}

	slices.Sort(names)

	return names, nil
}
