package project

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const (
	InputDir  = "input"
	OutputDir = "output"

	// ManifestFile is the job manifest written before dispatch and read by
	// the wrapper of the external command.
	ManifestFile = "clam.xml"

	// DownloadLockFile exists while an archive of the outputs is being
	// built.
	DownloadLockFile = ".download"

	pidFile     = ".pid"
	statusFile  = ".status"
	doneFile    = ".done"
	abortFile   = ".abort"
	abortedFile = ".aborted"

	// recoveredExitStatus is recorded in .done when a process is found dead
	// without having written .done itself.
	recoveredExitStatus = 1
)

// Project is a handle to a project directory. It holds no state of its own;
// everything is read from the directory on demand.
type Project struct {
	user string
	id   string
	dir  string

	abortPollInterval time.Duration
	logger            zerolog.Logger
}

// ID returns the project identifier.
func (p *Project) ID() string {
	return p.id
}

// User returns the owner of the Project.
func (p *Project) User() string {
	return p.user
}

// Dir returns the absolute project directory.
func (p *Project) Dir() string {
	return p.dir
}

// InputDir returns the absolute input directory.
func (p *Project) InputDir() string {
	return filepath.Join(p.dir, InputDir)
}

// OutputDir returns the absolute output directory.
func (p *Project) OutputDir() string {
	return filepath.Join(p.dir, OutputDir)
}

// StatusFile returns the path of the status log the process appends to.
func (p *Project) StatusFile() string {
	return p.path(statusFile)
}

// AbortFile returns the path of the abort request sentinel.
func (p *Project) AbortFile() string {
	return p.path(abortFile)
}

// Created returns the creation time of the Project, taken from the
// modification time of its directory.
func (p *Project) Created() (time.Time, error) {
	fi, err := os.Stat(p.dir)
	if err != nil {
		return time.Time{}, fmt.Errorf("stat project dir: %w", err)
	}

	return fi.ModTime(), nil
}

// PID returns the pid recorded in the .pid sentinel. It returns
// ErrNotRunning when there is no sentinel.
func (p *Project) PID() (int, error) {
	data, err := os.ReadFile(p.path(pidFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrNotRunning
		}

		return 0, fmt.Errorf("read pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file: %w", err)
	}

	return pid, nil
}

// Running reports whether a dispatched process is alive. A recorded process
// that is no longer alive is marked done with a recovery exit status and its
// pid sentinel removed.
func (p *Project) Running() (bool, error) {
	if !p.exists(pidFile) || p.exists(doneFile) {
		return false, nil
	}

	pid, err := p.PID()
	if errors.Is(err, ErrNotRunning) {
		return false, nil
	}

	if err == nil && alive(pid) {
		return true, nil
	}

	p.logger.Warn().
		Int("pid", pid).
		Err(err).
		Msg("process is gone without marking completion, recovering")

	if err := p.markDone(recoveredExitStatus); err != nil {
		return false, err
	}

	if err := removeIfExists(p.path(pidFile)); err != nil {
		return false, fmt.Errorf("remove pid file: %w", err)
	}

	return false, nil
}

// Done reports whether the .done sentinel exists.
func (p *Project) Done() bool {
	return p.exists(doneFile)
}

// Aborted reports whether the .aborted sentinel exists.
func (p *Project) Aborted() bool {
	return p.exists(abortedFile)
}

// ExitStatus returns the exit status recorded in .done, or -1 if the
// contents can not be parsed.
func (p *Project) ExitStatus() (int, error) {
	data, err := os.ReadFile(p.path(doneFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrNotRunning
		}

		return 0, fmt.Errorf("read done file: %w", err)
	}

	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return -1, nil
	}

	return code, nil
}

// StatusLog parses the status log of the Project. A missing log yields no
// entries.
func (p *Project) StatusLog() ([]LogEntry, int, error) {
	f, err := os.Open(p.StatusFile())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, nil
		}

		return nil, 0, fmt.Errorf("open status file: %w", err)
	}
	defer f.Close()

	return ParseStatusLog(f)
}

// Status derives the current Status of the Project from its sentinel files.
func (p *Project) Status() (*Status, error) {
	running, err := p.Running()
	if err != nil {
		return nil, err
	}

	if running {
		log, completion, err := p.StatusLog()
		if err != nil {
			return nil, err
		}

		s := &Status{
			State:      StateRunning,
			Message:    runningMessage,
			Log:        log,
			Completion: completion,
		}

		if len(log) > 0 {
			s.Message = log[0].Message
		}

		return s, nil
	}

	if p.Done() {
		log, completion, err := p.StatusLog()
		if err != nil {
			return nil, err
		}

		exit, err := p.ExitStatus()
		if err != nil {
			return nil, err
		}

		s := &Status{
			State:      StateDone,
			Message:    doneMessage,
			Log:        log,
			Completion: completion,
			ExitStatus: exit,
			Aborted:    p.Aborted(),
		}

		switch {
		case s.Aborted:
			s.Message = abortedMessage
			if len(log) == 0 {
				s.Completion = 100
			}
		case len(log) > 0:
			s.Message = log[0].Message
		default:
			s.Completion = 100
		}

		return s, nil
	}

	return &Status{State: StateReady, Message: readyMessage}, nil
}

// Reset returns a finished Project to StateReady. The output directory is
// recreated empty and all process sentinels are removed; inputs are kept.
func (p *Project) Reset() error {
	status, err := p.Status()
	if err != nil {
		return err
	}

	if status.State == StateRunning {
		return NewInvalidStateError(status.State, StateReady)
	}

	if err := os.RemoveAll(p.OutputDir()); err != nil {
		return fmt.Errorf("remove output dir: %w", err)
	}

	if err := os.MkdirAll(p.OutputDir(), 0o755); err != nil {
		return fmt.Errorf("make output dir: %w", err)
	}

	for _, name := range []string{
		doneFile,
		statusFile,
		pidFile,
		abortFile,
		abortedFile,
		DownloadLockFile,
	} {
		if err := removeIfExists(p.path(name)); err != nil {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}

	p.logger.Debug().Msg("project reset")

	return nil
}

// Abort requests cooperative termination of the running process by writing
// the .abort sentinel, then waits until the process has written .done. The
// wait is bounded only by ctx.
func (p *Project) Abort(ctx context.Context) error {
	if _, err := p.PID(); err != nil {
		return err
	}

	p.logger.Info().Msg("aborting process")

	if err := os.WriteFile(p.AbortFile(), nil, 0o777); err != nil {
		return fmt.Errorf("write abort file: %w", err)
	}

	// The permissions must survive the umask so a job running as another user
	// can clean the sentinel up.
	if err := os.Chmod(p.AbortFile(), 0o777); err != nil {
		return fmt.Errorf("chmod abort file: %w", err)
	}

	ticker := time.NewTicker(p.abortPollInterval)
	defer ticker.Stop()

	for {
		if _, err := p.Running(); err != nil {
			return err
		}

		if p.Done() {
			return removeIfExists(p.AbortFile())
		}

		p.logger.Debug().Msg("waiting for process to finish")

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for abort: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// ClaimStart creates the .pid sentinel exclusively, recording the calling
// process. It returns ErrAlreadyStarted if another start holds the claim.
func (p *Project) ClaimStart() error {
	err := writeExclusive(p.path(pidFile), []byte(strconv.Itoa(os.Getpid())))
	if errors.Is(err, fs.ErrExist) {
		return ErrAlreadyStarted
	}

	return err
}

// RecordPID atomically replaces the contents of the .pid sentinel.
func (p *Project) RecordPID(pid int) error {
	return writeAtomic(p.path(pidFile), []byte(strconv.Itoa(pid)), 0o644)
}

// ReleaseStart removes a claim made with ClaimStart after a failed dispatch.
func (p *Project) ReleaseStart() error {
	return removeIfExists(p.path(pidFile))
}

// Open returns a handle to an existing project directory without going
// through a Store. The dispatcher helper uses it, knowing only the path.
func Open(dir string, logger zerolog.Logger) (*Project, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve project dir: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, dir)
	}

	id := filepath.Base(abs)
	user := filepath.Base(filepath.Dir(abs))

	return &Project{
		user:              user,
		id:                id,
		dir:               abs,
		abortPollInterval: time.Second,
		logger: logger.With().
			Str("user", user).
			Str("project", id).
			Logger(),
	}, nil
}

// AbortRequested reports whether the .abort sentinel is present.
func (p *Project) AbortRequested() bool {
	return p.exists(abortFile)
}

// Finish records the end of a run: .aborted when the run was aborted, then
// .done with the exit status, then removal of .pid. Writing .done before
// removing .pid keeps the project from ever looking READY mid-way.
func (p *Project) Finish(exitStatus int, aborted bool) error {
	if aborted {
		if err := writeAtomic(p.path(abortedFile), nil, 0o644); err != nil {
			return fmt.Errorf("write aborted file: %w", err)
		}
	}

	if err := writeAtomic(p.path(doneFile), []byte(strconv.Itoa(exitStatus)), 0o644); err != nil {
		return fmt.Errorf("write done file: %w", err)
	}

	if err := removeIfExists(p.path(pidFile)); err != nil {
		return fmt.Errorf("remove pid file: %w", err)
	}

	p.logger.Info().Int("exit_status", exitStatus).Bool("aborted", aborted).Msg("run finished")

	return nil
}

// WriteManifest writes the job manifest into the project directory.
func (p *Project) WriteManifest(data []byte) error {
	return writeAtomic(p.path(ManifestFile), data, 0o644)
}

// AccessToken returns a token binding the owner and project to secret. It
// lets clients that can't authenticate, such as upload widgets, prove access
// to a single project.
func (p *Project) AccessToken(secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(p.user + ":" + p.id))

	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyAccessToken reports whether token was issued by AccessToken with
// the same secret.
func (p *Project) VerifyAccessToken(secret, token string) bool {
	return hmac.Equal([]byte(p.AccessToken(secret)), []byte(token))
}

func (p *Project) path(name string) string {
	return filepath.Join(p.dir, name)
}

func (p *Project) exists(name string) bool {
	_, err := os.Lstat(p.path(name))
	return err == nil
}

// markDone writes .done unless it already exists, so a concurrent writer
// that got there first keeps its exit status.
func (p *Project) markDone(code int) error {
	err := writeExclusive(p.path(doneFile), []byte(strconv.Itoa(code)))
	if errors.Is(err, fs.ErrExist) {
		return nil
	}

	return err
}

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}

	err := unix.Kill(pid, 0)

	return err == nil || errors.Is(err, unix.EPERM)
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := writeTemp(path, data, perm)
	if err != nil {
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}

func writeTemp(path string, data []byte, perm os.FileMode) (string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Chmod(tmp.Name(), perm); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("chmod temp file: %w", err)
	}

	return tmp.Name(), nil
}

// writeExclusive creates path with data in one step. Readers never observe
// the file without its contents. It fails with fs.ErrExist if path exists.
func writeExclusive(path string, data []byte) error {
	tmp, err := writeTemp(path, data, 0o644)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fs.ErrExist
		}

		return fmt.Errorf("link %s: %w", filepath.Base(path), err)
	}

	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	return nil
}
