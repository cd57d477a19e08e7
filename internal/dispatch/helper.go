package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/nixpig/clamworker/internal/dispatch/cgroups"
	"github.com/nixpig/clamworker/internal/project"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const (
	defaultPollInterval = time.Second
	defaultKillGrace    = 10 * time.Second
	cgroupDrainTimeout  = 5 * time.Second

	// spawnFailedStatus is recorded when the shell itself cannot be started.
	spawnFailedStatus = 127
)

// HelperConfig is the invocation of the dispatcher helper.
type HelperConfig struct {
	// ProjectDir is the project the command runs for, or NoProject.
	ProjectDir string
	Command    []string

	LibPath    string
	SettingsID string

	// PollInterval is how often .abort is checked. KillGrace is how long a
	// terminated job gets before it is killed.
	PollInterval time.Duration
	KillGrace    time.Duration

	CgroupRoot string
	Limits     *cgroups.ResourceLimits

	Stdout io.Writer
	Stderr io.Writer
}

// RunHelper runs a job command on behalf of the service and returns its exit
// status.
//
// For a project it records the child pid in .pid, terminates the child when
// .abort appears or ctx is cancelled, and writes .done (and .aborted) when
// the child exits. With NoProject the command runs in the foreground in the
// current directory and nothing is recorded.
func RunHelper(ctx context.Context, cfg HelperConfig, logger zerolog.Logger) (int, error) {
	command := strings.TrimSpace(strings.Join(cfg.Command, " "))
	if command == "" {
		return 0, ErrEmptyCommand
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Stdout = cfg.Stdout
	cmd.Stderr = cfg.Stderr
	cmd.Env = append(
		os.Environ(),
		"CLAM_LIBPATH="+cfg.LibPath,
		"CLAM_SETTINGS="+cfg.SettingsID,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if cfg.ProjectDir == NoProject || cfg.ProjectDir == "" {
		return runForeground(ctx, cmd)
	}

	p, err := project.Open(cfg.ProjectDir, logger)
	if err != nil {
		return 0, err
	}

	cmd.Dir = p.Dir()

	logger = logger.With().Str("project", p.ID()).Logger()

	var cg *cgroups.Cgroup

	if !cfg.Limits.IsZero() {
		root := cfg.CgroupRoot
		if root == "" {
			root = cgroups.DefaultRoot
		}

		cg, err = cgroups.CreateCgroup(root, p.User()+"-"+p.ID(), cfg.Limits)
		if err != nil {
			logger.Warn().Err(err).Msg("running without resource limits")
		} else if fd := cg.FD(); fd != nil {
			cmd.SysProcAttr.UseCgroupFD = true
			cmd.SysProcAttr.CgroupFD = int(fd.Fd())
		}
	}

	if err := cmd.Start(); err != nil {
		if cg != nil {
			cg.Destroy(cgroupDrainTimeout)
		}

		if finishErr := p.Finish(spawnFailedStatus, false); finishErr != nil {
			logger.Error().Err(finishErr).Msg("failed to record spawn failure")
		}

		return spawnFailedStatus, fmt.Errorf("start command: %w", err)
	}

	pid := cmd.Process.Pid

	if cg != nil && cg.FD() == nil {
		if err := cg.Join(pid); err != nil {
			logger.Warn().Err(err).Msg("failed to join cgroup")
		}
	}

	if err := p.RecordPID(pid); err != nil {
		logger.Error().Err(err).Int("pid", pid).Msg("failed to record pid")
	}

	logger.Info().Int("pid", pid).Str("command", command).Msg("job started")

	aborted := supervise(ctx, cmd, p, cg, cfg, logger)

	status := exitStatus(cmd.ProcessState)

	if cg != nil {
		if err := cg.Destroy(cgroupDrainTimeout); err != nil {
			logger.Warn().Err(err).Msg("failed to remove cgroup")
		}
	}

	if err := p.Finish(status, aborted); err != nil {
		return status, err
	}

	return status, nil
}

// supervise waits for cmd, terminating it when an abort is requested. It
// reports whether the job was aborted.
func supervise(
	ctx context.Context,
	cmd *exec.Cmd,
	p *project.Project,
	cg *cgroups.Cgroup,
	cfg HelperConfig,
	logger zerolog.Logger,
) bool {
	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	var (
		aborted bool
		done    = ctx.Done()
		kill    <-chan time.Time
	)

	terminate := func(reason string) {
		aborted = true
		done = nil
		kill = time.After(cfg.KillGrace)

		logger.Info().Str("reason", reason).Msg("terminating job")

		if err := unix.Kill(-cmd.Process.Pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
			logger.Warn().Err(err).Msg("failed to terminate job")
		}
	}

	for {
		select {
		case <-waitCh:
			return aborted
		case <-done:
			terminate("helper cancelled")
		case <-ticker.C:
			if !aborted && p.AbortRequested() {
				terminate("abort requested")
			}
		case <-kill:
			kill = nil

			logger.Warn().Msg("job ignored termination, killing")

			if cg != nil {
				if err := cg.Kill(); err == nil {
					continue
				}
			}

			unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		}
	}
}

func runForeground(ctx context.Context, cmd *exec.Cmd) (int, error) {
	if err := cmd.Start(); err != nil {
		return spawnFailedStatus, fmt.Errorf("start command: %w", err)
	}

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()

	select {
	case <-waitCh:
	case <-ctx.Done():
		unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		<-waitCh
	}

	return exitStatus(cmd.ProcessState), nil
}

// exitStatus follows the shell convention of 128+signal for jobs killed by
// a signal.
func exitStatus(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}

	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}

	return ps.ExitCode()
}
