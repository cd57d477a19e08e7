package dispatch

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"al.essio.dev/pkg/shellescape"
	"github.com/nixpig/clamworker/internal/dispatch/cgroups"
	"github.com/rs/zerolog"
)

// NoProject is passed to the helper in place of a project directory for
// commands that run synchronously and track no state.
const NoProject = "NONE"

// Config locates the dispatcher helper and, optionally, a remote host to
// run it on.
type Config struct {
	// Binary is the dispatcher helper executable.
	Binary string

	// LibPath and SettingsID are passed through to the helper, which exports
	// them to the job environment.
	LibPath    string
	SettingsID string

	// RemoteHost, when set, runs the helper there over a single
	// non-interactive ssh hop.
	RemoteHost string
	RemoteUser string

	// Limits and CgroupRoot are forwarded to the helper as flags.
	Limits     *cgroups.ResourceLimits
	CgroupRoot string
}

// Dispatcher launches jobs through the helper. It keeps no record of
// launched processes; the helper reports through the project's sentinels.
type Dispatcher struct {
	cfg    Config
	logger zerolog.Logger
}

func NewDispatcher(cfg Config, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{cfg: cfg, logger: logger}
}

// Argv returns the full invocation of the helper for projectDir and
// command, wrapped in ssh when a remote host is configured.
func (d *Dispatcher) Argv(projectDir, command string) []string {
	argv := append([]string{d.cfg.Binary}, d.helperFlags()...)
	argv = append(argv, d.cfg.LibPath, d.cfg.SettingsID, projectDir, command)

	if d.cfg.RemoteHost == "" {
		return argv
	}

	target := d.cfg.RemoteHost
	if d.cfg.RemoteUser != "" {
		target = d.cfg.RemoteUser + "@" + target
	}

	return []string{
		"ssh",
		"-o", "NumberOfPasswordPrompts=0",
		target,
		shellescape.QuoteCommand(argv),
	}
}

func (d *Dispatcher) helperFlags() []string {
	var flags []string

	if l := d.cfg.Limits; !l.IsZero() {
		if l.CPUMaxPercent > 0 {
			flags = append(flags, "--cpu-max-percent="+strconv.FormatInt(l.CPUMaxPercent, 10))
		}

		if l.MemoryMaxBytes > 0 {
			flags = append(flags, "--memory-max-bytes="+strconv.FormatInt(l.MemoryMaxBytes, 10))
		}

		if l.IOMaxBPS > 0 {
			flags = append(flags, "--io-max-bps="+strconv.FormatInt(l.IOMaxBPS, 10))
		}

		if d.cfg.CgroupRoot != "" {
			flags = append(flags, "--cgroup-root="+d.cfg.CgroupRoot)
		}
	}

	return flags
}

// Launch starts the helper for projectDir in a new session and returns its
// pid without waiting for it. The helper is reaped in the background.
func (d *Dispatcher) Launch(projectDir, command string) (int, error) {
	if strings.TrimSpace(command) == "" {
		return 0, ErrEmptyCommand
	}

	argv := d.Argv(projectDir, command)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if d.cfg.RemoteHost == "" && projectDir != NoProject {
		cmd.Dir = projectDir
	}

	if err := cmd.Start(); err != nil {
		return 0, &SpawnError{Command: argv[0], Err: err}
	}

	pid := cmd.Process.Pid

	d.logger.Info().
		Int("pid", pid).
		Str("project_dir", projectDir).
		Str("remote_host", d.cfg.RemoteHost).
		Msg("dispatcher launched")

	go func() {
		if err := cmd.Wait(); err != nil {
			d.logger.Debug().Err(err).Int("pid", pid).Msg("dispatcher exited")
		}
	}()

	return pid, nil
}

// Check reports whether the helper binary can be executed locally. It is
// skipped for remote dispatch.
func (d *Dispatcher) Check() error {
	if d.cfg.RemoteHost != "" {
		return nil
	}

	if _, err := exec.LookPath(d.cfg.Binary); err != nil {
		return fmt.Errorf("dispatcher %q: %w", d.cfg.Binary, err)
	}

	return nil
}
