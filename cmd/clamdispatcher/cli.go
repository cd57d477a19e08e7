package main

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/nixpig/clamworker/internal/dispatch"
	"github.com/nixpig/clamworker/internal/dispatch/cgroups"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const version = "0.0.1"

type options struct {
	pollInterval time.Duration
	killGrace    time.Duration
	cgroupRoot   string
	limits       cgroups.ResourceLimits
	debug        bool
}

type cli struct {
	// status is the exit status of the job, returned as the helper's own.
	status int
}

func newCLI() *cli {
	return &cli{}
}

func (c *cli) rootCmd() *cobra.Command {
	opts := &options{}

	command := &cobra.Command{
		Use:          "clamdispatcher [flags] LIBPATH SETTINGS PROJECTDIR|NONE COMMAND...",
		Short:        "Run a job command and record its outcome in the project directory",
		Version:      version,
		SilenceUsage: true,
		Args:         cobra.MinimumNArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			level := zerolog.InfoLevel
			if opts.debug {
				level = zerolog.DebugLevel
			}

			logger := zerolog.New(zerolog.ConsoleWriter{
				Out:        cmd.ErrOrStderr(),
				NoColor:    true,
				TimeFormat: time.RFC3339,
			}).Level(level).With().Timestamp().Logger()

			cfg := dispatch.HelperConfig{
				LibPath:      args[0],
				SettingsID:   args[1],
				ProjectDir:   args[2],
				Command:      args[3:],
				PollInterval: opts.pollInterval,
				KillGrace:    opts.killGrace,
				CgroupRoot:   opts.cgroupRoot,
				Stdout:       cmd.OutOrStdout(),
				Stderr:       os.Stderr,
			}

			if !opts.limits.IsZero() {
				cfg.Limits = &opts.limits
			}

			status, err := dispatch.RunHelper(cmd.Context(), cfg, logger)
			if err != nil {
				logger.Error().Err(err).Str("project_dir", cfg.ProjectDir).Msg("dispatch failed")
				return err
			}

			c.status = status

			return nil
		},
	}

	// The job command follows the positional arguments and may carry flags of
	// its own.
	command.Flags().SetInterspersed(false)
	command.CompletionOptions.DisableDefaultCmd = true

	command.Flags().DurationVar(&opts.pollInterval, "poll-interval", time.Second, "How often to check for an abort request")
	command.Flags().DurationVar(&opts.killGrace, "kill-grace", 10*time.Second, "How long a terminated job gets before it is killed")
	command.Flags().StringVar(&opts.cgroupRoot, "cgroup-root", cgroups.DefaultRoot, "cgroup v2 hierarchy to create job groups in")
	command.Flags().Int64Var(&opts.limits.CPUMaxPercent, "cpu-max-percent", 0, "CPU limit as a percentage of one core")
	command.Flags().Var((*byteSize)(&opts.limits.MemoryMaxBytes), "memory-max-bytes", "Memory limit, e.g. 512MiB")
	command.Flags().Var((*byteSize)(&opts.limits.IOMaxBPS), "io-max-bps", "I/O limit per second on the root device, e.g. 10MB")
	command.Flags().BoolVar(&opts.debug, "debug", false, "Enable debug logs")

	return command
}

// byteSize is a flag value accepting plain byte counts and humanized sizes.
type byteSize int64

var _ pflag.Value = (*byteSize)(nil)

func (b *byteSize) String() string {
	return strconv.FormatInt(int64(*b), 10)
}

func (b *byteSize) Set(s string) error {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return err
	}

	if n > math.MaxInt64 {
		return fmt.Errorf("size out of range: %s", s)
	}

	*b = byteSize(n)

	return nil
}

func (b *byteSize) Type() string {
	return "bytes"
}
