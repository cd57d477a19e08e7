// Package admission decides whether the host has enough memory, disk space
// and spare CPU to start another job.
package admission

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/load"
	"github.com/shirou/gopsutil/mem"
)

// Thresholds are the admission limits. A zero value disables its check.
type Thresholds struct {
	// MinMemoryMB is the free plus cached memory required to start a job.
	MinMemoryMB uint64 `yaml:"requirememory"`
	// MaxLoadAvg is the highest one-minute load average allowed.
	MaxLoadAvg float64 `yaml:"maxloadavg"`
	// MinDiskMB is the free space required on Disk.
	MinDiskMB uint64 `yaml:"mindiskspace"`
	// Disk is a path on the volume to check.
	Disk string `yaml:"disk"`
}

// Probes read the host. Each returns an error when the host does not expose
// the value.
type Probes struct {
	AvailableMemory func(ctx context.Context) (uint64, error)
	LoadAvg         func(ctx context.Context) (float64, error)
	FreeDisk        func(ctx context.Context, path string) (uint64, error)
}

// HostProbes reads memory, load and disk usage through gopsutil.
func HostProbes() Probes {
	return Probes{
		AvailableMemory: func(ctx context.Context) (uint64, error) {
			vm, err := mem.VirtualMemoryWithContext(ctx)
			if err != nil {
				return 0, err
			}

			return vm.Free + vm.Cached, nil
		},
		LoadAvg: func(ctx context.Context) (float64, error) {
			avg, err := load.AvgWithContext(ctx)
			if err != nil {
				return 0, err
			}

			return avg.Load1, nil
		},
		FreeDisk: func(ctx context.Context, path string) (uint64, error) {
			usage, err := disk.UsageWithContext(ctx, path)
			if err != nil {
				return 0, err
			}

			return usage.Free, nil
		},
	}
}

// InsufficientResourcesError is returned when a job must not start yet.
type InsufficientResourcesError struct {
	Reason string
}

func (e *InsufficientResourcesError) Error() string {
	return "insufficient resources: " + e.Reason
}

// Retryable reports that the same request may succeed later.
func (e *InsufficientResourcesError) Retryable() bool {
	return true
}

type Controller struct {
	thresholds Thresholds
	probes     Probes
	logger     zerolog.Logger
}

type Option func(*Controller)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithProbes replaces the host probes.
func WithProbes(probes Probes) Option {
	return func(c *Controller) {
		c.probes = probes
	}
}

func NewController(thresholds Thresholds, opts ...Option) *Controller {
	c := &Controller{
		thresholds: thresholds,
		probes:     HostProbes(),
		logger:     zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Check returns nil when every enabled threshold is met, or an
// *InsufficientResourcesError naming the first one that is not. A check
// whose probe fails is skipped.
func (c *Controller) Check(ctx context.Context) error {
	t := c.thresholds

	if t.MinMemoryMB > 0 && c.probes.AvailableMemory != nil {
		avail, err := c.probes.AvailableMemory(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("unable to read memory usage, skipping check")
		} else if required := t.MinMemoryMB * humanize.MiByte; avail < required {
			return &InsufficientResourcesError{Reason: fmt.Sprintf(
				"%s memory is required but only %s is available",
				humanize.IBytes(required),
				humanize.IBytes(avail),
			)}
		}
	}

	if t.MaxLoadAvg > 0 && c.probes.LoadAvg != nil {
		avg, err := c.probes.LoadAvg(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("unable to read load average, skipping check")
		} else if avg > t.MaxLoadAvg {
			return &InsufficientResourcesError{Reason: fmt.Sprintf(
				"system load too high: %s, max is %s",
				humanize.Ftoa(avg),
				humanize.Ftoa(t.MaxLoadAvg),
			)}
		}
	}

	if t.MinDiskMB > 0 && t.Disk != "" && c.probes.FreeDisk != nil {
		free, err := c.probes.FreeDisk(ctx, t.Disk)
		if err != nil {
			c.logger.Warn().Err(err).Str("disk", t.Disk).Msg("unable to read disk usage, skipping check")
		} else if required := t.MinDiskMB * humanize.MiByte; free < required {
			return &InsufficientResourcesError{Reason: fmt.Sprintf(
				"not enough disk space on %s, %s free, need at least %s",
				t.Disk,
				humanize.IBytes(free),
				humanize.IBytes(required),
			)}
		}
	}

	return nil
}
