// Package cgroups confines a dispatched job to a cgroup v2 group with CPU,
// memory and I/O limits so the whole process tree can be limited and killed
// together.
package cgroups

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	cpuPeriodMicros = 100000
	procMountinfo   = "/proc/self/mountinfo"
	namePrefix      = "clamworker-"

	// DefaultRoot is the cgroup v2 unified hierarchy mount point.
	DefaultRoot = "/sys/fs/cgroup"
)

// ResourceLimits are the limits applied to a job. Zero values are
// unlimited.
type ResourceLimits struct {
	CPUMaxPercent  int64 `yaml:"cpu_max_percent"`
	MemoryMaxBytes int64 `yaml:"memory_max_bytes"`
	IOMaxBPS       int64 `yaml:"io_max_bps"`
}

// IsZero reports whether no limit is set.
func (l *ResourceLimits) IsZero() bool {
	return l == nil || (l.CPUMaxPercent == 0 && l.MemoryMaxBytes == 0 && l.IOMaxBPS == 0)
}

type Cgroup struct {
	name string
	path string
	fd   *os.File
}

// CreateCgroup creates the group "clamworker-<name>" under root and applies
// limits. On the real hierarchy the group directory is kept open so a child
// can be started directly inside it.
func CreateCgroup(root, name string, limits *ResourceLimits) (*Cgroup, error) {
	cg := &Cgroup{
		name: name,
		path: filepath.Join(root, namePrefix+name),
	}

	if err := os.MkdirAll(cg.path, 0o755); err != nil {
		return nil, fmt.Errorf("make cgroup dir: %w", err)
	}

	if limits != nil {
		if err := cg.applyLimits(limits); err != nil {
			os.RemoveAll(cg.path)
			return nil, fmt.Errorf("apply cgroup limits: %w", err)
		}
	}

	if isRealCgroupRoot(root) {
		fd, err := os.Open(cg.path)
		if err != nil {
			os.RemoveAll(cg.path)
			return nil, fmt.Errorf("open cgroup dir: %w", err)
		}

		cg.fd = fd
	}

	return cg, nil
}

// controls renders the limits as control file contents. Unset limits are
// left out.
func (l *ResourceLimits) controls() (map[string]string, error) {
	values := make(map[string]string, 3)

	if l.CPUMaxPercent > 0 {
		values["cpu.max"] = fmt.Sprintf("%d %d", l.CPUMaxPercent*cpuPeriodMicros/100, cpuPeriodMicros)
	}

	if l.MemoryMaxBytes > 0 {
		values["memory.max"] = strconv.FormatInt(l.MemoryMaxBytes, 10)
	}

	if l.IOMaxBPS > 0 {
		device, err := detectRootDevice()
		if err != nil {
			return nil, fmt.Errorf("detect root device: %w", err)
		}

		values["io.max"] = fmt.Sprintf("%s rbps=%d wbps=%d", device, l.IOMaxBPS, l.IOMaxBPS)
	}

	return values, nil
}

func (c *Cgroup) applyLimits(limits *ResourceLimits) error {
	values, err := limits.controls()
	if err != nil {
		return err
	}

	for name, value := range values {
		if err := c.write(name, value); err != nil {
			return err
		}
	}

	return nil
}

func (c *Cgroup) write(control, value string) error {
	if err := os.WriteFile(filepath.Join(c.path, control), []byte(value), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", control, err)
	}

	return nil
}

// Join moves the process pid into the group.
func (c *Cgroup) Join(pid int) error {
	return c.write("cgroup.procs", strconv.Itoa(pid))
}

// Kill sends SIGKILL to every process in the group.
func (c *Cgroup) Kill() error {
	return c.write("cgroup.kill", "1")
}

// Destroy removes the group, waiting up to timeout for it to empty.
func (c *Cgroup) Destroy(timeout time.Duration) error {
	c.close()

	deadline := time.Now().Add(timeout)

	for {
		populated, err := c.populated()
		if err != nil {
			return err
		}

		if !populated {
			break
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("cgroup %s still populated after %s", c.path, timeout)
		}

		time.Sleep(50 * time.Millisecond)
	}

	// A cgroup directory is removed with rmdir; its control files go with it.
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		if err := os.RemoveAll(c.path); err != nil {
			return fmt.Errorf("remove cgroup: %w", err)
		}
	}

	return nil
}

func (c *Cgroup) populated() (bool, error) {
	data, err := os.ReadFile(filepath.Join(c.path, "cgroup.events"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("read cgroup.events: %w", err)
	}

	fields := strings.Fields(string(data))
	for i, field := range fields {
		if field == "populated" && i+1 < len(fields) {
			return fields[i+1] == "1", nil
		}
	}

	return false, nil
}

func (c *Cgroup) close() error {
	if c.fd != nil {
		err := c.fd.Close()

		c.fd = nil

		if err != nil {
			return fmt.Errorf("close cgroup fd: %w", err)
		}
	}

	return nil
}

// FD returns the open group directory, or nil when the group is not on the
// real hierarchy.
func (c *Cgroup) FD() *os.File {
	return c.fd
}

func (c *Cgroup) Name() string {
	return c.name
}

func (c *Cgroup) Path() string {
	return c.path
}

func detectRootDevice() (string, error) {
	mountinfo, err := os.ReadFile(procMountinfo)
	if err != nil {
		return "", fmt.Errorf("read mountinfo: %w", err)
	}

	for line := range strings.SplitSeq(string(mountinfo), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}

		if fields[4] == "/" {
			return fields[2], nil
		}
	}

	return "", fmt.Errorf("detect root device in %s", procMountinfo)
}

func isRealCgroupRoot(root string) bool {
	return filepath.Clean(root) == DefaultRoot
}

// ValidateCgroupRoot checks that root is a cgroup v2 hierarchy.
func ValidateCgroupRoot(root string) error {
	controllersPath := filepath.Join(root, "cgroup.controllers")
	if _, err := os.Stat(controllersPath); err != nil {
		return fmt.Errorf("cgroup root not valid at %s: %w", root, err)
	}

	return nil
}
