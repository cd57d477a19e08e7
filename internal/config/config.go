// Package config loads the service configuration from a YAML file, with
// overrides from the environment and an optional .env file. A Config is
// built once at startup and not modified afterwards.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/google/shlex"
	"github.com/joho/godotenv"
	"github.com/nixpig/clamworker/internal/admission"
	"github.com/nixpig/clamworker/internal/dispatch"
	"github.com/nixpig/clamworker/internal/dispatch/cgroups"
	"github.com/nixpig/clamworker/internal/profile"
	"gopkg.in/yaml.v3"
)

const envPrefix = "CLAM_"

type Config struct {
	SystemID   string `yaml:"system_id"`
	SystemName string `yaml:"system_name"`

	// Root holds the projects and corpora directories.
	Root string `yaml:"root"`

	// Command is the job command template.
	Command string `yaml:"command"`

	// Secret signs project access tokens.
	Secret string `yaml:"secret"`

	AbortPollInterval time.Duration `yaml:"abort_poll_interval"`

	Dispatcher DispatcherConfig     `yaml:"dispatcher"`
	Admission  admission.Thresholds `yaml:"admission"`
	Archive    ArchiveConfig        `yaml:"archive"`

	Parameters []profile.Parameter `yaml:"parameters"`
	Profiles   []profile.Profile   `yaml:"profiles"`
	Validators []ValidatorConfig   `yaml:"validators"`
	Converters []ConverterConfig   `yaml:"converters"`
	Actions    []dispatch.Action   `yaml:"actions"`
}

type DispatcherConfig struct {
	Binary     string                  `yaml:"binary"`
	LibPath    string                  `yaml:"libpath"`
	RemoteHost string                  `yaml:"remote_host"`
	RemoteUser string                  `yaml:"remote_user"`
	CgroupRoot string                  `yaml:"cgroup_root"`
	Limits     *cgroups.ResourceLimits `yaml:"limits"`
}

type ArchiveConfig struct {
	ZipPath string `yaml:"zip"`
	TarPath string `yaml:"tar"`
}

// ValidatorConfig registers an external command as the validator of a
// format.
type ValidatorConfig struct {
	Format  string `yaml:"format"`
	Command string `yaml:"command"`
}

// ConverterConfig declares a converter: either an external Command or a
// Charset to transcode from.
type ConverterConfig struct {
	ID      string `yaml:"id"`
	Label   string `yaml:"label"`
	Command string `yaml:"command"`
	Charset string `yaml:"charset"`
}

// Load reads the YAML file at path, then applies CLAM_* variables from the
// environment. When envFile is set it is loaded into the environment first;
// a missing envFile is not an error.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Parse decodes data without consulting the environment or validating.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		SystemID:   "clam",
		SystemName: "CLAM",
		Dispatcher: DispatcherConfig{Binary: "clamdispatcher"},
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"ROOT":        &c.Root,
		"COMMAND":     &c.Command,
		"SECRET":      &c.Secret,
		"DISPATCHER":  &c.Dispatcher.Binary,
		"LIBPATH":     &c.Dispatcher.LibPath,
		"REMOTE_HOST": &c.Dispatcher.RemoteHost,
		"REMOTE_USER": &c.Dispatcher.RemoteUser,
		"DISK":        &c.Admission.Disk,
	}

	for key, dst := range strs {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv(envPrefix + "REQUIREMEMORY"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sREQUIREMEMORY: %w", envPrefix, err)
		}

		c.Admission.MinMemoryMB = n
	}

	if v, ok := os.LookupEnv(envPrefix + "MAXLOADAVG"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sMAXLOADAVG: %w", envPrefix, err)
		}

		c.Admission.MaxLoadAvg = f
	}

	if v, ok := os.LookupEnv(envPrefix + "MINDISKSPACE"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sMINDISKSPACE: %w", envPrefix, err)
		}

		c.Admission.MinDiskMB = n
	}

	return nil
}

func (c *Config) validate() error {
	if c.SystemID == "" {
		return errors.New("system_id cannot be empty")
	}

	if c.Root == "" {
		return errors.New("root cannot be empty")
	}

	if c.Command == "" {
		return errors.New("command cannot be empty")
	}

	if words, err := shlex.Split(c.Command); err != nil {
		return fmt.Errorf("split command: %w", err)
	} else if len(words) == 0 {
		return errors.New("command cannot be empty")
	}

	if c.Dispatcher.Binary == "" {
		return errors.New("dispatcher binary cannot be empty")
	}

	if c.Dispatcher.RemoteUser != "" && c.Dispatcher.RemoteHost == "" {
		return errors.New("remote_user requires remote_host")
	}

	if len(c.Profiles) == 0 {
		return errors.New("at least one profile is required")
	}

	if c.AbortPollInterval < 0 {
		return errors.New("abort_poll_interval cannot be negative")
	}

	if err := uniqueIDs("parameter", c.Parameters, func(p profile.Parameter) string { return p.ID }); err != nil {
		return err
	}

	if err := uniqueIDs("converter", c.Converters, func(cc ConverterConfig) string { return cc.ID }); err != nil {
		return err
	}

	if err := uniqueIDs("action", c.Actions, func(a dispatch.Action) string { return a.ID }); err != nil {
		return err
	}

	for _, cc := range c.Converters {
		if (cc.Command == "") == (cc.Charset == "") {
			return fmt.Errorf("converter %q: exactly one of command and charset is required", cc.ID)
		}
	}

	for _, vc := range c.Validators {
		if vc.Format == "" || vc.Command == "" {
			return errors.New("validator needs both format and command")
		}
	}

	for _, a := range c.Actions {
		if a.Command == "" {
			return fmt.Errorf("action %q: command cannot be empty", a.ID)
		}
	}

	return nil
}

func uniqueIDs[T any](kind string, items []T, id func(T) string) error {
	seen := make(map[string]bool, len(items))

	for _, item := range items {
		v := id(item)

		if v == "" {
			return fmt.Errorf("%s without id", kind)
		}

		if seen[v] {
			return fmt.Errorf("duplicate %s %q", kind, v)
		}

		seen[v] = true
	}

	return nil
}

// Catalog builds the profile catalog.
func (c *Config) Catalog() (*profile.Catalog, error) {
	return profile.NewCatalog(c.Profiles)
}

// Registry builds the built-in registry extended with the configured
// validators and converters.
func (c *Config) Registry() (*profile.Registry, error) {
	r := profile.NewRegistry()

	for _, vc := range c.Validators {
		v, err := profile.NewCommandValidator(vc.Command)
		if err != nil {
			return nil, fmt.Errorf("validator %q: %w", vc.Format, err)
		}

		r.RegisterValidator(vc.Format, v)
	}

	for _, cc := range c.Converters {
		var (
			conv profile.Converter
			err  error
		)

		if cc.Charset != "" {
			conv, err = profile.NewCharsetConverter(cc.Charset)
		} else {
			conv, err = profile.NewCommandConverter(cc.Command)
		}

		if err != nil {
			return nil, fmt.Errorf("converter %q: %w", cc.ID, err)
		}

		r.RegisterConverter(cc.ID, conv)
	}

	return r, nil
}

// DispatchConfig returns the dispatcher settings. The system id is passed
// to the helper as the settings id.
func (c *Config) DispatchConfig() dispatch.Config {
	return dispatch.Config{
		Binary:     c.Dispatcher.Binary,
		LibPath:    c.Dispatcher.LibPath,
		SettingsID: c.SystemID,
		RemoteHost: c.Dispatcher.RemoteHost,
		RemoteUser: c.Dispatcher.RemoteUser,
		Limits:     c.Dispatcher.Limits,
		CgroupRoot: c.Dispatcher.CgroupRoot,
	}
}

// Action returns the action with the given id.
func (c *Config) Action(id string) (*dispatch.Action, bool) {
	for i := range c.Actions {
		if c.Actions[i].ID == id {
			return &c.Actions[i], true
		}
	}

	return nil, false
}
