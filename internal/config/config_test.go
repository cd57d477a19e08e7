package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nixpig/clamworker/internal/config"
	"github.com/nixpig/clamworker/internal/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "clam.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	return path
}

const minimal = `
root: /srv/clam
command: run.sh $INPUTDIRECTORY
profiles:
  - id: main
    input:
      - id: in
        format: any
`

func TestLoad(t *testing.T) {
	t.Run("Test full config", func(t *testing.T) {
		cfg, err := config.Load("testdata/clam.yaml", "")
		require.NoError(t, err)

		assert.Equal(t, "textstats", cfg.SystemID)
		assert.Equal(t, "Text Statistics", cfg.SystemName)
		assert.Equal(t, 500*time.Millisecond, cfg.AbortPollInterval)
		assert.Equal(t, uint64(512), cfg.Admission.MinMemoryMB)
		assert.Equal(t, 8.0, cfg.Admission.MaxLoadAvg)
		assert.Equal(t, "/srv", cfg.Admission.Disk)
		assert.Equal(t, int64(200), cfg.Dispatcher.Limits.CPUMaxPercent)

		require.Len(t, cfg.Profiles, 1)
		require.Len(t, cfg.Profiles[0].Inputs, 2)
		assert.Equal(t, "utf-8", cfg.Profiles[0].Inputs[0].Attributes["encoding"].Fixed)
		assert.True(t, cfg.Profiles[0].Inputs[1].Unique)
		assert.Equal(t, "freqlist", cfg.Profiles[0].Outputs[1].Condition.Parameter)

		require.Len(t, cfg.Parameters, 2)
		assert.Equal(t, profile.ParameterChoice, cfg.Parameters[0].Type)

		action, ok := cfg.Action("wordcount")
		require.True(t, ok)
		assert.Equal(t, []int{2}, action.ReturnCodes404)

		_, ok = cfg.Action("missing")
		assert.False(t, ok)

		dc := cfg.DispatchConfig()
		assert.Equal(t, "/usr/local/bin/clamdispatcher", dc.Binary)
		assert.Equal(t, "textstats", dc.SettingsID)
		assert.Equal(t, "/opt/textstats/lib", dc.LibPath)
	})

	t.Run("Test defaults", func(t *testing.T) {
		cfg, err := config.Load(writeConfig(t, minimal), "")
		require.NoError(t, err)

		assert.Equal(t, "clam", cfg.SystemID)
		assert.Equal(t, "clamdispatcher", cfg.Dispatcher.Binary)
		assert.True(t, cfg.Dispatcher.Limits.IsZero())
	})

	t.Run("Test environment overrides", func(t *testing.T) {
		t.Setenv("CLAM_ROOT", "/data/clam")
		t.Setenv("CLAM_MAXLOADAVG", "2.5")

		envFile := filepath.Join(t.TempDir(), ".env")
		require.NoError(t, os.WriteFile(envFile, []byte("CLAM_REMOTE_HOST=compute1\nCLAM_REQUIREMEMORY=64\n"), 0o644))
		t.Cleanup(func() {
			os.Unsetenv("CLAM_REMOTE_HOST")
			os.Unsetenv("CLAM_REQUIREMEMORY")
		})

		cfg, err := config.Load(writeConfig(t, minimal), envFile)
		require.NoError(t, err)

		assert.Equal(t, "/data/clam", cfg.Root)
		assert.Equal(t, 2.5, cfg.Admission.MaxLoadAvg)
		assert.Equal(t, "compute1", cfg.Dispatcher.RemoteHost)
		assert.Equal(t, uint64(64), cfg.Admission.MinMemoryMB)
	})

	t.Run("Test missing env file ignored", func(t *testing.T) {
		_, err := config.Load(writeConfig(t, minimal), filepath.Join(t.TempDir(), ".env"))
		assert.NoError(t, err)
	})

	t.Run("Test invalid environment value", func(t *testing.T) {
		t.Setenv("CLAM_MINDISKSPACE", "lots")

		_, err := config.Load(writeConfig(t, minimal), "")
		assert.Error(t, err)
	})

	t.Run("Test missing file", func(t *testing.T) {
		_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("Test unknown field", func(t *testing.T) {
		_, err := config.Load(writeConfig(t, minimal+"bogus: 1\n"), "")
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()

	scenarios := map[string]string{
		"Test missing root": `
command: run.sh
profiles: [{id: main}]
`,
		"Test missing command": `
root: /srv
profiles: [{id: main}]
`,
		"Test unbalanced quotes in command": `
root: /srv
command: run.sh "unterminated
profiles: [{id: main}]
`,
		"Test no profiles": `
root: /srv
command: run.sh
`,
		"Test remote user without host": `
root: /srv
command: run.sh
dispatcher: {remote_user: bob}
profiles: [{id: main}]
`,
		"Test duplicate parameter": `
root: /srv
command: run.sh
parameters: [{id: a, type: string}, {id: a, type: string}]
profiles: [{id: main}]
`,
		"Test converter with command and charset": `
root: /srv
command: run.sh
converters: [{id: c, command: iconv, charset: latin1}]
profiles: [{id: main}]
`,
		"Test action without command": `
root: /srv
command: run.sh
actions: [{id: a}]
profiles: [{id: main}]
`,
	}

	for scenario, data := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			_, err := config.Load(writeConfig(t, data), "")
			assert.Error(t, err)
		})
	}
}

func TestBuilders(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("testdata/clam.yaml", "")
	require.NoError(t, err)

	catalog, err := cfg.Catalog()
	require.NoError(t, err)

	tmpl, err := catalog.InputTemplate("lexicon")
	require.NoError(t, err)
	assert.Equal(t, "lexicon.txt", tmpl.Filename)

	registry, err := cfg.Registry()
	require.NoError(t, err)

	_, err = registry.Validator("tei")
	assert.NoError(t, err)

	_, err = registry.Converter("latin1")
	assert.NoError(t, err)

	_, err = registry.Converter("docx")
	assert.NoError(t, err)

	_, err = registry.Converter("missing")
	assert.ErrorIs(t, err, profile.ErrUnknownConverter)
}
