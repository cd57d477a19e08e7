package dispatch_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nixpig/clamworker/internal/dispatch"
	"github.com/nixpig/clamworker/internal/dispatch/cgroups"
	"github.com/nixpig/clamworker/internal/profile"
	"github.com/nixpig/clamworker/internal/project"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHelper mimics the helper protocol: run the command in the project
// directory and record its exit status in .done.
const fakeHelper = `#!/bin/sh
dir="$3"
shift 3
if [ "$dir" = NONE ]; then
	exec /bin/sh -c "$*"
fi
cd "$dir" || exit 1
/bin/sh -c "$*"
echo $? > "$dir/.done"
`

func writeFakeHelper(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "clamdispatcher")
	require.NoError(t, os.WriteFile(path, []byte(fakeHelper), 0o755))

	return path
}

func newTestProject(t *testing.T) *project.Project {
	t.Helper()

	store, err := project.NewStore(t.TempDir())
	require.NoError(t, err)

	p, err := store.Create("alice", "proj1")
	require.NoError(t, err)

	return p
}

// abortWhenRunning writes .abort as soon as the helper has recorded a pid.
func abortWhenRunning(p *project.Project) {
	go func() {
		for {
			if _, err := p.PID(); err == nil {
				os.WriteFile(p.AbortFile(), nil, 0o777)
				return
			}

			time.Sleep(10 * time.Millisecond)
		}
	}()
}

func TestBuildCommand(t *testing.T) {
	t.Parallel()

	vars := dispatch.ProjectVars("/srv/clam/projects/alice/proj1")
	vars.Parameters = "-l --model small"
	vars.User = "alice"
	vars.Project = "proj1"
	vars.AccessToken = "abc123"

	scenarios := map[string]struct {
		template string
		want     string
	}{
		"Test all placeholders": {
			template: "tool $PARAMETERS $INPUTDIRECTORY $OUTPUTDIRECTORY $STATUSFILE $DATAFILE $USERNAME $PROJECT $OAUTH_ACCESS_TOKEN",
			want: "tool -l --model small /srv/clam/projects/alice/proj1/input/ " +
				"/srv/clam/projects/alice/proj1/output/ " +
				"/srv/clam/projects/alice/proj1/.status " +
				"/srv/clam/projects/alice/proj1/clam.xml alice proj1 abc123" +
				" 2> /srv/clam/projects/alice/proj1/output/error.log",
		},
		"Test existing redirection kept": {
			template: "tool $INPUTDIRECTORY 2> /dev/null",
			want:     "tool /srv/clam/projects/alice/proj1/input/ 2> /dev/null",
		},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, config.want, dispatch.BuildCommand(config.template, vars))
		})
	}
}

func TestArgv(t *testing.T) {
	t.Parallel()

	t.Run("Test local", func(t *testing.T) {
		t.Parallel()

		d := dispatch.NewDispatcher(dispatch.Config{
			Binary:     "/usr/bin/clamdispatcher",
			LibPath:    "/opt/lib",
			SettingsID: "textstats",
		}, zerolog.Nop())

		assert.Equal(t, []string{
			"/usr/bin/clamdispatcher",
			"/opt/lib",
			"textstats",
			"/srv/p",
			"echo hi",
		}, d.Argv("/srv/p", "echo hi"))
	})

	t.Run("Test remote", func(t *testing.T) {
		t.Parallel()

		d := dispatch.NewDispatcher(dispatch.Config{
			Binary:     "/usr/bin/clamdispatcher",
			LibPath:    "/opt/lib",
			SettingsID: "textstats",
			RemoteHost: "compute1",
			RemoteUser: "bob",
		}, zerolog.Nop())

		assert.Equal(t, []string{
			"ssh",
			"-o", "NumberOfPasswordPrompts=0",
			"bob@compute1",
			"/usr/bin/clamdispatcher /opt/lib textstats /srv/p 'echo hi'",
		}, d.Argv("/srv/p", "echo hi"))
	})

	t.Run("Test resource limits forwarded", func(t *testing.T) {
		t.Parallel()

		d := dispatch.NewDispatcher(dispatch.Config{
			Binary:     "/usr/bin/clamdispatcher",
			SettingsID: "textstats",
			Limits:     &cgroups.ResourceLimits{CPUMaxPercent: 50, MemoryMaxBytes: 1 << 30},
			CgroupRoot: "/sys/fs/cgroup/clam",
		}, zerolog.Nop())

		assert.Equal(t, []string{
			"/usr/bin/clamdispatcher",
			"--cpu-max-percent=50",
			"--memory-max-bytes=1073741824",
			"--cgroup-root=/sys/fs/cgroup/clam",
			"",
			"textstats",
			"/srv/p",
			"echo hi",
		}, d.Argv("/srv/p", "echo hi"))
	})
}

func TestLaunch(t *testing.T) {
	t.Parallel()

	t.Run("Test launched job completes", func(t *testing.T) {
		t.Parallel()

		p := newTestProject(t)
		d := dispatch.NewDispatcher(dispatch.Config{Binary: writeFakeHelper(t)}, zerolog.Nop())

		require.NoError(t, d.Check())

		pid, err := d.Launch(p.Dir(), "echo hello > output/out.txt")
		require.NoError(t, err)
		assert.Positive(t, pid)

		require.Eventually(t, p.Done, 5*time.Second, 10*time.Millisecond)

		data, err := os.ReadFile(filepath.Join(p.OutputDir(), "out.txt"))
		require.NoError(t, err)
		assert.Equal(t, "hello\n", string(data))
	})

	t.Run("Test spawn failure", func(t *testing.T) {
		t.Parallel()

		p := newTestProject(t)
		d := dispatch.NewDispatcher(dispatch.Config{
			Binary: filepath.Join(t.TempDir(), "missing"),
		}, zerolog.Nop())

		assert.Error(t, d.Check())

		_, err := d.Launch(p.Dir(), "true")

		var spawnErr *dispatch.SpawnError
		require.ErrorAs(t, err, &spawnErr)

		status, err := p.Status()
		require.NoError(t, err)
		assert.Equal(t, project.StateReady, status.State)
	})

	t.Run("Test empty command", func(t *testing.T) {
		t.Parallel()

		d := dispatch.NewDispatcher(dispatch.Config{Binary: "true"}, zerolog.Nop())

		_, err := d.Launch(t.TempDir(), "  ")
		assert.ErrorIs(t, err, dispatch.ErrEmptyCommand)
	})
}

func TestRunHelper(t *testing.T) {
	t.Parallel()

	t.Run("Test exit status recorded", func(t *testing.T) {
		t.Parallel()

		p := newTestProject(t)

		status, err := dispatch.RunHelper(t.Context(), dispatch.HelperConfig{
			ProjectDir: p.Dir(),
			Command:    []string{`printf '50%%\thalfway\n' >> .status;`, "exit 3"},
		}, zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, 3, status)

		s, err := p.Status()
		require.NoError(t, err)
		assert.Equal(t, project.StateDone, s.State)
		assert.Equal(t, 3, s.ExitStatus)
		assert.Equal(t, "halfway", s.Message)
		assert.Equal(t, 50, s.Completion)

		_, err = p.PID()
		assert.ErrorIs(t, err, project.ErrNotRunning)
	})

	t.Run("Test abort terminates job", func(t *testing.T) {
		t.Parallel()

		p := newTestProject(t)

		abortWhenRunning(p)

		start := time.Now()

		status, err := dispatch.RunHelper(t.Context(), dispatch.HelperConfig{
			ProjectDir:   p.Dir(),
			Command:      []string{"sleep 30"},
			PollInterval: 10 * time.Millisecond,
		}, zerolog.Nop())
		require.NoError(t, err)

		assert.Less(t, time.Since(start), 10*time.Second)
		assert.Equal(t, 128+15, status)

		s, err := p.Status()
		require.NoError(t, err)
		assert.True(t, s.Aborted)
	})

	t.Run("Test job ignoring termination is killed", func(t *testing.T) {
		t.Parallel()

		p := newTestProject(t)

		abortWhenRunning(p)

		status, err := dispatch.RunHelper(t.Context(), dispatch.HelperConfig{
			ProjectDir:   p.Dir(),
			Command:      []string{"trap '' TERM; sleep 30"},
			PollInterval: 10 * time.Millisecond,
			KillGrace:    100 * time.Millisecond,
		}, zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, 128+9, status)
	})

	t.Run("Test resource limits applied", func(t *testing.T) {
		t.Parallel()

		p := newTestProject(t)
		root := t.TempDir()

		status, err := dispatch.RunHelper(t.Context(), dispatch.HelperConfig{
			ProjectDir: p.Dir(),
			Command:    []string{"ls " + filepath.Join(root, "clamworker-alice-proj1") + " > output/cgroup.txt"},
			CgroupRoot: root,
			Limits:     &cgroups.ResourceLimits{MemoryMaxBytes: 1 << 30},
		}, zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, 0, status)

		data, err := os.ReadFile(filepath.Join(p.OutputDir(), "cgroup.txt"))
		require.NoError(t, err)

		assert.Contains(t, strings.Fields(string(data)), "memory.max")

		_, err = os.Stat(filepath.Join(root, "clamworker-alice-proj1"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("Test foreground without project", func(t *testing.T) {
		t.Parallel()

		var stdout bytes.Buffer

		status, err := dispatch.RunHelper(t.Context(), dispatch.HelperConfig{
			ProjectDir: dispatch.NoProject,
			Command:    []string{"echo", "$CLAM_SETTINGS;", "exit 4"},
			SettingsID: "textstats",
			Stdout:     &stdout,
		}, zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, 4, status)
		assert.Equal(t, "textstats\n", stdout.String())
	})

	t.Run("Test missing project", func(t *testing.T) {
		t.Parallel()

		_, err := dispatch.RunHelper(t.Context(), dispatch.HelperConfig{
			ProjectDir: filepath.Join(t.TempDir(), "gone"),
			Command:    []string{"true"},
		}, zerolog.Nop())
		assert.ErrorIs(t, err, project.ErrProjectNotFound)
	})
}

func TestRunAction(t *testing.T) {
	t.Parallel()

	d := dispatch.NewDispatcher(dispatch.Config{Binary: writeFakeHelper(t)}, zerolog.Nop())

	action := &dispatch.Action{
		ID:      "lookup",
		Command: "echo $PARAMETERS for $USERNAME; exit $(cat code 2>/dev/null || echo 0)",
		Parameters: []profile.Parameter{
			{ID: "lang", Type: profile.ParameterChoice, Flag: "--lang", Choices: []string{"en", "nl"}, Required: true},
		},
		ReturnCodes403: []int{3},
		ReturnCodes404: []int{4},
	}

	scenarios := map[string]struct {
		code    int
		outcome dispatch.Outcome
	}{
		"Test success":   {code: 0, outcome: dispatch.OutcomeOK},
		"Test forbidden": {code: 3, outcome: dispatch.OutcomeForbidden},
		"Test not found": {code: 4, outcome: dispatch.OutcomeNotFound},
		"Test failure":   {code: 5, outcome: dispatch.OutcomeFailed},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			require.NoError(t, os.WriteFile(
				filepath.Join(dir, "code"),
				[]byte(strconv.Itoa(config.code)),
				0o644,
			))

			result, err := d.RunAction(t.Context(), action, dispatch.ActionRequest{
				User:       "alice",
				Parameters: map[string]string{"lang": "nl"},
				WorkDir:    dir,
			})
			require.NoError(t, err)

			assert.Equal(t, config.outcome, result.Outcome)
			assert.Equal(t, config.code, result.ExitStatus)
			assert.Equal(t, "--lang nl for alice\n", string(result.Output))
			assert.Equal(t, "text/plain", result.MimeType)
		})
	}

	t.Run("Test invalid parameters", func(t *testing.T) {
		t.Parallel()

		_, err := d.RunAction(t.Context(), action, dispatch.ActionRequest{
			User:       "alice",
			Parameters: map[string]string{"lang": "fr"},
			WorkDir:    t.TempDir(),
		})

		var verrs profile.ValidationErrors
		assert.ErrorAs(t, err, &verrs)
	})
}
