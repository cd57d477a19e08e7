package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (*cli, string, error) {
	t.Helper()

	var out bytes.Buffer

	c := newCLI()

	cmd := c.rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(t.Context())

	return c, out.String(), err
}

func TestDispatcher(t *testing.T) {
	t.Parallel()

	t.Run("Test foreground command", func(t *testing.T) {
		t.Parallel()

		c, out, err := execute(t, "/opt/lib", "textstats", "NONE", "echo", "$CLAM_SETTINGS", "-n;", "exit 7")
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if c.status != 7 {
			t.Errorf("expected exit status: got '%d', want '7'", c.status)
		}

		if strings.TrimSpace(out) != "textstats -n" {
			t.Errorf("expected output: got '%s', want 'textstats -n'", out)
		}
	})

	t.Run("Test project command", func(t *testing.T) {
		t.Parallel()

		dir := filepath.Join(t.TempDir(), "alice", "proj1")
		if err := os.MkdirAll(filepath.Join(dir, "output"), 0o755); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		c, _, err := execute(t, "--poll-interval", "10ms", "", "textstats", dir, "echo done > output/out.txt")
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if c.status != 0 {
			t.Errorf("expected exit status: got '%d', want '0'", c.status)
		}

		done, err := os.ReadFile(filepath.Join(dir, ".done"))
		if err != nil || string(done) != "0" {
			t.Errorf("expected .done with status 0: got '%s' ('%v')", done, err)
		}

		if _, err := os.Stat(filepath.Join(dir, ".pid")); !os.IsNotExist(err) {
			t.Errorf("expected .pid to be removed: got '%v'", err)
		}
	})

	t.Run("Test size flags", func(t *testing.T) {
		t.Parallel()

		scenarios := map[string]int64{
			"1073741824": 1 << 30,
			"512MiB":     512 << 20,
			"10MB":       10_000_000,
		}

		for in, want := range scenarios {
			var b byteSize
			if err := b.Set(in); err != nil {
				t.Errorf("expected not to receive error for '%s': got '%v'", in, err)
			}

			if int64(b) != want {
				t.Errorf("expected size for '%s': got '%d', want '%d'", in, b, want)
			}
		}

		var b byteSize
		if err := b.Set("lots"); err == nil {
			t.Errorf("expected to receive error")
		}
	})

	t.Run("Test too few arguments", func(t *testing.T) {
		t.Parallel()

		if _, _, err := execute(t, "/opt/lib", "textstats", "NONE"); err == nil {
			t.Errorf("expected to receive error")
		}
	})

	t.Run("Test missing project", func(t *testing.T) {
		t.Parallel()

		if _, _, err := execute(t, "", "textstats", filepath.Join(t.TempDir(), "gone"), "true"); err == nil {
			t.Errorf("expected to receive error")
		}
	})
}
