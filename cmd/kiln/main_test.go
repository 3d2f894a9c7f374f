package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// executeCommand runs the root command with the given args and returns stdout, stderr, and error.
func executeCommand(args ...string) (stdout string, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&outBuf)
	cmd.SetErr(&errBuf)
	cmd.SetArgs(args)
	err = cmd.Execute()
	return outBuf.String(), errBuf.String(), err
}

// setupProject points kiln at a temporary project whose config names the
// repository, so no command needs gh. Returns the project root and the
// state directory.
func setupProject(t *testing.T) (project, home string) {
	t.Helper()
	project = t.TempDir()
	home = filepath.Join(project, ".kiln")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := "repository: acme/widgets\nlog:\n  level: error\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("KILN_HOME", home)
	t.Setenv("KILN_CONFIG", "")
	t.Setenv("KILN_DB_PATH", "")
	return project, home
}

func TestCLICommands(t *testing.T) {
	t.Run("root --help lists subcommands", func(t *testing.T) {
		out, _, err := executeCommand("--help")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !containsAll(out, "kiln", "watch", "reconcile", "cleanup", "jobs", "state", "logs", "top") {
			t.Errorf("expected root help to list all subcommands, got:\n%s", out)
		}
		if contains(out, "job-run") {
			t.Errorf("job-run should be hidden, got:\n%s", out)
		}
	})

	t.Run("root --version prints version", func(t *testing.T) {
		out, _, err := executeCommand("--version")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !contains(out, "kiln") {
			t.Errorf("expected version output to contain 'kiln', got: %s", out)
		}
	})

	t.Run("watch --help shows flags", func(t *testing.T) {
		out, _, err := executeCommand("watch", "--help")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !containsAll(out, "--once", "--log-stderr", "--project") {
			t.Errorf("expected watch help to show flags, got:\n%s", out)
		}
	})

	t.Run("jobs --help lists subcommands", func(t *testing.T) {
		out, _, err := executeCommand("jobs", "--help")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !containsAll(out, "list", "status", "stop", "logs", "wait") {
			t.Errorf("expected jobs help to list subcommands, got:\n%s", out)
		}
	})

	t.Run("unknown command fails", func(t *testing.T) {
		if _, _, err := executeCommand("bogus"); err == nil {
			t.Fatal("expected error for unknown command")
		}
	})

	t.Run("job-run requires an id", func(t *testing.T) {
		if _, _, err := executeCommand("job-run"); err == nil {
			t.Fatal("expected error without job id")
		}
	})
}

func contains(s, substr string) bool {
	return strings.Contains(s, substr)
}

// containsAll checks that s contains all of the given substrings.
func containsAll(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
