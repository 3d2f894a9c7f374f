package shell_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"kiln/pkg/shell"
)

func TestExecCommandRunner_Run_Success(t *testing.T) {
	runner := &shell.ExecCommandRunner{}

	out, err := runner.Run(context.Background(), "printf", "%s-%s", "a", "b")
	if err != nil {
		t.Fatalf("Run(printf) failed: %v", err)
	}
	if got := string(out); got != "a-b" {
		t.Errorf("Run(printf) output = %q, want %q", got, "a-b")
	}
}

func TestExecCommandRunner_Run_Dir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	runner := &shell.ExecCommandRunner{Dir: dir}

	out, err := runner.Run(context.Background(), "ls")
	if err != nil {
		t.Fatalf("Run(ls) failed: %v", err)
	}
	if !strings.Contains(string(out), "marker.txt") {
		t.Errorf("ls output should list marker.txt, got %q", out)
	}
}

func TestExecCommandRunner_Run_NonZeroExit(t *testing.T) {
	runner := &shell.ExecCommandRunner{}

	_, err := runner.Run(context.Background(), "sh", "-c", "echo 'boom' >&2; exit 3")
	if err == nil {
		t.Fatal("Run(exit 3) should fail")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error should include stderr, got: %v", err)
	}
}

func TestExecCommandRunner_Run_CommandNotFound(t *testing.T) {
	runner := &shell.ExecCommandRunner{}

	_, err := runner.Run(context.Background(), "nonexistent-command-12345")
	if err == nil {
		t.Fatal("Run(nonexistent-command) should fail")
	}
	if !strings.Contains(err.Error(), "nonexistent-command-12345") {
		t.Errorf("error should mention command name, got: %v", err)
	}
}

func TestExecCommandRunner_Run_ContextTimeout(t *testing.T) {
	runner := &shell.ExecCommandRunner{}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := runner.Run(ctx, "sleep", "10"); err == nil {
		t.Fatal("Run with timeout should fail")
	}
}

func TestExecCommandRunner_ImplementsInterface(t *testing.T) {
	var _ shell.CommandRunner = &shell.ExecCommandRunner{}
}
