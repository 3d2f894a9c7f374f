package main

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"kiln/pkg/state"
	"kiln/pkg/watch"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

// lastRun reads a maintenance timestamp from the project's state database.
func lastRun(t *testing.T, project, name string) bool {
	t.Helper()
	paths, err := ResolvePaths(project)
	if err != nil {
		t.Fatal(err)
	}
	store, err := state.Open(context.Background(), paths.StateDB, "acme/widgets")
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	defer store.Close()
	at, err := store.LastRun(context.Background(), name)
	if err != nil {
		t.Fatalf("LastRun: %v", err)
	}
	return at != nil
}

func TestReconcile_Disabled(t *testing.T) {
	project, home := setupProject(t)
	writeConfig(t, home, "repository: acme/widgets\nreconciliation:\n  enabled: false\n")

	out, errOut, err := executeCommand("--project", project, "reconcile")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !contains(errOut, "disabled") || !contains(out, "resumed=0 reconciled=0 cleaned=0 skipped=0") {
		t.Fatalf("stdout=%q stderr=%q", out, errOut)
	}
	if lastRun(t, project, watch.ReconcileJob) {
		t.Fatal("disabled reconciliation must not record a run")
	}
}

func TestCleanup_DisabledNeedsForce(t *testing.T) {
	project, home := setupProject(t)
	writeConfig(t, home, "repository: acme/widgets\ncleanup:\n  enabled: false\n")

	out, errOut, err := executeCommand("--project", project, "cleanup")
	if err != nil || out != "" || !contains(errOut, "--force") {
		t.Fatalf("disabled cleanup: %v stdout=%q stderr=%q", err, out, errOut)
	}

	// Not a git repository: listing fails, which is reported, not returned.
	out, _, err = executeCommand("--project", project, "cleanup", "--force")
	if err != nil {
		t.Fatalf("cleanup --force: %v", err)
	}
	if !contains(out, "cleaned=0") || !contains(out, "errors=1") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if lastRun(t, project, watch.CleanupJob) {
		t.Fatal("forced cleanup must not move the daemon's schedule")
	}
}

func TestCleanup_EnabledRecordsRun(t *testing.T) {
	project, home := setupProject(t)
	writeConfig(t, home, "repository: acme/widgets\ncleanup:\n  enabled: true\n")

	if _, _, err := executeCommand("--project", project, "cleanup"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if !lastRun(t, project, watch.CleanupJob) {
		t.Fatal("enabled cleanup should record its run")
	}
}

func TestWatch_RefusesSecondInstance(t *testing.T) {
	project, home := setupProject(t)

	owner := exec.Command("sleep", "30")
	if err := owner.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	t.Cleanup(func() {
		_ = owner.Process.Kill()
		_ = owner.Wait()
	})
	if err := WritePIDFile(filepath.Join(home, "kiln.pid"), owner.Process.Pid); err != nil {
		t.Fatal(err)
	}

	_, _, err := executeCommand("--project", project, "watch", "--once", "--log-stderr")
	if !errors.Is(err, ErrDaemonRunning) {
		t.Fatalf("err = %v, want ErrDaemonRunning", err)
	}
}
