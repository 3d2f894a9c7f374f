package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"kiln/pkg/jobs"
)

// ErrDaemonRunning is returned when another watch loop owns the PID file.
var ErrDaemonRunning = errors.New("kiln watch is already running")

// WritePIDFile writes the given PID to the specified file path.
func WritePIDFile(path string, pid int) error {
	data := []byte(strconv.Itoa(pid))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write PID file %s: %w", path, err)
	}
	return nil
}

// ReadPIDFile reads and parses the PID from the given file path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // PID file path is controlled by the application
	if err != nil {
		return 0, fmt.Errorf("read PID file %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse PID from %s: %w", path, err)
	}
	return pid, nil
}

// RemovePIDFile removes the PID file. A missing file is not an error.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove PID file %s: %w", path, err)
	}
	return nil
}

// AcquirePIDFile claims path for the current process. A stale file left by a
// dead process is replaced.
func AcquirePIDFile(path string) error {
	if pid, err := ReadPIDFile(path); err == nil && pid != os.Getpid() && jobs.IsProcessAlive(pid) {
		return fmt.Errorf("%w (pid %d)", ErrDaemonRunning, pid)
	}
	return WritePIDFile(path, os.Getpid())
}
