// Package jobs runs long harness invocations as detached background
// processes. Each job owns a directory under .kiln/jobs/<id>/ holding
// meta.json (the job's metadata) and output.log (its combined output).
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// State is the lifecycle state of a job.
type State string

// Job states. Only running is non-terminal.
const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateStopped   State = "stopped"
	StateError     State = "error"
)

// Terminal reports whether no further transitions are expected.
func (s State) Terminal() bool { return s != StateRunning }

const (
	metaFile = "meta.json"
	lockFile = "meta.json.lock"
	logFile  = "output.log"
)

// ErrJobNotFound is returned when a job id has no readable metadata.
var ErrJobNotFound = errors.New("job not found")

// Meta is the persisted metadata of one job.
type Meta struct {
	JobID      string            `json:"job_id"`
	Mode       string            `json:"mode"`
	Status     State             `json:"status"`
	PID        int               `json:"pid,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Args       map[string]string `json:"args,omitempty"`
	Result     map[string]any    `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
	Backtrace  string            `json:"backtrace,omitempty"`
}

// Info is Meta enriched for status queries.
type Info struct {
	Meta
	LogFile string `json:"log_file"`
	Alive   bool   `json:"alive"`
}

// withLock runs fn while holding an flock on the job's lock file.
func withLock(dir string, how int, fn func() error) error {
	f, err := os.OpenFile(filepath.Join(dir, lockFile), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrJobNotFound
		}
		return fmt.Errorf("open lock: %w", err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), how); err != nil {
		return fmt.Errorf("flock: %w", err)
	}
	defer func() { _ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN) }()

	return fn()
}

func readMetaFile(dir string) (*Meta, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("read meta: %w", err)
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse meta %s: %w", dir, err)
	}
	return &m, nil
}

// writeMetaFile replaces meta.json atomically: temp file, fsync, rename.
func writeMetaFile(dir string, m *Meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}

	tmp, err := os.CreateTemp(dir, metaFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp meta: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // gone after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp meta: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp meta: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp meta: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, metaFile)); err != nil {
		return fmt.Errorf("rename meta: %w", err)
	}
	return nil
}

// readMeta reads meta.json under a shared lock.
func readMeta(dir string) (*Meta, error) {
	var m *Meta
	err := withLock(dir, syscall.LOCK_SH, func() error {
		var err error
		m, err = readMetaFile(dir)
		return err
	})
	return m, err
}

// writeMeta creates or replaces meta.json under an exclusive lock.
func writeMeta(dir string, m *Meta) error {
	return withLock(dir, syscall.LOCK_EX, func() error {
		return writeMetaFile(dir, m)
	})
}

// updateMeta applies fn to the current metadata under an exclusive lock and
// persists the result. fn returning false leaves the file untouched.
func updateMeta(dir string, fn func(m *Meta) bool) (*Meta, error) {
	var out *Meta
	err := withLock(dir, syscall.LOCK_EX, func() error {
		m, err := readMetaFile(dir)
		if err != nil {
			return err
		}
		if fn(m) {
			if err := writeMetaFile(dir, m); err != nil {
				return err
			}
		}
		out = m
		return nil
	})
	return out, err
}

// finish moves a running job to a terminal state. A job that already left
// running is not overwritten.
func finish(dir string, status State, at time.Time, apply func(m *Meta)) (*Meta, error) {
	return updateMeta(dir, func(m *Meta) bool {
		if m.Status != StateRunning {
			return false
		}
		m.Status = status
		m.FinishedAt = &at
		if apply != nil {
			apply(m)
		}
		return true
	})
}
