package main

import (
	"fmt"
	"os"
	"path/filepath"

	"kiln/pkg/protocol"
)

// Paths holds the resolved on-disk locations for one project.
type Paths struct {
	Project string // repository root
	KilnDir string // <project>/.kiln or KILN_HOME
	StateDB string // <kiln>/state.db or KILN_DB_PATH
	JobsDir string // <kiln>/jobs
	LogFile string // <kiln>/kiln.log
	PIDFile string // <kiln>/kiln.pid
}

// ResolvePaths returns the paths for project, respecting env overrides:
//   - KILN_HOME: state directory (default: <project>/.kiln)
//   - KILN_DB_PATH: state database (default: $KILN_HOME/state.db)
//
// An empty project means the current directory.
func ResolvePaths(project string) (*Paths, error) {
	if project == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("get working dir: %w", err)
		}
		project = wd
	}
	abs, err := filepath.Abs(project)
	if err != nil {
		return nil, fmt.Errorf("resolve project %s: %w", project, err)
	}

	kilnDir := os.Getenv("KILN_HOME")
	if kilnDir == "" {
		kilnDir = filepath.Join(abs, protocol.KilnDir)
	}

	return &Paths{
		Project: abs,
		KilnDir: kilnDir,
		StateDB: resolvePathWithEnv("KILN_DB_PATH", kilnDir, protocol.StateDBName),
		JobsDir: filepath.Join(kilnDir, protocol.JobsDir),
		LogFile: filepath.Join(kilnDir, protocol.LogFileName),
		PIDFile: filepath.Join(kilnDir, "kiln.pid"),
	}, nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
