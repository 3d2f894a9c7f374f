package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"kiln/pkg/config"
	"kiln/pkg/github"
	"kiln/pkg/jobs"
	"kiln/pkg/shell"
	"kiln/pkg/state"
	"kiln/pkg/worktree"
)

// app is the per-invocation context shared by subcommands: resolved paths
// and the loaded configuration.
type app struct {
	paths *Paths
	cfg   config.Config
}

// loadApp resolves paths for the --project flag and loads the config.
// Config problems are logged, never fatal.
func loadApp(cmd *cobra.Command) (*app, error) {
	paths, err := ResolvePaths(projectFlag(cmd))
	if err != nil {
		return nil, fmt.Errorf("resolve paths: %w", err)
	}
	cfg, warnings := config.Load(config.Find(paths.KilnDir))
	for _, w := range warnings {
		slog.Warn(w)
	}
	return &app{paths: paths, cfg: cfg}, nil
}

func (a *app) cmdRunner() *shell.ExecCommandRunner {
	return &shell.ExecCommandRunner{Dir: a.paths.Project}
}

// repository returns the configured owner/name, asking gh when unset.
func (a *app) repository(ctx context.Context) (string, error) {
	if a.cfg.Repository != "" {
		return a.cfg.Repository, nil
	}
	repo, err := github.NewClient(a.cmdRunner(), "").ResolveRepository(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve repository (set repository in config): %w", err)
	}
	a.cfg.Repository = repo
	return repo, nil
}

func (a *app) openStore(ctx context.Context) (*state.Store, error) {
	repo, err := a.repository(ctx)
	if err != nil {
		return nil, err
	}
	store, err := state.Open(ctx, a.paths.StateDB, repo)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	return store, nil
}

func (a *app) ghClient(ctx context.Context) (*github.Client, error) {
	repo, err := a.repository(ctx)
	if err != nil {
		return nil, err
	}
	return github.NewClient(a.cmdRunner(), repo), nil
}

func (a *app) worktrees() *worktree.Manager {
	return worktree.NewManager(a.paths.Project, a.cmdRunner())
}

// jobRunner returns the background runner. Children re-execute this binary
// as `kiln --project <root> job-run <id>`.
func (a *app) jobRunner() *jobs.Runner {
	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}
	project := a.paths.Project
	return jobs.New(a.paths.JobsDir, jobs.WithCommandFactory(func(id string) *exec.Cmd {
		//nolint:gosec // re-executing ourselves
		return exec.CommandContext(context.Background(), self, "--project", project, "job-run", id)
	}))
}
