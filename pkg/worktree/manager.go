// Package worktree manages the per-issue git worktrees under
// <repo>/.worktrees/. Worktree directory names follow the slug grammar in
// pkg/protocol, which reconciliation and cleanup rely on to recover the
// originating issue or pull request.
package worktree

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"kiln/pkg/protocol"
	"kiln/pkg/shell"
)

// Info describes one managed worktree.
type Info struct {
	Slug   string `json:"slug"`
	Branch string `json:"branch"`
	Path   string `json:"path"`
	Head   string `json:"head,omitempty"`
	// Active is true when the directory exists and git does not consider
	// the worktree prunable.
	Active bool `json:"active"`
	// Dirty is true when `git status --porcelain` reports changes.
	Dirty bool `json:"dirty"`
}

// Manager shells out to git to list, create, and remove worktrees.
type Manager struct {
	repoRoot string
	runner   shell.CommandRunner
	remote   string
}

// NewManager returns a Manager for the repository at repoRoot.
func NewManager(repoRoot string, runner shell.CommandRunner) *Manager {
	return &Manager{repoRoot: repoRoot, runner: runner, remote: "origin"}
}

// Dir returns the directory that holds managed worktrees.
func (m *Manager) Dir() string {
	return filepath.Join(m.repoRoot, protocol.WorktreesDir)
}

func (m *Manager) git(ctx context.Context, args ...string) ([]byte, error) {
	return m.runner.Run(ctx, "git", append([]string{"-C", m.repoRoot}, args...)...)
}

// List returns every worktree under Dir(), in git's order. Active worktrees
// have their Dirty flag filled in; a status failure is logged and the
// worktree reported dirty so nothing destructive happens to it.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	out, err := m.git(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("worktree list: %w", err)
	}

	entries := parsePorcelain(out)
	roots := m.managedRoots()

	var infos []Info
	for _, e := range entries {
		if !underAny(e.path, roots) {
			continue
		}
		info := Info{
			Slug:   filepath.Base(e.path),
			Branch: strings.TrimPrefix(e.branch, "refs/heads/"),
			Path:   e.path,
			Head:   e.head,
		}
		if st, statErr := os.Stat(e.path); statErr == nil && st.IsDir() && !e.prunable {
			info.Active = true
		}
		if info.Active {
			clean, cerr := m.Clean(ctx, e.path)
			if cerr != nil {
				slog.Warn("worktree: status failed, treating as dirty", "slug", info.Slug, "error", cerr)
			}
			info.Dirty = cerr != nil || !clean
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Create adds a worktree for the given issue or pull request on a new branch
// cut from base. A worktree already checked out for the same kind and number
// is returned unchanged, even when the title has since changed.
func (m *Manager) Create(ctx context.Context, kind protocol.SlugKind, number int, title, base string) (Info, error) {
	slug, err := protocol.BuildSlug(kind, number, title)
	if err != nil {
		return Info{}, fmt.Errorf("worktree create: %w", err)
	}

	if existing, err := m.FindFor(ctx, kind, number); err == nil && existing != nil {
		return *existing, nil
	}

	path := filepath.Join(m.Dir(), slug)
	branch := protocol.BranchPrefix + slug

	args := []string{"worktree", "add", path, "-b", branch, base}
	if m.branchExists(ctx, branch) {
		args = []string{"worktree", "add", path, branch}
	}
	if _, err := m.git(ctx, args...); err != nil {
		return Info{}, fmt.Errorf("worktree add %s: %w", slug, err)
	}
	return Info{Slug: slug, Branch: branch, Path: path, Active: true}, nil
}

func (m *Manager) branchExists(ctx context.Context, branch string) bool {
	_, err := m.git(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// Remove runs `git worktree remove --force` and, if deleteBranch is set,
// deletes the worktree's branch.
func (m *Manager) Remove(ctx context.Context, info Info, deleteBranch bool) error {
	if _, err := m.git(ctx, "worktree", "remove", info.Path, "--force"); err != nil {
		return fmt.Errorf("worktree remove %s: %w", info.Slug, err)
	}
	if deleteBranch && info.Branch != "" {
		if _, err := m.git(ctx, "branch", "-D", info.Branch); err != nil {
			return fmt.Errorf("delete branch %s: %w", info.Branch, err)
		}
	}
	return nil
}

// Prune clears git's bookkeeping for worktrees whose directories are gone.
func (m *Manager) Prune(ctx context.Context) error {
	if _, err := m.git(ctx, "worktree", "prune"); err != nil {
		return fmt.Errorf("worktree prune: %w", err)
	}
	return nil
}

// FindByBranch returns the worktree checked out on branch, or nil.
func (m *Manager) FindByBranch(ctx context.Context, branch string) (*Info, error) {
	branch = strings.TrimPrefix(branch, "refs/heads/")
	return m.find(ctx, func(i Info) bool { return i.Branch == branch })
}

// FindFor returns the worktree whose slug parses to kind and number, or nil.
func (m *Manager) FindFor(ctx context.Context, kind protocol.SlugKind, number int) (*Info, error) {
	return m.find(ctx, func(i Info) bool {
		ref := protocol.ParseSlug(i.Slug)
		return ref.Kind == kind && ref.Number == number
	})
}

// Info returns the worktree with the given slug, or nil.
func (m *Manager) Info(ctx context.Context, slug string) (*Info, error) {
	return m.find(ctx, func(i Info) bool { return i.Slug == slug })
}

func (m *Manager) find(ctx context.Context, match func(Info) bool) (*Info, error) {
	infos, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, i := range infos {
		if match(i) {
			return &i, nil
		}
	}
	return nil, nil
}

// Clean reports whether the worktree at path has no uncommitted changes.
func (m *Manager) Clean(ctx context.Context, path string) (bool, error) {
	out, err := m.runner.Run(ctx, "git", "-C", path, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("status %s: %w", filepath.Base(path), err)
	}
	return len(bytes.TrimSpace(out)) == 0, nil
}

// BranchMerged reports whether branch is merged into base.
func (m *Manager) BranchMerged(ctx context.Context, branch, base string) (bool, error) {
	if branch == "" {
		return false, errors.New("branch merged: empty branch")
	}
	out, err := m.git(ctx, "branch", "--merged", base, "--list", branch)
	if err != nil {
		return false, fmt.Errorf("branch --merged %s: %w", base, err)
	}
	return len(bytes.TrimSpace(out)) > 0, nil
}

// HasRemainingDiff fetches base from the remote and reports whether the
// worktree at path still differs from it, including uncommitted changes.
func (m *Manager) HasRemainingDiff(ctx context.Context, path, base string) (bool, error) {
	if _, err := m.runner.Run(ctx, "git", "-C", path, "fetch", m.remote, base); err != nil {
		return false, fmt.Errorf("fetch %s/%s: %w", m.remote, base, err)
	}
	out, err := m.runner.Run(ctx, "git", "-C", path, "diff", "--name-only", m.remote+"/"+base)
	if err != nil {
		return false, fmt.Errorf("diff %s/%s: %w", m.remote, base, err)
	}
	return len(bytes.TrimSpace(out)) > 0, nil
}

// managedRoots returns Dir() and, when it differs, its symlink-resolved form,
// since git reports resolved paths.
func (m *Manager) managedRoots() []string {
	dir := filepath.Clean(m.Dir())
	roots := []string{dir}
	if abs, err := filepath.Abs(dir); err == nil && abs != dir {
		roots = append(roots, abs)
	}
	if resolved, err := filepath.EvalSymlinks(dir); err == nil && resolved != dir {
		roots = append(roots, resolved)
	}
	return roots
}

func underAny(path string, roots []string) bool {
	path = filepath.Clean(path)
	for _, root := range roots {
		if filepath.Dir(path) == root {
			return true
		}
	}
	return false
}

type porcelainEntry struct {
	path     string
	head     string
	branch   string
	prunable bool
}

// parsePorcelain parses `git worktree list --porcelain` output: blank-line
// separated records of "key value" lines.
func parsePorcelain(out []byte) []porcelainEntry {
	var entries []porcelainEntry
	var cur *porcelainEntry

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			cur = nil
			continue
		}
		key, val, _ := strings.Cut(line, " ")
		if key == "worktree" {
			entries = append(entries, porcelainEntry{path: val})
			cur = &entries[len(entries)-1]
			continue
		}
		if cur == nil {
			continue
		}
		switch key {
		case "HEAD":
			cur.head = val
		case "branch":
			cur.branch = val
		case "prunable":
			cur.prunable = true
		}
	}
	return entries
}
