package protocol

// Directory and path constants used throughout kiln.
const (
	// WorktreesDir is the directory, relative to the repository root, where
	// git worktrees for issues and pull requests are created.
	WorktreesDir = ".worktrees"

	// KilnDir is the project-local state directory (e.g., <repo>/.kiln).
	KilnDir = ".kiln"

	// JobsDir is the directory under KilnDir holding one directory per
	// background job.
	JobsDir = "jobs"

	// StateDBName is the SQLite state database file name under KilnDir.
	StateDBName = "state.db"

	// LogFileName is the daemon log file name under KilnDir.
	LogFileName = "kiln.log"

	// BranchPrefix prefixes the branches kiln creates for worktrees. It is
	// stripped from branch names before slug parsing.
	BranchPrefix = "kiln/"
)
