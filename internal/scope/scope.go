// Package scope maps a scope name to the state root directory that holds the
// lock record and queue for that scope.
//
// Two scopes exist. The repo scope serializes work inside one repository
// checkout and keeps its state under the repository's .git directory. The
// machine scope serializes work across every checkout on the host. An explicit
// state root override wins over both, which is how tests isolate themselves.
package scope

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Iron-Ham/testlock/internal/errors"
)

// Scope names.
const (
	Repo    = "repo"
	Machine = "machine"
)

const (
	// stateDirName is the state root's name under a repository's .git directory.
	stateDirName = "testlock"
	// hiddenStateDirName is used at the repository root when .git is a file.
	hiddenStateDirName = ".testlock"
	// machineDirName is the machine state root's name under the temp directory.
	machineDirName = "testlock-machine"
)

// Options controls resolution. Zero values fall back to defaults.
type Options struct {
	// Scope is Repo or Machine. Empty means Repo.
	Scope string
	// StateRoot, when set, is used verbatim and skips scope lookup entirely.
	StateRoot string
	// MachineRoot overrides the machine scope location.
	MachineRoot string
	// WorkDir is where repo lookup starts. Empty means the process working directory.
	WorkDir string
}

// Resolution is a resolved scope.
type Resolution struct {
	Scope string
	// Root is the repository root for the repo scope, empty otherwise.
	Root      string
	StateRoot string
}

// Valid reports whether name is a known scope.
func Valid(name string) bool {
	return name == Repo || name == Machine
}

// Resolve maps opts to a state root. It never touches the filesystem beyond
// stat calls, so repeated calls with equal options return equal results.
func Resolve(opts Options) (*Resolution, error) {
	name := opts.Scope
	if name == "" {
		name = Repo
	}
	if !Valid(name) {
		return nil, errors.NewScopeError(fmt.Sprintf("unknown scope %q (want %s or %s)", name, Repo, Machine), errors.ErrInvalidScope).
			WithScope(name)
	}

	if opts.StateRoot != "" {
		root, err := filepath.Abs(opts.StateRoot)
		if err != nil {
			return nil, errors.Wrap(err, "failed to resolve state root")
		}
		return &Resolution{Scope: name, StateRoot: filepath.Clean(root)}, nil
	}

	switch name {
	case Machine:
		return resolveMachine(opts.MachineRoot)
	default:
		return resolveRepo(opts.WorkDir)
	}
}

func resolveMachine(override string) (*Resolution, error) {
	root := override
	if root == "" {
		root = filepath.Join(os.TempDir(), machineDirName)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve machine root")
	}
	return &Resolution{Scope: Machine, StateRoot: filepath.Clean(abs)}, nil
}

func resolveRepo(workDir string) (*Resolution, error) {
	start := workDir
	if start == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get working directory")
		}
		start = wd
	}
	start, err := filepath.Abs(start)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve working directory")
	}

	repoRoot, err := FindRepoRoot(start)
	if err != nil {
		return nil, errors.NewScopeError("cannot resolve repo scope", err).
			WithScope(Repo).
			WithDir(start)
	}

	// A .git file means a linked worktree or submodule; keep state beside it
	// instead of following the gitdir pointer.
	stateRoot := filepath.Join(repoRoot, hiddenStateDirName)
	if info, err := os.Stat(filepath.Join(repoRoot, ".git")); err == nil && info.IsDir() {
		stateRoot = filepath.Join(repoRoot, ".git", stateDirName)
	}

	return &Resolution{Scope: Repo, Root: repoRoot, StateRoot: stateRoot}, nil
}

// FindRepoRoot walks up from startDir to find the repository root.
// Returns the directory containing .git, or ErrNoRepoRoot if none is found.
func FindRepoRoot(startDir string) (string, error) {
	dir := filepath.Clean(startDir)
	for {
		gitPath := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitPath); err == nil {
			// .git can be a directory (normal repo) or a file (worktree)
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.ErrNoRepoRoot
		}
		dir = parent
	}
}
