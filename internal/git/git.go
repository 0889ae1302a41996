// Package git wraps the git CLI for worktree isolation and change detection.
//
// Workers run agents inside per-task worktrees on agent/<role>/<task> branches
// so concurrent tasks never touch the main checkout. All operations shell out
// to git through a CommandRunner, which tests replace with a mock.
package git

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// BranchPrefix is the namespace for worker branches.
const BranchPrefix = "agent"

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeID sanitizes a task ID for use in branch names and directory names.
func SafeID(id string) string {
	s := unsafeIDChars.ReplaceAllString(id, "-")
	return strings.Trim(s, "-")
}

// BranchName returns the worker branch for a (role, task) pair.
func BranchName(role, taskID string) string {
	return fmt.Sprintf("%s/%s/%s", BranchPrefix, role, SafeID(taskID))
}

// Git provides git operations rooted at a repository path.
type Git struct {
	repoPath string
	runner   CommandRunner

	// mu serializes compound worktree operations (create + prune + retry)
	// so concurrent workers do not interleave pruning.
	mu sync.Mutex
}

// New creates a Git instance for the repository at repoPath.
func New(repoPath string) *Git {
	return NewWithRunner(repoPath, NewExecRunner())
}

// NewWithRunner creates a Git instance with a custom command runner.
func NewWithRunner(repoPath string, runner CommandRunner) *Git {
	return &Git{repoPath: repoPath, runner: runner}
}

// RepoPath returns the repository root this instance operates on.
func (g *Git) RepoPath() string {
	return g.repoPath
}

// run executes git in the repository root.
func (g *Git) run(args ...string) (string, error) {
	return g.runner.Run(g.repoPath, "git", args...)
}

// runIn executes git in an arbitrary directory (worktree operations).
func (g *Git) runIn(dir string, args ...string) (string, error) {
	return g.runner.Run(dir, "git", args...)
}

// IsRepo reports whether repoPath is inside a git work tree.
func (g *Git) IsRepo() bool {
	out, err := g.run("rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// IsRepoAt reports whether dir is inside a git work tree.
func (g *Git) IsRepoAt(dir string) bool {
	out, err := g.runIn(dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// HeadCommit returns the current HEAD SHA of the repository.
func (g *Git) HeadCommit() (string, error) {
	sha, err := g.run("rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return sha, nil
}

// HeadCommitAt returns the HEAD SHA of the work tree at dir.
func (g *Git) HeadCommitAt(dir string) (string, error) {
	sha, err := g.runIn(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve HEAD at %s: %w", dir, err)
	}
	return sha, nil
}

// BranchExists reports whether a local branch exists.
func (g *Git) BranchExists(branch string) bool {
	_, err := g.run("show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// PruneWorktrees removes stale worktree registrations. Stale entries occur
// when a worktree directory is deleted without `git worktree remove`.
func (g *Git) PruneWorktrees() error {
	if _, err := g.run("worktree", "prune"); err != nil {
		return fmt.Errorf("prune worktrees: %w", err)
	}
	return nil
}

// AttachWorktree creates or reattaches a worktree at path for a
// (role, task) pair. Stale registrations are pruned before attaching.
// If the branch already exists the worktree attaches to it; otherwise the
// branch is created from the current HEAD.
func (g *Git) AttachWorktree(role, taskID, path string) (branch string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	branch = BranchName(role, taskID)

	// Clear stale registrations first; a previously deleted workspace
	// directory otherwise blocks the add below.
	_, _ = g.run("worktree", "prune")

	if g.BranchExists(branch) {
		if _, err := g.run("worktree", "add", path, branch); err != nil {
			return "", fmt.Errorf("attach worktree %s: %w", branch, err)
		}
		return branch, nil
	}

	if _, err := g.run("worktree", "add", "-b", branch, path, "HEAD"); err != nil {
		// Race: branch may have appeared between the check and the add.
		if _, retryErr := g.run("worktree", "add", path, branch); retryErr != nil {
			return "", fmt.Errorf("create worktree %s: %w", branch, err)
		}
	}
	return branch, nil
}

// RemoveWorktree detaches and deletes the worktree at path.
func (g *Git) RemoveWorktree(path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.run("worktree", "remove", "--force", path); err != nil {
		// Fall back to prune for already-deleted directories.
		if _, pruneErr := g.run("worktree", "prune"); pruneErr != nil {
			return fmt.Errorf("remove worktree %s: %w", path, err)
		}
	}
	return nil
}

// CommittedChanges returns files changed between baseline and HEAD in the
// work tree at dir.
func (g *Git) CommittedChanges(dir, baseline string) ([]string, error) {
	out, err := g.runIn(dir, "diff", "--name-only", baseline, "HEAD")
	if err != nil {
		return nil, fmt.Errorf("diff %s..HEAD: %w", baseline, err)
	}
	return splitLines(out), nil
}

// UntrackedFiles returns untracked, non-ignored files in the work tree at dir.
func (g *Git) UntrackedFiles(dir string) ([]string, error) {
	out, err := g.runIn(dir, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, fmt.Errorf("list untracked: %w", err)
	}
	return splitLines(out), nil
}

// WorktreeMarker returns the path of the file/dir git uses to mark a
// worktree. Validated after worktree creation.
func WorktreeMarker(path string) string {
	return filepath.Join(path, ".git")
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
