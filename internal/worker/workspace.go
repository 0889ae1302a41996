package worker

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/randalmurphal/hive/internal/git"
)

// Workspace modes.
const (
	ModeFresh = "fresh"
	ModeRepo  = "repo"
)

// Workspace describes the isolated directory a worker executes in.
type Workspace struct {
	Path string
	Mode string

	// Branch and BaselineSHA are set in repo mode only. BaselineSHA is
	// the HEAD at workspace attach, used later for committed-change
	// detection.
	Branch      string
	BaselineSHA string
}

// setupWorkspace prepares the workspace for one (role, task, phase).
//
// fresh mode keeps a scratch directory per (role, task): the apply phase
// purges and recreates it, later phases reuse its contents so apply
// artifacts stay visible.
//
// repo mode attaches a git worktree on branch agent/<role>/<task> and
// captures the baseline HEAD.
func (w *Worker) setupWorkspace() (*Workspace, error) {
	safeID := git.SafeID(w.cfg.TaskID)
	path := w.cfg.Workspace
	if path == "" {
		path = filepath.Join(w.appCfg.WorkspacesRoot(), w.cfg.Role, safeID)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace path: %w", err)
	}

	ws := &Workspace{Path: abs, Mode: w.cfg.Mode}

	switch w.cfg.Mode {
	case ModeFresh:
		if w.cfg.Phase == "apply" {
			if err := os.RemoveAll(abs); err != nil {
				return nil, fmt.Errorf("purge workspace: %w", err)
			}
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace: %w", err)
		}

	case ModeRepo:
		if _, err := os.Stat(git.WorktreeMarker(abs)); err == nil {
			// Reattached workspace from an earlier phase.
			ws.Branch = git.BranchName(w.cfg.Role, w.cfg.TaskID)
		} else {
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				return nil, fmt.Errorf("create workspaces dir: %w", err)
			}
			branch, err := w.git.AttachWorktree(w.cfg.Role, w.cfg.TaskID, abs)
			if err != nil {
				return nil, err
			}
			ws.Branch = branch
		}

		if _, err := os.Stat(git.WorktreeMarker(abs)); err != nil {
			return nil, fmt.Errorf("worktree marker missing at %s: %w", abs, err)
		}

		baseline, err := w.git.HeadCommitAt(abs)
		if err != nil {
			return nil, err
		}
		ws.BaselineSHA = baseline

	default:
		return nil, fmt.Errorf("unknown workspace mode %q", w.cfg.Mode)
	}

	return ws, nil
}

// preflight validates workspace isolation before the agent launches.
// Failures are fatal in debug mode and logged otherwise.
func (w *Worker) preflight(ws *Workspace) error {
	var problems []string

	cwd, err := os.Getwd()
	if err == nil {
		resolvedCwd, _ := filepath.EvalSymlinks(cwd)
		resolvedWs, _ := filepath.EvalSymlinks(ws.Path)
		if resolvedCwd != resolvedWs && cwd != ws.Path {
			// The agent child gets cwd=workspace regardless; a mismatched
			// worker cwd still signals a containment bug.
			problems = append(problems,
				fmt.Sprintf("working directory %s is not the workspace %s", cwd, ws.Path))
		}
	}

	if ws.Mode == ModeRepo && !w.git.IsRepoAt(ws.Path) {
		problems = append(problems,
			fmt.Sprintf("no git repository at workspace %s", ws.Path))
	}

	if len(problems) == 0 {
		return nil
	}
	for _, p := range problems {
		w.log.Warn("workspace pre-flight check failed", slog.String("problem", p))
	}
	if w.appCfg.Worker.Debug {
		return fmt.Errorf("pre-flight checks failed: %s", problems[0])
	}
	return nil
}

// childEnv builds the agent's environment: the parent env plus workspace
// containment variables.
func childEnv(workspacePath, projectRoot string) []string {
	env := os.Environ()
	env = append(env,
		"CLAUDE_PROJECT_ROOT="+projectRoot,
		"CLAUDE_WORKSPACE_ROOT="+workspacePath,
		"WORKSPACE="+workspacePath,
		"PWD="+workspacePath,
		// Prevent parent-repo discovery from inside the workspace.
		"GIT_CEILING_DIRECTORIES="+workspacePath,
		"PYTHONUNBUFFERED=1",
	)
	return env
}
