package worker

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/hive/internal/config"
	"github.com/randalmurphal/hive/internal/db"
	hiveerrors "github.com/randalmurphal/hive/internal/errors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestWorker(t *testing.T, cfg Config) *Worker {
	t.Helper()
	appCfg := config.DefaultConfig()
	appCfg.ProjectRoot = t.TempDir()
	store := db.NewTestDB(t)
	return New(cfg, appCfg, store, nil, nil, testLogger())
}

func TestClassifyResult(t *testing.T) {
	t.Parallel()

	timeout := 600 * time.Second
	cases := []struct {
		name       string
		outcome    agentOutcome
		changes    FileChanges
		wantStatus string
		wantNote   string
	}{
		{
			name:       "completion terminator",
			outcome:    agentOutcome{ExitCode: 0, ClaudeCompleted: true},
			wantStatus: db.RunStatusSuccess,
		},
		{
			name:       "no terminator but files present",
			outcome:    agentOutcome{ExitCode: 0},
			changes:    FileChanges{Created: []string{"main.go"}},
			wantStatus: db.RunStatusSuccess,
			wantNote:   "no completion signal; files present",
		},
		{
			name:       "clean exit with nothing produced",
			outcome:    agentOutcome{ExitCode: 0},
			wantStatus: db.RunStatusFailure,
			wantNote:   "agent exited without producing output",
		},
		{
			name:       "timeout",
			outcome:    agentOutcome{ExitCode: -1, TimedOut: true},
			wantStatus: db.RunStatusTimeout,
		},
		{
			name:       "signal kill without timeout",
			outcome:    agentOutcome{ExitCode: -1},
			wantStatus: db.RunStatusFailure,
			wantNote:   "agent terminated by signal",
		},
		{
			name:       "nonzero exit",
			outcome:    agentOutcome{ExitCode: 2, ClaudeCompleted: true},
			wantStatus: db.RunStatusFailure,
			wantNote:   "agent exited with code 2",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			status, note := classifyResult(&tc.outcome, &tc.changes, timeout)
			assert.Equal(t, tc.wantStatus, status)
			if tc.wantNote != "" {
				assert.Equal(t, tc.wantNote, note)
			}
			if tc.wantStatus == db.RunStatusTimeout {
				assert.Contains(t, note, "exceeded")
			}
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	t.Parallel()

	task := &db.Task{
		Title:       "Add login endpoint",
		Description: "Expose POST /login with session cookies.",
		Payload: map[string]any{
			"acceptance_criteria": "returns 401 on bad credentials",
			"deliverables":        []any{"handler", "tests"},
		},
	}

	prompt := buildPrompt("backend", "apply", task, "prior work notes")

	assert.Contains(t, prompt, "backend engineer")
	assert.Contains(t, prompt, "## Task: Add login endpoint")
	assert.Contains(t, prompt, "session cookies")
	assert.Contains(t, prompt, "401 on bad credentials")
	assert.Contains(t, prompt, "- handler")
	assert.Contains(t, prompt, "- tests")
	assert.Contains(t, prompt, "prior work notes")
	assert.Contains(t, prompt, "## Phase: apply")
	assert.Contains(t, prompt, "Implement the task now")
}

func TestBuildPromptUnknownPhase(t *testing.T) {
	t.Parallel()

	prompt := buildPrompt("infra", "rework", &db.Task{Title: "Fix CI"}, "")
	assert.Contains(t, prompt, "## Phase: rework")
	assert.Contains(t, prompt, `"rework" phase`)
	assert.NotContains(t, prompt, "Context from earlier tasks")
}

func TestContextFromIDs(t *testing.T) {
	t.Parallel()

	task := &db.Task{Payload: map[string]any{
		"context_from": []any{"task_aaa", "", "task_bbb", 42},
	}}
	assert.Equal(t, []string{"task_aaa", "task_bbb"}, contextFromIDs(task))

	assert.Nil(t, contextFromIDs(&db.Task{}))
	assert.Nil(t, contextFromIDs(&db.Task{Payload: map[string]any{"context_from": "task_aaa"}}))
}

func TestResultFileRoundtripAndContextNotes(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, writeResultFile(root, &resultFile{
		TaskID:   "task_aaa",
		RunID:    "run_1_apply",
		Status:   "success",
		Notes:    "implemented the parser",
		Created:  []string{"parser.go"},
		Modified: []string{"go.mod"},
	}))

	// A second, newer result for the same task wins.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, writeResultFile(root, &resultFile{
		TaskID: "task_aaa",
		RunID:  "run_2_test",
		Status: "success",
		Notes:  "added parser tests",
	}))

	notes := loadContextNotes(root, []string{"task_aaa", "task_missing"})
	assert.Contains(t, notes, "### Result of task_aaa (success)")
	assert.Contains(t, notes, "added parser tests")
	assert.NotContains(t, notes, "implemented the parser")
	assert.NotContains(t, notes, "task_missing")
}

func TestChildEnv(t *testing.T) {
	t.Parallel()

	env := childEnv("/tmp/ws", "/tmp/project")
	joined := strings.Join(env, "\n")
	assert.Contains(t, joined, "CLAUDE_PROJECT_ROOT=/tmp/project")
	assert.Contains(t, joined, "CLAUDE_WORKSPACE_ROOT=/tmp/ws")
	assert.Contains(t, joined, "WORKSPACE=/tmp/ws")
	assert.Contains(t, joined, "PWD=/tmp/ws")
	assert.Contains(t, joined, "GIT_CEILING_DIRECTORIES=/tmp/ws")
	assert.Contains(t, joined, "PYTHONUNBUFFERED=1")
}

func TestAgentArgs(t *testing.T) {
	t.Parallel()

	args := agentArgs("do the thing", "/tmp/ws", "")
	assert.Equal(t, []string{
		"-p", "do the thing",
		"--output-format", "stream-json",
		"--verbose",
		"--add-dir", "/tmp/ws",
		"--dangerously-skip-permissions",
	}, args)

	withModel := agentArgs("p", "/tmp/ws", "opus")
	assert.Contains(t, withModel, "--model")
	assert.Contains(t, withModel, "opus")
}

func TestParseAgentLine(t *testing.T) {
	t.Parallel()

	var o agentOutcome
	parseAgentLine("not json", &o)
	parseAgentLine(`{"type":"system","subtype":"init"}`, &o)
	assert.False(t, o.AssistantSeen)
	assert.False(t, o.ClaudeCompleted)

	parseAgentLine(`{"type":"assistant","message":{"content":[]}}`, &o)
	assert.True(t, o.AssistantSeen)

	parseAgentLine(`{"type":"result","subtype":"error_max_turns"}`, &o)
	assert.False(t, o.ClaudeCompleted)
	parseAgentLine(`{"type":"result","subtype":"success"}`, &o)
	assert.True(t, o.ClaudeCompleted)
}

func TestSetupWorkspaceFreshLifecycle(t *testing.T) {
	t.Parallel()

	w := newTestWorker(t, Config{
		Role:   "backend",
		TaskID: "task_ws",
		Phase:  "apply",
		Mode:   ModeFresh,
	})

	ws, err := w.setupWorkspace()
	require.NoError(t, err)
	assert.Equal(t, ModeFresh, ws.Mode)
	assert.Contains(t, ws.Path, filepath.Join("backend", "task_ws"))

	// Leave an artifact, then confirm a later phase reuses it while a new
	// apply phase starts clean.
	artifact := filepath.Join(ws.Path, "out.txt")
	require.NoError(t, os.WriteFile(artifact, []byte("x"), 0o644))

	w.cfg.Phase = "test"
	ws2, err := w.setupWorkspace()
	require.NoError(t, err)
	assert.Equal(t, ws.Path, ws2.Path)
	_, err = os.Stat(artifact)
	assert.NoError(t, err)

	w.cfg.Phase = "apply"
	_, err = w.setupWorkspace()
	require.NoError(t, err)
	_, err = os.Stat(artifact)
	assert.True(t, os.IsNotExist(err))
}

func TestSetupWorkspaceSanitizesTaskID(t *testing.T) {
	t.Parallel()

	w := newTestWorker(t, Config{
		Role:   "infra",
		TaskID: "task/one two",
		Phase:  "apply",
		Mode:   ModeFresh,
	})
	ws, err := w.setupWorkspace()
	require.NoError(t, err)
	assert.Contains(t, ws.Path, filepath.Join("infra", "task-one-two"))
}

func TestSetupWorkspaceUnknownMode(t *testing.T) {
	t.Parallel()

	w := newTestWorker(t, Config{Role: "backend", TaskID: "t", Phase: "apply", Mode: "weird"})
	_, err := w.setupWorkspace()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown workspace mode")
}

func TestDetectChangesFresh(t *testing.T) {
	t.Parallel()

	w := newTestWorker(t, Config{Role: "backend", TaskID: "t", Phase: "apply", Mode: ModeFresh})
	ws, err := w.setupWorkspace()
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(ws.Path, "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws.Path, "main.go"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws.Path, "pkg", "util.go"), []byte("y"), 0o644))

	changes, err := w.detectChanges(ws)
	require.NoError(t, err)
	assert.Equal(t, []string{"main.go", "pkg/util.go"}, changes.Created)
	assert.Empty(t, changes.Modified)
	assert.True(t, changes.Any())
}

func TestLocateAgentConfiguredPathMissing(t *testing.T) {
	t.Parallel()

	_, err := locateAgent(filepath.Join(t.TempDir(), "no-such-agent"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestLocateAgentConfiguredPath(t *testing.T) {
	t.Parallel()

	bin := filepath.Join(t.TempDir(), "agent")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))
	path, err := locateAgent(bin)
	require.NoError(t, err)
	assert.Equal(t, bin, path)
}

func TestRunCancelsWhenAgentUnavailable(t *testing.T) {
	t.Parallel()

	appCfg := config.DefaultConfig()
	appCfg.ProjectRoot = t.TempDir()
	appCfg.Agent.Path = filepath.Join(appCfg.ProjectRoot, "missing-agent")
	store := db.NewTestDB(t)

	taskID, err := store.CreateTask(&db.Task{Title: "stub"})
	require.NoError(t, err)
	runID, err := store.CreateRun(taskID, "backend-1", "apply")
	require.NoError(t, err)

	w := New(Config{
		Role:   "backend",
		TaskID: taskID,
		RunID:  runID,
		Phase:  "apply",
		Mode:   ModeFresh,
	}, appCfg, store, nil, nil, testLogger())

	ok, runErr := w.Run(context.Background())
	assert.False(t, ok)
	require.Error(t, runErr)

	// A host without the agent is not an execution failure: the run is
	// cancelled so the task's retry budget stays intact.
	run, err := store.GetRun(runID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, db.RunStatusCancelled, run.Status)
	assert.Equal(t, "agent not available", run.ErrorMessage)
	assert.Equal(t, hiveerrors.CodeSpawnFailed, hiveerrors.CodeOf(runErr))

	// The worker left a blocked result file for later context loads.
	notes := latestResultFile(filepath.Join(appCfg.ProjectRoot, config.HiveDir, "results"), taskID)
	require.NotNil(t, notes)
	assert.Equal(t, "blocked", notes.Status)
}

func TestRunFailsForMissingTask(t *testing.T) {
	t.Parallel()

	w := newTestWorker(t, Config{Role: "backend", TaskID: "task_nope", Phase: "apply", Mode: ModeFresh})
	ok, err := w.Run(context.Background())
	assert.False(t, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
