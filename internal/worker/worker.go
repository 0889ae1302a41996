// Package worker runs a single task phase inside an isolated workspace
// by driving an external CLI agent and recording the outcome as a run.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/randalmurphal/hive/internal/config"
	"github.com/randalmurphal/hive/internal/db"
	hiveerrors "github.com/randalmurphal/hive/internal/errors"
	"github.com/randalmurphal/hive/internal/events"
	"github.com/randalmurphal/hive/internal/git"
)

// Config identifies the one (task, run, phase) a worker process executes.
type Config struct {
	Role   string
	TaskID string
	RunID  string // empty: the worker creates its own run
	Phase  string
	Mode   string // workspace mode; empty falls back to worker.default_mode
	// Workspace overrides the derived workspace path.
	Workspace string
	// Live streams formatted agent output to stdout.
	Live bool
}

// Worker executes one phase of one task to completion.
type Worker struct {
	cfg    Config
	appCfg *config.Config
	store  *db.HiveDB
	bus    *events.Bus
	git    *git.Git
	log    *slog.Logger
}

// New builds a worker. The git handle is only used in repo mode.
func New(cfg Config, appCfg *config.Config, store *db.HiveDB, bus *events.Bus, g *git.Git, log *slog.Logger) *Worker {
	if cfg.Phase == "" {
		cfg.Phase = "apply"
	}
	if cfg.Mode == "" {
		cfg.Mode = appCfg.Worker.DefaultMode
	}
	return &Worker{
		cfg:    cfg,
		appCfg: appCfg,
		store:  store,
		bus:    bus,
		git:    g,
		log: log.With(
			slog.String("role", cfg.Role),
			slog.String("task_id", cfg.TaskID),
			slog.String("phase", cfg.Phase)),
	}
}

// workerID is stable for the lifetime of this process.
func (w *Worker) workerID() string {
	return fmt.Sprintf("%s-%d", w.cfg.Role, os.Getpid())
}

func (w *Worker) resultsRoot() string {
	return filepath.Join(w.appCfg.ProjectRoot, config.HiveDir, "results")
}

func (w *Worker) logsRoot() string {
	return filepath.Join(w.appCfg.ProjectRoot, config.HiveDir, "logs")
}

// Run executes the configured task phase. It returns true when the run
// classified as success; the process exit code is 0 iff so.
func (w *Worker) Run(ctx context.Context) (bool, error) {
	task, err := w.store.GetTask(w.cfg.TaskID)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, hiveerrors.Newf(hiveerrors.CodeNotFound, "task %s not found", w.cfg.TaskID).
			In("worker", "run")
	}

	if err := w.store.RegisterWorker(&db.Worker{
		ID:            w.workerID(),
		Role:          w.cfg.Role,
		Status:        "busy",
		CurrentTaskID: w.cfg.TaskID,
		Metadata: map[string]any{
			"pid":   os.Getpid(),
			"phase": w.cfg.Phase,
		},
	}); err != nil {
		return false, err
	}
	if err := w.store.UpdateWorkerHeartbeat(w.workerID(), "busy", w.cfg.TaskID); err != nil {
		w.log.Warn("initial heartbeat failed", slog.String("error", err.Error()))
	}
	w.publish(events.AgentStarted, map[string]any{
		events.KeyTaskID: w.cfg.TaskID,
		events.KeyPhase:  w.cfg.Phase,
	})
	defer func() {
		if err := w.store.UpdateWorkerHeartbeat(w.workerID(), "idle", ""); err != nil {
			w.log.Warn("final heartbeat failed", slog.String("error", err.Error()))
		}
		w.publish(events.AgentStopped, map[string]any{
			events.KeyTaskID: w.cfg.TaskID,
			events.KeyPhase:  w.cfg.Phase,
		})
	}()

	runID := w.cfg.RunID
	if runID == "" {
		runID, err = w.store.CreateRun(w.cfg.TaskID, w.workerID(), w.cfg.Phase)
		if err != nil {
			return false, err
		}
	}

	ws, err := w.setupWorkspace()
	if err != nil {
		w.failRun(runID, err.Error())
		return false, err
	}
	if err := w.preflight(ws); err != nil {
		w.failRun(runID, err.Error())
		return false, err
	}

	contextNotes := loadContextNotes(w.resultsRoot(), contextFromIDs(task))
	prompt := buildPrompt(w.cfg.Role, w.cfg.Phase, task, contextNotes)

	binPath, err := locateAgent(w.appCfg.Agent.Path)
	if err != nil {
		// No agent on this host is an environment problem, not an
		// execution failure: cancel the run so the retry budget stays
		// intact, and leave a blocked result behind.
		w.log.Error("agent unavailable", slog.String("error", err.Error()))
		w.cancelRun(runID, "agent not available")
		w.writeResult(runID, "blocked", "agent not available", nil)
		return false, err
	}

	outcome, err := w.runAgent(binPath, agentArgs(prompt, ws.Path, w.appCfg.Agent.Model), ws)
	if err != nil {
		w.failRun(runID, err.Error())
		return false, err
	}

	changes, err := w.detectChanges(ws)
	if err != nil {
		w.log.Warn("file change detection failed", slog.String("error", err.Error()))
		changes = &FileChanges{}
	}

	status, note := classifyResult(outcome, changes, w.appCfg.WorkerTimeout())
	w.log.Info("run classified",
		slog.String("run_id", runID),
		slog.String("status", status),
		slog.Int("exit_code", outcome.ExitCode),
		slog.Int("created", len(changes.Created)),
		slog.Int("modified", len(changes.Modified)))

	logPath := w.writeRunLog(runID, outcome.Transcript)

	update := db.RunUpdate{
		Phase: w.cfg.Phase,
		ResultData: map[string]any{
			"workspace":        ws.Path,
			"phase":            w.cfg.Phase,
			"files":            changes,
			"exit_code":        outcome.ExitCode,
			"output_lines":     outcome.OutputLines,
			"claude_completed": outcome.ClaudeCompleted,
		},
		OutputLog:  logPath,
		Transcript: outcome.Transcript,
	}
	if status != db.RunStatusSuccess {
		update.ErrorMessage = note
	}
	if err := w.store.UpdateRunStatus(runID, status, update); err != nil {
		return false, err
	}

	w.writeResult(runID, status, note, changes)
	return status == db.RunStatusSuccess, nil
}

// classifyResult applies the ordered result rules.
func classifyResult(outcome *agentOutcome, changes *FileChanges, timeout time.Duration) (string, string) {
	switch {
	case outcome.TimedOut:
		return db.RunStatusTimeout,
			fmt.Sprintf("agent run exceeded %s and was killed", timeout)
	case outcome.ExitCode == 0 && outcome.ClaudeCompleted:
		return db.RunStatusSuccess, ""
	case outcome.ExitCode == 0 && changes.Any():
		return db.RunStatusSuccess, "no completion signal; files present"
	case outcome.ExitCode == 0:
		return db.RunStatusFailure, "agent exited without producing output"
	case outcome.ExitCode == -1:
		return db.RunStatusFailure, "agent terminated by signal"
	default:
		return db.RunStatusFailure,
			fmt.Sprintf("agent exited with code %d", outcome.ExitCode)
	}
}

// failRun marks a run failed for errors that happen before or outside
// the agent itself.
func (w *Worker) failRun(runID, msg string) {
	err := w.store.UpdateRunStatus(runID, db.RunStatusFailure, db.RunUpdate{
		Phase:        w.cfg.Phase,
		ErrorMessage: msg,
	})
	if err != nil {
		w.log.Warn("run status update failed", slog.String("error", err.Error()))
	}
}

// cancelRun closes a run for environment problems that should not count
// against the task's retry budget.
func (w *Worker) cancelRun(runID, msg string) {
	err := w.store.UpdateRunStatus(runID, db.RunStatusCancelled, db.RunUpdate{
		Phase:        w.cfg.Phase,
		ErrorMessage: msg,
	})
	if err != nil {
		w.log.Warn("run status update failed", slog.String("error", err.Error()))
	}
}

// writeRunLog streams the transcript to .hive/logs/<task>/<run>.log and
// returns the path, or "" when nothing could be written.
func (w *Worker) writeRunLog(runID, transcript string) string {
	dir := filepath.Join(w.logsRoot(), git.SafeID(w.cfg.TaskID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.log.Warn("create log dir failed", slog.String("error", err.Error()))
		return ""
	}
	path := filepath.Join(dir, runID+".log")
	if err := os.WriteFile(path, []byte(transcript), 0o644); err != nil {
		w.log.Warn("write run log failed", slog.String("error", err.Error()))
		return ""
	}
	return path
}

// writeResult leaves the summary JSON that later context_from tasks read.
func (w *Worker) writeResult(runID, status, note string, changes *FileChanges) {
	rf := &resultFile{
		TaskID: w.cfg.TaskID,
		RunID:  runID,
		Status: status,
		Notes:  note,
	}
	if changes != nil {
		rf.Created = changes.Created
		rf.Modified = changes.Modified
	}
	if err := writeResultFile(w.resultsRoot(), rf); err != nil {
		w.log.Warn("write result file failed", slog.String("error", err.Error()))
	}
}

func (w *Worker) publish(eventType string, payload map[string]any) {
	if w.bus == nil {
		return
	}
	if _, err := w.bus.Publish(&db.Event{
		EventType:   eventType,
		Payload:     payload,
		SourceAgent: w.workerID(),
	}); err != nil {
		w.log.Warn("event publish failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
	}
}
