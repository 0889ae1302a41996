// Package queen implements the orchestrator: a single scheduling loop
// that admits queued tasks, spawns worker subprocesses, supervises them,
// advances workflow phases, and recovers abandoned tasks.
package queen

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/randalmurphal/hive/internal/config"
	"github.com/randalmurphal/hive/internal/db"
	"github.com/randalmurphal/hive/internal/events"
	"github.com/randalmurphal/hive/internal/plan"
)

// shutdownGrace is how long terminated children get before a hard kill.
const shutdownGrace = 2 * time.Second

// Options control one queen run.
type Options struct {
	// Live forwards worker output to the queen's stdout.
	Live bool
	// Async fans the monitor step out across goroutines within a tick.
	Async bool
	// Once runs a single scheduling tick and exits (scripting/tests).
	Once bool
}

// childProcess abstracts a spawned worker for supervision.
type childProcess interface {
	PID() int
	// Poll reports, without blocking, whether the process has exited and
	// with which code.
	Poll() (exited bool, exitCode int)
	Terminate() error
	Kill() error
}

// spawnFunc launches one worker subprocess with the given CLI args.
type spawnFunc func(args []string) (childProcess, error)

// activeWorker is the queen's in-memory record of one running child.
type activeWorker struct {
	proc    childProcess
	taskID  string
	runID   string
	phase   string
	role    string
	started time.Time
}

// Queen owns the scheduling loop. It is the only writer of the
// assigned/in_progress transitions, which serializes them per task.
type Queen struct {
	cfg    *config.Config
	store  *db.HiveDB
	bus    *events.Bus
	bridge *plan.Bridge
	log    *slog.Logger
	opts   Options

	selfExe string
	spawn   spawnFunc

	mu     sync.Mutex
	active map[string]*activeWorker

	// Rolling average of observed run durations, for status output.
	runsObserved  int
	avgRunSeconds float64
}

// New builds a queen. The spawn function defaults to re-executing this
// binary's worker subcommand.
func New(cfg *config.Config, store *db.HiveDB, bus *events.Bus, bridge *plan.Bridge, log *slog.Logger, opts Options) *Queen {
	selfExe, err := os.Executable()
	if err != nil {
		selfExe = os.Args[0]
	}
	q := &Queen{
		cfg:     cfg,
		store:   store,
		bus:     bus,
		bridge:  bridge,
		log:     log.With(slog.String("component", "queen")),
		opts:    opts,
		selfExe: selfExe,
		active:  make(map[string]*activeWorker),
	}
	q.spawn = q.execSpawn
	return q
}

// workerID identifies this queen process in the workers table.
func (q *Queen) workerID() string {
	return fmt.Sprintf("%s-%d", config.RoleOrchestrator, os.Getpid())
}

// Startup registers the queen as the orchestrator worker and wires the
// choreography subscriptions.
func (q *Queen) Startup() error {
	if err := q.store.RegisterWorker(&db.Worker{
		ID:     q.workerID(),
		Role:   config.RoleOrchestrator,
		Status: "active",
		Metadata: map[string]any{
			"pid": os.Getpid(),
		},
	}); err != nil {
		return err
	}
	q.registerChoreography()
	return nil
}

// Run executes the scheduling loop until the context is cancelled, a
// single tick completes in Once mode, or the idle-exit condition holds.
func (q *Queen) Run(ctx context.Context) error {
	if err := q.Startup(); err != nil {
		return err
	}
	q.log.Info("queen started",
		slog.Int("total_slots", q.cfg.TotalSlots()),
		slog.Duration("tick", q.cfg.TickInterval()))

	ticker := time.NewTicker(q.cfg.TickInterval())
	defer ticker.Stop()

	for {
		var err error
		if q.opts.Async {
			err = q.tickAsync(ctx)
		} else {
			err = q.tick(ctx)
		}
		if err != nil {
			q.log.Error("scheduling tick failed", slog.String("error", err.Error()))
		}

		if q.opts.Once {
			q.shutdown()
			return nil
		}
		if q.idle() {
			q.log.Info("no active or pending work, exiting",
				slog.Float64("avg_run_seconds", q.AverageRunSeconds()))
			return nil
		}

		select {
		case <-ctx.Done():
			q.shutdown()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// tick runs one scheduling pass: admission, monitoring, zombie recovery.
// Tasks in review_pending are deliberately untouched; choreography
// advances them.
func (q *Queen) tick(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.admit()
	q.monitor()
	q.recoverZombies()
	if err := q.store.UpdateWorkerHeartbeat(q.workerID(), "active", ""); err != nil {
		q.log.Warn("heartbeat update failed", slog.String("error", err.Error()))
	}
	return nil
}

// admit pulls queued candidates into free slots and spawns workers.
func (q *Queen) admit() {
	q.mu.Lock()
	free := q.cfg.TotalSlots() - len(q.active)
	q.mu.Unlock()
	if free <= 0 {
		return
	}

	tasks, err := q.store.GetQueuedTasksWithPlanning(free, "")
	if err != nil {
		q.log.Error("candidate query failed", slog.String("error", err.Error()))
		return
	}
	for i := range tasks {
		q.tryLaunch(&tasks[i])
	}
}

// tryLaunch admits one candidate: dependency recheck, role resolution,
// per-role cap, then assign -> spawn -> in_progress. A spawn failure
// silently reverts the task to queued without burning a retry.
func (q *Queen) tryLaunch(task *db.Task) {
	q.mu.Lock()
	if _, running := q.active[task.ID]; running {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	// Conservatively recheck dependencies at spawn time; the admission
	// query's annotation may be stale by now.
	if len(task.Dependencies()) > 0 {
		met, err := q.store.CheckSubtaskDependencies(task.ID)
		if err != nil {
			q.log.Warn("dependency recheck failed",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()))
			return
		}
		if !met {
			return
		}
	}

	role := ResolveRole(task)
	q.mu.Lock()
	count := 0
	for _, aw := range q.active {
		if aw.role == role {
			count++
		}
	}
	q.mu.Unlock()
	if count >= q.cfg.RoleCap(role) {
		return
	}

	phase := task.CurrentPhase
	if phase == "" || phase == "start" {
		phase = "apply"
	}
	mode := task.PayloadString("workspace")
	if mode == "" {
		mode = q.cfg.Worker.DefaultMode
	}

	now := time.Now().UTC()
	assignee := "worker:" + role
	if err := q.store.UpdateTaskStatus(task.ID, db.TaskStatusAssigned, map[string]any{
		"assignee":      assignee,
		"assigned_at":   now,
		"current_phase": phase,
	}); err != nil {
		q.log.Error("assign failed",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()))
		return
	}
	q.publish(events.TaskAssigned, task.ID, db.TaskStatusAssigned, assignee, phase)

	runID, err := q.store.CreateRun(task.ID, q.workerID(), phase)
	if err != nil {
		q.revertToQueued(task.ID)
		q.log.Error("run creation failed",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()))
		return
	}

	args := []string{
		"worker", role,
		"--one-shot",
		"--task-id", task.ID,
		"--run-id", runID,
		"--phase", phase,
		"--mode", mode,
	}
	if q.opts.Live {
		args = append(args, "--live")
	}
	proc, err := q.spawn(args)
	if err != nil {
		// Spawn failures are environment problems, not task failures.
		q.revertToQueued(task.ID)
		if uerr := q.store.UpdateRunStatus(runID, db.RunStatusCancelled, db.RunUpdate{
			Phase:        phase,
			ErrorMessage: fmt.Sprintf("worker spawn failed: %v", err),
		}); uerr != nil {
			q.log.Warn("run cancel failed", slog.String("error", uerr.Error()))
		}
		q.log.Error("worker spawn failed",
			slog.String("task_id", task.ID),
			slog.String("role", role),
			slog.String("error", err.Error()))
		return
	}

	q.mu.Lock()
	q.active[task.ID] = &activeWorker{
		proc:    proc,
		taskID:  task.ID,
		runID:   runID,
		phase:   phase,
		role:    role,
		started: time.Now(),
	}
	q.mu.Unlock()

	if err := q.store.UpdateTaskStatus(task.ID, db.TaskStatusInProgress, map[string]any{
		"started_at": now,
	}); err != nil {
		q.log.Error("in_progress transition failed",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()))
	}
	q.publish(events.TaskStarted, task.ID, db.TaskStatusInProgress, assignee, phase)
	q.log.Info("worker spawned",
		slog.String("task_id", task.ID),
		slog.String("role", role),
		slog.String("phase", phase),
		slog.Int("pid", proc.PID()))
}

func (q *Queen) revertToQueued(taskID string) {
	if err := q.store.UpdateTaskStatus(taskID, db.TaskStatusQueued, map[string]any{
		"assignee":    "",
		"assigned_at": "",
	}); err != nil {
		q.log.Warn("revert to queued failed",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()))
	}
}

// monitor reaps exited children and routes each outcome to phase
// advancement or the retry policy.
func (q *Queen) monitor() {
	for _, aw := range q.snapshotActive() {
		q.reap(aw)
	}
}

func (q *Queen) snapshotActive() []*activeWorker {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*activeWorker, 0, len(q.active))
	for _, aw := range q.active {
		out = append(out, aw)
	}
	return out
}

// reap checks one child without blocking and, if it has exited, removes
// it from the active set and applies the outcome.
func (q *Queen) reap(aw *activeWorker) {
	exited, code := aw.proc.Poll()
	if !exited {
		return
	}

	q.mu.Lock()
	delete(q.active, aw.taskID)
	q.mu.Unlock()

	elapsed := time.Since(aw.started)
	q.observeRunDuration(elapsed)
	q.log.Info("worker exited",
		slog.String("task_id", aw.taskID),
		slog.String("phase", aw.phase),
		slog.Int("exit_code", code),
		slog.Duration("elapsed", elapsed.Round(time.Second)))

	if code == 0 {
		q.advanceOnSuccess(aw.taskID, aw.phase)
	} else {
		q.handleFailure(aw.taskID, code)
	}
}

func (q *Queen) observeRunDuration(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.runsObserved++
	q.avgRunSeconds += (d.Seconds() - q.avgRunSeconds) / float64(q.runsObserved)
}

// AverageRunSeconds reports the rolling mean of observed run durations.
func (q *Queen) AverageRunSeconds() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.avgRunSeconds
}

// advanceOnSuccess moves a task to its next phase after a clean run.
//
// With an explicit workflow, the current phase's next_phase_on_success
// decides; "completed"/"failed" terminate. Without one the fixed
// apply -> test -> completed flow applies, and the test phase is spawned
// immediately rather than waiting for the next tick.
func (q *Queen) advanceOnSuccess(taskID, phase string) {
	task, err := q.store.GetTask(taskID)
	if err != nil || task == nil {
		q.log.Warn("task lookup failed after success", slog.String("task_id", taskID))
		return
	}

	next, immediate := NextPhase(task, phase)
	switch next {
	case "completed":
		q.markCompleted(task)
	case "failed":
		q.markFailed(task, fmt.Sprintf("workflow routed phase %s to failed", phase))
	default:
		if err := q.store.UpdateTaskStatus(task.ID, db.TaskStatusQueued, map[string]any{
			"current_phase": next,
		}); err != nil {
			q.log.Error("phase advance failed",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()))
			return
		}
		q.log.Info("phase advanced",
			slog.String("task_id", task.ID),
			slog.String("from", phase),
			slog.String("to", next))
		if immediate {
			if fresh, err := q.store.GetTask(task.ID); err == nil && fresh != nil {
				q.tryLaunch(fresh)
			}
		}
	}
}

// NextPhase resolves the successor phase after a successful run;
// immediate requests a spawn in the same tick.
func NextPhase(task *db.Task, phase string) (next string, immediate bool) {
	if len(task.Workflow) > 0 {
		tr, ok := task.Workflow[phase]
		if !ok || tr.NextPhaseOnSuccess == "" {
			return "completed", false
		}
		return tr.NextPhaseOnSuccess, false
	}

	switch phase {
	case "plan":
		return "apply", false
	case "", "start", "apply":
		return "test", true
	default:
		return "completed", false
	}
}

// handleFailure applies the retry policy after a non-zero worker exit.
// Exit code 2 means the worker could not run at all (missing agent,
// broken config); the task goes back to the queue without a retry
// charge, like a spawn failure.
func (q *Queen) handleFailure(taskID string, exitCode int) {
	task, err := q.store.GetTask(taskID)
	if err != nil || task == nil {
		q.log.Warn("task lookup failed after failure", slog.String("task_id", taskID))
		return
	}

	if exitCode == 2 {
		q.log.Warn("worker environment error, requeueing without retry charge",
			slog.String("task_id", task.ID))
		q.revertToQueued(task.ID)
		return
	}

	limit := task.EffectiveMaxRetries(q.cfg.Queen.TaskRetryLimit)
	if task.RetryCount < limit {
		if err := q.store.UpdateTaskStatus(task.ID, db.TaskStatusQueued, map[string]any{
			"retry_count": task.RetryCount + 1,
		}); err != nil {
			q.log.Error("requeue failed",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()))
			return
		}
		q.log.Info("task requeued",
			slog.String("task_id", task.ID),
			slog.Int("retry", task.RetryCount+1),
			slog.Int("limit", limit))
		return
	}
	q.markFailed(task, fmt.Sprintf("worker exited with code %d after %d attempts", exitCode, task.RetryCount+1))
}

func (q *Queen) markCompleted(task *db.Task) {
	if err := q.store.UpdateTaskStatus(task.ID, db.TaskStatusCompleted, nil); err != nil {
		q.log.Error("complete transition failed",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()))
		return
	}
	q.publish(events.TaskCompleted, task.ID, db.TaskStatusCompleted, task.Assignee, task.CurrentPhase)
	q.syncPlan(task.ID, db.TaskStatusCompleted)
}

func (q *Queen) markFailed(task *db.Task, reason string) {
	if err := q.store.UpdateTaskStatus(task.ID, db.TaskStatusFailed, map[string]any{
		"failure_reason": reason,
	}); err != nil {
		q.log.Error("fail transition failed",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()))
		return
	}
	q.publish(events.TaskFailed, task.ID, db.TaskStatusFailed, task.Assignee, task.CurrentPhase)
	q.syncPlan(task.ID, db.TaskStatusFailed)
}

// syncPlan propagates a subtask terminal state to its parent plan.
func (q *Queen) syncPlan(taskID, status string) {
	if q.bridge == nil {
		return
	}
	if _, err := q.bridge.SyncSubtaskStatusToPlan(taskID, status); err != nil {
		q.log.Warn("plan sync failed",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()))
	}
}

// recoverZombies resets in_progress tasks that no live child is
// supervising. Recovery is silent: no events are published.
func (q *Queen) recoverZombies() {
	tasks, err := q.store.TasksByStatus(db.TaskStatusInProgress)
	if err != nil {
		q.log.Warn("zombie scan failed", slog.String("error", err.Error()))
		return
	}
	cutoff := q.cfg.ZombieAge()
	for i := range tasks {
		task := &tasks[i]
		q.mu.Lock()
		_, supervised := q.active[task.ID]
		q.mu.Unlock()
		if supervised {
			continue
		}
		if task.StartedAt == nil || time.Since(*task.StartedAt) < cutoff {
			continue
		}
		// The dead worker never closed its run; cancel it so the task
		// re-enters the queue with all earlier runs terminal.
		q.closeAbandonedRun(task.ID)
		if err := q.store.UpdateTaskStatus(task.ID, db.TaskStatusQueued, map[string]any{
			"assignee":      "",
			"started_at":    "",
			"current_phase": "plan",
		}); err != nil {
			q.log.Warn("zombie reset failed",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()))
			continue
		}
		q.log.Warn("recovered zombie task",
			slog.String("task_id", task.ID),
			slog.Duration("age", time.Since(*task.StartedAt).Round(time.Second)))
	}
}

// closeAbandonedRun cancels a task's latest run if it is still open.
func (q *Queen) closeAbandonedRun(taskID string) {
	run, err := q.store.LatestRunForTask(taskID)
	if err != nil {
		q.log.Warn("abandoned run lookup failed",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()))
		return
	}
	if run == nil || db.TerminalRunStatus(run.Status) {
		return
	}
	if err := q.store.UpdateRunStatus(run.ID, db.RunStatusCancelled, db.RunUpdate{
		ErrorMessage: "worker lost; task recovered",
	}); err != nil {
		q.log.Warn("abandoned run close failed",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()))
	}
}

// idle reports whether a standalone run has nothing left to do: no
// active children, no schedulable tasks, and at least one task reached a
// terminal state.
func (q *Queen) idle() bool {
	q.mu.Lock()
	activeCount := len(q.active)
	q.mu.Unlock()
	if activeCount > 0 {
		return false
	}

	counts, err := q.store.CountTasksByStatus()
	if err != nil {
		return false
	}
	pending := counts[db.TaskStatusQueued] + counts[db.TaskStatusAssigned] +
		counts[db.TaskStatusInProgress] + counts[db.TaskStatusReviewPending]
	terminal := counts[db.TaskStatusCompleted] + counts[db.TaskStatusFailed]
	return pending == 0 && terminal > 0
}

// shutdown terminates all children, waits briefly, then kills stragglers.
// No new task state is persisted; workers record their own outcomes.
func (q *Queen) shutdown() {
	children := q.snapshotActive()
	if len(children) == 0 {
		return
	}
	q.log.Info("terminating workers", slog.Int("count", len(children)))
	for _, aw := range children {
		if err := aw.proc.Terminate(); err != nil {
			q.log.Warn("terminate failed",
				slog.String("task_id", aw.taskID),
				slog.String("error", err.Error()))
		}
	}

	deadline := time.Now().Add(shutdownGrace)
	for time.Now().Before(deadline) {
		alive := false
		for _, aw := range children {
			if exited, _ := aw.proc.Poll(); !exited {
				alive = true
			}
		}
		if !alive {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	for _, aw := range children {
		if exited, _ := aw.proc.Poll(); !exited {
			_ = aw.proc.Kill()
		}
	}
}

func (q *Queen) publish(eventType, taskID, status, assignee, phase string) {
	if q.bus == nil {
		return
	}
	payload := map[string]any{
		events.KeyTaskID:     taskID,
		events.KeyTaskStatus: status,
	}
	if assignee != "" {
		payload[events.KeyAssignee] = assignee
	}
	if phase != "" {
		payload[events.KeyPhase] = phase
	}
	if _, err := q.bus.Publish(&db.Event{
		EventType:   eventType,
		Payload:     payload,
		SourceAgent: q.workerID(),
	}); err != nil {
		q.log.Warn("event publish failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
	}
}

// execSpawn launches a worker by re-executing this binary.
func (q *Queen) execSpawn(args []string) (childProcess, error) {
	cmd := exec.Command(q.selfExe, args...)
	cmd.Stdin = nil
	if q.opts.Live {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return newExecChild(cmd), nil
}

// execChild wraps a started command with non-blocking exit polling.
type execChild struct {
	cmd  *exec.Cmd
	done chan struct{}
	code int
}

func newExecChild(cmd *exec.Cmd) *execChild {
	c := &execChild{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		if err == nil {
			c.code = 0
		} else if exitErr, ok := err.(*exec.ExitError); ok {
			c.code = exitErr.ExitCode()
		} else {
			c.code = -1
		}
		close(c.done)
	}()
	return c
}

func (c *execChild) PID() int { return c.cmd.Process.Pid }

func (c *execChild) Poll() (bool, int) {
	select {
	case <-c.done:
		return true, c.code
	default:
		return false, 0
	}
}

func (c *execChild) Terminate() error { return terminateProc(c.cmd.Process) }
func (c *execChild) Kill() error      { return killProc(c.cmd.Process) }
