package queen

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/hive/internal/config"
	"github.com/randalmurphal/hive/internal/db"
	"github.com/randalmurphal/hive/internal/events"
	"github.com/randalmurphal/hive/internal/plan"
)

type fakeProc struct {
	exited     bool
	code       int
	terminated bool
	killed     bool
}

func (p *fakeProc) PID() int          { return 4242 }
func (p *fakeProc) Poll() (bool, int) { return p.exited, p.code }
func (p *fakeProc) Terminate() error  { p.terminated = true; return nil }
func (p *fakeProc) Kill() error       { p.killed = true; return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type spawnRecorder struct {
	calls [][]string
	procs []*fakeProc
	fail  bool
}

func (r *spawnRecorder) spawn(args []string) (childProcess, error) {
	r.calls = append(r.calls, args)
	if r.fail {
		return nil, fmt.Errorf("exec format error")
	}
	p := &fakeProc{}
	r.procs = append(r.procs, p)
	return p, nil
}

func newTestQueen(t *testing.T, rec *spawnRecorder) (*Queen, *db.HiveDB, *events.Bus) {
	t.Helper()
	store := db.NewTestDB(t)
	log := testLogger()
	bus := events.New(store, "queen-test", log)
	bridge := plan.New(store, log)
	q := New(config.DefaultConfig(), store, bus, bridge, log, Options{})
	q.spawn = rec.spawn
	require.NoError(t, q.Startup())
	return q, store, bus
}

func mustCreateTask(t *testing.T, store *db.HiveDB, task *db.Task) string {
	t.Helper()
	id, err := store.CreateTask(task)
	require.NoError(t, err)
	return id
}

func TestResolveRole(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		task db.Task
		want string
	}{
		{"assignee role", db.Task{Payload: map[string]any{"assignee": "worker:frontend"}}, "frontend"},
		{"assignee unknown role", db.Task{Payload: map[string]any{"assignee": "worker:designer"}}, "backend"},
		{"assignee column fallback", db.Task{Assignee: "worker:infra"}, "infra"},
		{"first tag", db.Task{Tags: []string{"infra", "urgent"}}, "infra"},
		{"tag not a role", db.Task{Tags: []string{"urgent"}}, "backend"},
		{"bare task", db.Task{}, "backend"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, ResolveRole(&tc.task))
		})
	}
}

func TestTickSpawnsQueuedTask(t *testing.T) {
	t.Parallel()

	rec := &spawnRecorder{}
	q, store, bus := newTestQueen(t, rec)

	id := mustCreateTask(t, store, &db.Task{Title: "build feature"})
	require.NoError(t, q.tick(context.Background()))

	task, err := store.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, db.TaskStatusInProgress, task.Status)
	assert.Equal(t, "worker:backend", task.Assignee)
	assert.Equal(t, "apply", task.CurrentPhase)
	require.NotNil(t, task.StartedAt)

	require.Len(t, rec.calls, 1)
	args := rec.calls[0]
	assert.Equal(t, "worker", args[0])
	assert.Equal(t, "backend", args[1])
	assert.Contains(t, args, "--one-shot")
	assert.Contains(t, args, "--task-id")
	assert.Contains(t, args, id)
	assert.Contains(t, args, "--phase")
	assert.Contains(t, args, "apply")
	assert.Contains(t, args, "--mode")
	assert.Contains(t, args, "repo")

	run, err := store.LatestRunForTask(id)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, db.RunStatusRunning, run.Status)

	assigned, err := bus.Events(db.QueryEventsOptions{EventType: events.TaskAssigned})
	require.NoError(t, err)
	assert.Len(t, assigned, 1)
	started, err := bus.Events(db.QueryEventsOptions{EventType: events.TaskStarted})
	require.NoError(t, err)
	assert.Len(t, started, 1)
}

func TestSpawnFailureRevertsSilently(t *testing.T) {
	t.Parallel()

	rec := &spawnRecorder{fail: true}
	q, store, bus := newTestQueen(t, rec)

	id := mustCreateTask(t, store, &db.Task{Title: "doomed spawn"})
	require.NoError(t, q.tick(context.Background()))

	task, err := store.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, db.TaskStatusQueued, task.Status)
	assert.Empty(t, task.Assignee)
	// Spawn failures are not execution failures; the retry budget is intact.
	assert.Equal(t, 0, task.RetryCount)

	run, err := store.LatestRunForTask(id)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, db.RunStatusCancelled, run.Status)
	assert.Contains(t, run.ErrorMessage, "spawn failed")

	started, err := bus.Events(db.QueryEventsOptions{EventType: events.TaskStarted})
	require.NoError(t, err)
	assert.Empty(t, started)
}

func TestPerRoleCapEnforced(t *testing.T) {
	t.Parallel()

	rec := &spawnRecorder{}
	q, store, _ := newTestQueen(t, rec)
	q.cfg.Queen.MaxParallelPerRole = map[string]int{config.RoleBackend: 1}

	a := mustCreateTask(t, store, &db.Task{Title: "first"})
	b := mustCreateTask(t, store, &db.Task{Title: "second"})
	require.NoError(t, q.tick(context.Background()))

	require.Len(t, rec.calls, 1)
	taskA, _ := store.GetTask(a)
	taskB, _ := store.GetTask(b)
	statuses := []string{taskA.Status, taskB.Status}
	assert.Contains(t, statuses, db.TaskStatusInProgress)
	assert.Contains(t, statuses, db.TaskStatusQueued)
}

func TestDefaultFlowAdvancesThroughTest(t *testing.T) {
	t.Parallel()

	rec := &spawnRecorder{}
	q, store, bus := newTestQueen(t, rec)

	id := mustCreateTask(t, store, &db.Task{Title: "two phase"})
	require.NoError(t, q.tick(context.Background()))
	require.Len(t, rec.procs, 1)

	// Apply phase worker exits cleanly: the test phase spawns in the same
	// monitor pass.
	rec.procs[0].exited = true
	q.monitor()

	require.Len(t, rec.calls, 2)
	assert.Contains(t, rec.calls[1], "test")
	task, err := store.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, db.TaskStatusInProgress, task.Status)
	assert.Equal(t, "test", task.CurrentPhase)

	// Test phase worker exits cleanly: the task completes.
	rec.procs[1].exited = true
	q.monitor()

	task, err = store.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, db.TaskStatusCompleted, task.Status)
	require.NotNil(t, task.CompletedAt)

	completed, err := bus.Events(db.QueryEventsOptions{EventType: events.TaskCompleted})
	require.NoError(t, err)
	assert.Len(t, completed, 1)
}

func TestExplicitWorkflowRouting(t *testing.T) {
	t.Parallel()

	rec := &spawnRecorder{}
	q, store, _ := newTestQueen(t, rec)

	id := mustCreateTask(t, store, &db.Task{
		Title: "custom flow",
		Workflow: db.Workflow{
			"apply":  {NextPhaseOnSuccess: "review"},
			"review": {NextPhaseOnSuccess: "completed"},
		},
	})
	require.NoError(t, q.tick(context.Background()))
	require.Len(t, rec.procs, 1)

	rec.procs[0].exited = true
	q.monitor()

	task, err := store.GetTask(id)
	require.NoError(t, err)
	// Workflow phases wait for the next tick instead of spawning inline.
	assert.Equal(t, db.TaskStatusQueued, task.Status)
	assert.Equal(t, "review", task.CurrentPhase)
}

func TestRetryPolicyRequeuesThenFails(t *testing.T) {
	t.Parallel()

	rec := &spawnRecorder{}
	q, store, bus := newTestQueen(t, rec)

	maxRetries := 1
	id := mustCreateTask(t, store, &db.Task{Title: "flaky", MaxRetries: &maxRetries})

	require.NoError(t, q.tick(context.Background()))
	require.Len(t, rec.procs, 1)
	rec.procs[0].exited = true
	rec.procs[0].code = 1
	q.monitor()

	task, err := store.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, db.TaskStatusQueued, task.Status)
	assert.Equal(t, 1, task.RetryCount)

	require.NoError(t, q.tick(context.Background()))
	require.Len(t, rec.procs, 2)
	rec.procs[1].exited = true
	rec.procs[1].code = 1
	q.monitor()

	task, err = store.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, db.TaskStatusFailed, task.Status)
	assert.Contains(t, task.FailureReason, "exited with code 1")

	failed, err := bus.Events(db.QueryEventsOptions{EventType: events.TaskFailed})
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestEnvironmentExitRequeuesWithoutRetryCharge(t *testing.T) {
	t.Parallel()

	rec := &spawnRecorder{}
	q, store, _ := newTestQueen(t, rec)

	id := mustCreateTask(t, store, &db.Task{Title: "no agent on host"})

	require.NoError(t, q.tick(context.Background()))
	require.Len(t, rec.procs, 1)
	rec.procs[0].exited = true
	rec.procs[0].code = 2
	q.monitor()

	task, err := store.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, db.TaskStatusQueued, task.Status)
	assert.Empty(t, task.Assignee)
	assert.Equal(t, 0, task.RetryCount)
}

func TestZombieRecovery(t *testing.T) {
	t.Parallel()

	rec := &spawnRecorder{}
	q, store, bus := newTestQueen(t, rec)

	id := mustCreateTask(t, store, &db.Task{Title: "abandoned"})
	stale := time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, store.UpdateTaskStatus(id, db.TaskStatusInProgress, map[string]any{
		"assignee":   "worker:backend",
		"started_at": stale,
	}))

	q.recoverZombies()

	task, err := store.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, db.TaskStatusQueued, task.Status)
	assert.Empty(t, task.Assignee)
	assert.Nil(t, task.StartedAt)
	assert.Equal(t, "plan", task.CurrentPhase)

	// Recovery is silent.
	evts, err := bus.Events(db.QueryEventsOptions{})
	require.NoError(t, err)
	assert.Empty(t, evts)
}

func TestZombieRecoveryClosesAbandonedRun(t *testing.T) {
	t.Parallel()

	rec := &spawnRecorder{}
	q, store, _ := newTestQueen(t, rec)

	id := mustCreateTask(t, store, &db.Task{Title: "lost worker"})
	require.NoError(t, q.tick(context.Background()))

	// Worker died without reporting; its run is still open.
	q.mu.Lock()
	delete(q.active, id)
	q.mu.Unlock()
	require.NoError(t, store.UpdateTaskStatus(id, db.TaskStatusInProgress, map[string]any{
		"started_at": time.Now().UTC().Add(-10 * time.Minute),
	}))

	q.recoverZombies()

	first, err := store.LatestRunForTask(id)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, db.RunStatusCancelled, first.Status)
	assert.Contains(t, first.ErrorMessage, "worker lost")
	require.NotNil(t, first.CompletedAt)

	// The respawn opens run 2; run 1 stays terminal, so the task never
	// has more than one open run.
	require.NoError(t, q.tick(context.Background()))
	runs, err := store.GetRunsForTask(id)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	running := 0
	for _, r := range runs {
		if r.Status == db.RunStatusRunning {
			running++
		}
	}
	assert.Equal(t, 1, running)
	assert.Equal(t, db.RunStatusCancelled, runs[0].Status)
}

func TestZombieRecoverySkipsSupervisedAndYoung(t *testing.T) {
	t.Parallel()

	rec := &spawnRecorder{}
	q, store, _ := newTestQueen(t, rec)

	supervised := mustCreateTask(t, store, &db.Task{Title: "supervised"})
	require.NoError(t, store.UpdateTaskStatus(supervised, db.TaskStatusInProgress, map[string]any{
		"started_at": time.Now().UTC().Add(-time.Hour),
	}))
	q.active[supervised] = &activeWorker{proc: &fakeProc{}, taskID: supervised}

	young := mustCreateTask(t, store, &db.Task{Title: "just started"})
	require.NoError(t, store.UpdateTaskStatus(young, db.TaskStatusInProgress, map[string]any{
		"started_at": time.Now().UTC().Add(-time.Minute),
	}))

	q.recoverZombies()

	taskS, _ := store.GetTask(supervised)
	assert.Equal(t, db.TaskStatusInProgress, taskS.Status)
	taskY, _ := store.GetTask(young)
	assert.Equal(t, db.TaskStatusInProgress, taskY.Status)
}

func TestPlannedSubtaskDependencyRecheck(t *testing.T) {
	t.Parallel()

	rec := &spawnRecorder{}
	q, store, _ := newTestQueen(t, rec)

	blocked := mustCreateTask(t, store, &db.Task{
		Title:    "gated subtask",
		TaskType: db.TaskTypePlannedSubtask,
		Payload: map[string]any{
			"dependencies": []any{"task_never_done"},
		},
	})

	task, err := store.GetTask(blocked)
	require.NoError(t, err)
	q.tryLaunch(task)

	assert.Empty(t, rec.calls)
	task, err = store.GetTask(blocked)
	require.NoError(t, err)
	assert.Equal(t, db.TaskStatusQueued, task.Status)
}

func TestChoreographyApproveAdvances(t *testing.T) {
	t.Parallel()

	// A failing spawner keeps the advanced task in the queue so the final
	// state is observable.
	rec := &spawnRecorder{fail: true}
	q, store, bus := newTestQueen(t, rec)

	id := mustCreateTask(t, store, &db.Task{Title: "reviewed"})
	require.NoError(t, store.UpdateTaskStatus(id, db.TaskStatusReviewPending, map[string]any{
		"current_phase": "apply",
	}))

	_, err := bus.Publish(&db.Event{
		EventType: events.TaskReviewCompleted,
		Payload: map[string]any{
			events.KeyTaskID:  id,
			"review_decision": "approve",
		},
	})
	require.NoError(t, err)

	task, err := store.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, db.TaskStatusQueued, task.Status)
	assert.Equal(t, "test", task.CurrentPhase)
	_ = q
}

func TestChoreographyRejectSendsToRework(t *testing.T) {
	t.Parallel()

	rec := &spawnRecorder{}
	q, store, bus := newTestQueen(t, rec)

	id := mustCreateTask(t, store, &db.Task{Title: "needs work"})
	require.NoError(t, store.UpdateTaskStatus(id, db.TaskStatusReviewPending, map[string]any{
		"current_phase": "apply",
	}))

	_, err := bus.Publish(&db.Event{
		EventType: events.TaskReviewCompleted,
		Payload: map[string]any{
			events.KeyTaskID:  id,
			"review_decision": "reject",
			"review_feedback": "error handling is missing",
		},
	})
	require.NoError(t, err)

	task, err := store.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, db.TaskStatusQueued, task.Status)
	assert.Equal(t, "rework", task.CurrentPhase)

	var feedback string
	require.NoError(t, store.QueryRow(
		"SELECT review_feedback FROM tasks WHERE id = ?", id).Scan(&feedback))
	assert.Equal(t, "error handling is missing", feedback)
	_ = q
}

func TestChoreographyPlanGenerated(t *testing.T) {
	t.Parallel()

	rec := &spawnRecorder{}
	q, store, bus := newTestQueen(t, rec)

	id := mustCreateTask(t, store, &db.Task{Title: "awaiting plan"})
	require.NoError(t, store.UpdateTaskStatus(id, db.TaskStatusPlanned, nil))

	_, err := bus.Publish(&db.Event{
		EventType: events.WorkflowPlanGenerated,
		Payload:   map[string]any{events.KeyTaskID: id},
	})
	require.NoError(t, err)

	task, err := store.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, db.TaskStatusQueued, task.Status)

	// A second plan_generated for a non-planned task is a no-op.
	_, err = bus.Publish(&db.Event{
		EventType: events.WorkflowPlanGenerated,
		Payload:   map[string]any{events.KeyTaskID: id},
	})
	require.NoError(t, err)
	task, err = store.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, db.TaskStatusQueued, task.Status)
	_ = q
}

func TestIdleExitCondition(t *testing.T) {
	t.Parallel()

	rec := &spawnRecorder{}
	q, store, _ := newTestQueen(t, rec)

	// Nothing has ever run: not idle, keep waiting for work.
	assert.False(t, q.idle())

	id := mustCreateTask(t, store, &db.Task{Title: "only task"})
	assert.False(t, q.idle())

	require.NoError(t, store.UpdateTaskStatus(id, db.TaskStatusCompleted, nil))
	assert.True(t, q.idle())

	q.active["phantom"] = &activeWorker{proc: &fakeProc{}}
	assert.False(t, q.idle())
}

func TestShutdownTerminatesChildren(t *testing.T) {
	t.Parallel()

	rec := &spawnRecorder{}
	q, store, _ := newTestQueen(t, rec)

	mustCreateTask(t, store, &db.Task{Title: "long running"})
	require.NoError(t, q.tick(context.Background()))
	require.Len(t, rec.procs, 1)

	// Child obeys SIGTERM.
	proc := rec.procs[0]
	go func() {
		time.Sleep(50 * time.Millisecond)
		proc.exited = true
	}()
	q.shutdown()
	assert.True(t, proc.terminated)
	assert.False(t, proc.killed)
}
