package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGetTask(t *testing.T) {
	t.Parallel()
	hdb := NewTestDB(t)

	id, err := hdb.CreateTask(&Task{
		Title:       "implement login",
		Description: "add the login endpoint",
		TaskType:    "impl",
		Tags:        []string{"backend"},
		Payload:     map[string]any{"workspace": "repo"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := hdb.GetTask(id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "implement login", got.Title)
	assert.Equal(t, "impl", got.TaskType)
	assert.Equal(t, TaskStatusQueued, got.Status)
	assert.Equal(t, "start", got.CurrentPhase)
	assert.Equal(t, 1, got.Priority)
	require.NotNil(t, got.MaxRetries)
	assert.Equal(t, 3, *got.MaxRetries)
	assert.Equal(t, []string{"backend"}, got.Tags)
	assert.Equal(t, "repo", got.PayloadString("workspace"))
	assert.False(t, got.CreatedAt.IsZero())
}

func TestGetTaskMissingReturnsNil(t *testing.T) {
	t.Parallel()
	hdb := NewTestDB(t)

	got, err := hdb.GetTask("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTaskWorkflowRoundTrip(t *testing.T) {
	t.Parallel()
	hdb := NewTestDB(t)

	wf := Workflow{
		"apply": {NextPhaseOnSuccess: "test", NextPhaseOnFailure: "failed"},
		"test":  {NextPhaseOnSuccess: "completed"},
	}
	id, err := hdb.CreateTask(&Task{Title: "wf", Workflow: wf})
	require.NoError(t, err)

	got, err := hdb.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, wf, got.Workflow)
}

func TestGetQueuedTasksOrdering(t *testing.T) {
	t.Parallel()
	hdb := NewTestDB(t)

	lowID, err := hdb.CreateTask(&Task{Title: "low", Priority: 1})
	require.NoError(t, err)
	highID, err := hdb.CreateTask(&Task{Title: "high", Priority: 9})
	require.NoError(t, err)
	_, err = hdb.CreateTask(&Task{Title: "done", Priority: 99, Status: TaskStatusCompleted})
	require.NoError(t, err)

	tasks, err := hdb.GetQueuedTasks(10, "")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, highID, tasks[0].ID)
	assert.Equal(t, lowID, tasks[1].ID)
}

func TestGetQueuedTasksTypeFilter(t *testing.T) {
	t.Parallel()
	hdb := NewTestDB(t)

	_, err := hdb.CreateTask(&Task{Title: "a", TaskType: "impl"})
	require.NoError(t, err)
	_, err = hdb.CreateTask(&Task{Title: "b", TaskType: "docs"})
	require.NoError(t, err)

	tasks, err := hdb.GetQueuedTasks(10, "docs")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "b", tasks[0].Title)
}

// seedPlan inserts an execution plan row with the given status.
func seedPlan(t *testing.T, hdb *HiveDB, planID, status string, subtasks ...PlanSubtask) {
	t.Helper()
	require.NoError(t, hdb.SaveExecutionPlan(&ExecutionPlan{
		ID:       planID,
		PlanData: &PlanData{SubTasks: subtasks},
		Status:   status,
	}))
}

func TestGetQueuedTasksWithPlanningBoostAndGate(t *testing.T) {
	t.Parallel()
	hdb := NewTestDB(t)

	seedPlan(t, hdb, "plan-ok", PlanStatusGenerated)
	seedPlan(t, hdb, "plan-draft", PlanStatusDraft)

	plainID, err := hdb.CreateTask(&Task{Title: "plain", Priority: 15})
	require.NoError(t, err)

	subtaskID, err := hdb.CreateTask(&Task{
		Title:    "sub",
		TaskType: TaskTypePlannedSubtask,
		Priority: 10,
		Payload:  map[string]any{"parent_plan_id": "plan-ok", "subtask_id": "s1"},
	})
	require.NoError(t, err)

	// Gated: parent plan still draft.
	_, err = hdb.CreateTask(&Task{
		Title:    "gated",
		TaskType: TaskTypePlannedSubtask,
		Priority: 50,
		Payload:  map[string]any{"parent_plan_id": "plan-draft", "subtask_id": "s2"},
	})
	require.NoError(t, err)

	tasks, err := hdb.GetQueuedTasksWithPlanning(10, "")
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	// Subtask priority 10 + 10 boost beats plain priority 15, but the
	// stored priority is untouched.
	assert.Equal(t, subtaskID, tasks[0].ID)
	assert.Equal(t, 10, tasks[0].Priority)
	assert.Equal(t, plainID, tasks[1].ID)
}

func TestGetQueuedTasksWithPlanningDependencyAnnotation(t *testing.T) {
	t.Parallel()
	hdb := NewTestDB(t)

	seedPlan(t, hdb, "plan-1", PlanStatusExecuting)

	// Dependency satisfied via payload.subtask_id of a completed task.
	_, err := hdb.CreateTask(&Task{
		Title:    "dep done",
		TaskType: TaskTypePlannedSubtask,
		Status:   TaskStatusCompleted,
		Payload:  map[string]any{"parent_plan_id": "plan-1", "subtask_id": "A"},
	})
	require.NoError(t, err)

	readyID, err := hdb.CreateTask(&Task{
		Title:    "ready",
		TaskType: TaskTypePlannedSubtask,
		Payload: map[string]any{
			"parent_plan_id": "plan-1", "subtask_id": "B",
			"dependencies": []string{"A"},
		},
	})
	require.NoError(t, err)

	blockedID, err := hdb.CreateTask(&Task{
		Title:    "blocked",
		TaskType: TaskTypePlannedSubtask,
		Payload: map[string]any{
			"parent_plan_id": "plan-1", "subtask_id": "C",
			"dependencies": []string{"B"},
		},
	})
	require.NoError(t, err)

	tasks, err := hdb.GetQueuedTasksWithPlanning(10, "")
	require.NoError(t, err)

	byID := make(map[string]Task)
	for _, task := range tasks {
		byID[task.ID] = task
	}
	assert.True(t, byID[readyID].DependenciesMet)
	assert.False(t, byID[blockedID].DependenciesMet)
}

func TestUpdateTaskStatusMetadata(t *testing.T) {
	t.Parallel()
	hdb := NewTestDB(t)

	id, err := hdb.CreateTask(&Task{Title: "t"})
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, hdb.UpdateTaskStatus(id, TaskStatusAssigned, map[string]any{
		"assignee":      "worker:backend",
		"assigned_at":   now,
		"current_phase": "apply",
	}))

	got, err := hdb.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusAssigned, got.Status)
	assert.Equal(t, "worker:backend", got.Assignee)
	assert.Equal(t, "apply", got.CurrentPhase)
	require.NotNil(t, got.AssignedAt)
	assert.WithinDuration(t, now, *got.AssignedAt, time.Second)

	// Empty string clears the column.
	require.NoError(t, hdb.UpdateTaskStatus(id, TaskStatusQueued, map[string]any{
		"assignee":   "",
		"started_at": "",
	}))
	got, err = hdb.GetTask(id)
	require.NoError(t, err)
	assert.Empty(t, got.Assignee)
	assert.Nil(t, got.StartedAt)
}

func TestUpdateTaskStatusTerminalSetsCompletedAt(t *testing.T) {
	t.Parallel()
	hdb := NewTestDB(t)

	id, err := hdb.CreateTask(&Task{Title: "t"})
	require.NoError(t, err)

	require.NoError(t, hdb.UpdateTaskStatus(id, TaskStatusCompleted, nil))
	got, err := hdb.GetTask(id)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
}

func TestUpdateTaskStatusUnknownColumnIsAdded(t *testing.T) {
	t.Parallel()
	hdb := NewTestDB(t)

	id, err := hdb.CreateTask(&Task{Title: "t"})
	require.NoError(t, err)

	require.NoError(t, hdb.UpdateTaskStatus(id, TaskStatusQueued, map[string]any{
		"review_feedback": "needs tests",
	}))

	var feedback string
	row := hdb.QueryRow("SELECT review_feedback FROM tasks WHERE id = ?", id)
	require.NoError(t, row.Scan(&feedback))
	assert.Equal(t, "needs tests", feedback)
}

func TestUpdateTaskStatusMissingTask(t *testing.T) {
	t.Parallel()
	hdb := NewTestDB(t)

	assert.Error(t, hdb.UpdateTaskStatus("missing", TaskStatusQueued, nil))
}

func TestCheckSubtaskDependencies(t *testing.T) {
	t.Parallel()
	hdb := NewTestDB(t)

	// Dependency matched by plain task id.
	depID, err := hdb.CreateTask(&Task{Title: "dep", Status: TaskStatusCompleted})
	require.NoError(t, err)

	id, err := hdb.CreateTask(&Task{
		Title:    "sub",
		TaskType: TaskTypePlannedSubtask,
		Payload:  map[string]any{"dependencies": []string{depID, "pending-one"}},
	})
	require.NoError(t, err)

	met, err := hdb.CheckSubtaskDependencies(id)
	require.NoError(t, err)
	assert.False(t, met)

	_, err = hdb.CreateTask(&Task{
		Title:   "other dep",
		Status:  TaskStatusCompleted,
		Payload: map[string]any{"subtask_id": "pending-one"},
	})
	require.NoError(t, err)

	met, err = hdb.CheckSubtaskDependencies(id)
	require.NoError(t, err)
	assert.True(t, met)
}

func TestCountTasksByStatus(t *testing.T) {
	t.Parallel()
	hdb := NewTestDB(t)

	_, err := hdb.CreateTask(&Task{Title: "a"})
	require.NoError(t, err)
	_, err = hdb.CreateTask(&Task{Title: "b"})
	require.NoError(t, err)
	_, err = hdb.CreateTask(&Task{Title: "c", Status: TaskStatusFailed})
	require.NoError(t, err)

	counts, err := hdb.CountTasksByStatus()
	require.NoError(t, err)
	assert.Equal(t, 2, counts[TaskStatusQueued])
	assert.Equal(t, 1, counts[TaskStatusFailed])
}

func TestEnsureColumnIdempotent(t *testing.T) {
	t.Parallel()
	hdb := NewTestDB(t)

	require.NoError(t, hdb.EnsureColumn("tasks", "extra_notes", "TEXT"))
	require.NoError(t, hdb.EnsureColumn("tasks", "extra_notes", "TEXT"))
	assert.Error(t, hdb.EnsureColumn("tasks", "bad; DROP TABLE tasks", "TEXT"))
}
