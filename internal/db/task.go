package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// taskColumns is the canonical select list; scanTask must stay in sync.
const taskColumns = `id, title, description, task_type, priority, status, current_phase,
	workflow, payload, created_at, updated_at, assigned_worker, due_date,
	max_retries, tags, retry_count, assignee, assigned_at, started_at,
	completed_at, failure_reason, worktree, workspace_type, depends_on`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanTask scans a taskColumns row; extra destinations are appended for
// queries that select additional columns after the task's.
func scanTask(row rowScanner, extras ...any) (*Task, error) {
	var (
		t              Task
		description    sql.NullString
		currentPhase   sql.NullString
		workflow       sql.NullString
		payload        sql.NullString
		createdAt      string
		updatedAt      string
		assignedWorker sql.NullString
		dueDate        sql.NullString
		maxRetries     sql.NullInt64
		tags           sql.NullString
		assignee       sql.NullString
		assignedAt     sql.NullString
		startedAt      sql.NullString
		completedAt    sql.NullString
		failureReason  sql.NullString
		worktree       sql.NullString
		workspaceType  sql.NullString
		dependsOn      sql.NullString
	)

	dest := []any{
		&t.ID, &t.Title, &description, &t.TaskType, &t.Priority, &t.Status,
		&currentPhase, &workflow, &payload, &createdAt, &updatedAt,
		&assignedWorker, &dueDate, &maxRetries, &tags, &t.RetryCount,
		&assignee, &assignedAt, &startedAt, &completedAt, &failureReason,
		&worktree, &workspaceType, &dependsOn,
	}
	dest = append(dest, extras...)
	err := row.Scan(dest...)
	if err != nil {
		return nil, err
	}

	t.Description = description.String
	t.CurrentPhase = currentPhase.String
	t.AssignedWorker = assignedWorker.String
	t.Assignee = assignee.String
	t.FailureReason = failureReason.String
	t.Worktree = worktree.String
	t.WorkspaceType = workspaceType.String

	if workflow.Valid && workflow.String != "" {
		var wf Workflow
		if err := json.Unmarshal([]byte(workflow.String), &wf); err == nil {
			t.Workflow = wf
		}
	}
	t.Payload = unmarshalMap(payload)
	t.Tags = unmarshalStrings(tags)
	t.DependsOn = unmarshalStrings(dependsOn)

	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	t.DueDate = parseTimePtr(dueDate)
	t.AssignedAt = parseTimePtr(assignedAt)
	t.StartedAt = parseTimePtr(startedAt)
	t.CompletedAt = parseTimePtr(completedAt)

	if maxRetries.Valid {
		n := int(maxRetries.Int64)
		t.MaxRetries = &n
	}

	return &t, nil
}

// qualifiedTaskColumns returns taskColumns with every column prefixed,
// for queries joining tasks against other tables.
func qualifiedTaskColumns(prefix string) string {
	cols := strings.Split(taskColumns, ",")
	for i, c := range cols {
		cols[i] = prefix + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// QualifiedTaskColumns exposes the prefixed select list for packages
// that join tasks against other tables.
func QualifiedTaskColumns(prefix string) string {
	return qualifiedTaskColumns(prefix)
}

// ScanTasksWithPlanColumns scans rows selecting the task columns followed
// by the parent plan's estimated_duration and estimated_complexity; the
// plan columns are seeded into each task's PlannerContext.
func ScanTasksWithPlanColumns(rows *sql.Rows) ([]Task, error) {
	defer func() { _ = rows.Close() }()

	var tasks []Task
	for rows.Next() {
		var (
			estDuration   sql.NullInt64
			estComplexity sql.NullString
		)
		t, err := scanTask(rows, &estDuration, &estComplexity)
		if err != nil {
			return nil, fmt.Errorf("scan planned task: %w", err)
		}
		t.PlannerContext = make(map[string]any)
		if estDuration.Valid {
			t.PlannerContext["estimated_duration"] = int(estDuration.Int64)
		}
		if estComplexity.Valid && estComplexity.String != "" {
			t.PlannerContext["complexity"] = estComplexity.String
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate planned tasks: %w", err)
	}
	return tasks, nil
}

// CreateTask inserts a task, applying defaults for unset fields, and
// returns the task ID.
func (h *HiveDB) CreateTask(t *Task) (string, error) {
	if t.ID == "" {
		t.ID = "task_" + uuid.NewString()[:8]
	}
	if t.TaskType == "" {
		t.TaskType = "general"
	}
	if t.Status == "" {
		t.Status = TaskStatusQueued
	}
	if t.Priority == 0 {
		t.Priority = 1
	}
	if t.MaxRetries == nil {
		n := 3
		t.MaxRetries = &n
	}
	if t.CurrentPhase == "" {
		t.CurrentPhase = "start"
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	workflowJSON, err := marshalJSON(nilIfEmptyWorkflow(t.Workflow))
	if err != nil {
		return "", err
	}
	payloadJSON, err := marshalJSON(nilIfEmptyMap(t.Payload))
	if err != nil {
		return "", err
	}
	tagsJSON, err := marshalJSON(nilIfEmptySlice(t.Tags))
	if err != nil {
		return "", err
	}
	dependsJSON, err := marshalJSON(nilIfEmptySlice(t.DependsOn))
	if err != nil {
		return "", err
	}

	_, err = h.Exec(`
		INSERT INTO tasks (id, title, description, task_type, priority, status,
			current_phase, workflow, payload, created_at, updated_at,
			max_retries, tags, retry_count, depends_on)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Title, t.Description, t.TaskType, t.Priority, t.Status,
		t.CurrentPhase, workflowJSON, payloadJSON,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
		*t.MaxRetries, tagsJSON, t.RetryCount, dependsJSON)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	return t.ID, nil
}

// GetTask loads a task by ID. Returns (nil, nil) when not found.
func (h *HiveDB) GetTask(id string) (*Task, error) {
	row := h.QueryRow("SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func scanTaskRows(rows *sql.Rows) ([]Task, error) {
	defer func() { _ = rows.Close() }()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// ListTasks returns tasks, optionally filtered by status, newest first.
func (h *HiveDB) ListTasks(status string) ([]Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"

	rows, err := h.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return scanTaskRows(rows)
}

// TasksByStatus returns tasks in the given status, oldest first.
func (h *HiveDB) TasksByStatus(status string) ([]Task, error) {
	rows, err := h.Query(
		"SELECT "+taskColumns+" FROM tasks WHERE status = ? ORDER BY created_at ASC",
		status)
	if err != nil {
		return nil, fmt.Errorf("tasks by status %s: %w", status, err)
	}
	return scanTaskRows(rows)
}

// CountTasksByStatus returns a status -> count map over all tasks.
func (h *HiveDB) CountTasksByStatus() (map[string]int, error) {
	rows, err := h.Query("SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

// GetQueuedTasks returns queued tasks ordered by priority DESC, created_at
// ASC, optionally filtered by task type.
func (h *HiveDB) GetQueuedTasks(limit int, taskType string) ([]Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE status = ?"
	args := []any{TaskStatusQueued}
	if taskType != "" {
		query += " AND task_type = ?"
		args = append(args, taskType)
	}
	query += " ORDER BY priority DESC, created_at ASC LIMIT ?"
	args = append(args, limit)

	rows, err := h.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get queued tasks: %w", err)
	}
	return scanTaskRows(rows)
}

// GetQueuedTasksWithPlanning returns queued tasks for scheduling.
// Planned subtasks are admitted only while their parent plan is in
// generated/approved/executing, receive a +10 priority boost in the
// ordering (the stored priority is untouched), and are annotated with
// DependenciesMet resolved in a single batch query.
func (h *HiveDB) GetQueuedTasksWithPlanning(limit int, taskType string) ([]Task, error) {
	planRef := jsonField(h.Dialect(), "t.payload", "parent_plan_id")
	query := `
		SELECT ` + qualifiedTaskColumns("t") + `
		FROM tasks t
		LEFT JOIN execution_plans p ON p.id = ` + planRef + `
		WHERE t.status = ?
		  AND (t.task_type != ? OR p.status IN (?, ?, ?))`
	args := []any{TaskStatusQueued, TaskTypePlannedSubtask,
		PlanStatusGenerated, PlanStatusApproved, PlanStatusExecuting}
	if taskType != "" {
		query += " AND t.task_type = ?"
		args = append(args, taskType)
	}
	query += `
		ORDER BY (t.priority + CASE WHEN t.task_type = ? THEN 10 ELSE 0 END) DESC,
			t.created_at ASC
		LIMIT ?`
	args = append(args, TaskTypePlannedSubtask, limit)

	rows, err := h.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get queued tasks with planning: %w", err)
	}
	tasks, err := scanTaskRows(rows)
	if err != nil {
		return nil, err
	}

	if err := h.annotateDependencies(tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// annotateDependencies resolves all dependency IDs across the batch with
// one query and sets DependenciesMet per task.
func (h *HiveDB) annotateDependencies(tasks []Task) error {
	depSet := make(map[string]bool)
	for i := range tasks {
		for _, d := range tasks[i].Dependencies() {
			depSet[d] = true
		}
	}
	if len(depSet) == 0 {
		for i := range tasks {
			tasks[i].DependenciesMet = true
		}
		return nil
	}

	ids := make([]string, 0, len(depSet))
	for d := range depSet {
		ids = append(ids, d)
	}

	completed, err := h.completedDependencyIDs(ids)
	if err != nil {
		return err
	}

	for i := range tasks {
		met := true
		for _, d := range tasks[i].Dependencies() {
			if !completed[d] {
				met = false
				break
			}
		}
		tasks[i].DependenciesMet = met
	}
	return nil
}

// completedDependencyIDs returns the subset of ids that resolve to a
// completed task, matching either the task id or payload.subtask_id.
func (h *HiveDB) completedDependencyIDs(ids []string) (map[string]bool, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	subtaskRef := jsonField(h.Dialect(), "payload", "subtask_id")
	query := fmt.Sprintf(`
		SELECT id, %s FROM tasks
		WHERE status = ? AND (id IN (%s) OR %s IN (%s))`,
		subtaskRef, placeholders, subtaskRef, placeholders)

	args := make([]any, 0, 1+2*len(ids))
	args = append(args, TaskStatusCompleted)
	for _, id := range ids {
		args = append(args, id)
	}
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := h.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("resolve dependencies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	completed := make(map[string]bool)
	for rows.Next() {
		var id string
		var subtaskID sql.NullString
		if err := rows.Scan(&id, &subtaskID); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		completed[id] = true
		if subtaskID.Valid && subtaskID.String != "" {
			completed[subtaskID.String] = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dependencies: %w", err)
	}
	return completed, nil
}

// CheckSubtaskDependencies reports whether every dependency of the task
// resolves to a completed task.
func (h *HiveDB) CheckSubtaskDependencies(taskID string) (bool, error) {
	t, err := h.GetTask(taskID)
	if err != nil {
		return false, err
	}
	if t == nil {
		return false, fmt.Errorf("task %s not found", taskID)
	}

	deps := t.Dependencies()
	if len(deps) == 0 {
		return true, nil
	}

	completed, err := h.completedDependencyIDs(deps)
	if err != nil {
		return false, err
	}
	for _, d := range deps {
		if !completed[d] {
			return false, nil
		}
	}
	return true, nil
}

// taskMetaColumns are the columns UpdateTaskStatus may set via metadata.
var taskMetaColumns = map[string]bool{
	"assignee":        true,
	"assigned_at":     true,
	"current_phase":   true,
	"started_at":      true,
	"completed_at":    true,
	"failure_reason":  true,
	"retry_count":     true,
	"worktree":        true,
	"workspace_type":  true,
	"assigned_worker": true,
}

// UpdateTaskStatus transitions a task and applies metadata columns.
// An empty-string metadata value clears the column (NULL). Unknown
// metadata keys are added as TEXT columns first (additive evolution).
func (h *HiveDB) UpdateTaskStatus(id, status string, meta map[string]any) error {
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{status, formatTime(time.Now())}

	if TerminalTaskStatus(status) {
		if _, ok := meta["completed_at"]; !ok {
			sets = append(sets, "completed_at = ?")
			args = append(args, formatTime(time.Now()))
		}
	}

	for key, val := range meta {
		if !taskMetaColumns[key] {
			if !identRe.MatchString(key) {
				return fmt.Errorf("invalid metadata column %q", key)
			}
			if err := h.EnsureColumn("tasks", key, "TEXT"); err != nil {
				return err
			}
		}
		sets = append(sets, key+" = ?")
		args = append(args, normalizeMetaValue(val))
	}

	args = append(args, id)
	res, err := h.Exec(
		"UPDATE tasks SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("task %s not found", id)
	}
	return nil
}

// normalizeMetaValue converts metadata values for storage: time.Time is
// formatted, empty string clears to NULL.
func normalizeMetaValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		if val == "" {
			return nil
		}
		return val
	case time.Time:
		return formatTime(val)
	case *time.Time:
		if val == nil {
			return nil
		}
		return formatTime(*val)
	default:
		return v
	}
}

// DeleteTask removes a task and (via FK cascade) its runs.
func (h *HiveDB) DeleteTask(id string) error {
	if _, err := h.Exec("DELETE FROM tasks WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

func nilIfEmptyMap(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	return m
}

func nilIfEmptySlice(s []string) any {
	if len(s) == 0 {
		return nil
	}
	return s
}

func nilIfEmptyWorkflow(w Workflow) any {
	if len(w) == 0 {
		return nil
	}
	return w
}
