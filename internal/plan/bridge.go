// Package plan bridges the planner's output to the task queue: it
// materializes execution plans into dependency-gated subtasks and feeds
// subtask terminal states back into plan progress.
package plan

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/hive/internal/db"
	"github.com/randalmurphal/hive/internal/db/driver"
)

// Bridge connects execution plans to the task queue.
type Bridge struct {
	store *db.HiveDB
	log   *slog.Logger
}

// New creates a plan bridge.
func New(store *db.HiveDB, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{store: store, log: log}
}

// unmetDepCondition returns a dialect-specific predicate that holds when
// every dependency listed in t.payload resolves to a completed task
// (matched by id or payload.subtask_id).
func unmetDepCondition(dialect driver.Dialect) string {
	if dialect == driver.DialectPostgres {
		return `(SELECT COUNT(*)
			FROM jsonb_array_elements_text(COALESCE(t.payload->'dependencies', '[]'::jsonb)) AS d(value)
			WHERE NOT EXISTS (
				SELECT 1 FROM tasks c
				WHERE c.status = 'completed'
				  AND (c.id = d.value OR c.payload->>'subtask_id' = d.value))) = 0`
	}
	return `(SELECT COUNT(*)
		FROM json_each(COALESCE(json_extract(t.payload, '$.dependencies'), '[]')) AS d
		WHERE NOT EXISTS (
			SELECT 1 FROM tasks c
			WHERE c.status = 'completed'
			  AND (c.id = d.value OR json_extract(c.payload, '$.subtask_id') = d.value))) = 0`
}

// GetReadyPlannedSubtasks returns queued planned subtasks whose parent
// plan is non-terminal and whose dependencies are all completed, in one
// query with a correlated dependency-count subquery. Each returned task
// carries DependenciesMet=true and an enriched PlannerContext.
func (b *Bridge) GetReadyPlannedSubtasks(limit int) ([]db.Task, error) {
	dialect := b.store.Dialect()
	planRef := planPayloadField(dialect, "t.payload", "parent_plan_id")

	query := fmt.Sprintf(`
		SELECT %s, p.estimated_duration, p.estimated_complexity
		FROM tasks t
		JOIN execution_plans p ON p.id = %s
		WHERE t.status = ?
		  AND t.task_type = ?
		  AND p.status IN (?, ?, ?)
		  AND %s
		ORDER BY t.priority DESC, t.created_at ASC
		LIMIT ?`,
		qualifiedTaskSelect(), planRef, unmetDepCondition(dialect))

	rows, err := b.store.Query(query,
		db.TaskStatusQueued, db.TaskTypePlannedSubtask,
		db.PlanStatusGenerated, db.PlanStatusApproved, db.PlanStatusExecuting,
		limit)
	if err != nil {
		return nil, fmt.Errorf("ready planned subtasks: %w", err)
	}

	tasks, err := db.ScanTasksWithPlanColumns(rows)
	if err != nil {
		return nil, err
	}

	for i := range tasks {
		t := &tasks[i]
		t.DependenciesMet = true
		if t.PlannerContext == nil {
			t.PlannerContext = make(map[string]any)
		}
		t.PlannerContext["parent_plan_id"] = t.PayloadString("parent_plan_id")
		t.PlannerContext["subtask_id"] = t.PayloadString("subtask_id")
		t.PlannerContext["workflow_phase"] = t.PayloadString("workflow_phase")
		t.PlannerContext["assignee"] = t.PayloadString("assignee")
		if t.Payload != nil {
			if skills, ok := t.Payload["required_skills"]; ok {
				t.PlannerContext["required_skills"] = skills
			}
			if deliverables, ok := t.Payload["deliverables"]; ok {
				t.PlannerContext["deliverables"] = deliverables
			}
		}
	}
	return tasks, nil
}

// MonitorPlanningQueueChanges returns newly pending planning requests,
// up to 10, highest priority first.
func (b *Bridge) MonitorPlanningQueueChanges() ([]db.PlanningRequest, error) {
	return b.store.PendingPlanningRequests(10)
}

// UpdateExecutionPlanProgress rewrites the embedded subtask statuses in
// plan_data and recomputes the overall plan status:
// all completed -> completed; any failed -> failed; any in_progress or
// assigned -> executing; otherwise generated.
func (b *Bridge) UpdateExecutionPlanProgress(planID string, statusBySubtask map[string]string) (bool, error) {
	if len(statusBySubtask) == 0 {
		return false, nil
	}

	p, err := b.store.GetExecutionPlan(planID)
	if err != nil {
		return false, err
	}
	if p == nil || p.PlanData == nil {
		return false, fmt.Errorf("execution plan %s not found", planID)
	}

	for i := range p.PlanData.SubTasks {
		st := &p.PlanData.SubTasks[i]
		if newStatus, ok := statusBySubtask[st.ID]; ok {
			st.Status = newStatus
		}
	}
	p.Status = recomputePlanStatus(p.PlanData.SubTasks)

	if err := b.store.SaveExecutionPlan(p); err != nil {
		return false, err
	}
	return true, nil
}

func recomputePlanStatus(subtasks []db.PlanSubtask) string {
	if len(subtasks) == 0 {
		return db.PlanStatusGenerated
	}
	completed := 0
	for _, st := range subtasks {
		switch st.Status {
		case db.TaskStatusFailed:
			return db.PlanStatusFailed
		case db.TaskStatusCompleted:
			completed++
		}
	}
	if completed == len(subtasks) {
		return db.PlanStatusCompleted
	}
	for _, st := range subtasks {
		switch st.Status {
		case db.TaskStatusInProgress, db.TaskStatusAssigned:
			return db.PlanStatusExecuting
		}
	}
	return db.PlanStatusGenerated
}

// SyncSubtaskStatusToPlan propagates one task's status change into its
// parent plan's progress. Returns false when the task carries no plan
// reference.
func (b *Bridge) SyncSubtaskStatusToPlan(taskID, newStatus string) (bool, error) {
	t, err := b.store.GetTask(taskID)
	if err != nil {
		return false, err
	}
	if t == nil {
		return false, fmt.Errorf("task %s not found", taskID)
	}

	planID := t.PayloadString("parent_plan_id")
	subtaskID := t.PayloadString("subtask_id")
	if planID == "" || subtaskID == "" {
		return false, nil
	}
	return b.UpdateExecutionPlanProgress(planID, map[string]string{subtaskID: newStatus})
}

// CompletionStatus summarizes live subtask progress for one plan.
type CompletionStatus struct {
	Total                int     `json:"total"`
	Completed            int     `json:"completed"`
	Failed               int     `json:"failed"`
	InProgress           int     `json:"in_progress"`
	Queued               int     `json:"queued"`
	CompletionPercentage float64 `json:"completion_percentage"`
	IsComplete           bool    `json:"is_complete"`
	HasFailures          bool    `json:"has_failures"`
}

// GetPlanCompletionStatus joins live task statuses against the plan's
// subtask list and returns aggregate progress.
func (b *Bridge) GetPlanCompletionStatus(planID string) (*CompletionStatus, error) {
	p, err := b.store.GetExecutionPlan(planID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("execution plan %s not found", planID)
	}

	planRef := planPayloadField(b.store.Dialect(), "payload", "parent_plan_id")
	rows, err := b.store.Query(fmt.Sprintf(
		"SELECT status, COUNT(*) FROM tasks WHERE %s = ? GROUP BY status", planRef),
		planID)
	if err != nil {
		return nil, fmt.Errorf("plan completion %s: %w", planID, err)
	}
	defer func() { _ = rows.Close() }()

	cs := &CompletionStatus{}
	materialized := 0
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan plan completion: %w", err)
		}
		materialized += n
		switch status {
		case db.TaskStatusCompleted:
			cs.Completed += n
		case db.TaskStatusFailed:
			cs.Failed += n
		case db.TaskStatusInProgress, db.TaskStatusAssigned:
			cs.InProgress += n
		case db.TaskStatusQueued:
			cs.Queued += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plan completion: %w", err)
	}

	cs.Total = materialized
	if p.SubtaskCount > cs.Total {
		cs.Total = p.SubtaskCount
	}
	if cs.Total > 0 {
		cs.CompletionPercentage = 100 * float64(cs.Completed) / float64(cs.Total)
	}
	cs.IsComplete = cs.Total > 0 && cs.Completed == cs.Total
	cs.HasFailures = cs.Failed > 0
	return cs, nil
}

// TriggerPlanExecution materializes any missing subtasks and moves the
// plan to executing. Safe to call repeatedly.
func (b *Bridge) TriggerPlanExecution(planID string) (bool, error) {
	status, err := b.store.GetExecutionPlanStatus(planID)
	if err != nil {
		return false, err
	}
	if status == db.PlanStatusCompleted || status == db.PlanStatusFailed {
		return false, nil
	}

	created, err := b.store.CreatePlannedSubtasksFromPlan(planID)
	if err != nil {
		return false, err
	}
	if created > 0 {
		b.log.Info("materialized plan subtasks", "plan_id", planID, "created", created)
	}

	if status != db.PlanStatusExecuting {
		if err := b.store.MarkPlanExecutionStarted(planID); err != nil {
			return false, err
		}
	}
	return true, nil
}

// CleanupCompletedPlans deletes completed plans older than maxAgeDays,
// removing their planned subtasks first. Returns the number of plans
// removed.
func (b *Bridge) CleanupCompletedPlans(maxAgeDays int) (int, error) {
	if maxAgeDays <= 0 {
		maxAgeDays = 7
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays).Format(time.RFC3339)

	rows, err := b.store.Query(`
		SELECT id FROM execution_plans
		WHERE status = ? AND COALESCE(updated_at, generated_at) < ?`,
		db.PlanStatusCompleted, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale plans: %w", err)
	}
	var planIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan stale plan: %w", err)
		}
		planIDs = append(planIDs, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("iterate stale plans: %w", err)
	}
	_ = rows.Close()

	planRef := planPayloadField(b.store.Dialect(), "payload", "parent_plan_id")
	removed := 0
	for _, planID := range planIDs {
		err := b.store.RunInTx(context.Background(), func(tx *db.TxOps) error {
			// Subtasks first: the plans row is referenced by payload only,
			// but runs cascade from tasks.
			if _, err := tx.Exec(fmt.Sprintf(
				"DELETE FROM tasks WHERE task_type = ? AND %s = ?", planRef),
				db.TaskTypePlannedSubtask, planID); err != nil {
				return fmt.Errorf("delete plan subtasks: %w", err)
			}
			if _, err := tx.Exec(
				"DELETE FROM execution_plans WHERE id = ?", planID); err != nil {
				return fmt.Errorf("delete plan: %w", err)
			}
			return nil
		})
		if err != nil {
			return removed, fmt.Errorf("cleanup plan %s: %w", planID, err)
		}
		removed++
	}
	return removed, nil
}

func planPayloadField(dialect driver.Dialect, col, key string) string {
	if dialect == driver.DialectPostgres {
		return col + "->>'" + key + "'"
	}
	return "json_extract(" + col + ", '$." + key + "')"
}

func qualifiedTaskSelect() string {
	return db.QualifiedTaskColumns("t")
}
