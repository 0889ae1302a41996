package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PlanningRequest is an incoming free-form request awaiting planning.
type PlanningRequest struct {
	ID                 string
	TaskDescription    string
	Priority           int
	Requestor          string
	ContextData        map[string]any
	Status             string
	ComplexityEstimate string
	CreatedAt          time.Time
	AssignedAt         *time.Time
	CompletedAt        *time.Time
	AssignedAgent      string
}

// PlanSubtask is one entry of a plan's embedded sub_tasks list.
type PlanSubtask struct {
	ID                string   `json:"id"`
	Title             string   `json:"title"`
	Description       string   `json:"description,omitempty"`
	Assignee          string   `json:"assignee,omitempty"`
	Priority          int      `json:"priority,omitempty"`
	Dependencies      []string `json:"dependencies,omitempty"`
	WorkflowPhase     string   `json:"workflow_phase,omitempty"`
	EstimatedDuration int      `json:"estimated_duration,omitempty"`
	RequiredSkills    []string `json:"required_skills,omitempty"`
	Deliverables      []string `json:"deliverables,omitempty"`
	Complexity        string   `json:"complexity,omitempty"`
	Status            string   `json:"status,omitempty"`
}

// PlanData is the structured plan_data blob of an execution plan.
type PlanData struct {
	SubTasks []PlanSubtask `json:"sub_tasks"`
}

// ExecutionPlan is a planner output row.
type ExecutionPlan struct {
	ID                  string
	PlanningTaskID      string
	PlanData            *PlanData
	EstimatedDuration   int
	EstimatedComplexity string
	GeneratedWorkflow   map[string]any
	SubtaskCount        int
	DependencyCount     int
	GeneratedAt         time.Time
	Status              string
	UpdatedAt           *time.Time
}

// EnqueuePlanningRequest inserts a pending planning request.
func (h *HiveDB) EnqueuePlanningRequest(req *PlanningRequest) (string, error) {
	if req.ID == "" {
		req.ID = "plan_req_" + uuid.NewString()[:8]
	}
	if req.Status == "" {
		req.Status = PlanningStatusPending
	}
	if req.Priority == 0 {
		req.Priority = 5
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	ctxJSON, err := marshalJSON(nilIfEmptyMap(req.ContextData))
	if err != nil {
		return "", err
	}

	_, err = h.Exec(`
		INSERT INTO planning_queue (id, task_description, priority, requestor,
			context_data, status, complexity_estimate, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, req.ID, req.TaskDescription, req.Priority,
		nilIfEmptyString(req.Requestor), ctxJSON, req.Status,
		nilIfEmptyString(req.ComplexityEstimate), formatTime(req.CreatedAt))
	if err != nil {
		return "", fmt.Errorf("enqueue planning request: %w", err)
	}
	return req.ID, nil
}

// PendingPlanningRequests returns pending entries ordered by priority.
func (h *HiveDB) PendingPlanningRequests(limit int) ([]PlanningRequest, error) {
	rows, err := h.Query(`
		SELECT id, task_description, priority, requestor, context_data,
			status, complexity_estimate, created_at, assigned_at,
			completed_at, assigned_agent
		FROM planning_queue
		WHERE status = ?
		ORDER BY priority DESC, created_at ASC
		LIMIT ?`, PlanningStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("pending planning requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PlanningRequest
	for rows.Next() {
		var (
			r             PlanningRequest
			requestor     sql.NullString
			contextData   sql.NullString
			complexity    sql.NullString
			createdAt     string
			assignedAt    sql.NullString
			completedAt   sql.NullString
			assignedAgent sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.TaskDescription, &r.Priority,
			&requestor, &contextData, &r.Status, &complexity, &createdAt,
			&assignedAt, &completedAt, &assignedAgent); err != nil {
			return nil, fmt.Errorf("scan planning request: %w", err)
		}
		r.Requestor = requestor.String
		r.ContextData = unmarshalMap(contextData)
		r.ComplexityEstimate = complexity.String
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		r.AssignedAt = parseTimePtr(assignedAt)
		r.CompletedAt = parseTimePtr(completedAt)
		r.AssignedAgent = assignedAgent.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate planning requests: %w", err)
	}
	return out, nil
}

// SaveExecutionPlan upserts an execution plan row.
func (h *HiveDB) SaveExecutionPlan(p *ExecutionPlan) error {
	if p.ID == "" {
		p.ID = "plan_" + uuid.NewString()[:8]
	}
	if p.Status == "" {
		p.Status = PlanStatusDraft
	}
	if p.GeneratedAt.IsZero() {
		p.GeneratedAt = time.Now().UTC()
	}
	if p.PlanData != nil {
		p.SubtaskCount = len(p.PlanData.SubTasks)
		deps := 0
		for _, st := range p.PlanData.SubTasks {
			deps += len(st.Dependencies)
		}
		p.DependencyCount = deps
	}

	planJSON, err := marshalJSON(p.PlanData)
	if err != nil {
		return err
	}
	workflowJSON, err := marshalJSON(nilIfEmptyMap(p.GeneratedWorkflow))
	if err != nil {
		return err
	}

	_, err = h.Exec(`
		INSERT INTO execution_plans (id, planning_task_id, plan_data,
			estimated_duration, estimated_complexity, generated_workflow,
			subtask_count, dependency_count, generated_at, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			plan_data = excluded.plan_data,
			estimated_duration = excluded.estimated_duration,
			estimated_complexity = excluded.estimated_complexity,
			generated_workflow = excluded.generated_workflow,
			subtask_count = excluded.subtask_count,
			dependency_count = excluded.dependency_count,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, p.ID, nilIfEmptyString(p.PlanningTaskID), planJSON,
		p.EstimatedDuration, nilIfEmptyString(p.EstimatedComplexity),
		workflowJSON, p.SubtaskCount, p.DependencyCount,
		formatTime(p.GeneratedAt), p.Status, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save execution plan %s: %w", p.ID, err)
	}

	h.planCache.invalidate(p.ID)
	return nil
}

// GetExecutionPlan loads a plan by ID. Returns (nil, nil) when absent.
func (h *HiveDB) GetExecutionPlan(id string) (*ExecutionPlan, error) {
	row := h.QueryRow(`
		SELECT id, planning_task_id, plan_data, estimated_duration,
			estimated_complexity, generated_workflow, subtask_count,
			dependency_count, generated_at, status, updated_at
		FROM execution_plans WHERE id = ?`, id)

	var (
		p              ExecutionPlan
		planningTaskID sql.NullString
		planData       sql.NullString
		estDuration    sql.NullInt64
		estComplexity  sql.NullString
		genWorkflow    sql.NullString
		generatedAt    string
		updatedAt      sql.NullString
	)
	err := row.Scan(&p.ID, &planningTaskID, &planData, &estDuration,
		&estComplexity, &genWorkflow, &p.SubtaskCount, &p.DependencyCount,
		&generatedAt, &p.Status, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get execution plan %s: %w", id, err)
	}

	p.PlanningTaskID = planningTaskID.String
	if planData.Valid && planData.String != "" {
		var pd PlanData
		if err := json.Unmarshal([]byte(planData.String), &pd); err == nil {
			p.PlanData = &pd
		}
	}
	if estDuration.Valid {
		p.EstimatedDuration = int(estDuration.Int64)
	}
	p.EstimatedComplexity = estComplexity.String
	p.GeneratedWorkflow = unmarshalMap(genWorkflow)
	if p.GeneratedAt, err = parseTime(generatedAt); err != nil {
		return nil, err
	}
	p.UpdatedAt = parseTimePtr(updatedAt)
	return &p, nil
}

// planStatusCache is an in-process TTL cache for plan statuses; the
// scheduler polls plan status every tick and rarely needs a fresh read.
type planStatusCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]planStatusEntry
}

type planStatusEntry struct {
	status string
	at     time.Time
}

func newPlanStatusCache() *planStatusCache {
	return &planStatusCache{
		ttl:     60 * time.Second,
		entries: make(map[string]planStatusEntry),
	}
}

func (c *planStatusCache) get(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || time.Since(e.at) > c.ttl {
		return "", false
	}
	return e.status, true
}

func (c *planStatusCache) put(id, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = planStatusEntry{status: status, at: time.Now()}
}

func (c *planStatusCache) invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// SetPlanStatusCacheTTL overrides the cache TTL (default 60 s).
func (h *HiveDB) SetPlanStatusCacheTTL(ttl time.Duration) {
	h.planCache.mu.Lock()
	defer h.planCache.mu.Unlock()
	h.planCache.ttl = ttl
}

// GetExecutionPlanStatus returns a plan's status through the TTL cache.
func (h *HiveDB) GetExecutionPlanStatus(planID string) (string, error) {
	if status, ok := h.planCache.get(planID); ok {
		return status, nil
	}

	var status string
	row := h.QueryRow("SELECT status FROM execution_plans WHERE id = ?", planID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("execution plan %s not found", planID)
		}
		return "", fmt.Errorf("plan status %s: %w", planID, err)
	}

	h.planCache.put(planID, status)
	return status, nil
}

// MarkPlanExecutionStarted transitions a plan generated|approved ->
// executing. Calling it on a plan already executing is a no-op.
func (h *HiveDB) MarkPlanExecutionStarted(planID string) error {
	err := h.RunInTx(context.Background(), func(tx *TxOps) error {
		var status string
		row := tx.QueryRow("SELECT status FROM execution_plans WHERE id = ?", planID)
		if err := row.Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("execution plan %s not found", planID)
			}
			return fmt.Errorf("read plan status: %w", err)
		}

		switch status {
		case PlanStatusExecuting:
			return nil // idempotent
		case PlanStatusGenerated, PlanStatusApproved:
		default:
			return fmt.Errorf("plan %s cannot start execution from status %s", planID, status)
		}

		if _, err := tx.Exec(
			"UPDATE execution_plans SET status = ?, updated_at = ? WHERE id = ?",
			PlanStatusExecuting, formatTime(time.Now()), planID); err != nil {
			return fmt.Errorf("mark plan executing: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	h.planCache.invalidate(planID)
	return nil
}

// CreatePlannedSubtasksFromPlan materializes plan subtasks as queued
// planned_subtask rows. Already-materialized subtasks are skipped; the
// whole batch is inserted in one transaction. Returns the number created.
func (h *HiveDB) CreatePlannedSubtasksFromPlan(planID string) (int, error) {
	plan, err := h.GetExecutionPlan(planID)
	if err != nil {
		return 0, err
	}
	if plan == nil {
		return 0, fmt.Errorf("execution plan %s not found", planID)
	}
	if plan.PlanData == nil || len(plan.PlanData.SubTasks) == 0 {
		return 0, nil
	}

	subtaskRef := jsonField(h.Dialect(), "payload", "subtask_id")
	planRef := jsonField(h.Dialect(), "payload", "parent_plan_id")

	created := 0
	err = h.RunInTx(context.Background(), func(tx *TxOps) error {
		for _, st := range plan.PlanData.SubTasks {
			var n int
			row := tx.QueryRow(fmt.Sprintf(
				"SELECT COUNT(*) FROM tasks WHERE %s = ? AND %s = ?",
				subtaskRef, planRef), st.ID, planID)
			if err := row.Scan(&n); err != nil {
				return fmt.Errorf("check subtask %s: %w", st.ID, err)
			}
			if n > 0 {
				continue
			}

			payload := map[string]any{
				"parent_plan_id": planID,
				"subtask_id":     st.ID,
			}
			if len(st.Dependencies) > 0 {
				payload["dependencies"] = st.Dependencies
			}
			if st.WorkflowPhase != "" {
				payload["workflow_phase"] = st.WorkflowPhase
			}
			if len(st.RequiredSkills) > 0 {
				payload["required_skills"] = st.RequiredSkills
			}
			if len(st.Deliverables) > 0 {
				payload["deliverables"] = st.Deliverables
			}
			if st.Assignee != "" {
				payload["assignee"] = st.Assignee
			}

			payloadJSON, err := marshalJSON(payload)
			if err != nil {
				return err
			}

			priority := st.Priority
			if priority == 0 {
				priority = 5
			}
			now := formatTime(time.Now())
			taskID := "task_" + uuid.NewString()[:8]

			if _, err := tx.Exec(`
				INSERT INTO tasks (id, title, description, task_type, priority,
					status, current_phase, payload, created_at, updated_at,
					max_retries, retry_count)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, taskID, st.Title, st.Description, TaskTypePlannedSubtask,
				priority, TaskStatusQueued, "start", payloadJSON, now, now,
				3, 0); err != nil {
				return fmt.Errorf("insert subtask %s: %w", st.ID, err)
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("materialize plan %s: %w", planID, err)
	}
	return created, nil
}
