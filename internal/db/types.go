package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/randalmurphal/hive/internal/db/driver"
)

// Task statuses.
const (
	TaskStatusQueued        = "queued"
	TaskStatusAssigned      = "assigned"
	TaskStatusInProgress    = "in_progress"
	TaskStatusReviewPending = "review_pending"
	TaskStatusApproved      = "approved"
	TaskStatusRejected      = "rejected"
	TaskStatusReworkNeeded  = "rework_needed"
	TaskStatusEscalated     = "escalated"
	TaskStatusCompleted     = "completed"
	TaskStatusFailed        = "failed"
	TaskStatusCancelled     = "cancelled"
	TaskStatusPlanned       = "planned"
)

// Run statuses.
const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusSuccess   = "success"
	RunStatusFailure   = "failure"
	RunStatusTimeout   = "timeout"
	RunStatusCancelled = "cancelled"
)

// Execution plan statuses.
const (
	PlanStatusDraft     = "draft"
	PlanStatusGenerated = "generated"
	PlanStatusApproved  = "approved"
	PlanStatusExecuting = "executing"
	PlanStatusCompleted = "completed"
	PlanStatusFailed    = "failed"
)

// Planning queue statuses.
const (
	PlanningStatusPending  = "pending"
	PlanningStatusAssigned = "assigned"
	PlanningStatusPlanned  = "planned"
	PlanningStatusFailed   = "failed"
)

// TaskTypePlannedSubtask marks tasks materialized from an execution plan;
// they carry dependency gates in their payload.
const TaskTypePlannedSubtask = "planned_subtask"

// TerminalRunStatus reports whether a run status is terminal.
func TerminalRunStatus(status string) bool {
	switch status {
	case RunStatusSuccess, RunStatusFailure, RunStatusTimeout, RunStatusCancelled:
		return true
	}
	return false
}

// TerminalTaskStatus reports whether a task status is terminal.
func TerminalTaskStatus(status string) bool {
	switch status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// PhaseTransition describes where a workflow phase goes next.
type PhaseTransition struct {
	NextPhaseOnSuccess string `json:"next_phase_on_success"`
	NextPhaseOnFailure string `json:"next_phase_on_failure,omitempty"`
}

// Workflow maps phase name to its transitions. A nil workflow means the
// default apply -> test -> completed flow.
type Workflow map[string]PhaseTransition

// Task is a unit of work.
type Task struct {
	ID            string
	Title         string
	Description   string
	TaskType      string
	Priority      int
	Status        string
	CurrentPhase  string
	Workflow      Workflow
	Payload       map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
	AssignedWorker string
	DueDate       *time.Time
	MaxRetries    *int
	Tags          []string
	RetryCount    int
	Assignee      string
	AssignedAt    *time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	FailureReason string
	Worktree      string
	WorkspaceType string
	DependsOn     []string

	// DependenciesMet is an annotation computed by
	// GetQueuedTasksWithPlanning; it is never persisted.
	DependenciesMet bool

	// PlannerContext is an annotation attached by the plan bridge.
	PlannerContext map[string]any
}

// EffectiveMaxRetries returns the task's retry budget, falling back to the
// given default when the task does not declare one.
func (t *Task) EffectiveMaxRetries(def int) int {
	if t.MaxRetries != nil {
		return *t.MaxRetries
	}
	return def
}

// PayloadString returns a string payload field, or "" when absent.
func (t *Task) PayloadString(key string) string {
	if t.Payload == nil {
		return ""
	}
	if s, ok := t.Payload[key].(string); ok {
		return s
	}
	return ""
}

// Dependencies returns the union of the depends_on column and the
// payload dependency list.
func (t *Task) Dependencies() []string {
	seen := make(map[string]bool)
	var deps []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			deps = append(deps, id)
		}
	}
	for _, d := range t.DependsOn {
		add(d)
	}
	if t.Payload != nil {
		if raw, ok := t.Payload["dependencies"].([]any); ok {
			for _, d := range raw {
				if s, ok := d.(string); ok {
					add(s)
				}
			}
		}
	}
	return deps
}

// Run is one execution attempt of one phase of one task.
type Run struct {
	ID           string
	TaskID       string
	WorkerID     string
	RunNumber    int
	Status       string
	Phase        string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ResultData   map[string]any
	ErrorMessage string
	OutputLog    string
	Transcript   string

	// Result is synthesized on read for caller convenience.
	Result *RunResult
}

// RunResult is the convenience view attached to a loaded Run.
type RunResult struct {
	Status       string         `json:"status"`
	Data         map[string]any `json:"data,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	OutputLog    string         `json:"output_log,omitempty"`
}

// Worker is a worker registration row (not a process handle).
type Worker struct {
	ID            string
	Role          string
	Status        string
	LastHeartbeat *time.Time
	Capabilities  []string
	CurrentTaskID string
	Metadata      map[string]any
	RegisteredAt  time.Time
}

// Timestamp formats. Tasks/runs/workers use RFC3339; the event log uses
// nanosecond precision to make the dedup index meaningful.
const (
	timeFormat      = time.RFC3339
	eventTimeFormat = "2006-01-02 15:04:05.000000000"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		// Tolerate the event-log format and bare datetime('now') output.
		if t2, err2 := time.Parse(eventTimeFormat, s); err2 == nil {
			return t2, nil
		}
		if t2, err2 := time.Parse("2006-01-02 15:04:05", s); err2 == nil {
			return t2, nil
		}
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func marshalJSON(v any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	s := string(b)
	return &s, nil
}

func unmarshalMap(ns sql.NullString) map[string]any {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil
	}
	return m
}

func unmarshalStrings(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return nil
	}
	return out
}

// jsonField returns the dialect-specific expression extracting a top-level
// string key from a JSON column.
func jsonField(dialect driver.Dialect, col, key string) string {
	if dialect == driver.DialectPostgres {
		return col + "->>'" + key + "'"
	}
	return "json_extract(" + col + ", '$." + key + "')"
}
