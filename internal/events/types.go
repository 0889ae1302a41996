package events

// Task lifecycle events.
const (
	TaskCreated         = "task.created"
	TaskQueued          = "task.queued"
	TaskAssigned        = "task.assigned"
	TaskStarted         = "task.started"
	TaskCompleted       = "task.completed"
	TaskFailed          = "task.failed"
	TaskReviewRequested = "task.review_requested"
	TaskReviewCompleted = "task.review_completed"
	TaskEscalated       = "task.escalated"
)

// Agent lifecycle events.
const (
	AgentStarted         = "agent.started"
	AgentStopped         = "agent.stopped"
	AgentHeartbeat       = "agent.heartbeat"
	AgentError           = "agent.error"
	AgentCapacityChanged = "agent.capacity_changed"
)

// Workflow choreography events.
const (
	WorkflowPlanGenerated        = "workflow.plan_generated"
	WorkflowPhaseStarted         = "workflow.phase_started"
	WorkflowPhaseCompleted       = "workflow.phase_completed"
	WorkflowDependenciesResolved = "workflow.dependencies_resolved"
	WorkflowBlocked              = "workflow.blocked"
)

// Recognized top-level payload keys for task.* events. The payload itself
// is an opaque JSON object; these are conventions, not a schema.
const (
	KeyTaskID     = "task_id"
	KeyTaskStatus = "task_status"
	KeyAssignee   = "assignee"
	KeyPhase      = "phase"
)
