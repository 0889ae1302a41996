package queen

import (
	"log/slog"

	"github.com/randalmurphal/hive/internal/db"
	"github.com/randalmurphal/hive/internal/events"
)

// registerChoreography wires the event subscriptions that advance tasks
// outside the scheduling tick. The bus already isolates handler panics;
// handlers here additionally swallow their own errors into logs so a bad
// event can never wedge the loop.
func (q *Queen) registerChoreography() {
	if q.bus == nil {
		return
	}
	q.bus.Subscribe(events.WorkflowPlanGenerated, "queen-plan-generated", q.onPlanGenerated)
	q.bus.Subscribe(events.TaskReviewCompleted, "queen-review-completed", q.onReviewCompleted)
	q.bus.Subscribe(events.TaskEscalated, "queen-escalated", q.onEscalated)
}

// onPlanGenerated promotes a planned task to queued once its plan exists.
func (q *Queen) onPlanGenerated(e *db.Event) {
	taskID, _ := e.Payload[events.KeyTaskID].(string)
	if taskID == "" {
		return
	}
	task, err := q.store.GetTask(taskID)
	if err != nil || task == nil {
		q.log.Warn("plan_generated for unknown task", slog.String("task_id", taskID))
		return
	}
	if task.Status != db.TaskStatusPlanned {
		return
	}
	if err := q.store.UpdateTaskStatus(taskID, db.TaskStatusQueued, map[string]any{
		"auto_triggered": "true",
	}); err != nil {
		q.log.Warn("auto-trigger failed",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()))
		return
	}
	q.log.Info("plan generated, task queued", slog.String("task_id", taskID))
}

// onReviewCompleted applies a review decision: approve advances the task
// as if its current phase succeeded; reject and rework send it back to
// the queue in a rework phase with the reviewer's feedback attached.
func (q *Queen) onReviewCompleted(e *db.Event) {
	taskID, _ := e.Payload[events.KeyTaskID].(string)
	if taskID == "" {
		return
	}
	decision, _ := e.Payload["review_decision"].(string)

	switch decision {
	case "approve":
		task, err := q.store.GetTask(taskID)
		if err != nil || task == nil {
			q.log.Warn("review for unknown task", slog.String("task_id", taskID))
			return
		}
		q.advanceOnSuccess(taskID, task.CurrentPhase)
		q.log.Info("review approved",
			slog.String("task_id", taskID),
			slog.String("phase", task.CurrentPhase))

	case "reject", "rework":
		meta := map[string]any{
			"current_phase": "rework",
		}
		if feedback, ok := e.Payload["review_feedback"].(string); ok && feedback != "" {
			meta["review_feedback"] = feedback
		}
		if err := q.store.UpdateTaskStatus(taskID, db.TaskStatusQueued, meta); err != nil {
			q.log.Warn("rework transition failed",
				slog.String("task_id", taskID),
				slog.String("error", err.Error()))
			return
		}
		q.log.Info("review sent task to rework",
			slog.String("task_id", taskID),
			slog.String("decision", decision))

	default:
		q.log.Warn("unknown review decision",
			slog.String("task_id", taskID),
			slog.String("decision", decision))
	}
}

// onEscalated only records the escalation; resolution is a human action.
func (q *Queen) onEscalated(e *db.Event) {
	taskID, _ := e.Payload[events.KeyTaskID].(string)
	q.log.Warn("task escalated, awaiting manual intervention",
		slog.String("task_id", taskID))
}
