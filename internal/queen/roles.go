package queen

import (
	"strings"

	"github.com/randalmurphal/hive/internal/config"
	"github.com/randalmurphal/hive/internal/db"
)

// ResolveRole determines which worker role should execute a task.
//
// Planned subtasks carry an assignee of the form "worker:<role>" in
// their payload; plain tasks may name a role as their first tag.
// Anything unknown is coerced to backend.
func ResolveRole(task *db.Task) string {
	assignee := task.PayloadString("assignee")
	if assignee == "" {
		assignee = task.Assignee
	}
	if role, ok := strings.CutPrefix(assignee, "worker:"); ok {
		if config.KnownRole(role) {
			return role
		}
		return config.RoleBackend
	}

	if len(task.Tags) > 0 && config.KnownRole(task.Tags[0]) {
		return task.Tags[0]
	}
	return config.RoleBackend
}
