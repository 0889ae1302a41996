package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/randalmurphal/hive/internal/db"
)

// phaseGuidance maps a workflow phase to its prompt instructions.
var phaseGuidance = map[string]string{
	"apply": "Implement the task now. Make the required code changes directly in this workspace. " +
		"Prefer small, focused edits; keep the existing style of the codebase.",
	"test": "Write comprehensive tests for the work done in the apply phase and verify the " +
		"implementation behaves correctly. Fix anything the tests uncover.",
	"plan": "Produce a structured breakdown of the work: enumerate the concrete steps, the files " +
		"involved, and any risks or open questions. Do not modify code in this phase.",
}

// roleGuidance maps a worker role to a short framing line.
var roleGuidance = map[string]string{
	"backend":  "You are a backend engineer working on server-side code.",
	"frontend": "You are a frontend engineer working on user-facing code.",
	"infra":    "You are an infrastructure engineer working on build, deploy, and tooling.",
}

// buildPrompt composes the agent prompt from role, phase, the task, and
// optional prior-task context.
func buildPrompt(role, phase string, task *db.Task, contextNotes string) string {
	var b strings.Builder

	if line, ok := roleGuidance[role]; ok {
		b.WriteString(line)
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "## Task: %s\n\n", task.Title)
	if task.Description != "" {
		b.WriteString(task.Description)
		b.WriteString("\n\n")
	}

	if criteria := task.PayloadString("acceptance_criteria"); criteria != "" {
		b.WriteString("## Acceptance criteria\n\n")
		b.WriteString(criteria)
		b.WriteString("\n\n")
	}
	if deliverables, ok := task.Payload["deliverables"].([]any); ok && len(deliverables) > 0 {
		b.WriteString("## Deliverables\n\n")
		for _, d := range deliverables {
			if s, ok := d.(string); ok {
				fmt.Fprintf(&b, "- %s\n", s)
			}
		}
		b.WriteString("\n")
	}

	if contextNotes != "" {
		b.WriteString("## Context from earlier tasks\n\n")
		b.WriteString(contextNotes)
		b.WriteString("\n\n")
	}

	guidance, ok := phaseGuidance[phase]
	if !ok {
		guidance = fmt.Sprintf("Carry out the %q phase of this task.", phase)
	}
	fmt.Fprintf(&b, "## Phase: %s\n\n%s\n", phase, guidance)

	return b.String()
}

// resultFile is the JSON summary a worker leaves behind for later tasks.
type resultFile struct {
	TaskID       string   `json:"task_id"`
	RunID        string   `json:"run_id"`
	Status       string   `json:"status"`
	Notes        string   `json:"notes,omitempty"`
	Created      []string `json:"created,omitempty"`
	Modified     []string `json:"modified,omitempty"`
	ContextHints []string `json:"context_hints,omitempty"`
}

// contextFromIDs extracts the payload's context_from list.
func contextFromIDs(task *db.Task) []string {
	if task.Payload == nil {
		return nil
	}
	raw, ok := task.Payload["context_from"].([]any)
	if !ok {
		return nil
	}
	var ids []string
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			ids = append(ids, s)
		}
	}
	return ids
}

// loadContextNotes reads the most recent result file for each referenced
// task and renders a context section: status, notes, file lists, and
// hints. Missing results are skipped silently.
func loadContextNotes(resultsRoot string, taskIDs []string) string {
	var b strings.Builder
	for _, id := range taskIDs {
		rf := latestResultFile(resultsRoot, id)
		if rf == nil {
			continue
		}
		fmt.Fprintf(&b, "### Result of %s (%s)\n", id, rf.Status)
		if rf.Notes != "" {
			fmt.Fprintf(&b, "%s\n", rf.Notes)
		}
		if len(rf.Created) > 0 {
			fmt.Fprintf(&b, "Created: %s\n", strings.Join(rf.Created, ", "))
		}
		if len(rf.Modified) > 0 {
			fmt.Fprintf(&b, "Modified: %s\n", strings.Join(rf.Modified, ", "))
		}
		for _, hint := range rf.ContextHints {
			fmt.Fprintf(&b, "Hint: %s\n", hint)
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// latestResultFile finds the newest result JSON for one task under the
// results root, searching nested run directories too.
func latestResultFile(resultsRoot, taskID string) *resultFile {
	pattern := filepath.Join(resultsRoot, "**", taskID+"*.json")
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil || len(matches) == 0 {
		// Also accept flat layouts directly under the root.
		flat, flatErr := doublestar.FilepathGlob(filepath.Join(resultsRoot, taskID+"*.json"))
		if flatErr != nil || len(flat) == 0 {
			return nil
		}
		matches = flat
	}

	sort.Slice(matches, func(i, j int) bool {
		fi, errI := os.Stat(matches[i])
		fj, errJ := os.Stat(matches[j])
		if errI != nil || errJ != nil {
			return matches[i] < matches[j]
		}
		return fi.ModTime().Before(fj.ModTime())
	})

	data, err := os.ReadFile(matches[len(matches)-1])
	if err != nil {
		return nil
	}
	var rf resultFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil
	}
	return &rf
}

// writeResultFile persists the run summary for later context_from loads.
func writeResultFile(resultsRoot string, rf *resultFile) error {
	if err := os.MkdirAll(resultsRoot, 0o755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}
	data, err := json.MarshalIndent(rf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	path := filepath.Join(resultsRoot, fmt.Sprintf("%s_%s.json", rf.TaskID, rf.RunID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write result file: %w", err)
	}
	return nil
}
