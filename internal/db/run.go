package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateRun inserts a new run for a task, assigning the next run number
// atomically. The run starts in status running with started_at set; the
// worker writes the terminal status on exit.
func (h *HiveDB) CreateRun(taskID, workerID, phase string) (string, error) {
	runID := fmt.Sprintf("run_%d_%s", time.Now().UnixNano(), phase)
	now := formatTime(time.Now())

	err := h.RunInTx(context.Background(), func(tx *TxOps) error {
		var next int
		row := tx.QueryRow(
			"SELECT COALESCE(MAX(run_number), 0) + 1 FROM runs WHERE task_id = ?",
			taskID)
		if err := row.Scan(&next); err != nil {
			return fmt.Errorf("next run number: %w", err)
		}

		// The UNIQUE(task_id, run_number) constraint backs the MAX+1
		// computation under concurrent writers.
		if _, err := tx.Exec(`
			INSERT INTO runs (id, task_id, worker_id, run_number, status, phase, started_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, runID, taskID, workerID, next, RunStatusRunning, phase, now); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("create run for %s: %w", taskID, err)
	}
	return runID, nil
}

// RunUpdate carries the optional fields written by UpdateRunStatus.
type RunUpdate struct {
	Phase        string
	ResultData   map[string]any
	ErrorMessage string
	OutputLog    string
	Transcript   string
}

// UpdateRunStatus writes a run's status and any provided fields.
// completed_at is set when the status is terminal.
func (h *HiveDB) UpdateRunStatus(runID, status string, upd RunUpdate) error {
	sets := []string{"status = ?"}
	args := []any{status}

	if TerminalRunStatus(status) {
		sets = append(sets, "completed_at = ?")
		args = append(args, formatTime(time.Now()))
	}
	if upd.Phase != "" {
		sets = append(sets, "phase = ?")
		args = append(args, upd.Phase)
	}
	if upd.ResultData != nil {
		resultJSON, err := marshalJSON(upd.ResultData)
		if err != nil {
			return err
		}
		sets = append(sets, "result_data = ?")
		args = append(args, resultJSON)
	}
	if upd.ErrorMessage != "" {
		sets = append(sets, "error_message = ?")
		args = append(args, upd.ErrorMessage)
	}
	if upd.OutputLog != "" {
		sets = append(sets, "output_log = ?")
		args = append(args, upd.OutputLog)
	}
	if upd.Transcript != "" {
		sets = append(sets, "transcript = ?")
		args = append(args, upd.Transcript)
	}

	args = append(args, runID)
	query := "UPDATE runs SET "
	for i, s := range sets {
		if i > 0 {
			query += ", "
		}
		query += s
	}
	query += " WHERE id = ?"

	res, err := h.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	if n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

const runColumns = `id, task_id, worker_id, run_number, status, phase,
	started_at, completed_at, result_data, error_message, output_log, transcript`

func scanRun(row rowScanner) (*Run, error) {
	var (
		r            Run
		workerID     sql.NullString
		phase        sql.NullString
		startedAt    sql.NullString
		completedAt  sql.NullString
		resultData   sql.NullString
		errorMessage sql.NullString
		outputLog    sql.NullString
		transcript   sql.NullString
	)

	err := row.Scan(
		&r.ID, &r.TaskID, &workerID, &r.RunNumber, &r.Status, &phase,
		&startedAt, &completedAt, &resultData, &errorMessage, &outputLog,
		&transcript,
	)
	if err != nil {
		return nil, err
	}

	r.WorkerID = workerID.String
	r.Phase = phase.String
	r.StartedAt = parseTimePtr(startedAt)
	r.CompletedAt = parseTimePtr(completedAt)
	r.ResultData = unmarshalMap(resultData)
	r.ErrorMessage = errorMessage.String
	r.OutputLog = outputLog.String
	r.Transcript = transcript.String

	r.Result = &RunResult{
		Status:       r.Status,
		Data:         r.ResultData,
		ErrorMessage: r.ErrorMessage,
		OutputLog:    r.OutputLog,
	}
	return &r, nil
}

// GetRun loads a run by ID with its synthesized Result view.
// Returns (nil, nil) when not found.
func (h *HiveDB) GetRun(runID string) (*Run, error) {
	row := h.QueryRow("SELECT "+runColumns+" FROM runs WHERE id = ?", runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return r, nil
}

// GetRunsForTask returns all runs of a task ordered by run number.
func (h *HiveDB) GetRunsForTask(taskID string) ([]Run, error) {
	rows, err := h.Query(
		"SELECT "+runColumns+" FROM runs WHERE task_id = ? ORDER BY run_number ASC",
		taskID)
	if err != nil {
		return nil, fmt.Errorf("runs for task %s: %w", taskID, err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// LatestRunForTask returns the run with the highest run number, or
// (nil, nil) when the task has no runs.
func (h *HiveDB) LatestRunForTask(taskID string) (*Run, error) {
	row := h.QueryRow(
		"SELECT "+runColumns+" FROM runs WHERE task_id = ? ORDER BY run_number DESC LIMIT 1",
		taskID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest run for %s: %w", taskID, err)
	}
	return r, nil
}
