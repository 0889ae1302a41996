package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RegisterWorker upserts a worker registration row.
func (h *HiveDB) RegisterWorker(w *Worker) error {
	if w.Status == "" {
		w.Status = "idle"
	}
	now := time.Now().UTC()
	if w.RegisteredAt.IsZero() {
		w.RegisteredAt = now
	}
	hb := now
	w.LastHeartbeat = &hb

	capsJSON, err := marshalJSON(nilIfEmptySlice(w.Capabilities))
	if err != nil {
		return err
	}
	metaJSON, err := marshalJSON(nilIfEmptyMap(w.Metadata))
	if err != nil {
		return err
	}

	_, err = h.Exec(`
		INSERT INTO workers (id, role, status, last_heartbeat, capabilities,
			current_task_id, metadata, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			role = excluded.role,
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat,
			capabilities = excluded.capabilities,
			current_task_id = excluded.current_task_id,
			metadata = excluded.metadata
	`, w.ID, w.Role, w.Status, formatTime(*w.LastHeartbeat), capsJSON,
		nilIfEmptyString(w.CurrentTaskID), metaJSON, formatTime(w.RegisteredAt))
	if err != nil {
		return fmt.Errorf("register worker %s: %w", w.ID, err)
	}
	return nil
}

// UpdateWorkerHeartbeat bumps a worker's heartbeat, optionally also
// updating its status and current task.
func (h *HiveDB) UpdateWorkerHeartbeat(id, status, currentTaskID string) error {
	sets := "last_heartbeat = ?"
	args := []any{formatTime(time.Now())}
	if status != "" {
		sets += ", status = ?"
		args = append(args, status)
	}
	if currentTaskID != "" {
		sets += ", current_task_id = ?"
		args = append(args, currentTaskID)
	}
	args = append(args, id)

	res, err := h.Exec("UPDATE workers SET "+sets+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("heartbeat worker %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("heartbeat worker %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("worker %s not registered", id)
	}
	return nil
}

// GetWorker loads a worker registration. Returns (nil, nil) when absent.
func (h *HiveDB) GetWorker(id string) (*Worker, error) {
	row := h.QueryRow(`
		SELECT id, role, status, last_heartbeat, capabilities,
			current_task_id, metadata, registered_at
		FROM workers WHERE id = ?`, id)

	var (
		w             Worker
		lastHeartbeat sql.NullString
		capabilities  sql.NullString
		currentTaskID sql.NullString
		metadata      sql.NullString
		registeredAt  string
	)
	err := row.Scan(&w.ID, &w.Role, &w.Status, &lastHeartbeat, &capabilities,
		&currentTaskID, &metadata, &registeredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get worker %s: %w", id, err)
	}

	w.LastHeartbeat = parseTimePtr(lastHeartbeat)
	w.Capabilities = unmarshalStrings(capabilities)
	w.CurrentTaskID = currentTaskID.String
	w.Metadata = unmarshalMap(metadata)
	if w.RegisteredAt, err = parseTime(registeredAt); err != nil {
		return nil, err
	}
	return &w, nil
}

func nilIfEmptyString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
