package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/randalmurphal/hive/internal/db/driver"
)

// Event is a persisted bus event. Used for choreography, timeline
// reconstruction, and historical queries.
type Event struct {
	EventID       string
	EventType     string
	Timestamp     time.Time
	SourceAgent   string
	CorrelationID string
	Payload       map[string]any
	Metadata      map[string]any
	CreatedAt     time.Time
}

// QueryEventsOptions specifies filters for querying events.
type QueryEventsOptions struct {
	EventType     string
	CorrelationID string
	SourceAgent   string
	Since         *time.Time
	Limit         int
}

// insertIgnore returns the dialect-specific duplicate-tolerant INSERT
// opener targeting the event dedup index.
func insertIgnore(dialect driver.Dialect) (prefix, suffix string) {
	if dialect == driver.DialectPostgres {
		return "INSERT INTO", " ON CONFLICT DO NOTHING"
	}
	return "INSERT OR IGNORE INTO", ""
}

// SaveEvent inserts an event row. Duplicates (same type, timestamp,
// source, and correlation id) are silently skipped via the unique index.
func (h *HiveDB) SaveEvent(e *Event) error {
	payloadJSON, err := marshalJSON(nilIfEmptyMap(e.Payload))
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	metaJSON, err := marshalJSON(nilIfEmptyMap(e.Metadata))
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}

	// Nanosecond precision keeps distinct events created in quick
	// succession apart while collapsing true replays.
	ts := e.Timestamp.UTC().Format(eventTimeFormat)
	createdAt := time.Now().UTC().Format(eventTimeFormat)

	prefix, suffix := insertIgnore(h.Dialect())
	_, err = h.Exec(prefix+` events
			(event_id, event_type, timestamp, source_agent, correlation_id, payload, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`+suffix,
		e.EventID, e.EventType, ts, nilIfEmptyString(e.SourceAgent),
		nilIfEmptyString(e.CorrelationID), payloadJSON, metaJSON, createdAt)
	if err != nil {
		return fmt.Errorf("save event %s: %w", e.EventID, err)
	}
	return nil
}

// SaveEvents inserts multiple events in a single transaction.
func (h *HiveDB) SaveEvents(events []*Event) error {
	if len(events) == 0 {
		return nil
	}

	prefix, suffix := insertIgnore(h.Dialect())
	return h.RunInTx(context.Background(), func(tx *TxOps) error {
		for _, e := range events {
			payloadJSON, err := marshalJSON(nilIfEmptyMap(e.Payload))
			if err != nil {
				return fmt.Errorf("marshal event payload: %w", err)
			}
			metaJSON, err := marshalJSON(nilIfEmptyMap(e.Metadata))
			if err != nil {
				return fmt.Errorf("marshal event metadata: %w", err)
			}

			ts := e.Timestamp.UTC().Format(eventTimeFormat)
			createdAt := time.Now().UTC().Format(eventTimeFormat)

			if _, err := tx.Exec(prefix+` events
					(event_id, event_type, timestamp, source_agent, correlation_id, payload, metadata, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`+suffix,
				e.EventID, e.EventType, ts, nilIfEmptyString(e.SourceAgent),
				nilIfEmptyString(e.CorrelationID), payloadJSON, metaJSON,
				createdAt); err != nil {
				return fmt.Errorf("insert event %s: %w", e.EventID, err)
			}
		}
		return nil
	})
}

const eventColumns = `event_id, event_type, timestamp, source_agent,
	correlation_id, payload, metadata, created_at`

func scanEvent(row rowScanner) (*Event, error) {
	var (
		e             Event
		ts            string
		sourceAgent   sql.NullString
		correlationID sql.NullString
		payload       sql.NullString
		metadata      sql.NullString
		createdAt     string
	)
	err := row.Scan(&e.EventID, &e.EventType, &ts, &sourceAgent,
		&correlationID, &payload, &metadata, &createdAt)
	if err != nil {
		return nil, err
	}

	if e.Timestamp, err = parseTime(ts); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	e.SourceAgent = sourceAgent.String
	e.CorrelationID = correlationID.String
	e.Payload = unmarshalMap(payload)
	e.Metadata = unmarshalMap(metadata)
	return &e, nil
}

func scanEventRows(rows *sql.Rows) ([]Event, error) {
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// QueryEvents returns events matching the filters in descending time
// order. Limit defaults to 100.
func (h *HiveDB) QueryEvents(opts QueryEventsOptions) ([]Event, error) {
	var conds []string
	var args []any

	if opts.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, opts.EventType)
	}
	if opts.CorrelationID != "" {
		conds = append(conds, "correlation_id = ?")
		args = append(args, opts.CorrelationID)
	}
	if opts.SourceAgent != "" {
		conds = append(conds, "source_agent = ?")
		args = append(args, opts.SourceAgent)
	}
	if opts.Since != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, opts.Since.UTC().Format(eventTimeFormat))
	}

	query := "SELECT " + eventColumns + " FROM events"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := h.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return scanEventRows(rows)
}

// EventHistory returns the full trace for one correlation id in ascending
// time order. Limit defaults to 50.
func (h *HiveDB) EventHistory(correlationID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.Query(
		"SELECT "+eventColumns+` FROM events
		WHERE correlation_id = ? ORDER BY timestamp ASC LIMIT ?`,
		correlationID, limit)
	if err != nil {
		return nil, fmt.Errorf("event history %s: %w", correlationID, err)
	}
	return scanEventRows(rows)
}

// ClearOldEvents deletes events older than the retention window and
// returns the number removed.
func (h *HiveDB) ClearOldEvents(daysToKeep int) (int64, error) {
	if daysToKeep <= 0 {
		daysToKeep = 30
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -daysToKeep).Format(eventTimeFormat)

	res, err := h.Exec("DELETE FROM events WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("clear old events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear old events: %w", err)
	}
	return n, nil
}
