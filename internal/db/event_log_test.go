package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkEvent(id, eventType, correlationID string, ts time.Time) *Event {
	return &Event{
		EventID:       id,
		EventType:     eventType,
		Timestamp:     ts,
		SourceAgent:   "queen",
		CorrelationID: correlationID,
		Payload:       map[string]any{"task_id": "t1"},
	}
}

func TestSaveAndQueryEvents(t *testing.T) {
	t.Parallel()
	hdb := NewTestDB(t)

	base := time.Now().UTC()
	require.NoError(t, hdb.SaveEvent(mkEvent("e1", "task.started", "workflow_t1", base)))
	require.NoError(t, hdb.SaveEvent(mkEvent("e2", "task.completed", "workflow_t1", base.Add(time.Second))))
	require.NoError(t, hdb.SaveEvent(mkEvent("e3", "task.started", "workflow_t2", base.Add(2*time.Second))))

	// Type filter, descending order.
	events, err := hdb.QueryEvents(QueryEventsOptions{EventType: "task.started"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "e3", events[0].EventID)
	assert.Equal(t, "e1", events[1].EventID)

	// Since filter.
	events, err = hdb.QueryEvents(QueryEventsOptions{Since: ptrTime(base.Add(time.Second))})
	require.NoError(t, err)
	require.Len(t, events, 2)

	// Payload survives the round trip.
	assert.Equal(t, "t1", events[0].Payload["task_id"])
}

func TestEventHistoryAscending(t *testing.T) {
	t.Parallel()
	hdb := NewTestDB(t)

	base := time.Now().UTC()
	require.NoError(t, hdb.SaveEvent(mkEvent("e2", "task.completed", "workflow_t1", base.Add(time.Second))))
	require.NoError(t, hdb.SaveEvent(mkEvent("e1", "task.started", "workflow_t1", base)))

	events, err := hdb.EventHistory("workflow_t1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "e1", events[0].EventID)
	assert.Equal(t, "e2", events[1].EventID)
}

func TestSaveEventDedup(t *testing.T) {
	t.Parallel()
	hdb := NewTestDB(t)

	ts := time.Now().UTC()
	e := mkEvent("e1", "task.started", "workflow_t1", ts)
	require.NoError(t, hdb.SaveEvent(e))

	// Identical identity with a different event_id is a replay: the
	// dedup index collapses it.
	replay := mkEvent("e1-replay", "task.started", "workflow_t1", ts)
	require.NoError(t, hdb.SaveEvent(replay))

	events, err := hdb.QueryEvents(QueryEventsOptions{EventType: "task.started"})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestSaveEventsBatch(t *testing.T) {
	t.Parallel()
	hdb := NewTestDB(t)

	base := time.Now().UTC()
	batch := []*Event{
		mkEvent("b1", "agent.heartbeat", "workflow_t1", base),
		mkEvent("b2", "agent.heartbeat", "workflow_t1", base.Add(time.Millisecond)),
	}
	require.NoError(t, hdb.SaveEvents(batch))
	require.NoError(t, hdb.SaveEvents(nil))

	events, err := hdb.QueryEvents(QueryEventsOptions{EventType: "agent.heartbeat"})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestClearOldEvents(t *testing.T) {
	t.Parallel()
	hdb := NewTestDB(t)

	old := time.Now().UTC().AddDate(0, 0, -60)
	require.NoError(t, hdb.SaveEvent(mkEvent("old", "task.started", "w1", old)))
	require.NoError(t, hdb.SaveEvent(mkEvent("new", "task.started", "w1", time.Now().UTC())))

	removed, err := hdb.ClearOldEvents(30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	events, err := hdb.QueryEvents(QueryEventsOptions{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "new", events[0].EventID)
}

func ptrTime(t time.Time) *time.Time { return &t }
