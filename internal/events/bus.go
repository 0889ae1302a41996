// Package events provides the persistent event bus: every published event
// is appended to the event log, then fanned out synchronously to
// pattern-matched subscribers. Subscriber callbacks are isolated; a
// panicking or failing callback never affects the publisher or other
// subscribers.
package events

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/hive/internal/db"
	hiveerrors "github.com/randalmurphal/hive/internal/errors"
)

// Store is the persistence surface the bus needs from the database.
type Store interface {
	SaveEvent(e *db.Event) error
	QueryEvents(opts db.QueryEventsOptions) ([]db.Event, error)
	EventHistory(correlationID string, limit int) ([]db.Event, error)
	ClearOldEvents(daysToKeep int) (int64, error)
}

// Callback receives a published event. It runs in the publisher's
// goroutine and must not block for long.
type Callback func(e *db.Event)

type subscription struct {
	id      string
	pattern string
	name    string
	fn      Callback
}

// Bus is the persistent pub/sub hub.
type Bus struct {
	store  Store
	source string
	log    *slog.Logger

	mu   sync.Mutex
	subs map[string]*subscription
}

// New creates a bus. source is the default source_agent stamped on
// published events.
func New(store Store, source string, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		store:  store,
		source: source,
		log:    log,
		subs:   make(map[string]*subscription),
	}
}

// Publish persists the event and notifies matching subscribers
// synchronously. Missing identity fields are filled in: event_id (UUID),
// timestamp (now), source_agent (bus default), and correlation_id
// (workflow_<task_id> when the payload names a task).
func (b *Bus) Publish(e *db.Event) (string, error) {
	if e.EventType == "" {
		return "", hiveerrors.New(hiveerrors.CodeEventPublish, "event type is required").
			In("events", "publish")
	}
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.SourceAgent == "" {
		e.SourceAgent = b.source
	}
	if e.CorrelationID == "" {
		if taskID, ok := e.Payload[KeyTaskID].(string); ok && taskID != "" {
			e.CorrelationID = "workflow_" + taskID
		}
	}

	if err := b.store.SaveEvent(e); err != nil {
		return "", hiveerrors.Wrap(hiveerrors.CodeEventPublish,
			fmt.Sprintf("persist event %s", e.EventType), err).
			In("events", "publish")
	}

	// Snapshot matches under the lock, invoke outside it.
	b.mu.Lock()
	var matched []*subscription
	for _, sub := range b.subs {
		if Matches(sub.pattern, e.EventType) {
			matched = append(matched, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range matched {
		b.invoke(sub, e)
	}
	return e.EventID, nil
}

// invoke runs one callback with panic isolation.
func (b *Bus) invoke(sub *subscription, e *db.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event subscriber panicked",
				"subscriber", sub.name,
				"pattern", sub.pattern,
				"event_type", e.EventType,
				"panic", r)
		}
	}()
	sub.fn(e)
}

// Subscribe registers a callback for a pattern and returns the
// subscription id.
func (b *Bus) Subscribe(pattern, name string, fn Callback) string {
	id := uuid.NewString()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = &subscription{id: id, pattern: pattern, name: name, fn: fn}
	return id
}

// Unsubscribe removes a subscription, reporting whether it existed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return false
	}
	delete(b.subs, id)
	return true
}

// Matches reports whether an event type matches a subscription pattern.
// "*" matches everything; "x.*" matches any type starting with "x.";
// anything else is an exact match.
func Matches(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, prefix+".")
	}
	return pattern == eventType
}

// Events returns persisted events matching the filters, newest first.
func (b *Bus) Events(opts db.QueryEventsOptions) ([]db.Event, error) {
	return b.store.QueryEvents(opts)
}

// History returns the full trace for one correlation id, oldest first.
func (b *Bus) History(correlationID string, limit int) ([]db.Event, error) {
	return b.store.EventHistory(correlationID, limit)
}

// ClearOld removes events older than the retention window.
func (b *Bus) ClearOld(daysToKeep int) (int64, error) {
	return b.store.ClearOldEvents(daysToKeep)
}
