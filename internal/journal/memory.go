package journal

import (
	"context"
	"sync"
)

// MemoryStore keeps the journal in process. It backs deployments without a
// journal database and the package tests of every journaling component.
type MemoryStore struct {
	mu       sync.RWMutex
	events   []Event
	versions map[string]int
}

// NewMemoryStore creates an empty in-memory journal.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: make(map[string]int)}
}

// Append appends events for an aggregate if it is still at expectedVersion.
func (m *MemoryStore) Append(_ context.Context, aggregateType, aggregateID string, expectedVersion int, events ...Event) error {
	if expectedVersion < 0 {
		return ErrInvalidVersion
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := aggregateType + "/" + aggregateID
	if m.versions[key] != expectedVersion {
		return ErrConcurrencyConflict
	}

	for i, event := range events {
		event.ID = int64(len(m.events) + 1)
		event.AggregateType = aggregateType
		event.AggregateID = aggregateID
		event.Version = expectedVersion + i + 1
		m.events = append(m.events, event)
	}
	m.versions[key] = expectedVersion + len(events)
	return nil
}

// Load returns the events of one aggregate in version order.
func (m *MemoryStore) Load(_ context.Context, aggregateType, aggregateID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Event
	for _, event := range m.events {
		if event.AggregateType == aggregateType && event.AggregateID == aggregateID {
			out = append(out, event)
		}
	}
	return out, nil
}

// Stream returns up to limit events with an id greater than afterID.
func (m *MemoryStore) Stream(_ context.Context, afterID int64, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if afterID < 0 {
		afterID = 0
	}
	if afterID >= int64(len(m.events)) || limit <= 0 {
		return []Event{}, nil
	}

	end := int(afterID) + limit
	if end > len(m.events) {
		end = len(m.events)
	}
	out := make([]Event, end-int(afterID))
	copy(out, m.events[afterID:end])
	return out, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
