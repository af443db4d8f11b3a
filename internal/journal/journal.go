// Package journal is the append-only record of circulation events.
//
// Every owning component (catalog, ledger, reservation queue, member
// directory) journals the transitions of its own entities, and replays them
// at startup to rebuild its state. Each entity is an aggregate with a
// monotonically increasing version; appends use optimistic concurrency on that
// version so two writers can never record conflicting histories.
package journal

import (
	"context"
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")
	ErrInvalidVersion      = errors.New("invalid version number")
	ErrUnknownDriver       = errors.New("unknown journal driver")
)

// Aggregate types.
const (
	AggregateBook        = "book"
	AggregateLoan        = "loan"
	AggregateReservation = "reservation"
	AggregateMember      = "member"
)

// Event is one journaled fact about an aggregate.
type Event struct {
	ID            int64               `json:"id"`
	EventID       string              `json:"event_id"`
	AggregateType string              `json:"aggregate_type"`
	AggregateID   string              `json:"aggregate_id"`
	EventType     string              `json:"event_type"`
	EventData     jsoniter.RawMessage `json:"event_data"`
	Version       int                 `json:"version"`
	OccurredAt    time.Time           `json:"occurred_at"`
}

// Appender appends events for one aggregate, expecting it to be at expectedVersion.
type Appender interface {
	Append(ctx context.Context, aggregateType, aggregateID string, expectedVersion int, events ...Event) error
}

// Store is a complete journal backend.
type Store interface {
	Appender
	Load(ctx context.Context, aggregateType, aggregateID string) ([]Event, error)
	Stream(ctx context.Context, afterID int64, limit int) ([]Event, error)
	Close() error
}
