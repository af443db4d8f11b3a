package journal

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

// Recorder is what the circulation components hold to journal their
// transitions. A failed append is logged and never fails the operation that
// produced it.
//
// Components stage events while holding their own lock, which fixes the
// order events reach the journal in, and write them once the lock is
// released. Writes happen strictly in staging order.
//
// A nil *Recorder records nothing.
type Recorder struct {
	appender Appender
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	turn   *sync.Cond
	issued uint64
	served uint64
}

// NewRecorder creates a Recorder writing to appender.
func NewRecorder(appender Appender, logger *slog.Logger, now func() time.Time) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	r := &Recorder{appender: appender, logger: logger, now: now}
	r.turn = sync.NewCond(&r.mu)
	return r
}

// Pending is a staged event waiting to be written.
type Pending struct {
	r             *Recorder
	ctx           context.Context
	ticket        uint64
	aggregateType string
	aggregateID   string
	version       int
	event         Event
	once          sync.Once
}

// Record journals one event that moved the aggregate to version and waits
// for it to be written. It must not be called while holding a lock that
// orders the aggregate's versions; use Stage there.
func (r *Recorder) Record(ctx context.Context, aggregateType string, aggregateID int64, version int, eventType string, data any) {
	r.Stage(ctx, aggregateType, aggregateID, version, eventType, data).Write()
}

// Stage reserves the event's place in the journal order. The caller must
// Write it, normally through a Batch flushed after its lock is released.
func (r *Recorder) Stage(ctx context.Context, aggregateType string, aggregateID int64, version int, eventType string, data any) *Pending {
	if r == nil || r.appender == nil {
		return nil
	}

	id := strconv.FormatInt(aggregateID, 10)
	payload, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(data)
	if err != nil {
		r.logger.Error("failed to marshal journal event",
			"aggregate_type", aggregateType, "aggregate_id", id, "event_type", eventType, "error", err)
		return nil
	}

	r.mu.Lock()
	ticket := r.issued
	r.issued++
	r.mu.Unlock()

	return &Pending{
		r:             r,
		ctx:           context.WithoutCancel(ctx),
		ticket:        ticket,
		aggregateType: aggregateType,
		aggregateID:   id,
		version:       version,
		event: Event{
			EventID:    uuid.NewString(),
			EventType:  eventType,
			EventData:  payload,
			OccurredAt: r.now().UTC(),
		},
	}
}

// Write appends the event once every event staged before it has been
// written. Calling it more than once is a no-op.
func (p *Pending) Write() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		r := p.r
		r.mu.Lock()
		for r.served != p.ticket {
			r.turn.Wait()
		}
		r.mu.Unlock()

		if err := r.appender.Append(p.ctx, p.aggregateType, p.aggregateID, p.version-1, p.event); err != nil {
			r.logger.Warn("journal append failed",
				"aggregate_type", p.aggregateType, "aggregate_id", p.aggregateID,
				"version", p.version, "event_type", p.event.EventType, "error", err)
		}

		r.mu.Lock()
		r.served++
		r.turn.Broadcast()
		r.mu.Unlock()
	})
}

// Batch collects the events staged by one operation. Defer Flush before
// taking the lock so it runs after the lock is released:
//
//	var batch journal.Batch
//	defer batch.Flush()
//	s.mu.Lock()
//	defer s.mu.Unlock()
type Batch struct {
	pending []*Pending
}

// Add queues p for Flush. A nil p is ignored.
func (b *Batch) Add(p *Pending) {
	if p != nil {
		b.pending = append(b.pending, p)
	}
}

// Flush writes every queued event in staging order.
func (b *Batch) Flush() {
	for _, p := range b.pending {
		p.Write()
	}
	b.pending = nil
}
