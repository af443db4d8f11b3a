// internal/reservation/service.go
package reservation

import (
	"context"
	"time"

	"libracirc/internal/journal"
)

// Service defines the interface for the per-book reservation queue.
//
// The queue owns reservations and the RESERVED_HOLD state of copies. It calls
// into the catalog but never into the loan ledger.
type Service interface {
	Reserve(ctx context.Context, bookID, memberID int64) (*Reservation, error)
	Cancel(ctx context.Context, id int64) (*Reservation, error)
	Fulfill(ctx context.Context, id int64) (*Reservation, error)
	// Hold sets a copy aside for a pending reservation whose member cannot
	// borrow right now. The copy is either AVAILABLE or just returned.
	Hold(ctx context.Context, id, copyID int64) (*Reservation, error)
	ExpirePending(ctx context.Context, now time.Time) (int, error)

	// NextWaiter returns the oldest pending reservation on the book that does
	// not already hold a copy, or nil when the queue is empty.
	NextWaiter(ctx context.Context, bookID int64) (*Reservation, error)
	Get(ctx context.Context, id int64) (*Reservation, error)
	List(ctx context.Context, filter Filter) ([]*Reservation, error)
	PendingFor(ctx context.Context, memberID, bookID int64) (*Reservation, error)

	journal.Projector
	// Restore moves the copies held by replayed reservations back to
	// RESERVED_HOLD.
	Restore(ctx context.Context) error
}
