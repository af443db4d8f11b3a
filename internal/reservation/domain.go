// internal/reservation/domain.go
package reservation

import (
	"time"
)

// Status is the lifecycle state of a reservation. PENDING is the only
// non-terminal status.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusFulfilled Status = "FULFILLED"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
)

// Reservation is a member's queued claim on the next copy of a book.
type Reservation struct {
	ID         int64      `json:"id"`
	BookID     int64      `json:"book_id"`
	MemberID   int64      `json:"member_id"`
	ReservedAt time.Time  `json:"reserved_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Status     Status     `json:"status"`
	HeldCopyID int64      `json:"held_copy_id,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	Version    int        `json:"version"`
}

// Waiting reports whether the reservation is still queued for a copy.
func (r *Reservation) Waiting() bool {
	return r.Status == StatusPending && r.HeldCopyID == 0
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	MemberID int64
	BookID   int64
	Status   Status
}

// PlacedEvent is journaled when a member joins a book's queue.
type PlacedEvent struct {
	ReservationID int64     `json:"reservation_id"`
	BookID        int64     `json:"book_id"`
	MemberID      int64     `json:"member_id"`
	ReservedAt    time.Time `json:"reserved_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// ResolvedEvent is journaled on every terminal transition.
type ResolvedEvent struct {
	ReservationID int64     `json:"reservation_id"`
	Status        Status    `json:"status"`
	ReleasedCopy  int64     `json:"released_copy_id,omitempty"`
	ResolvedAt    time.Time `json:"resolved_at"`
}

// HeldEvent is journaled when a copy is set aside for a reservation.
type HeldEvent struct {
	ReservationID int64     `json:"reservation_id"`
	CopyID        int64     `json:"copy_id"`
	ExpiresAt     time.Time `json:"expires_at"`
}
