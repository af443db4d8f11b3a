// internal/reservation/implementation.go
package reservation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"libracirc/internal/apperr"
	"libracirc/internal/catalog"
	"libracirc/internal/journal"
)

// DefaultHoldWindow is how long a reservation stays pending.
const DefaultHoldWindow = 7 * 24 * time.Hour

type service struct {
	mu           sync.RWMutex
	reservations map[int64]*Reservation
	byBook       map[int64][]int64
	nextID       int64

	catalog    catalog.Service
	holdWindow time.Duration
	now        func() time.Time
	journal    *journal.Recorder
}

// Option configures the queue.
type Option func(*service)

// WithHoldWindow sets how long a reservation, or a copy held for it, waits.
func WithHoldWindow(d time.Duration) Option {
	return func(s *service) {
		s.holdWindow = d
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *service) {
		s.now = now
	}
}

// WithJournal records reservation events.
func WithJournal(rec *journal.Recorder) Option {
	return func(s *service) {
		s.journal = rec
	}
}

// NewService creates a new reservation queue over the given catalog.
func NewService(cat catalog.Service, opts ...Option) Service {
	s := &service{
		reservations: make(map[int64]*Reservation),
		byBook:       make(map[int64][]int64),
		catalog:      cat,
		holdWindow:   DefaultHoldWindow,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reserve queues the member for the book. Stock is not consulted.
func (s *service) Reserve(ctx context.Context, bookID, memberID int64) (*Reservation, error) {
	if _, err := s.catalog.GetBook(ctx, bookID); err != nil {
		return nil, err
	}

	var batch journal.Batch
	defer batch.Flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.pendingFor(memberID, bookID); existing != nil {
		return nil, fmt.Errorf("member %d already has reservation %d pending on book %d: %w",
			memberID, existing.ID, bookID, apperr.ErrConflict)
	}

	now := s.now().UTC()
	s.nextID++
	r := &Reservation{
		ID:         s.nextID,
		BookID:     bookID,
		MemberID:   memberID,
		ReservedAt: now,
		ExpiresAt:  now.Add(s.holdWindow),
		Status:     StatusPending,
		Version:    1,
	}
	s.reservations[r.ID] = r
	s.byBook[bookID] = append(s.byBook[bookID], r.ID)

	batch.Add(s.journal.Stage(ctx, journal.AggregateReservation, r.ID, r.Version, "ReservationPlaced", PlacedEvent{
		ReservationID: r.ID,
		BookID:        bookID,
		MemberID:      memberID,
		ReservedAt:    now,
		ExpiresAt:     r.ExpiresAt,
	}))
	return r.clone(), nil
}

// Cancel withdraws a pending reservation and frees any copy held for it.
func (s *service) Cancel(ctx context.Context, id int64) (*Reservation, error) {
	var batch journal.Batch
	defer batch.Flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.pending(id)
	if err != nil {
		return nil, err
	}
	if err := s.resolve(ctx, &batch, r, StatusCancelled, true); err != nil {
		return nil, err
	}
	return r.clone(), nil
}

// Fulfill marks a pending reservation as satisfied by a loan. A held copy is
// left untouched; the caller moves it on loan.
func (s *service) Fulfill(ctx context.Context, id int64) (*Reservation, error) {
	var batch journal.Batch
	defer batch.Flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.pending(id)
	if err != nil {
		return nil, err
	}
	if err := s.resolve(ctx, &batch, r, StatusFulfilled, false); err != nil {
		return nil, err
	}
	return r.clone(), nil
}

// Hold moves the copy to RESERVED_HOLD for the reservation and restarts its
// expiry clock. The caller guarantees an ON_LOAN copy has no open loan.
func (s *service) Hold(ctx context.Context, id, copyID int64) (*Reservation, error) {
	var batch journal.Batch
	defer batch.Flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.pending(id)
	if err != nil {
		return nil, err
	}
	if r.HeldCopyID != 0 {
		return nil, fmt.Errorf("reservation %d already holds copy %d: %w", id, r.HeldCopyID, apperr.ErrConflict)
	}

	c, err := s.catalog.GetCopy(ctx, copyID)
	if err != nil {
		return nil, err
	}
	if c.BookID != r.BookID {
		return nil, fmt.Errorf("copy %s is not a copy of book %d: %w", c.Barcode, r.BookID, apperr.ErrValidation)
	}
	if c.State != catalog.CopyOnLoan && c.State != catalog.CopyAvailable {
		return nil, fmt.Errorf("copy %s is %s: %w", c.Barcode, c.State, apperr.ErrConflict)
	}
	if _, err := s.catalog.TransitionCopy(ctx, copyID, c.State, catalog.CopyReservedHold); err != nil {
		return nil, fmt.Errorf("failed to hold copy %s: %w", c.Barcode, err)
	}

	r.HeldCopyID = copyID
	r.ExpiresAt = s.now().UTC().Add(s.holdWindow)
	r.Version++
	batch.Add(s.journal.Stage(ctx, journal.AggregateReservation, r.ID, r.Version, "CopyHeld", HeldEvent{
		ReservationID: r.ID,
		CopyID:        copyID,
		ExpiresAt:     r.ExpiresAt,
	}))
	return r.clone(), nil
}

// ExpirePending expires every pending reservation whose expiry is before now.
// A reservation whose held copy cannot be released is skipped and reported.
func (s *service) ExpirePending(ctx context.Context, now time.Time) (int, error) {
	s.mu.RLock()
	var stale []int64
	for id, r := range s.reservations {
		if r.Status == StatusPending && r.ExpiresAt.Before(now) {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()
	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })

	expired := 0
	var errs []error
	for _, id := range stale {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ok, err := s.expire(ctx, id, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, errors.Join(errs...)
}

func (s *service) expire(ctx context.Context, id int64, now time.Time) (bool, error) {
	var batch journal.Batch
	defer batch.Flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.reservations[id]
	if r.Status != StatusPending || !r.ExpiresAt.Before(now) {
		return false, nil
	}
	if err := s.resolve(ctx, &batch, r, StatusExpired, true); err != nil {
		return false, fmt.Errorf("reservation %d: %w", id, err)
	}
	return true, nil
}

// NextWaiter returns the head of the book's queue without mutating it.
func (s *service) NextWaiter(_ context.Context, bookID int64) (*Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var head *Reservation
	for _, id := range s.byBook[bookID] {
		r := s.reservations[id]
		if !r.Waiting() {
			continue
		}
		if head == nil || r.ReservedAt.Before(head.ReservedAt) ||
			(r.ReservedAt.Equal(head.ReservedAt) && r.ID < head.ID) {
			head = r
		}
	}
	if head == nil {
		return nil, nil
	}
	return head.clone(), nil
}

// Get retrieves a reservation by its ID.
func (s *service) Get(_ context.Context, id int64) (*Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reservations[id]
	if !ok {
		return nil, fmt.Errorf("reservation with ID %d: %w", id, apperr.ErrNotFound)
	}
	return r.clone(), nil
}

// List returns the reservations matching filter, newest first.
func (s *service) List(_ context.Context, filter Filter) ([]*Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Reservation, 0)
	for _, r := range s.reservations {
		if filter.MemberID != 0 && r.MemberID != filter.MemberID {
			continue
		}
		if filter.BookID != 0 && r.BookID != filter.BookID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// PendingFor returns the member's pending reservation on the book.
func (s *service) PendingFor(_ context.Context, memberID, bookID int64) (*Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := s.pendingFor(memberID, bookID)
	if r == nil {
		return nil, fmt.Errorf("no pending reservation of book %d for member %d: %w", bookID, memberID, apperr.ErrNotFound)
	}
	return r.clone(), nil
}

// pendingFor must be called with s.mu held.
func (s *service) pendingFor(memberID, bookID int64) *Reservation {
	for _, id := range s.byBook[bookID] {
		if r := s.reservations[id]; r.MemberID == memberID && r.Status == StatusPending {
			return r
		}
	}
	return nil
}

// pending must be called with s.mu held.
func (s *service) pending(id int64) (*Reservation, error) {
	r, ok := s.reservations[id]
	if !ok {
		return nil, fmt.Errorf("reservation with ID %d: %w", id, apperr.ErrNotFound)
	}
	if r.Status != StatusPending {
		return nil, fmt.Errorf("reservation %d is %s: %w", id, r.Status, apperr.ErrInvalidState)
	}
	return r, nil
}

// resolve applies a terminal transition. With release set, a held copy goes
// back to AVAILABLE first; if that fails the reservation stays pending.
// Must be called with s.mu held.
func (s *service) resolve(ctx context.Context, batch *journal.Batch, r *Reservation, to Status, release bool) error {
	var released int64
	if release && r.HeldCopyID != 0 {
		if _, err := s.catalog.TransitionCopy(ctx, r.HeldCopyID, catalog.CopyReservedHold, catalog.CopyAvailable); err != nil {
			return fmt.Errorf("failed to release held copy %d: %w", r.HeldCopyID, err)
		}
		released = r.HeldCopyID
	}

	now := s.now().UTC()
	r.Status = to
	r.ResolvedAt = &now
	r.Version++

	batch.Add(s.journal.Stage(ctx, journal.AggregateReservation, r.ID, r.Version, resolvedEvents[to], ResolvedEvent{
		ReservationID: r.ID,
		Status:        to,
		ReleasedCopy:  released,
		ResolvedAt:    now,
	}))
	return nil
}

var resolvedEvents = map[Status]string{
	StatusFulfilled: "ReservationFulfilled",
	StatusCancelled: "ReservationCancelled",
	StatusExpired:   "ReservationExpired",
}

// Apply rebuilds reservations from the journal. Holds are put back on their
// copies by Restore once the whole journal has been replayed.
func (s *service) Apply(_ context.Context, event journal.Event) error {
	if event.AggregateType != journal.AggregateReservation {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch event.EventType {
	case "ReservationPlaced":
		var e PlacedEvent
		if err := journal.Decode(event, &e); err != nil {
			return err
		}
		if _, exists := s.reservations[e.ReservationID]; exists {
			return fmt.Errorf("reservation %d placed twice: %w", e.ReservationID, apperr.ErrConflict)
		}
		reserved := e.ReservedAt
		if reserved.IsZero() {
			reserved = event.OccurredAt
		}
		s.reservations[e.ReservationID] = &Reservation{
			ID:         e.ReservationID,
			BookID:     e.BookID,
			MemberID:   e.MemberID,
			ReservedAt: reserved,
			ExpiresAt:  e.ExpiresAt,
			Status:     StatusPending,
			Version:    event.Version,
		}
		s.byBook[e.BookID] = append(s.byBook[e.BookID], e.ReservationID)
		s.nextID = max(s.nextID, e.ReservationID)

	case "CopyHeld":
		var e HeldEvent
		if err := journal.Decode(event, &e); err != nil {
			return err
		}
		r, ok := s.reservations[e.ReservationID]
		if !ok {
			return fmt.Errorf("reservation with ID %d: %w", e.ReservationID, apperr.ErrNotFound)
		}
		r.HeldCopyID = e.CopyID
		r.ExpiresAt = e.ExpiresAt
		r.Version = event.Version

	case "ReservationFulfilled", "ReservationCancelled", "ReservationExpired":
		var e ResolvedEvent
		if err := journal.Decode(event, &e); err != nil {
			return err
		}
		r, ok := s.reservations[e.ReservationID]
		if !ok {
			return fmt.Errorf("reservation with ID %d: %w", e.ReservationID, apperr.ErrNotFound)
		}
		resolved := e.ResolvedAt
		if resolved.IsZero() {
			resolved = event.OccurredAt
		}
		r.Status = e.Status
		r.ResolvedAt = &resolved
		r.Version = event.Version

	default:
		return fmt.Errorf("unknown reservation event %q", event.EventType)
	}
	return nil
}

// Restore puts every copy held for a pending reservation back in
// RESERVED_HOLD after a replay.
func (s *service) Restore(ctx context.Context) error {
	s.mu.RLock()
	var held []int64
	for _, r := range s.reservations {
		if r.Status == StatusPending && r.HeldCopyID != 0 {
			held = append(held, r.HeldCopyID)
		}
	}
	s.mu.RUnlock()

	for _, copyID := range held {
		if err := s.catalog.SetCopyState(ctx, copyID, catalog.CopyReservedHold); err != nil {
			return fmt.Errorf("restore held copy %d: %w", copyID, err)
		}
	}
	return nil
}

func (r *Reservation) clone() *Reservation {
	out := *r
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}
