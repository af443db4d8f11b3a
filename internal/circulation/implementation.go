// internal/circulation/implementation.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"libracirc/internal/apperr"
	"libracirc/internal/catalog"
	"libracirc/internal/ledger"
	"libracirc/internal/reservation"
)

// maxHandoffAttempts bounds how many waiters a single freed copy is offered
// to when earlier waiters resolve concurrently.
const maxHandoffAttempts = 32

// service implements the Service interface. It owns no entities; the only
// state it keeps is the per-book lock table.
type service struct {
	catalog catalog.Service
	ledger  ledger.Service
	queue   reservation.Service
	members Members

	books   keyedMutex
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *instruments
}

// Option configures the engine.
type Option func(*config)

type config struct {
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) {
		c.tracerProvider = tp
	}
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *config) {
		c.meterProvider = mp
	}
}

// NewService creates a new circulation engine over its collaborators.
func NewService(cat catalog.Service, led ledger.Service, queue reservation.Service, members Members, opts ...Option) Service {
	cfg := config{
		logger:         slog.Default(),
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &service{
		catalog: cat,
		ledger:  led,
		queue:   queue,
		members: members,
		logger:  cfg.logger,
		tracer:  cfg.tracerProvider.Tracer(instrumentationName),
		metrics: newInstruments(cfg.meterProvider.Meter(instrumentationName)),
	}
}

// Checkout lends the member a copy of the book. A copy held for the member's
// own reservation is used first; otherwise the lowest-id AVAILABLE copy is
// taken and the member's pending reservation, if any, is fulfilled with it.
func (s *service) Checkout(ctx context.Context, libraryID string, bookID int64) (_ *ledger.Loan, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.Checkout", trace.WithAttributes(
		attribute.String("library_id", libraryID),
		attribute.Int64("book_id", bookID),
	))
	defer func() { s.finish(ctx, span, "checkout", err) }()

	member, err := s.members.GetByLibraryID(ctx, libraryID)
	if err != nil {
		return nil, err
	}
	if _, err := s.catalog.GetBook(ctx, bookID); err != nil {
		return nil, err
	}
	borrower := ledger.Borrower{MemberID: member.ID, MaxActiveLoans: member.MaxActiveLoans}

	unlock := s.books.Lock(bookID)
	defer unlock()

	own, err := s.queue.PendingFor(ctx, member.ID, bookID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	if own != nil && own.HeldCopyID != 0 {
		loan, err := s.ledger.Claim(ctx, ledger.Claim{
			CopyID:   own.HeldCopyID,
			Borrower: borrower,
			From:     catalog.CopyReservedHold,
			Commit:   s.fulfil(ctx, own.ID),
		})
		switch {
		case err == nil:
			s.checkedOut(ctx, member.LibraryID, loan, own.ID)
			return loan, nil
		case errors.Is(err, apperr.ErrInvalidState), s.holdLapsed(ctx, own):
			// the sweeper expired the hold under us; fall back to the shelf
			own = nil
		default:
			return nil, err
		}
	}

	c, err := s.catalog.FindAvailableCopy(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("no copy of book %d is available: %w", bookID, apperr.ErrOutOfStock)
	}

	claim := ledger.Claim{CopyID: c.ID, Borrower: borrower, From: catalog.CopyAvailable}
	var fulfilled int64
	if own != nil {
		claim.Commit = func() error {
			_, err := s.queue.Fulfill(ctx, own.ID)
			if errors.Is(err, apperr.ErrInvalidState) {
				return nil
			}
			if err == nil {
				fulfilled = own.ID
			}
			return err
		}
	}

	loan, err := s.ledger.Claim(ctx, claim)
	if err != nil {
		return nil, err
	}
	s.checkedOut(ctx, member.LibraryID, loan, fulfilled)
	return loan, nil
}

// holdLapsed reports whether r no longer holds the copy it held when read.
func (s *service) holdLapsed(ctx context.Context, r *reservation.Reservation) bool {
	current, err := s.queue.Get(ctx, r.ID)
	if err != nil {
		return false
	}
	return current.Status != reservation.StatusPending || current.HeldCopyID != r.HeldCopyID
}

func (s *service) checkedOut(ctx context.Context, libraryID string, loan *ledger.Loan, reservationID int64) {
	s.metrics.checkouts.Add(ctx, 1)
	attrs := []any{
		"loan_id", loan.ID,
		"library_id", libraryID,
		"book_id", loan.BookID,
		"copy_id", loan.CopyID,
		"due_date", loan.DueAt,
	}
	if reservationID != 0 {
		attrs = append(attrs, "reservation_id", reservationID)
	}
	s.logger.InfoContext(ctx, "copy checked out", attrs...)
}

// Return closes the member's open loan on the book and passes the copy to
// the head of the book's queue without it ever becoming AVAILABLE.
func (s *service) Return(ctx context.Context, libraryID string, bookID int64) (_ *ReturnResult, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.Return", trace.WithAttributes(
		attribute.String("library_id", libraryID),
		attribute.Int64("book_id", bookID),
	))
	defer func() { s.finish(ctx, span, "return", err) }()

	member, err := s.members.GetByLibraryID(ctx, libraryID)
	if err != nil {
		return nil, err
	}

	unlock := s.books.Lock(bookID)
	defer unlock()

	open, err := s.ledger.OpenLoanFor(ctx, member.ID, bookID)
	if err != nil {
		return nil, err
	}
	closed, penalty, err := s.ledger.CloseLoan(ctx, open.ID)
	if err != nil {
		return nil, err
	}

	s.metrics.returns.Add(ctx, 1)
	attrs := []any{"loan_id", closed.ID, "library_id", libraryID, "book_id", bookID, "copy_id", closed.CopyID}
	if penalty != nil {
		s.metrics.penalties.Add(ctx, penalty.Amount.InexactFloat64())
		attrs = append(attrs, "penalty", penalty.Amount.String(), "reason", penalty.Reason)
	}
	s.logger.InfoContext(ctx, "copy returned", attrs...)

	result := &ReturnResult{Loan: closed, Penalty: penalty}
	handoff, err := s.handOff(ctx, bookID, closed.CopyID, closed.ID)
	if err != nil {
		// the return itself stands; make sure the copy is not stranded
		s.logger.ErrorContext(ctx, "reservation handoff failed", "loan_id", closed.ID, "copy_id", closed.CopyID, "error", err)
		span.RecordError(err)
		if rerr := s.ledger.Release(ctx, closed.CopyID); rerr != nil {
			s.logger.ErrorContext(ctx, "failed to release returned copy", "copy_id", closed.CopyID, "error", rerr)
		}
		return result, nil
	}
	result.Handoff = handoff
	return result, nil
}

// handOff offers a freed copy to the book's queue, oldest waiter first. A
// copy coming back from a loan (closedLoanID set) is still ON_LOAN and is
// either reassigned, held, or released; an AVAILABLE copy is claimed or held
// and otherwise left on the shelf. Must be called with the book locked.
func (s *service) handOff(ctx context.Context, bookID, copyID, closedLoanID int64) (*Handoff, error) {
	for attempt := 0; attempt < maxHandoffAttempts; attempt++ {
		waiter, err := s.queue.NextWaiter(ctx, bookID)
		if err != nil {
			return nil, err
		}
		if waiter == nil {
			break
		}

		m, err := s.members.Get(ctx, waiter.MemberID)
		if err != nil {
			return nil, fmt.Errorf("resolve waiter of reservation %d: %w", waiter.ID, err)
		}
		borrower := ledger.Borrower{MemberID: m.ID, MaxActiveLoans: m.MaxActiveLoans}

		var loan *ledger.Loan
		if closedLoanID != 0 {
			loan, err = s.ledger.Reassign(ctx, closedLoanID, borrower, s.fulfil(ctx, waiter.ID))
		} else {
			loan, err = s.ledger.Claim(ctx, ledger.Claim{
				CopyID:   copyID,
				Borrower: borrower,
				From:     catalog.CopyAvailable,
				Commit:   s.fulfil(ctx, waiter.ID),
			})
		}

		switch {
		case err == nil:
			s.metrics.handoffs.Add(ctx, 1)
			s.logger.InfoContext(ctx, "copy handed to waiting reservation",
				"reservation_id", waiter.ID, "member_id", m.ID, "copy_id", copyID, "loan_id", loan.ID)
			return &Handoff{ReservationID: waiter.ID, MemberID: m.ID, CopyID: copyID, LoanID: loan.ID}, nil

		case errors.Is(err, ledger.ErrLoanLimit):
			if _, err := s.queue.Hold(ctx, waiter.ID, copyID); err != nil {
				if errors.Is(err, apperr.ErrInvalidState) {
					continue
				}
				return nil, err
			}
			s.logger.InfoContext(ctx, "copy held for reservation",
				"reservation_id", waiter.ID, "member_id", m.ID, "copy_id", copyID)
			return &Handoff{ReservationID: waiter.ID, MemberID: m.ID, CopyID: copyID, Held: true}, nil

		case errors.Is(err, apperr.ErrInvalidState):
			// the waiter was cancelled or expired since NextWaiter
			continue

		default:
			return nil, err
		}
	}

	if closedLoanID != 0 {
		if err := s.ledger.Release(ctx, copyID); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (s *service) fulfil(ctx context.Context, reservationID int64) func() error {
	return func() error {
		_, err := s.queue.Fulfill(ctx, reservationID)
		return err
	}
}

// Reserve queues the member for the book.
func (s *service) Reserve(ctx context.Context, bookID int64, libraryID string) (_ *reservation.Reservation, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.Reserve", trace.WithAttributes(
		attribute.String("library_id", libraryID),
		attribute.Int64("book_id", bookID),
	))
	defer func() { s.finish(ctx, span, "reserve", err) }()

	member, err := s.members.GetByLibraryID(ctx, libraryID)
	if err != nil {
		return nil, err
	}

	unlock := s.books.Lock(bookID)
	defer unlock()

	r, err := s.queue.Reserve(ctx, bookID, member.ID)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "reservation placed",
		"reservation_id", r.ID, "library_id", libraryID, "book_id", bookID, "expires_at", r.ExpiresAt)
	return r, nil
}

// CancelReservation withdraws a pending reservation. A copy that was held
// for it is offered to the next waiter before anyone else can take it.
func (s *service) CancelReservation(ctx context.Context, reservationID int64) (_ *reservation.Reservation, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.CancelReservation", trace.WithAttributes(
		attribute.Int64("reservation_id", reservationID),
	))
	defer func() { s.finish(ctx, span, "cancel", err) }()

	current, err := s.queue.Get(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	unlock := s.books.Lock(current.BookID)
	defer unlock()

	cancelled, err := s.queue.Cancel(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "reservation cancelled", "reservation_id", cancelled.ID, "book_id", cancelled.BookID)

	if cancelled.HeldCopyID != 0 {
		if _, err := s.handOff(ctx, cancelled.BookID, cancelled.HeldCopyID, 0); err != nil {
			s.logger.ErrorContext(ctx, "failed to pass on released copy",
				"reservation_id", cancelled.ID, "copy_id", cancelled.HeldCopyID, "error", err)
		}
	}
	return cancelled, nil
}

// ListLoans returns loans newest first, joined with book and member details.
func (s *service) ListLoans(ctx context.Context, memberID int64) ([]*LoanView, error) {
	loans, err := s.ledger.List(ctx, ledger.Filter{MemberID: memberID})
	if err != nil {
		return nil, err
	}

	j := newJoiner(s)
	views := make([]*LoanView, 0, len(loans))
	for _, loan := range loans {
		view := &LoanView{Loan: loan}
		if book, err := j.book(ctx, loan.BookID); err == nil {
			view.BookTitle = book.Title
			view.CoverImage = book.CoverImage
		}
		if c, err := s.catalog.GetCopy(ctx, loan.CopyID); err == nil {
			view.Barcode = c.Barcode
		}
		view.LibraryID = j.libraryID(ctx, loan.MemberID)
		views = append(views, view)
	}
	return views, nil
}

// ListReservations returns reservations newest first, joined with book and
// member details.
func (s *service) ListReservations(ctx context.Context, memberID int64) ([]*ReservationView, error) {
	reservations, err := s.queue.List(ctx, reservation.Filter{MemberID: memberID})
	if err != nil {
		return nil, err
	}

	j := newJoiner(s)
	views := make([]*ReservationView, 0, len(reservations))
	for _, r := range reservations {
		view := &ReservationView{Reservation: r}
		if book, err := j.book(ctx, r.BookID); err == nil {
			view.BookTitle = book.Title
		}
		view.LibraryID = j.libraryID(ctx, r.MemberID)
		views = append(views, view)
	}
	return views, nil
}

// joiner caches lookups for the span of one listing.
type joiner struct {
	s       *service
	books   map[int64]*catalog.Book
	members map[int64]string
}

func newJoiner(s *service) *joiner {
	return &joiner{s: s, books: make(map[int64]*catalog.Book), members: make(map[int64]string)}
}

func (j *joiner) book(ctx context.Context, id int64) (*catalog.Book, error) {
	if b, ok := j.books[id]; ok {
		return b, nil
	}
	b, err := j.s.catalog.GetBook(ctx, id)
	if err != nil {
		return nil, err
	}
	j.books[id] = b
	return b, nil
}

func (j *joiner) libraryID(ctx context.Context, memberID int64) string {
	if id, ok := j.members[memberID]; ok {
		return id
	}
	m, err := j.s.members.Get(ctx, memberID)
	if err != nil {
		return ""
	}
	j.members[memberID] = m.LibraryID
	return m.LibraryID
}
