// internal/circulation/service.go
package circulation

import (
	"context"

	"libracirc/internal/ledger"
	"libracirc/internal/membership"
	"libracirc/internal/reservation"
)

// Members resolves the people behind library ids.
type Members interface {
	Get(ctx context.Context, id int64) (*membership.Member, error)
	GetByLibraryID(ctx context.Context, libraryID string) (*membership.Member, error)
}

// Service defines the interface for the circulation engine. Every compound
// operation runs under the book's lock, so checkouts, returns, reservations
// and cancellations of one book are totally ordered.
type Service interface {
	Checkout(ctx context.Context, libraryID string, bookID int64) (*ledger.Loan, error)
	Return(ctx context.Context, libraryID string, bookID int64) (*ReturnResult, error)
	Reserve(ctx context.Context, bookID int64, libraryID string) (*reservation.Reservation, error)
	CancelReservation(ctx context.Context, reservationID int64) (*reservation.Reservation, error)

	// ListLoans and ListReservations return everything when memberID is 0.
	ListLoans(ctx context.Context, memberID int64) ([]*LoanView, error)
	ListReservations(ctx context.Context, memberID int64) ([]*ReservationView, error)
}
