// internal/ledger/service.go
package ledger

import (
	"context"
	"errors"
	"time"

	"libracirc/internal/catalog"
	"libracirc/internal/journal"
)

// ErrLoanLimit is wrapped together with apperr.ErrConflict when a member
// already holds as many open loans as allowed.
var ErrLoanLimit = errors.New("loan limit reached")

// Claim describes a loan about to be opened on a copy that is currently in
// state From. Commit, when set, runs inside the ledger's critical section
// after every check has passed and before the copy moves to ON_LOAN; an error
// from it aborts the claim with nothing changed.
type Claim struct {
	CopyID   int64
	Borrower Borrower
	From     catalog.CopyState
	Commit   func() error
}

// Service defines the interface for the loan ledger.
//
// The ledger owns loans and the ON_LOAN side of a copy's state. CloseLoan
// leaves the copy ON_LOAN so the caller can either hand it to the next waiter
// through Reassign or free it through Release.
type Service interface {
	OpenLoan(ctx context.Context, copyID int64, borrower Borrower) (*Loan, error)
	Claim(ctx context.Context, claim Claim) (*Loan, error)
	CloseLoan(ctx context.Context, loanID int64) (*Loan, *Penalty, error)
	Reassign(ctx context.Context, closedLoanID int64, borrower Borrower, commit func() error) (*Loan, error)
	Release(ctx context.Context, copyID int64) error
	MarkOverdue(ctx context.Context, now time.Time) (int, error)

	Get(ctx context.Context, loanID int64) (*Loan, error)
	List(ctx context.Context, filter Filter) ([]*Loan, error)
	OpenLoanFor(ctx context.Context, memberID, bookID int64) (*Loan, error)
	CountOpen(ctx context.Context, memberID int64) (int, error)

	journal.Projector
	// Restore moves the copies of replayed open loans back ON_LOAN.
	Restore(ctx context.Context) error
}
