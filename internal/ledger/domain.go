// internal/ledger/domain.go
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// LoanStatus is the lifecycle state of a loan.
type LoanStatus string

const (
	StatusActive   LoanStatus = "ACTIVE"
	StatusOverdue  LoanStatus = "OVERDUE"
	StatusReturned LoanStatus = "RETURNED"
)

// Loan records one copy held by one member for a bounded period.
type Loan struct {
	ID           int64      `json:"id"`
	CopyID       int64      `json:"copy_id"`
	BookID       int64      `json:"book_id"`
	MemberID     int64      `json:"member_id"`
	CheckedOutAt time.Time  `json:"checkout_date"`
	DueAt        time.Time  `json:"due_date"`
	ReturnedAt   *time.Time `json:"return_date,omitempty"`
	Status       LoanStatus `json:"status"`
	Penalty      *Penalty   `json:"penalty,omitempty"`
	Version      int        `json:"version"`
}

// Open reports whether the loan still holds its copy.
func (l *Loan) Open() bool {
	return l.Status == StatusActive || l.Status == StatusOverdue
}

// Penalty is the amount owed for a late return. It is reported, never charged.
type Penalty struct {
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency,omitempty"`
	Units     int64           `json:"units"`
	OverdueBy time.Duration   `json:"-"`
	Reason    string          `json:"reason"`
}

// Borrower is what the ledger needs to know about the member taking a loan.
type Borrower struct {
	MemberID       int64
	MaxActiveLoans int
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	MemberID int64
	BookID   int64
	Status   LoanStatus
}

// LoanOpenedEvent is journaled when a loan starts.
type LoanOpenedEvent struct {
	LoanID       int64     `json:"loan_id"`
	CopyID       int64     `json:"copy_id"`
	BookID       int64     `json:"book_id"`
	MemberID     int64     `json:"member_id"`
	CheckedOutAt time.Time `json:"checkout_date"`
	DueAt        time.Time `json:"due_date"`
	Handoff      bool      `json:"handoff,omitempty"`
}

// LoanOverdueEvent is journaled when the sweeper flags a loan.
type LoanOverdueEvent struct {
	LoanID int64     `json:"loan_id"`
	DueAt  time.Time `json:"due_date"`
	SeenAt time.Time `json:"seen_at"`
}

// LoanReturnedEvent is journaled when a loan is closed.
type LoanReturnedEvent struct {
	LoanID     int64     `json:"loan_id"`
	CopyID     int64     `json:"copy_id"`
	ReturnedAt time.Time `json:"return_date"`
	Penalty    *Penalty  `json:"penalty,omitempty"`
}
