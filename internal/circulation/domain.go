// internal/circulation/domain.go
package circulation

import (
	"libracirc/internal/ledger"
	"libracirc/internal/reservation"
)

// ReturnResult reports a closed loan and where its copy went next.
type ReturnResult struct {
	Loan    *ledger.Loan    `json:"loan"`
	Penalty *ledger.Penalty `json:"penalty,omitempty"`
	Handoff *Handoff        `json:"handoff,omitempty"`
}

// Handoff describes a freed copy going straight to the head of the queue.
// Held is set when the waiter could not borrow yet and the copy was set aside.
type Handoff struct {
	ReservationID int64 `json:"reservation_id"`
	MemberID      int64 `json:"member_id"`
	CopyID        int64 `json:"copy_id"`
	LoanID        int64 `json:"loan_id,omitempty"`
	Held          bool  `json:"held,omitempty"`
}

// LoanView is a loan joined with what a dashboard shows next to it.
type LoanView struct {
	*ledger.Loan
	BookTitle  string `json:"book_title"`
	CoverImage string `json:"cover_image,omitempty"`
	Barcode    string `json:"barcode"`
	LibraryID  string `json:"library_id"`
}

// ReservationView is a reservation joined with its book and member.
type ReservationView struct {
	*reservation.Reservation
	BookTitle string `json:"book_title"`
	LibraryID string `json:"library_id"`
}
