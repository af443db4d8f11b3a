// internal/membership/domain.go
package membership

import (
	"time"
)

// DefaultMaxActiveLoans applies when a member is registered without a limit.
const DefaultMaxActiveLoans = 5

// Member represents a library member. The identity provider owns the user
// behind UserRef; circulation only needs the library id and the loan limit.
type Member struct {
	ID             int64     `json:"id"`
	UserRef        string    `json:"user_ref"`
	Name           string    `json:"name,omitempty"`
	LibraryID      string    `json:"library_id"`
	MaxActiveLoans int       `json:"max_active_loans"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewMember carries the fields of a registration request.
type NewMember struct {
	UserRef        string `json:"user_ref" validate:"required,max=150"`
	Name           string `json:"name,omitempty" validate:"omitempty,max=255"`
	LibraryID      string `json:"library_id,omitempty" validate:"omitempty,max=20"`
	MaxActiveLoans int    `json:"max_active_loans,omitempty" validate:"omitempty,min=1,max=100"`
}

// RegisteredEvent is journaled when a member joins.
type RegisteredEvent struct {
	MemberID       int64  `json:"member_id"`
	UserRef        string `json:"user_ref"`
	Name           string `json:"name,omitempty"`
	LibraryID      string `json:"library_id"`
	MaxActiveLoans int    `json:"max_active_loans"`
}
