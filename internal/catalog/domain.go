// internal/catalog/domain.go
package catalog

import (
	"time"
)

// CopyState is the availability state of a physical copy.
type CopyState string

const (
	CopyAvailable    CopyState = "AVAILABLE"
	CopyOnLoan       CopyState = "ON_LOAN"
	CopyReservedHold CopyState = "RESERVED_HOLD"
)

// Valid reports whether s is one of the known copy states.
func (s CopyState) Valid() bool {
	switch s {
	case CopyAvailable, CopyOnLoan, CopyReservedHold:
		return true
	}
	return false
}

// Book is a catalog entry. Copies point back to it; the book owns none of them.
type Book struct {
	ID         int64     `json:"id"`
	Title      string    `json:"title"`
	Author     string    `json:"author"`
	ISBN       string    `json:"isbn"`
	Category   string    `json:"category"`
	CoverImage string    `json:"cover_image,omitempty"`
	About      string    `json:"about,omitempty"`
	Version    int       `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
}

// Copy is one physical, individually loanable instance of a Book.
type Copy struct {
	ID        int64     `json:"id"`
	BookID    int64     `json:"book_id"`
	Barcode   string    `json:"barcode"`
	State     CopyState `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewBook carries the librarian-supplied fields of a book.
type NewBook struct {
	Title      string `json:"title" validate:"required,max=255"`
	Author     string `json:"author" validate:"required,max=255"`
	ISBN       string `json:"isbn" validate:"required,max=17"`
	Category   string `json:"category" validate:"required,max=100"`
	CoverImage string `json:"cover_image,omitempty" validate:"omitempty,max=1024"`
	About      string `json:"about,omitempty"`
}

// BookAddedEvent is journaled when a book enters the catalog.
type BookAddedEvent struct {
	BookID     int64  `json:"book_id"`
	Title      string `json:"title"`
	Author     string `json:"author"`
	ISBN       string `json:"isbn"`
	Category   string `json:"category"`
	CoverImage string `json:"cover_image,omitempty"`
	About      string `json:"about,omitempty"`
}

// CopyAddedEvent is journaled against the book when a copy is registered.
type CopyAddedEvent struct {
	BookID  int64  `json:"book_id"`
	CopyID  int64  `json:"copy_id"`
	Barcode string `json:"barcode"`
}
