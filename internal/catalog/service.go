// internal/catalog/service.go
package catalog

import (
	"context"

	"libracirc/internal/journal"
)

// Service defines the interface for the catalog store.
//
// Copy state is the only mutable part of the catalog. SetCopyState writes
// unconditionally; TransitionCopy is the compare-and-set the ledger and the
// reservation queue use so that a stale caller can never overwrite a newer
// state.
type Service interface {
	AddBook(ctx context.Context, fields NewBook) (*Book, error)
	GetBook(ctx context.Context, id int64) (*Book, error)
	ListBooks(ctx context.Context) ([]*Book, error)

	AddCopy(ctx context.Context, bookID int64) (*Copy, error)
	AddCopies(ctx context.Context, bookID int64, count int) ([]*Copy, error)
	GetCopy(ctx context.Context, id int64) (*Copy, error)
	ListCopies(ctx context.Context, bookID int64) ([]*Copy, error)

	// FindAvailableCopy returns the AVAILABLE copy of the book with the lowest
	// id, or nil when every copy is taken.
	FindAvailableCopy(ctx context.Context, bookID int64) (*Copy, error)
	SetCopyState(ctx context.Context, copyID int64, state CopyState) error
	TransitionCopy(ctx context.Context, copyID int64, from, to CopyState) (*Copy, error)

	journal.Projector
}
