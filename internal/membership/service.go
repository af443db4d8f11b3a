// internal/membership/service.go
package membership

import (
	"context"

	"libracirc/internal/journal"
)

// Service defines the interface for the member directory.
type Service interface {
	Register(ctx context.Context, fields NewMember) (*Member, error)
	Get(ctx context.Context, id int64) (*Member, error)
	GetByLibraryID(ctx context.Context, libraryID string) (*Member, error)
	List(ctx context.Context) ([]*Member, error)

	journal.Projector
}
