package ports

import (
	"context"

	"github.com/bnema/enrollctl/internal/domain"
)

// IdentityRepository persists the identity pool. Update runs fn on the freshest
// stored record and writes the result back within one critical section.
type IdentityRepository interface {
	GetByID(ctx context.Context, id domain.IdentityID) (domain.Identity, error)
	List(ctx context.Context) ([]domain.Identity, error)
	Create(ctx context.Context, identity domain.Identity) error
	Update(ctx context.Context, id domain.IdentityID, fn func(*domain.Identity) error) (domain.Identity, error)
	Delete(ctx context.Context, id domain.IdentityID) error
}
