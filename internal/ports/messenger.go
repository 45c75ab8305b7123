package ports

import (
	"context"

	"github.com/bnema/enrollctl/internal/domain"
)

// Messenger is one connected identity's view of the messaging platform. Errors are
// classified with the domain messaging taxonomy.
type Messenger interface {
	// Self resolves the connected identity's own account.
	Self(ctx context.Context) (domain.Entity, error)
	ResolveEntity(ctx context.Context, handle string) (domain.Entity, error)
	GetMembership(ctx context.Context, group domain.Entity, target domain.Entity) (domain.Membership, error)
	JoinGroup(ctx context.Context, group domain.Entity) error
	Invite(ctx context.Context, group domain.Entity, target domain.Entity) error
	Close() error
}

// Dialer connects an identity. A domain.ErrContention error is retryable.
type Dialer interface {
	Dial(ctx context.Context, identity domain.Identity, credential string) (Messenger, error)
}
