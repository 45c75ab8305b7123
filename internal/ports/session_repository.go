package ports

import (
	"context"

	"github.com/bnema/enrollctl/internal/domain"
)

type SessionRepository interface {
	GetByName(ctx context.Context, name string) (domain.OperationSession, error)
	List(ctx context.Context) ([]domain.OperationSession, error)
	Save(ctx context.Context, session domain.OperationSession) error
	Update(ctx context.Context, name string, fn func(*domain.OperationSession) error) (domain.OperationSession, error)
	// Upsert runs fn on the named session, or on a blank one carrying only the name,
	// together with every other stored session, and stores the result. fn decides
	// within the same critical section, so two starters cannot both claim a run.
	Upsert(ctx context.Context, name string, fn func(session *domain.OperationSession, others []domain.OperationSession) error) (domain.OperationSession, error)
}

// StopRequests carries stop requests from other processes to a running controller.
type StopRequests interface {
	RequestStop(ctx context.Context, name string) error
	ConsumeStop(ctx context.Context, name string) (bool, error)
}
