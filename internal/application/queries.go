package application

import (
	"context"
	"fmt"
	"time"

	"github.com/bnema/enrollctl/internal/domain"
)

// IdentitySummary is the per-identity quota view shown by the summary command.
type IdentitySummary struct {
	ID                     domain.IdentityID
	Label                  string
	AddedToday             int
	Remaining              int
	TotalAdded             int
	Paused                 bool
	PauseReason            domain.PauseReason
	Cooldown               time.Duration
	ConsecutiveUnconfirmed int
	LeasedBy               string
}

type Summary struct {
	Identities []IdentitySummary
	AddedToday int
	TotalAdded int
	Eligible   int
	CapturedAt time.Time
}

func (r *Registry) Summary(ctx context.Context) (Summary, error) {
	identities, err := r.List(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize identities: %w", err)
	}

	now := r.clock.Now()
	summary := Summary{
		Identities: make([]IdentitySummary, 0, len(identities)),
		CapturedAt: now,
	}
	for _, identity := range identities {
		remaining := domain.DailyCap - identity.DailyAdded
		if remaining < 0 {
			remaining = 0
		}
		summary.Identities = append(summary.Identities, IdentitySummary{
			ID:                     identity.ID,
			Label:                  identity.Label,
			AddedToday:             identity.DailyAdded,
			Remaining:              remaining,
			TotalAdded:             identity.TotalAdded,
			Paused:                 identity.Paused,
			PauseReason:            identity.PauseReason,
			Cooldown:               identity.CooldownRemaining(now),
			ConsecutiveUnconfirmed: identity.ConsecutiveUnconfirmed,
			LeasedBy:               identity.LeasedBy,
		})
		summary.AddedToday += identity.DailyAdded
		summary.TotalAdded += identity.TotalAdded
		if identity.Eligible(now) {
			summary.Eligible++
		}
	}

	return summary, nil
}
