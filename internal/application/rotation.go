package application

import (
	"context"
	"sort"

	"github.com/bnema/enrollctl/internal/domain"
)

// EligibilityFunc reports whether an identity may take the next attempt.
type EligibilityFunc func(ctx context.Context, id domain.IdentityID) (bool, error)

// Rotation hands out participants round-robin. The index advances on every check,
// eligible or not, so consecutive attempts spread across identities.
type Rotation struct {
	participants []domain.IdentityID
	next         int
	eligible     EligibilityFunc
}

func NewRotation(ids []domain.IdentityID, eligible EligibilityFunc) *Rotation {
	seen := make(map[domain.IdentityID]struct{}, len(ids))
	participants := make([]domain.IdentityID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		participants = append(participants, id)
	}
	sort.Slice(participants, func(i, j int) bool {
		return participants[i] < participants[j]
	})

	return &Rotation{participants: participants, eligible: eligible}
}

// SelectNext scans at most one full cycle and returns the first eligible identity.
func (r *Rotation) SelectNext(ctx context.Context) (domain.IdentityID, bool, error) {
	for checked := 0; checked < len(r.participants); checked++ {
		id := r.participants[r.next]
		r.next = (r.next + 1) % len(r.participants)

		ok, err := r.eligible(ctx, id)
		if err != nil {
			return "", false, err
		}
		if ok {
			return id, true, nil
		}
	}

	return "", false, nil
}

func (r *Rotation) Participants() []domain.IdentityID {
	out := make([]domain.IdentityID, len(r.participants))
	copy(out, r.participants)
	return out
}

func (r *Rotation) Contains(id domain.IdentityID) bool {
	for _, candidate := range r.participants {
		if candidate == id {
			return true
		}
	}
	return false
}

func (r *Rotation) Len() int {
	return len(r.participants)
}

// Remove drops an identity that can no longer take part, keeping the rotation
// position pointed at the same successor.
func (r *Rotation) Remove(id domain.IdentityID) {
	for i, candidate := range r.participants {
		if candidate != id {
			continue
		}
		r.participants = append(r.participants[:i], r.participants[i+1:]...)
		if i < r.next {
			r.next--
		}
		if r.next >= len(r.participants) {
			r.next = 0
		}
		return
	}
}
