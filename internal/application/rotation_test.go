package application

import (
	"context"
	"errors"
	"testing"

	"github.com/bnema/enrollctl/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eligibleSet(ids ...domain.IdentityID) (EligibilityFunc, *int) {
	allowed := make(map[domain.IdentityID]bool, len(ids))
	for _, id := range ids {
		allowed[id] = true
	}
	checks := 0
	return func(_ context.Context, id domain.IdentityID) (bool, error) {
		checks++
		return allowed[id], nil
	}, &checks
}

func TestRotationVisitsEveryParticipantInOrder(t *testing.T) {
	eligible, _ := eligibleSet("a", "b", "c")
	rotation := NewRotation([]domain.IdentityID{"c", "a", "b", "a"}, eligible)

	require.Equal(t, []domain.IdentityID{"a", "b", "c"}, rotation.Participants())

	var picked []domain.IdentityID
	for i := 0; i < 2*rotation.Len(); i++ {
		id, ok, err := rotation.SelectNext(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
		picked = append(picked, id)
	}

	assert.Equal(t, []domain.IdentityID{"a", "b", "c", "a", "b", "c"}, picked)
}

func TestRotationSkipsIneligibleAndAdvancesPastThem(t *testing.T) {
	eligible, checks := eligibleSet("a", "c")
	rotation := NewRotation([]domain.IdentityID{"a", "b", "c"}, eligible)

	id, ok, err := rotation.SelectNext(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.IdentityID("a"), id)

	id, ok, err = rotation.SelectNext(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.IdentityID("c"), id)
	assert.Equal(t, 3, *checks)
}

func TestRotationBoundedScanWhenNobodyEligible(t *testing.T) {
	eligible, checks := eligibleSet()
	rotation := NewRotation([]domain.IdentityID{"a", "b", "c"}, eligible)

	_, ok, err := rotation.SelectNext(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3, *checks)
}

func TestRotationEmpty(t *testing.T) {
	eligible, checks := eligibleSet()
	rotation := NewRotation(nil, eligible)

	_, ok, err := rotation.SelectNext(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, *checks)
}

func TestRotationPropagatesEligibilityError(t *testing.T) {
	boom := errors.New("store unavailable")
	rotation := NewRotation([]domain.IdentityID{"a"}, func(context.Context, domain.IdentityID) (bool, error) {
		return false, boom
	})

	_, _, err := rotation.SelectNext(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestRotationRemoveKeepsSuccessor(t *testing.T) {
	eligible, _ := eligibleSet("a", "b", "c")
	rotation := NewRotation([]domain.IdentityID{"a", "b", "c"}, eligible)

	id, _, _ := rotation.SelectNext(context.Background())
	require.Equal(t, domain.IdentityID("a"), id)

	rotation.Remove("a")
	id, _, _ = rotation.SelectNext(context.Background())
	assert.Equal(t, domain.IdentityID("b"), id)

	rotation.Remove("c")
	id, _, _ = rotation.SelectNext(context.Background())
	assert.Equal(t, domain.IdentityID("b"), id)
	assert.Equal(t, 1, rotation.Len())
}

func TestRotationSkipsIdentityAtDailyCap(t *testing.T) {
	h := newHarness(t, newFakeNetwork("@grp"))
	ctx := context.Background()
	h.register("a", "b")
	for i := 0; i < domain.DailyCap; i++ {
		_, err := h.registry.RecordSuccess(ctx, "a")
		require.NoError(t, err)
	}

	rotation := NewRotation([]domain.IdentityID{"a", "b"}, func(ctx context.Context, id domain.IdentityID) (bool, error) {
		return h.registry.IsEligible(ctx, id, true)
	})
	for i := 0; i < 3; i++ {
		id, ok, err := rotation.SelectNext(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, domain.IdentityID("b"), id)
	}
}

func TestRotationContains(t *testing.T) {
	eligible, _ := eligibleSet("a", "b")
	rotation := NewRotation([]domain.IdentityID{"a", "b"}, eligible)

	assert.True(t, rotation.Contains("a"))
	rotation.Remove("a")
	assert.False(t, rotation.Contains("a"))
	assert.True(t, rotation.Contains("b"))
}
