package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bnema/enrollctl/internal/domain"
	"github.com/bnema/enrollctl/internal/ports"
	"github.com/rs/zerolog"
)

// Registry owns the identity pool: quota accounting, cooldowns and credentials.
// Every mutation goes through a repository transaction so that a concurrent CLI
// invocation and a running controller never overwrite each other's changes.
type Registry struct {
	repo    ports.IdentityRepository
	secrets ports.SecretStore
	clock   ports.Clock
	wake    *Signal
	log     zerolog.Logger
}

func NewRegistry(repo ports.IdentityRepository, secrets ports.SecretStore, clock ports.Clock, wake *Signal, log zerolog.Logger) *Registry {
	if clock == nil {
		clock = ports.SystemClock{}
	}

	return &Registry{
		repo:    repo,
		secrets: secrets,
		clock:   clock,
		wake:    wake,
		log:     log,
	}
}

func credentialKey(id domain.IdentityID) string {
	return fmt.Sprintf("enrollctl://identity/%s/credential", id)
}

func (r *Registry) Register(ctx context.Context, cmd RegisterCommand) (domain.Identity, error) {
	id := domain.IdentityID(strings.TrimSpace(string(cmd.ID)))
	now := r.clock.Now()
	identity := domain.Identity{
		ID:            id,
		Label:         strings.TrimSpace(cmd.Label),
		LastResetDate: now.Format("2006-01-02"),
		CreatedAt:     now,
	}
	if err := identity.Validate(); err != nil {
		return domain.Identity{}, err
	}

	if _, err := r.repo.GetByID(ctx, id); err == nil {
		return domain.Identity{}, fmt.Errorf("create identity: %w: %s", domain.ErrIdentityExists, id)
	} else if !errors.Is(err, domain.ErrIdentityNotFound) {
		return domain.Identity{}, fmt.Errorf("get identity by id: %w", err)
	}

	if cmd.Credential != "" {
		if r.secrets == nil {
			return domain.Identity{}, fmt.Errorf("%w: no secret store configured", domain.ErrInvalidInput)
		}
		identity.CredentialRef = credentialKey(id)
		if err := r.secrets.Put(ctx, identity.CredentialRef, cmd.Credential); err != nil {
			return domain.Identity{}, fmt.Errorf("store identity credential: %w", err)
		}
	}

	if err := r.repo.Create(ctx, identity); err != nil {
		if identity.CredentialRef != "" {
			if rollbackErr := r.secrets.Delete(ctx, identity.CredentialRef); rollbackErr != nil {
				return domain.Identity{}, fmt.Errorf("create identity and rollback stored credential: %w", errors.Join(err, rollbackErr))
			}
		}
		return domain.Identity{}, fmt.Errorf("create identity: %w", err)
	}

	r.log.Info().Str("identity", string(id)).Msg("identity registered")
	r.wake.Notify()
	return identity, nil
}

// Remove deletes the identity and its stored credential.
func (r *Registry) Remove(ctx context.Context, id domain.IdentityID) error {
	identity, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("get identity by id: %w", err)
	}

	if err := r.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}

	if identity.CredentialRef != "" && r.secrets != nil {
		if err := r.secrets.Delete(ctx, identity.CredentialRef); err != nil && !errors.Is(err, domain.ErrSecretNotFound) {
			return fmt.Errorf("delete identity credential: %w", err)
		}
	}

	r.log.Info().Str("identity", string(id)).Msg("identity removed")
	return nil
}

// Pause stops scheduling the identity until Unpause is called.
func (r *Registry) Pause(ctx context.Context, id domain.IdentityID) (domain.Identity, error) {
	return r.update(ctx, id, "pause identity", func(identity *domain.Identity) error {
		identity.PauseIndefinitely(domain.PauseReasonManual)
		return nil
	})
}

func (r *Registry) Unpause(ctx context.Context, id domain.IdentityID) (domain.Identity, error) {
	identity, err := r.update(ctx, id, "unpause identity", func(identity *domain.Identity) error {
		identity.Unpause()
		return nil
	})
	if err != nil {
		return domain.Identity{}, err
	}

	r.wake.Notify()
	return identity, nil
}

func (r *Registry) PauseFor(ctx context.Context, id domain.IdentityID, d time.Duration, reason domain.PauseReason) (domain.Identity, error) {
	now := r.clock.Now()
	return r.update(ctx, id, "pause identity", func(identity *domain.Identity) error {
		identity.PauseFor(now, d, reason)
		return nil
	})
}

func (r *Registry) PauseIndefinitely(ctx context.Context, id domain.IdentityID, reason domain.PauseReason) (domain.Identity, error) {
	return r.update(ctx, id, "pause identity", func(identity *domain.Identity) error {
		identity.PauseIndefinitely(reason)
		return nil
	})
}

func (r *Registry) Get(ctx context.Context, id domain.IdentityID) (domain.Identity, error) {
	identity, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("get identity by id: %w", err)
	}

	return identity, nil
}

// List returns every identity ordered by id.
func (r *Registry) List(ctx context.Context) ([]domain.Identity, error) {
	identities, err := r.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}

	sort.Slice(identities, func(i, j int) bool {
		return identities[i].ID < identities[j].ID
	})
	return identities, nil
}

// Credential loads the secret an identity connects with.
func (r *Registry) Credential(ctx context.Context, identity domain.Identity) (string, error) {
	if identity.CredentialRef == "" || r.secrets == nil {
		return "", fmt.Errorf("%w: identity %s has no credential", domain.ErrSecretNotFound, identity.ID)
	}

	value, err := r.secrets.Get(ctx, identity.CredentialRef)
	if err != nil {
		return "", fmt.Errorf("load identity credential: %w", err)
	}
	return value, nil
}

// ApplyDailyReset persists the day rollover for the identity.
func (r *Registry) ApplyDailyReset(ctx context.Context, id domain.IdentityID) (domain.Identity, error) {
	return r.update(ctx, id, "apply daily reset", func(identity *domain.Identity) error {
		identity.ApplyDailyReset(r.clock.Now())
		return nil
	})
}

// IsEligible reports whether the identity may be scheduled now. connected is the
// controller's view of the identity's connection.
func (r *Registry) IsEligible(ctx context.Context, id domain.IdentityID, connected bool) (bool, error) {
	if !connected {
		return false, nil
	}

	identity, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return false, fmt.Errorf("get identity by id: %w", err)
	}

	return identity.Eligible(r.clock.Now()), nil
}

func (r *Registry) RecordSuccess(ctx context.Context, id domain.IdentityID) (domain.Identity, error) {
	return r.update(ctx, id, "record success", func(identity *domain.Identity) error {
		identity.RecordSuccess()
		return nil
	})
}

// RecordConfirmed restarts the unconfirmed streak after a verified membership.
func (r *Registry) RecordConfirmed(ctx context.Context, id domain.IdentityID) (domain.Identity, error) {
	return r.update(ctx, id, "record confirmed", func(identity *domain.Identity) error {
		identity.ConsecutiveUnconfirmed = 0
		return nil
	})
}

// RecordUnconfirmed reports whether the identity crossed the threshold and was put
// on cooldown.
func (r *Registry) RecordUnconfirmed(ctx context.Context, id domain.IdentityID, threshold, cooldownDays int) (domain.Identity, bool, error) {
	var tripped bool
	now := r.clock.Now()
	identity, err := r.update(ctx, id, "record unconfirmed", func(identity *domain.Identity) error {
		tripped = identity.RecordUnconfirmed(now, threshold, cooldownDays)
		return nil
	})
	if err != nil {
		return domain.Identity{}, false, err
	}

	return identity, tripped, nil
}

// CountEligible counts eligible identities among ids in one store read.
func (r *Registry) CountEligible(ctx context.Context, ids []domain.IdentityID, connected func(domain.IdentityID) bool) (int, error) {
	identities, err := r.repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list identities: %w", err)
	}

	wanted := make(map[domain.IdentityID]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	now := r.clock.Now()
	count := 0
	for _, identity := range identities {
		if _, ok := wanted[identity.ID]; !ok {
			continue
		}
		if connected != nil && !connected(identity.ID) {
			continue
		}
		if identity.Eligible(now) {
			count++
		}
	}

	return count, nil
}

// Missing returns the ids that are no longer registered.
func (r *Registry) Missing(ctx context.Context, ids []domain.IdentityID) ([]domain.IdentityID, error) {
	identities, err := r.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}

	known := make(map[domain.IdentityID]struct{}, len(identities))
	for _, identity := range identities {
		known[identity.ID] = struct{}{}
	}

	var missing []domain.IdentityID
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// NextPauseExpiry returns the earliest timed pause among ids.
func (r *Registry) NextPauseExpiry(ctx context.Context, ids []domain.IdentityID) (time.Time, bool, error) {
	identities, err := r.repo.List(ctx)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("list identities: %w", err)
	}

	wanted := make(map[domain.IdentityID]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	var earliest time.Time
	for _, identity := range identities {
		if _, ok := wanted[identity.ID]; !ok || identity.PausedUntil == nil {
			continue
		}
		if earliest.IsZero() || identity.PausedUntil.Before(earliest) {
			earliest = *identity.PausedUntil
		}
	}

	return earliest, !earliest.IsZero(), nil
}

// Lease claims the identity for session. A lease held by another session is only
// taken over when release reports that session as gone.
func (r *Registry) Lease(ctx context.Context, id domain.IdentityID, session string, holderGone func(holder string) bool) (domain.Identity, error) {
	return r.update(ctx, id, "lease identity", func(identity *domain.Identity) error {
		if identity.LeaseHeldByOther(session) && (holderGone == nil || !holderGone(identity.LeasedBy)) {
			return fmt.Errorf("%w: identity %s is leased by session %q", ErrLeaseHeld, identity.ID, identity.LeasedBy)
		}
		identity.Lease(session)
		return nil
	})
}

func (r *Registry) Release(ctx context.Context, id domain.IdentityID, session string) error {
	_, err := r.update(ctx, id, "release identity", func(identity *domain.Identity) error {
		identity.Release(session)
		return nil
	})
	return err
}

func (r *Registry) update(ctx context.Context, id domain.IdentityID, action string, fn func(*domain.Identity) error) (domain.Identity, error) {
	identity, err := r.repo.Update(ctx, id, fn)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%s: %w", action, err)
	}

	return identity, nil
}
