package toml

import (
	"context"
	"fmt"

	"github.com/bnema/enrollctl/internal/domain"
	"github.com/bnema/enrollctl/internal/ports"
)

type IdentityRepository struct {
	store *Store
}

var _ ports.IdentityRepository = (*IdentityRepository)(nil)

// GetByID returns the stored identity with clock-driven transitions (daily reset,
// expired pause) applied. Those transitions are persisted by the next Update.
func (r *IdentityRepository) GetByID(ctx context.Context, id domain.IdentityID) (domain.Identity, error) {
	var identity domain.Identity
	err := r.store.read(ctx, func() error {
		file, err := r.store.readIdentities()
		if err != nil {
			return err
		}

		for _, entry := range file.Identities {
			if entry.ID == string(id) {
				identity = fromIdentitySchema(entry)
				identity.Refresh(r.store.clock.Now())
				return nil
			}
		}

		return domain.ErrIdentityNotFound
	})
	if err != nil {
		return domain.Identity{}, err
	}

	return identity, nil
}

func (r *IdentityRepository) List(ctx context.Context) ([]domain.Identity, error) {
	var identities []domain.Identity
	err := r.store.read(ctx, func() error {
		file, err := r.store.readIdentities()
		if err != nil {
			return err
		}

		now := r.store.clock.Now()
		identities = make([]domain.Identity, 0, len(file.Identities))
		for _, entry := range file.Identities {
			identity := fromIdentitySchema(entry)
			identity.Refresh(now)
			identities = append(identities, identity)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return identities, nil
}

func (r *IdentityRepository) Create(ctx context.Context, identity domain.Identity) error {
	if err := identity.Validate(); err != nil {
		return err
	}

	return r.store.write(ctx, func() error {
		file, err := r.store.readIdentities()
		if err != nil {
			return err
		}

		for _, entry := range file.Identities {
			if entry.ID == string(identity.ID) {
				return fmt.Errorf("%w: %s", domain.ErrIdentityExists, identity.ID)
			}
		}

		file.Identities = append(file.Identities, toIdentitySchema(identity))
		return writeTOMLFile(r.store.identitiesPath, file)
	})
}

// Update applies fn to the freshest stored copy of the identity and persists the
// result. Clock-driven transitions are applied before fn sees the record.
func (r *IdentityRepository) Update(ctx context.Context, id domain.IdentityID, fn func(*domain.Identity) error) (domain.Identity, error) {
	var updated domain.Identity
	err := r.store.write(ctx, func() error {
		file, err := r.store.readIdentities()
		if err != nil {
			return err
		}

		for i := range file.Identities {
			if file.Identities[i].ID != string(id) {
				continue
			}

			identity := fromIdentitySchema(file.Identities[i])
			identity.Refresh(r.store.clock.Now())
			if err := fn(&identity); err != nil {
				return err
			}
			if err := identity.Validate(); err != nil {
				return err
			}
			if identity.ID != id {
				return fmt.Errorf("%w: identity id cannot change", domain.ErrInvalidInput)
			}

			file.Identities[i] = toIdentitySchema(identity)
			if err := writeTOMLFile(r.store.identitiesPath, file); err != nil {
				return err
			}
			updated = identity
			return nil
		}

		return domain.ErrIdentityNotFound
	})
	if err != nil {
		return domain.Identity{}, err
	}

	return updated, nil
}

func (r *IdentityRepository) Delete(ctx context.Context, id domain.IdentityID) error {
	return r.store.write(ctx, func() error {
		file, err := r.store.readIdentities()
		if err != nil {
			return err
		}

		kept := file.Identities[:0]
		found := false
		for _, entry := range file.Identities {
			if entry.ID == string(id) {
				found = true
				continue
			}
			kept = append(kept, entry)
		}
		if !found {
			return domain.ErrIdentityNotFound
		}

		file.Identities = kept
		return writeTOMLFile(r.store.identitiesPath, file)
	})
}

func toIdentitySchema(identity domain.Identity) identitySchema {
	pausedUntil := ""
	if identity.PausedUntil != nil {
		pausedUntil = formatTime(*identity.PausedUntil)
	}

	return identitySchema{
		ID:                     string(identity.ID),
		Label:                  identity.Label,
		CredentialRef:          identity.CredentialRef,
		DailyAdded:             identity.DailyAdded,
		LastResetDate:          identity.LastResetDate,
		TotalAdded:             identity.TotalAdded,
		Paused:                 identity.Paused,
		PausedUntil:            pausedUntil,
		PauseReason:            string(identity.PauseReason),
		ConsecutiveUnconfirmed: identity.ConsecutiveUnconfirmed,
		LeasedBy:               identity.LeasedBy,
		CreatedAt:              formatTime(identity.CreatedAt),
	}
}

func fromIdentitySchema(schema identitySchema) domain.Identity {
	identity := domain.Identity{
		ID:                     domain.IdentityID(schema.ID),
		Label:                  schema.Label,
		CredentialRef:          schema.CredentialRef,
		DailyAdded:             schema.DailyAdded,
		LastResetDate:          schema.LastResetDate,
		TotalAdded:             schema.TotalAdded,
		Paused:                 schema.Paused,
		PauseReason:            domain.PauseReason(schema.PauseReason),
		ConsecutiveUnconfirmed: schema.ConsecutiveUnconfirmed,
		LeasedBy:               schema.LeasedBy,
		CreatedAt:              parseTime(schema.CreatedAt),
	}
	if until := parseTime(schema.PausedUntil); !until.IsZero() {
		identity.PausedUntil = &until
	}
	if identity.Paused && identity.PauseReason == domain.PauseReasonNone {
		identity.PauseReason = domain.PauseReasonManual
	}

	return identity
}
