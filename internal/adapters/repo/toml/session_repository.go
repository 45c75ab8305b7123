package toml

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bnema/enrollctl/internal/domain"
	"github.com/bnema/enrollctl/internal/ports"
)

const stopRequestSuffix = ".stop"

type SessionRepository struct {
	store *Store
}

var (
	_ ports.SessionRepository = (*SessionRepository)(nil)
	_ ports.StopRequests      = (*SessionRepository)(nil)
)

func (r *SessionRepository) GetByName(ctx context.Context, name string) (domain.OperationSession, error) {
	var session domain.OperationSession
	err := r.store.read(ctx, func() error {
		file, err := r.store.readSessions()
		if err != nil {
			return err
		}

		for _, entry := range file.Sessions {
			if entry.Name == name {
				session = fromSessionSchema(entry)
				return nil
			}
		}

		return domain.ErrSessionNotFound
	})
	if err != nil {
		return domain.OperationSession{}, err
	}

	return session, nil
}

func (r *SessionRepository) List(ctx context.Context) ([]domain.OperationSession, error) {
	var sessions []domain.OperationSession
	err := r.store.read(ctx, func() error {
		file, err := r.store.readSessions()
		if err != nil {
			return err
		}

		sessions = make([]domain.OperationSession, 0, len(file.Sessions))
		for _, entry := range file.Sessions {
			sessions = append(sessions, fromSessionSchema(entry))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return sessions, nil
}

func (r *SessionRepository) Save(ctx context.Context, session domain.OperationSession) error {
	if err := session.Validate(); err != nil {
		return err
	}

	return r.store.write(ctx, func() error {
		file, err := r.store.readSessions()
		if err != nil {
			return err
		}

		encoded := toSessionSchema(session)
		updated := false
		for i := range file.Sessions {
			if file.Sessions[i].Name == encoded.Name {
				file.Sessions[i] = encoded
				updated = true
				break
			}
		}
		if !updated {
			file.Sessions = append(file.Sessions, encoded)
		}

		return writeTOMLFile(r.store.sessionsPath, file)
	})
}

func (r *SessionRepository) Update(ctx context.Context, name string, fn func(*domain.OperationSession) error) (domain.OperationSession, error) {
	var updated domain.OperationSession
	err := r.store.write(ctx, func() error {
		file, err := r.store.readSessions()
		if err != nil {
			return err
		}

		for i := range file.Sessions {
			if file.Sessions[i].Name != name {
				continue
			}

			session := fromSessionSchema(file.Sessions[i])
			if err := fn(&session); err != nil {
				return err
			}
			if session.Name != name {
				return fmt.Errorf("%w: session name cannot change", domain.ErrInvalidInput)
			}

			file.Sessions[i] = toSessionSchema(session)
			if err := writeTOMLFile(r.store.sessionsPath, file); err != nil {
				return err
			}
			updated = session
			return nil
		}

		return domain.ErrSessionNotFound
	})
	if err != nil {
		return domain.OperationSession{}, err
	}

	return updated, nil
}

func (r *SessionRepository) Upsert(ctx context.Context, name string, fn func(*domain.OperationSession, []domain.OperationSession) error) (domain.OperationSession, error) {
	var updated domain.OperationSession
	err := r.store.write(ctx, func() error {
		file, err := r.store.readSessions()
		if err != nil {
			return err
		}

		index := -1
		others := make([]domain.OperationSession, 0, len(file.Sessions))
		session := domain.OperationSession{Name: name, State: domain.SessionIdle}
		for i, entry := range file.Sessions {
			if entry.Name == name {
				index = i
				session = fromSessionSchema(entry)
				continue
			}
			others = append(others, fromSessionSchema(entry))
		}

		if err := fn(&session, others); err != nil {
			return err
		}
		if session.Name != name {
			return fmt.Errorf("%w: session name cannot change", domain.ErrInvalidInput)
		}
		if err := session.Validate(); err != nil {
			return err
		}

		if index >= 0 {
			file.Sessions[index] = toSessionSchema(session)
		} else {
			file.Sessions = append(file.Sessions, toSessionSchema(session))
		}
		if err := writeTOMLFile(r.store.sessionsPath, file); err != nil {
			return err
		}
		updated = session
		return nil
	})
	if err != nil {
		return domain.OperationSession{}, err
	}

	return updated, nil
}

// RequestStop leaves a marker file next to the state files. The running controller
// consumes it at its next checkpoint.
func (r *SessionRepository) RequestStop(ctx context.Context, name string) error {
	return r.store.write(ctx, func() error {
		path := r.stopRequestPath(name)
		if err := os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)), stateFileMode); err != nil {
			return fmt.Errorf("write stop request: %w", err)
		}
		return nil
	})
}

func (r *SessionRepository) ConsumeStop(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	err := os.Remove(r.stopRequestPath(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	return false, fmt.Errorf("consume stop request: %w", err)
}

func (r *SessionRepository) stopRequestPath(name string) string {
	safe := strings.Map(func(c rune) rune {
		if c == '/' || c == '\\' || c == os.PathSeparator {
			return '_'
		}
		return c
	}, name)
	return filepath.Join(r.store.dir, safe+stopRequestSuffix)
}

func toSessionSchema(session domain.OperationSession) sessionSchema {
	targets := make([]string, len(session.Targets))
	copy(targets, session.Targets)

	log := make([]logSchema, 0, len(session.Log))
	for _, entry := range session.Log {
		log = append(log, logSchema{At: formatTime(entry.At), Message: entry.Message})
	}

	var inFlight *inFlightSchema
	if session.InFlight != nil {
		inFlight = &inFlightSchema{
			Target:   session.InFlight.Target,
			Identity: string(session.InFlight.Identity),
			Cursor:   session.InFlight.Cursor,
			At:       formatTime(session.InFlight.At),
		}
	}

	delay := int(session.Config.InterAttemptDelay / time.Second)

	return sessionSchema{
		Name:          session.Name,
		Group:         session.Group,
		Targets:       targets,
		TargetsDigest: session.TargetsDigest,
		Cursor:        session.Cursor,
		Running:       session.Running,
		State:         string(session.State),
		Owner:         session.Owner,
		Heartbeat:     formatTime(session.Heartbeat),
		StartedAt:     formatTime(session.StartedAt),
		FinishedAt:    formatTime(session.FinishedAt),
		TotalAdded:    session.TotalAdded,
		TargetRetries: session.TargetRetries,
		Config: configSchema{
			MinEligibleIdentities:     session.Config.MinEligibleIdentities,
			MaxConsecutiveUnconfirmed: session.Config.MaxConsecutiveUnconfirmed,
			CooldownDaysOnThreshold:   session.Config.CooldownDaysOnThreshold,
			InterAttemptDelaySeconds:  &delay,
			SuspendPollSeconds:        int(session.Config.SuspendPollInterval / time.Second),
			CallTimeoutSeconds:        int(session.Config.CallTimeout / time.Second),
			Skip:                      session.Config.SkipPolicy.Options(),
		},
		InFlight: inFlight,
		Log:      log,
	}
}

func fromSessionSchema(schema sessionSchema) domain.OperationSession {
	targets := make([]string, len(schema.Targets))
	copy(targets, schema.Targets)

	log := make([]domain.LogEntry, 0, len(schema.Log))
	for _, entry := range schema.Log {
		log = append(log, domain.LogEntry{At: parseTime(entry.At), Message: entry.Message})
	}

	var inFlight *domain.InFlight
	if schema.InFlight != nil {
		inFlight = &domain.InFlight{
			Target:   schema.InFlight.Target,
			Identity: domain.IdentityID(schema.InFlight.Identity),
			Cursor:   schema.InFlight.Cursor,
			At:       parseTime(schema.InFlight.At),
		}
	}

	// Unknown skip options from newer files are ignored rather than failing the load.
	skip, err := domain.ParseSkipPolicy(schema.Config.Skip)
	if err != nil {
		skip = domain.SkipPolicy{}
	}

	config := domain.SessionConfig{
		MinEligibleIdentities:     schema.Config.MinEligibleIdentities,
		MaxConsecutiveUnconfirmed: schema.Config.MaxConsecutiveUnconfirmed,
		CooldownDaysOnThreshold:   schema.Config.CooldownDaysOnThreshold,
		InterAttemptDelay:         domain.DefaultInterAttemptDelay,
		SuspendPollInterval:       time.Duration(schema.Config.SuspendPollSeconds) * time.Second,
		CallTimeout:               time.Duration(schema.Config.CallTimeoutSeconds) * time.Second,
		SkipPolicy:                skip,
	}
	if schema.Config.InterAttemptDelaySeconds != nil {
		config.InterAttemptDelay = time.Duration(*schema.Config.InterAttemptDelaySeconds) * time.Second
	}
	config.Normalize()

	return domain.OperationSession{
		Name:          schema.Name,
		Group:         schema.Group,
		Targets:       targets,
		TargetsDigest: schema.TargetsDigest,
		Cursor:        schema.Cursor,
		Running:       schema.Running,
		State:         domain.SessionState(schema.State),
		Owner:         schema.Owner,
		Heartbeat:     parseTime(schema.Heartbeat),
		StartedAt:     parseTime(schema.StartedAt),
		FinishedAt:    parseTime(schema.FinishedAt),
		TotalAdded:    schema.TotalAdded,
		TargetRetries: schema.TargetRetries,
		InFlight:      inFlight,
		Log:           log,
		Config:        config,
	}
}
