package toml

import (
	"fmt"
	"time"
)

const (
	currentIdentitiesSchemaVersion = 1
	currentSessionsSchemaVersion   = 1
)

type identitiesFileSchema struct {
	Version    int              `toml:"version"`
	Identities []identitySchema `toml:"identities"`
}

// applyDefaults fills fields missing from older files so that records written by
// earlier versions load without errors.
func (s *identitiesFileSchema) applyDefaults(now time.Time) {
	if s.Version == 0 {
		s.Version = currentIdentitiesSchemaVersion
	}
	for i := range s.Identities {
		if s.Identities[i].LastResetDate == "" {
			s.Identities[i].LastResetDate = now.Format("2006-01-02")
		}
		if s.Identities[i].DailyAdded < 0 {
			s.Identities[i].DailyAdded = 0
		}
		if s.Identities[i].TotalAdded < 0 {
			s.Identities[i].TotalAdded = 0
		}
		if s.Identities[i].ConsecutiveUnconfirmed < 0 {
			s.Identities[i].ConsecutiveUnconfirmed = 0
		}
	}
}

func (s identitiesFileSchema) validateVersion() error {
	if s.Version > currentIdentitiesSchemaVersion {
		return fmt.Errorf("unsupported identities schema version %d (current %d)", s.Version, currentIdentitiesSchemaVersion)
	}

	return nil
}

type identitySchema struct {
	ID                     string `toml:"id"`
	Label                  string `toml:"label,omitempty"`
	CredentialRef          string `toml:"credential_ref,omitempty"`
	DailyAdded             int    `toml:"daily_added"`
	LastResetDate          string `toml:"last_reset_date"`
	TotalAdded             int    `toml:"total_added"`
	Paused                 bool   `toml:"paused"`
	PausedUntil            string `toml:"paused_until,omitempty"`
	PauseReason            string `toml:"pause_reason,omitempty"`
	ConsecutiveUnconfirmed int    `toml:"consecutive_unconfirmed"`
	LeasedBy               string `toml:"leased_by,omitempty"`
	CreatedAt              string `toml:"created_at,omitempty"`
}

type sessionsFileSchema struct {
	Version  int             `toml:"version"`
	Sessions []sessionSchema `toml:"sessions"`
}

func (s *sessionsFileSchema) applyDefaults() {
	if s.Version == 0 {
		s.Version = currentSessionsSchemaVersion
	}
	for i := range s.Sessions {
		session := &s.Sessions[i]
		if session.State == "" {
			if session.Running {
				session.State = "running"
			} else {
				session.State = "idle"
			}
		}
		if session.Cursor < 0 {
			session.Cursor = 0
		}
	}
}

func (s sessionsFileSchema) validateVersion() error {
	if s.Version > currentSessionsSchemaVersion {
		return fmt.Errorf("unsupported sessions schema version %d (current %d)", s.Version, currentSessionsSchemaVersion)
	}

	return nil
}

type sessionSchema struct {
	Name          string          `toml:"name"`
	Group         string          `toml:"group"`
	Targets       []string        `toml:"targets"`
	TargetsDigest string          `toml:"targets_digest,omitempty"`
	Cursor        int             `toml:"cursor"`
	Running       bool            `toml:"running"`
	State         string          `toml:"state"`
	Owner         string          `toml:"owner,omitempty"`
	Heartbeat     string          `toml:"heartbeat,omitempty"`
	StartedAt     string          `toml:"started_at,omitempty"`
	FinishedAt    string          `toml:"finished_at,omitempty"`
	TotalAdded    int             `toml:"total_added"`
	TargetRetries int             `toml:"target_retries"`
	Config        configSchema    `toml:"config"`
	InFlight      *inFlightSchema `toml:"in_flight,omitempty"`
	Log           []logSchema     `toml:"log"`
}

type configSchema struct {
	MinEligibleIdentities     int      `toml:"min_eligible_identities"`
	MaxConsecutiveUnconfirmed int      `toml:"max_consecutive_unconfirmed"`
	CooldownDaysOnThreshold   int      `toml:"cooldown_days_on_threshold"`
	InterAttemptDelaySeconds  *int     `toml:"inter_attempt_delay_seconds"`
	SuspendPollSeconds        int      `toml:"suspend_poll_seconds"`
	CallTimeoutSeconds        int      `toml:"call_timeout_seconds"`
	Skip                      []string `toml:"skip"`
}

type inFlightSchema struct {
	Target   string `toml:"target"`
	Identity string `toml:"identity"`
	Cursor   int    `toml:"cursor"`
	At       string `toml:"at"`
}

type logSchema struct {
	At      string `toml:"at"`
	Message string `toml:"message"`
}
