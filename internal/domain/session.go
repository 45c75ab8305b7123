package domain

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

const DefaultSessionName = "default"

const (
	DefaultMinEligibleIdentities     = 1
	DefaultMaxConsecutiveUnconfirmed = 3
	DefaultCooldownDaysOnThreshold   = 2
	DefaultInterAttemptDelay         = 10 * time.Second
	DefaultSuspendPollInterval       = 60 * time.Second
	DefaultCallTimeout               = 60 * time.Second

	MinSuspendPollInterval = 20 * time.Second
	MaxSuspendPollInterval = 60 * time.Second

	// HeartbeatStaleAfter is the silence after which a running session counts as crashed.
	HeartbeatStaleAfter = 5 * time.Minute

	// MaxTargetTimeouts bounds how often a single target is retried after call deadlines
	// or lost connections.
	MaxTargetTimeouts = 3
)

type SessionState string

const (
	SessionIdle      SessionState = "idle"
	SessionRunning   SessionState = "running"
	SessionSuspended SessionState = "suspended"
	SessionCompleted SessionState = "completed"
	SessionStopped   SessionState = "stopped"
	SessionAborted   SessionState = "aborted"
)

func (s SessionState) Terminal() bool {
	switch s {
	case SessionCompleted, SessionStopped, SessionAborted:
		return true
	default:
		return false
	}
}

type SessionConfig struct {
	MinEligibleIdentities     int
	MaxConsecutiveUnconfirmed int
	CooldownDaysOnThreshold   int
	InterAttemptDelay         time.Duration
	SuspendPollInterval       time.Duration
	CallTimeout               time.Duration
	SkipPolicy                SkipPolicy
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MinEligibleIdentities:     DefaultMinEligibleIdentities,
		MaxConsecutiveUnconfirmed: DefaultMaxConsecutiveUnconfirmed,
		CooldownDaysOnThreshold:   DefaultCooldownDaysOnThreshold,
		InterAttemptDelay:         DefaultInterAttemptDelay,
		SuspendPollInterval:       DefaultSuspendPollInterval,
		CallTimeout:               DefaultCallTimeout,
	}
}

// Normalize fills zero values with defaults and clamps the poll interval.
func (c *SessionConfig) Normalize() {
	if c.MinEligibleIdentities <= 0 {
		c.MinEligibleIdentities = DefaultMinEligibleIdentities
	}
	if c.MaxConsecutiveUnconfirmed <= 0 {
		c.MaxConsecutiveUnconfirmed = DefaultMaxConsecutiveUnconfirmed
	}
	if c.CooldownDaysOnThreshold <= 0 {
		c.CooldownDaysOnThreshold = DefaultCooldownDaysOnThreshold
	}
	if c.InterAttemptDelay < 0 {
		c.InterAttemptDelay = 0
	}
	if c.SuspendPollInterval <= 0 {
		c.SuspendPollInterval = DefaultSuspendPollInterval
	}
	if c.SuspendPollInterval < MinSuspendPollInterval {
		c.SuspendPollInterval = MinSuspendPollInterval
	}
	if c.SuspendPollInterval > MaxSuspendPollInterval {
		c.SuspendPollInterval = MaxSuspendPollInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
}

// StaleAfter widens HeartbeatStaleAfter by the longest gap a healthy controller may
// leave between two heartbeats under this configuration.
func (c SessionConfig) StaleAfter() time.Duration {
	return HeartbeatStaleAfter + c.InterAttemptDelay + 4*c.CallTimeout
}

type LogEntry struct {
	At      time.Time
	Message string
}

func (e LogEntry) String() string {
	return e.At.Format("2006-01-02 15:04:05") + " " + e.Message
}

// InFlight marks an invite that was sent but whose outcome was not yet recorded.
type InFlight struct {
	Target   string
	Identity IdentityID
	Cursor   int
	At       time.Time
}

type OperationSession struct {
	Name          string
	Group         string
	Targets       []string
	TargetsDigest string
	Cursor        int

	Running    bool
	State      SessionState
	Owner      string
	Heartbeat  time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	TotalAdded    int
	TargetRetries int
	InFlight      *InFlight
	Log           []LogEntry
	Config        SessionConfig
}

func (s OperationSession) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: session name is required", ErrInvalidInput)
	}
	if strings.TrimSpace(s.Group) == "" {
		return fmt.Errorf("%w: group is required", ErrInvalidInput)
	}
	if !HasTargets(s.Targets) {
		return fmt.Errorf("%w: target list is empty", ErrInvalidInput)
	}
	if s.Cursor < 0 {
		return fmt.Errorf("%w: cursor must not be negative", ErrInvalidInput)
	}

	return nil
}

func (s OperationSession) Done() bool {
	return s.Cursor >= len(s.Targets)
}

func (s OperationSession) CurrentTarget() string {
	if s.Done() {
		return ""
	}
	return strings.TrimSpace(s.Targets[s.Cursor])
}

// Advance moves the cursor past the current target.
func (s *OperationSession) Advance() {
	if s.Done() {
		return
	}
	s.Cursor++
	s.TargetRetries = 0
}

// Complete is the only transition allowed to move the cursor backwards.
func (s *OperationSession) Complete(now time.Time) {
	s.Cursor = 0
	s.TargetRetries = 0
	s.Finish(SessionCompleted, now)
}

func (s *OperationSession) Finish(state SessionState, now time.Time) {
	s.Running = false
	s.State = state
	s.Owner = ""
	s.InFlight = nil
	s.FinishedAt = now
}

func (s *OperationSession) Append(now time.Time, message string) {
	s.Log = append(s.Log, LogEntry{At: now, Message: message})
}

// Stale reports whether a running session stopped refreshing its heartbeat, which
// happens when the owning process died without finishing the session.
func (s OperationSession) Stale(now time.Time, after time.Duration) bool {
	if !s.Running {
		return false
	}
	if s.Heartbeat.IsZero() {
		return true
	}
	return now.Sub(s.Heartbeat) > after
}

// Live reports whether the session is running and its owner still beats.
func (s OperationSession) Live(now time.Time) bool {
	return s.Running && !s.Stale(now, s.Config.StaleAfter())
}

func (s OperationSession) Tail(n int) []LogEntry {
	if n <= 0 || n >= len(s.Log) {
		return s.Log
	}
	return s.Log[len(s.Log)-n:]
}

// NormalizeTargets trims entries and prefixes bare usernames with "@". Blank entries
// are kept so that positions stay stable across restarts.
func NormalizeTargets(raw []string) []string {
	targets := make([]string, 0, len(raw))
	for _, entry := range raw {
		trimmed := strings.TrimSpace(entry)
		if trimmed != "" && !strings.HasPrefix(trimmed, "@") && !isNumeric(trimmed) && !strings.HasPrefix(trimmed, "+") {
			trimmed = "@" + trimmed
		}
		targets = append(targets, trimmed)
	}
	return targets
}

func HasTargets(targets []string) bool {
	for _, target := range targets {
		if strings.TrimSpace(target) != "" {
			return true
		}
	}
	return false
}

func DigestTargets(group string, targets []string) string {
	hash := sha1.New()
	hash.Write([]byte(strings.TrimSpace(group)))
	for _, target := range targets {
		hash.Write([]byte{'\n'})
		hash.Write([]byte(strings.TrimSpace(target)))
	}
	return hex.EncodeToString(hash.Sum(nil))
}

func isNumeric(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return value != ""
}
