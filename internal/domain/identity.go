package domain

import (
	"fmt"
	"strings"
	"time"
)

// DailyCap is the number of successful invites an identity may perform per calendar day.
const DailyCap = 45

const dateLayout = "2006-01-02"

type IdentityID string

type PauseReason string

const (
	PauseReasonNone               PauseReason = ""
	PauseReasonRateLimited        PauseReason = "rate_limited"
	PauseReasonSpamFlood          PauseReason = "spam_flood"
	PauseReasonTooManyUnconfirmed PauseReason = "too_many_unconfirmed"
	PauseReasonManual             PauseReason = "manual"
	PauseReasonGroupUnreachable   PauseReason = "group_unreachable"
)

type Identity struct {
	ID            IdentityID
	Label         string
	CredentialRef string

	DailyAdded    int
	LastResetDate string
	TotalAdded    int

	Paused      bool
	PausedUntil *time.Time
	PauseReason PauseReason

	ConsecutiveUnconfirmed int

	// LeasedBy names the session currently owning the identity's connection.
	LeasedBy  string
	CreatedAt time.Time
}

func (i Identity) Validate() error {
	if strings.TrimSpace(string(i.ID)) == "" {
		return fmt.Errorf("%w: identity id is required", ErrInvalidInput)
	}
	if i.DailyAdded < 0 || i.TotalAdded < 0 || i.ConsecutiveUnconfirmed < 0 {
		return fmt.Errorf("%w: identity counters must not be negative", ErrInvalidInput)
	}

	return nil
}

// ApplyDailyReset zeroes the daily counter the first time it is observed on a new
// calendar day. It reports whether the identity changed.
func (i *Identity) ApplyDailyReset(now time.Time) bool {
	today := now.Format(dateLayout)
	if i.LastResetDate == today {
		return false
	}

	i.DailyAdded = 0
	i.LastResetDate = today
	return true
}

// Refresh applies the lazy transitions that depend only on the clock.
func (i *Identity) Refresh(now time.Time) bool {
	reset := i.ApplyDailyReset(now)
	cleared := i.ClearExpiredPause(now)
	return reset || cleared
}

func (i Identity) UnderDailyCap() bool {
	return i.DailyAdded < DailyCap
}

// Eligible reports whether the identity may be scheduled at now, ignoring the
// connection state which only the controller knows. Callers are expected to have
// applied Refresh first.
func (i Identity) Eligible(now time.Time) bool {
	if i.Paused {
		return false
	}
	if !i.UnderDailyCap() {
		return false
	}

	return i.CooldownRemaining(now) == 0
}

func (i *Identity) RecordSuccess() {
	i.DailyAdded++
	i.TotalAdded++
}

func (i *Identity) Lease(session string) {
	i.LeasedBy = session
}

func (i *Identity) Release(session string) {
	if i.LeasedBy == session {
		i.LeasedBy = ""
	}
}

func (i Identity) LeaseHeldByOther(session string) bool {
	return i.LeasedBy != "" && i.LeasedBy != session
}
