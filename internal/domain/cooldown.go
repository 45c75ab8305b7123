package domain

import "time"

// SpamFloodPause is applied when the platform reports a generic anti-spam condition.
const SpamFloodPause = 120 * time.Second

type CooldownState string

const (
	CooldownActive CooldownState = "active"
	CooldownPaused CooldownState = "paused"
)

func (i Identity) CooldownState() CooldownState {
	if i.Paused {
		return CooldownPaused
	}
	return CooldownActive
}

// PauseFor moves the identity to Paused until now+d. A previous pause is overwritten.
func (i *Identity) PauseFor(now time.Time, d time.Duration, reason PauseReason) {
	if d <= 0 {
		d = time.Second
	}
	until := now.Add(d)
	i.Paused = true
	i.PausedUntil = &until
	i.PauseReason = reason
}

// PauseIndefinitely pauses without expiry; only Unpause brings the identity back.
func (i *Identity) PauseIndefinitely(reason PauseReason) {
	i.Paused = true
	i.PausedUntil = nil
	i.PauseReason = reason
}

func (i *Identity) Unpause() {
	i.Paused = false
	i.PausedUntil = nil
	i.PauseReason = PauseReasonNone
}

// ClearExpiredPause returns the identity to Active once PausedUntil has elapsed.
func (i *Identity) ClearExpiredPause(now time.Time) bool {
	if i.PausedUntil == nil {
		return false
	}
	if now.Before(*i.PausedUntil) {
		return false
	}

	i.Unpause()
	return true
}

// CooldownRemaining is the time left on a timed pause, zero when none is pending.
func (i Identity) CooldownRemaining(now time.Time) time.Duration {
	if i.PausedUntil == nil {
		return 0
	}
	remaining := i.PausedUntil.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordUnconfirmed counts an invite whose membership could not be confirmed. Once
// the count reaches threshold the identity is paused for cooldownDays and the counter
// starts over. It reports whether the threshold was reached.
func (i *Identity) RecordUnconfirmed(now time.Time, threshold, cooldownDays int) bool {
	i.ConsecutiveUnconfirmed++
	if threshold <= 0 || i.ConsecutiveUnconfirmed < threshold {
		return false
	}

	i.ConsecutiveUnconfirmed = 0
	i.PauseFor(now, time.Duration(cooldownDays)*24*time.Hour, PauseReasonTooManyUnconfirmed)
	return true
}
