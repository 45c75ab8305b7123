package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var (
	ErrIdentityNotFound = errors.New("identity not found")
	ErrIdentityExists   = errors.New("identity already exists")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSecretNotFound   = errors.New("secret not found")
	ErrAlreadyRunning   = errors.New("an operation is already running")
	ErrNotRunning       = errors.New("no operation running")
	ErrInvalidInput     = errors.New("invalid input")
	ErrStoreContention  = errors.New("state store is busy")
)

// Messaging taxonomy. Adapters wrap these so callers classify with errors.Is.
var (
	ErrNotFound          = errors.New("entity not found")
	ErrNotParticipant    = errors.New("not a participant")
	ErrSpamFlood         = errors.New("spam flood detected")
	ErrPrivacyRestricted = errors.New("privacy restricted")
	ErrNotMutualContact  = errors.New("not a mutual contact")
	ErrContention        = errors.New("session is busy")
	ErrConnectionLost    = errors.New("connection lost")
)

// RateLimitedError carries the wait the platform asked for.
type RateLimitedError struct {
	Wait time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: wait %s", e.Wait)
}

func NewRateLimited(seconds int) error {
	return &RateLimitedError{Wait: time.Duration(seconds) * time.Second}
}

// AsRateLimited extracts a structured rate limit from err.
func AsRateLimited(err error) (time.Duration, bool) {
	var limited *RateLimitedError
	if errors.As(err, &limited) {
		return limited.Wait, true
	}
	return 0, false
}

var waitPattern = regexp.MustCompile(`A wait of (\d+) seconds is required`)

// WaitFromText decodes a wait hidden in a free-text error message. It is only a
// fallback for errors that reached the core without a structured variant.
func WaitFromText(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	match := waitPattern.FindStringSubmatch(err.Error())
	if len(match) != 2 {
		return 0, false
	}
	seconds, convErr := strconv.Atoi(match[1])
	if convErr != nil || seconds <= 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

// WaitDuration prefers the structured rate limit and falls back to the text pattern.
func WaitDuration(err error) (time.Duration, bool) {
	if wait, ok := AsRateLimited(err); ok {
		return wait, true
	}
	return WaitFromText(err)
}
