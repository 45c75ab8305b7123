package domain

import (
	"fmt"
	"strings"
	"time"
)

type ActivityKind string

const (
	ActivityUnknown   ActivityKind = "unknown"
	ActivityEmpty     ActivityKind = "empty"
	ActivityOnline    ActivityKind = "online"
	ActivityOffline   ActivityKind = "offline"
	ActivityRecently  ActivityKind = "recently"
	ActivityLastWeek  ActivityKind = "last_week"
	ActivityLastMonth ActivityKind = "last_month"
)

// Activity is the last-activity signal the platform exposes for a resolved target.
type Activity struct {
	Kind     ActivityKind
	LastSeen time.Time
}

func (a Activity) String() string {
	if a.Kind == ActivityOffline && !a.LastSeen.IsZero() {
		return fmt.Sprintf("offline since %s", a.LastSeen.Format(time.RFC3339))
	}
	if a.Kind == "" {
		return string(ActivityUnknown)
	}
	return string(a.Kind)
}

type SkipPolicy struct {
	OlderThan1Day   bool
	OlderThan7Days  bool
	OlderThan30Days bool
	OlderThan60Days bool
	StatusUnknown   bool
}

const (
	SkipOlderThan1Day   = "older-1d"
	SkipOlderThan7Days  = "older-7d"
	SkipOlderThan30Days = "older-30d"
	SkipOlderThan60Days = "older-60d"
	SkipStatusUnknown   = "unknown"
)

// ParseSkipPolicy builds a policy from option names such as "older-7d".
func ParseSkipPolicy(options []string) (SkipPolicy, error) {
	var policy SkipPolicy
	for _, option := range options {
		switch strings.ToLower(strings.TrimSpace(option)) {
		case "":
			continue
		case SkipOlderThan1Day:
			policy.OlderThan1Day = true
		case SkipOlderThan7Days:
			policy.OlderThan7Days = true
		case SkipOlderThan30Days:
			policy.OlderThan30Days = true
		case SkipOlderThan60Days:
			policy.OlderThan60Days = true
		case SkipStatusUnknown:
			policy.StatusUnknown = true
		default:
			return SkipPolicy{}, fmt.Errorf("%w: unknown skip option %q", ErrInvalidInput, option)
		}
	}

	return policy, nil
}

func (p SkipPolicy) Options() []string {
	options := make([]string, 0, 5)
	if p.OlderThan1Day {
		options = append(options, SkipOlderThan1Day)
	}
	if p.OlderThan7Days {
		options = append(options, SkipOlderThan7Days)
	}
	if p.OlderThan30Days {
		options = append(options, SkipOlderThan30Days)
	}
	if p.OlderThan60Days {
		options = append(options, SkipOlderThan60Days)
	}
	if p.StatusUnknown {
		options = append(options, SkipStatusUnknown)
	}
	return options
}

// ShouldSkip reports whether a target with the given activity is filtered out.
// Coarse statuses map onto the closest threshold: recently -> 1 day,
// last week -> 7 days, last month -> 30 days.
func (p SkipPolicy) ShouldSkip(activity Activity, now time.Time) bool {
	switch activity.Kind {
	case "", ActivityUnknown, ActivityEmpty:
		return p.StatusUnknown
	case ActivityOnline:
		return false
	case ActivityOffline:
		if activity.LastSeen.IsZero() {
			return p.StatusUnknown
		}
		days := int(now.Sub(activity.LastSeen).Hours() / 24)
		return (p.OlderThan1Day && days > 1) ||
			(p.OlderThan7Days && days > 7) ||
			(p.OlderThan30Days && days > 30) ||
			(p.OlderThan60Days && days > 60)
	case ActivityRecently:
		return p.OlderThan1Day
	case ActivityLastWeek:
		return p.OlderThan7Days
	case ActivityLastMonth:
		return p.OlderThan30Days
	default:
		return false
	}
}
