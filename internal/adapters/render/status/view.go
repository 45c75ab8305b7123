package status

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bnema/enrollctl/internal/application"
	"github.com/bnema/enrollctl/internal/domain"
	"github.com/charmbracelet/lipgloss"
)

type RenderOptions struct {
	Now time.Time
	// Tail is the number of log lines shown per session.
	Tail int
}

const barWidth = 24

func renderSessions(sessions []application.SessionStatus, opts RenderOptions, s styles) string {
	lines := []string{
		s.title.Render("Enrollment Sessions"),
		s.header.Render(fmt.Sprintf("sessions: %d", len(sessions))),
	}

	if len(sessions) == 0 {
		lines = append(lines, s.empty.Render("No sessions recorded."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	for _, status := range sessions {
		lines = append(lines, s.section.Render(renderSession(status, opts, s)))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderSession(status application.SessionStatus, opts RenderOptions, s styles) string {
	session := status.Session
	total := len(session.Targets)

	title := s.name.Render(fmt.Sprintf("%s → %s", session.Name, session.Group))
	state := stateLabel(session.State, s)
	if status.Stale {
		state += " " + s.warning.Render("[not responding]")
	}

	progress := lipgloss.JoinHorizontal(
		lipgloss.Top,
		s.key.Render("targets:"),
		" ",
		renderProgressBar(session.Cursor, total, barWidth, s),
		" ",
		s.detail.Render(fmt.Sprintf("%d/%d", session.Cursor, total)),
	)

	parts := []string{
		lipgloss.JoinHorizontal(lipgloss.Top, title, " ", state),
		progress,
		s.detail.Render(fmt.Sprintf("added this run: %d", session.TotalAdded)),
	}

	if session.Running && !session.Heartbeat.IsZero() {
		parts = append(parts, s.meta.Render("last heartbeat "+formatAgo(session.Heartbeat, opts.Now)))
	}
	if !session.Running && !session.FinishedAt.IsZero() {
		parts = append(parts, s.meta.Render("finished "+formatAgo(session.FinishedAt, opts.Now)))
	}
	if session.InFlight != nil {
		parts = append(parts, s.warning.Render(fmt.Sprintf("unrecorded invite of %s by %s", session.InFlight.Target, session.InFlight.Identity)))
	}

	for _, entry := range session.Tail(opts.Tail) {
		parts = append(parts, s.logLine.Render(entry.String()))
	}

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func stateLabel(state domain.SessionState, s styles) string {
	label := "[" + string(state) + "]"
	switch state {
	case domain.SessionSuspended:
		return s.paused.Render(label)
	case domain.SessionAborted:
		return s.warning.Render(label)
	default:
		return s.meta.Render(label)
	}
}

func renderSummary(summary application.Summary, opts RenderOptions, s styles) string {
	lines := []string{
		s.title.Render("Identity Pool"),
		s.header.Render(fmt.Sprintf("identities: %d  eligible: %d  added today: %d  added total: %d",
			len(summary.Identities), summary.Eligible, summary.AddedToday, summary.TotalAdded)),
	}

	if len(summary.Identities) == 0 {
		lines = append(lines, s.empty.Render("No identities registered."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	now := opts.Now
	if now.IsZero() {
		now = summary.CapturedAt
	}
	for _, identity := range summary.Identities {
		lines = append(lines, s.section.Render(renderIdentity(identity, now, s)))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderIdentity(identity application.IdentitySummary, now time.Time, s styles) string {
	leftPercent := 100 * float64(identity.Remaining) / float64(domain.DailyCap)
	percentStyle := lipgloss.NewStyle().Foreground(interpolateColor(leftPercent, 0, 100))

	quota := lipgloss.JoinHorizontal(
		lipgloss.Top,
		s.key.Render("today:"),
		" ",
		renderProgressBar(identity.Remaining, domain.DailyCap, barWidth, s),
		" ",
		percentStyle.Render(fmt.Sprintf("%d/%d left", identity.Remaining, domain.DailyCap)),
		" ",
		s.meta.Render(fmt.Sprintf("(%s)", formatUntil(nextMidnight(now), now))),
	)

	parts := []string{
		s.name.Render(identityTitle(identity)),
		quota,
		s.detail.Render(fmt.Sprintf("added total: %d", identity.TotalAdded)),
	}

	if identity.Paused {
		parts = append(parts, s.paused.Render(pauseLine(identity, now)))
	}
	if identity.ConsecutiveUnconfirmed > 0 {
		parts = append(parts, s.meta.Render(fmt.Sprintf("unconfirmed in a row: %d", identity.ConsecutiveUnconfirmed)))
	}
	if identity.LeasedBy != "" {
		parts = append(parts, s.meta.Render("in use by "+identity.LeasedBy))
	}

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func identityTitle(identity application.IdentitySummary) string {
	label := strings.TrimSpace(identity.Label)
	if label == "" || label == string(identity.ID) {
		return string(identity.ID)
	}
	return fmt.Sprintf("%s (%s)", label, identity.ID)
}

func pauseLine(identity application.IdentitySummary, now time.Time) string {
	reason := string(identity.PauseReason)
	if reason == "" {
		reason = string(domain.PauseReasonManual)
	}
	if identity.Cooldown <= 0 {
		return fmt.Sprintf("paused: %s (until unpaused)", reason)
	}
	return fmt.Sprintf("paused: %s (%s)", reason, formatUntil(now.Add(identity.Cooldown), now))
}

// renderProgressBar fills value out of total slots, scaled to width.
func renderProgressBar(value int, total int, width int, s styles) string {
	if width <= 0 {
		return ""
	}

	filled := 0
	if total > 0 {
		filled = int(math.Round(float64(width) * float64(value) / float64(total)))
	}
	if filled < 0 {
		filled = 0
	}
	if filled > width {
		filled = width
	}

	empty := width - filled
	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		s.barBracket.Render("["),
		s.barFill.Render(strings.Repeat("=", filled)),
		s.barEmpty.Render(strings.Repeat("-", empty)),
		s.barBracket.Render("]"),
	)
}

func nextMidnight(now time.Time) time.Time {
	year, month, day := now.Date()
	return time.Date(year, month, day+1, 0, 0, 0, 0, now.Location())
}

func formatUntil(at, now time.Time) string {
	if now.IsZero() {
		return "until " + at.Format(time.RFC3339)
	}
	if !at.After(now) {
		return "now"
	}

	remaining := at.Sub(now)
	if remaining < time.Hour {
		minutes := int(math.Ceil(remaining.Minutes()))
		return fmt.Sprintf("in %d %s (%s)", minutes, plural(minutes, "minute"), at.Format("15:04"))
	}
	if remaining < 24*time.Hour {
		hours := int(math.Ceil(remaining.Hours()))
		return fmt.Sprintf("in %d %s (%s)", hours, plural(hours, "hour"), at.Format("15:04"))
	}

	days := int(math.Ceil(remaining.Hours() / 24))
	return fmt.Sprintf("in %d %s (%s)", days, plural(days, "day"), at.Format("15:04 on 02 Jan"))
}

func formatAgo(at, now time.Time) string {
	if now.IsZero() || at.After(now) {
		return at.Format(time.RFC3339)
	}

	elapsed := now.Sub(at)
	switch {
	case elapsed < time.Minute:
		return "just now"
	case elapsed < time.Hour:
		minutes := int(elapsed.Minutes())
		return fmt.Sprintf("%d %s ago", minutes, plural(minutes, "minute"))
	case elapsed < 24*time.Hour:
		hours := int(elapsed.Hours())
		return fmt.Sprintf("%d %s ago", hours, plural(hours, "hour"))
	default:
		return at.Format("15:04 on 02 Jan")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return unit
	}
	return unit + "s"
}

func interpolateColor(value, min, max float64) lipgloss.Color {
	if max == min {
		return lipgloss.Color("255")
	}

	normalized := (value - min) / (max - min)
	if normalized < 0 {
		normalized = 0
	}
	if normalized > 1 {
		normalized = 1
	}

	// ANSI 256 greyscale ramp from 240 (faded) to 255 (bright).
	interpolated := 240.0 + (255.0-240.0)*normalized
	return lipgloss.Color(fmt.Sprintf("%d", int(interpolated)))
}
