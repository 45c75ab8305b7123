// Package telegram posts operation lifecycle events to a Telegram chat.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bnema/enrollctl/internal/ports"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
)

const defaultRatePerSecond = 1

// sender is the part of *tele.Bot the notifier needs.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Config struct {
	Token         string
	ChatID        int64
	RatePerSecond int
	// APIURL overrides the Bot API endpoint.
	APIURL string
}

type Notifier struct {
	bot     sender
	chat    tele.Recipient
	limiter *rate.Limiter
	log     zerolog.Logger
}

var _ ports.Notifier = (*Notifier)(nil)

// New builds an offline bot so construction never reaches the network.
func New(cfg Config, log zerolog.Logger) (*Notifier, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return newNotifier(bot, cfg, log), nil
}

func newNotifier(bot sender, cfg Config, log zerolog.Logger) *Notifier {
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = defaultRatePerSecond
	}
	return &Notifier{
		bot:     bot,
		chat:    tele.ChatID(cfg.ChatID),
		limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond),
		log:     log.With().Str("component", "telegram").Logger(),
	}
}

func (n *Notifier) Notify(ctx context.Context, event ports.Event) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("notify %s: %w", event.Kind, err)
	}

	text := Format(event)
	if _, err := n.bot.Send(n.chat, text, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
		n.log.Warn().Err(err).Str("event", string(event.Kind)).Str("session", event.Session).Msg("notification not delivered")
		return fmt.Errorf("notify %s: %w", event.Kind, err)
	}
	n.log.Debug().Str("event", string(event.Kind)).Str("session", event.Session).Msg("notification sent")
	return nil
}

// Format renders an event as a short plain-text message.
func Format(event ports.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", headline(event.Kind), event.Session)
	if event.Group != "" {
		fmt.Fprintf(&b, " (%s)", event.Group)
	}
	if event.Message != "" {
		b.WriteString("\n")
		b.WriteString(event.Message)
	}
	switch event.Kind {
	case ports.EventCompleted, ports.EventStopped, ports.EventAborted:
		fmt.Fprintf(&b, "\nadded this run: %d", event.TotalAdded)
	}
	if !event.At.IsZero() {
		fmt.Fprintf(&b, "\n%s", event.At.UTC().Format(time.RFC3339))
	}
	return b.String()
}

func headline(kind ports.EventKind) string {
	switch kind {
	case ports.EventStarted:
		return "▶ started"
	case ports.EventSuspended:
		return "⏸ suspended"
	case ports.EventResumed:
		return "⏵ resumed"
	case ports.EventCompleted:
		return "✔ completed"
	case ports.EventStopped:
		return "■ stopped"
	case ports.EventAborted:
		return "✖ aborted"
	default:
		return string(kind)
	}
}
