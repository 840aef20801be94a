// Package telegram implements a notifier.Notifier that posts run
// notifications to a Telegram chat through the Bot API.
package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/Strob0t/curator/internal/config"
	"github.com/Strob0t/curator/internal/port/notifier"
)

const (
	providerName     = "telegram"
	maxMessageLength = 3000
)

var _ notifier.Notifier = (*Notifier)(nil)

// sender is the subset of *bot.Bot the notifier uses.
type sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// Notifier sends notifications to a single configured chat.
type Notifier struct {
	bot    sender
	chatID int64
}

// NewNotifier creates a Telegram notifier. It does not contact the Bot API
// until the first notification is sent.
func NewNotifier(cfg config.Telegram) (*Notifier, error) {
	if cfg.Token == "" || cfg.ChatID == 0 {
		return nil, notifier.ErrNotConfigured
	}
	b, err := bot.New(cfg.Token, bot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Notifier{bot: b, chatID: cfg.ChatID}, nil
}

func (n *Notifier) Name() string { return providerName }

// Send delivers the notification, split into paragraphs when it exceeds the
// message size limit.
func (n *Notifier) Send(ctx context.Context, notification notifier.Notification) error {
	if n.bot == nil || n.chatID == 0 {
		return notifier.ErrNotConfigured
	}

	text := fmt.Sprintf("%s %s\n\n%s", levelEmoji(notification.Level), notification.Title, notification.Message)
	if notification.Source != "" {
		text += "\n\n#" + strings.ReplaceAll(notification.Source, ".", "_")
	}

	for i, part := range splitMessage(text, maxMessageLength) {
		_, err := n.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: n.chatID,
			Text:   part,
		})
		if err != nil {
			return fmt.Errorf("telegram send part %d: %w", i+1, err)
		}
	}
	return nil
}

// splitMessage cuts text on line boundaries into chunks of at most limit
// bytes. A single line longer than limit is hard-split.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	var (
		parts []string
		b     strings.Builder
	)
	flush := func() {
		if b.Len() > 0 {
			parts = append(parts, strings.TrimRight(b.String(), "\n"))
			b.Reset()
		}
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		for len(line) > limit {
			flush()
			parts = append(parts, line[:limit])
			line = line[limit:]
		}
		if b.Len()+len(line) > limit {
			flush()
		}
		b.WriteString(line)
	}
	flush()
	return parts
}

func levelEmoji(level string) string {
	switch level {
	case "success":
		return "✅"
	case "warning":
		return "⚠️"
	case "error":
		return "❌"
	default:
		return "ℹ️"
	}
}
