package service

import (
	"context"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/telefleet/telefleet/pkg/logger"
)

// Notifier delivers status messages to an owner's chat with the control bot.
type Notifier interface {
	// Notify sends a message and swallows delivery failures.
	Notify(ctx context.Context, ownerID int64, text string)
	// SendProgress edits the message identified by messageID, falling back
	// to sending a fresh message when the edit fails. It returns the ID of
	// the message now carrying the text.
	SendProgress(ctx context.Context, ownerID int64, messageID int, text string) (int, error)
}

type botNotifier struct {
	bot     *bot.Bot
	timeout time.Duration
	log     logger.Logger
}

func NewBotNotifier(b *bot.Bot, log logger.Logger) Notifier {
	return &botNotifier{
		bot:     b,
		timeout: 30 * time.Second,
		log:     log,
	}
}

func (n *botNotifier) Notify(ctx context.Context, ownerID int64, text string) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	_, err := n.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    ownerID,
		Text:      text,
		ParseMode: tgmodels.ParseModeHTML,
	})
	if err != nil {
		n.log.Warn("notification delivery failed",
			logger.F("owner_id", ownerID), logger.F("error", err.Error()))
	}
}

func (n *botNotifier) SendProgress(ctx context.Context, ownerID int64, messageID int, text string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	if messageID != 0 {
		msg, err := n.bot.EditMessageText(ctx, &bot.EditMessageTextParams{
			ChatID:    ownerID,
			MessageID: messageID,
			Text:      text,
			ParseMode: tgmodels.ParseModeHTML,
		})
		if err == nil {
			return msg.ID, nil
		}
		n.log.Debug("progress edit failed, sending new message",
			logger.F("owner_id", ownerID), logger.F("error", err.Error()))
	}

	msg, err := n.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    ownerID,
		Text:      text,
		ParseMode: tgmodels.ParseModeHTML,
	})
	if err != nil {
		return messageID, err
	}
	return msg.ID, nil
}
