package notify

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"pricealerts/internal/models"
)

// TelegramSender is the part of *tgbotapi.BotAPI the sink needs.
type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSink sends the alert text to one chat.
type TelegramSink struct {
	bot    TelegramSender
	chatID int64
}

func NewTelegramSink(bot TelegramSender, chatID int64) *TelegramSink {
	return &TelegramSink{bot: bot, chatID: chatID}
}

func (*TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Notify(ctx context.Context, t models.TriggeredAlert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(s.chatID, "🔔 "+Message(t))
	_, err := s.bot.Send(msg)
	return err
}
