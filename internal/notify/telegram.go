// internal/notify/telegram.go
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"coach-bot/internal/db"
	"coach-bot/pkg/logger"
)

// TelegramDispatcher sends messages through the Telegram Bot API. Chat IDs
// are resolved from the user record saved on first contact.
type TelegramDispatcher struct {
	bot          *tgbotapi.BotAPI
	store        db.Store
	operatorChat int64
	logger       *logger.Logger
}

func NewTelegramDispatcher(bot *tgbotapi.BotAPI, store db.Store, operatorChat int64, l *logger.Logger) *TelegramDispatcher {
	return &TelegramDispatcher{
		bot:          bot,
		store:        store,
		operatorChat: operatorChat,
		logger:       l,
	}
}

func (t *TelegramDispatcher) Send(ctx context.Context, userID int64, msg Message) error {
	user, err := t.store.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to resolve chat for user %d: %w", userID, err)
	}

	out := tgbotapi.NewMessage(user.ChatID, msg.Text)
	out.ParseMode = tgbotapi.ModeMarkdown

	if len(msg.Buttons) > 0 {
		var rows [][]tgbotapi.InlineKeyboardButton
		for _, row := range msg.Buttons {
			var buttons []tgbotapi.InlineKeyboardButton
			for _, b := range row {
				if b.URL != "" {
					buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL(b.Label, b.URL))
				} else {
					buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data))
				}
			}
			rows = append(rows, buttons)
		}
		out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	} else if msg.RemoveKeyboard {
		out.ReplyMarkup = tgbotapi.NewRemoveKeyboard(true)
	}

	if _, err := t.bot.Send(out); err != nil {
		// A blocked bot means the user is gone; deactivate instead of
		// retrying against a dead chat forever.
		if strings.Contains(err.Error(), "blocked by the user") {
			t.logger.Infow("User blocked the bot, deactivating", "user_id", userID)
			if derr := t.store.DeactivateUser(ctx, userID); derr != nil {
				t.logger.Errorw("Failed to deactivate user", "user_id", userID, "error", derr)
			}
		}
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

func (t *TelegramDispatcher) NotifyOperator(ctx context.Context, text string) error {
	if t.operatorChat == 0 {
		return errors.New("operator chat is not configured")
	}
	msg := tgbotapi.NewMessage(t.operatorChat, text)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("failed to notify operator: %w", err)
	}
	return nil
}
