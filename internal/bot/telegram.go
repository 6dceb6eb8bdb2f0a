// internal/bot/telegram.go
package bot

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"coach-bot/internal/db"
	"coach-bot/internal/models"
	"coach-bot/internal/orchestrator"
	"coach-bot/internal/payment"
	"coach-bot/pkg/logger"
)

// TelegramBot adapts Telegram updates into orchestrator events. It holds no
// conversation state of its own; everything lives behind the state store.
type TelegramBot struct {
	bot          *tgbotapi.BotAPI
	orchestrator *orchestrator.Orchestrator
	store        db.Store
	stripeClient *payment.StripeClient
	logger       *logger.Logger
}

func NewTelegramBot(token string, orch *orchestrator.Orchestrator, store db.Store, stripeClient *payment.StripeClient, logger *logger.Logger) (*TelegramBot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	logger.Infow("Authorized on Telegram", "username", api.Self.UserName)

	return &TelegramBot{
		bot:          api,
		orchestrator: orch,
		store:        store,
		stripeClient: stripeClient,
		logger:       logger,
	}, nil
}

// API exposes the underlying client for the notify dispatcher.
func (t *TelegramBot) API() *tgbotapi.BotAPI {
	return t.bot
}

func (t *TelegramBot) Username() string {
	return t.bot.Self.UserName
}

// Start removes any webhook and begins long polling for updates.
func (t *TelegramBot) Start(ctx context.Context) error {
	_, err := t.bot.Request(tgbotapi.DeleteWebhookConfig{
		DropPendingUpdates: true,
	})
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60

	updates := t.bot.GetUpdatesChan(updateConfig)
	t.logger.Info("Started receiving Telegram updates")

	go t.handleUpdates(ctx, updates)
	return nil
}

func (t *TelegramBot) handleUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for update := range updates {
		go func(update tgbotapi.Update) {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Errorw("Recovered from panic while processing update", "panic", r)
				}
			}()

			ev, ok := t.toEvent(ctx, update)
			if !ok {
				return
			}
			if err := t.orchestrator.Dispatch(ctx, ev); err != nil {
				t.logger.Warnw("Dispatch finished with error",
					"user_id", ev.UserID, "kind", ev.Kind, "error", err)
			}
		}(update)
	}
}

// toEvent converts an update into a typed event and keeps the user record
// fresh so the dispatcher can resolve chat IDs.
func (t *TelegramBot) toEvent(ctx context.Context, update tgbotapi.Update) (orchestrator.Event, bool) {
	switch {
	case update.Message != nil:
		m := update.Message
		t.saveUser(ctx, m.From, m.Chat.ID)

		if m.IsCommand() {
			return t.commandEvent(m), true
		}
		return orchestrator.Event{
			UserID: m.From.ID,
			ChatID: m.Chat.ID,
			Kind:   orchestrator.EventText,
			Text:   m.Text,
		}, true

	case update.CallbackQuery != nil:
		cb := update.CallbackQuery
		// Acknowledge so the client stops its spinner.
		if _, err := t.bot.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
			t.logger.Warnw("Failed to acknowledge callback", "error", err)
		}

		chatID := cb.From.ID
		if cb.Message != nil {
			chatID = cb.Message.Chat.ID
		}
		t.saveUser(ctx, cb.From, chatID)

		return orchestrator.Event{
			UserID: cb.From.ID,
			ChatID: chatID,
			Kind:   orchestrator.EventCallback,
			Data:   cb.Data,
		}, true
	}

	return orchestrator.Event{}, false
}

func (t *TelegramBot) commandEvent(m *tgbotapi.Message) orchestrator.Event {
	command := m.Command()
	args := m.CommandArguments()

	// Stripe redirects back through t.me deep links; surface those as the
	// payment callbacks the payment handler expects.
	if command == "start" {
		switch args {
		case "payment_success":
			return orchestrator.Event{
				UserID: m.From.ID, ChatID: m.Chat.ID,
				Kind: orchestrator.EventCallback, Data: "payment_confirmed",
			}
		case "payment_cancel":
			return orchestrator.Event{
				UserID: m.From.ID, ChatID: m.Chat.ID,
				Kind: orchestrator.EventCallback, Data: "payment_cancel",
			}
		}
	}

	return orchestrator.Event{
		UserID:  m.From.ID,
		ChatID:  m.Chat.ID,
		Kind:    orchestrator.EventCommand,
		Command: command,
		Args:    args,
	}
}

func (t *TelegramBot) saveUser(ctx context.Context, from *tgbotapi.User, chatID int64) {
	if from == nil {
		return
	}
	user := &models.User{
		TelegramID: from.ID,
		ChatID:     chatID,
		Username:   from.UserName,
		Name:       from.FirstName,
		Locale:     from.LanguageCode,
	}
	if err := t.store.SaveUser(ctx, user); err != nil {
		t.logger.Errorw("Failed to save user", "user_id", from.ID, "error", err)
	}
}

// Stop gracefully shuts down the bot.
func (t *TelegramBot) Stop(ctx context.Context) error {
	t.bot.StopReceivingUpdates()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(500 * time.Millisecond):
		return nil
	}
}
