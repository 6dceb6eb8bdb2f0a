// cmd/bot/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coach-bot/internal/bot"
	"coach-bot/internal/config"
	"coach-bot/internal/db"
	"coach-bot/internal/flow"
	"coach-bot/internal/gpt"
	"coach-bot/internal/notify"
	"coach-bot/internal/orchestrator"
	"coach-bot/internal/payment"
	"coach-bot/internal/scheduler"
	"coach-bot/internal/server"
	"coach-bot/internal/state"
	"coach-bot/internal/taskpool"
	"coach-bot/pkg/logger"
)

func main() {
	l := logger.New()
	l.Info("Starting Goal Coach Bot...")

	cfg, err := config.Load()
	if err != nil {
		l.Fatal("Failed to load config", err)
	}

	if cfg.Telegram.Token == "" {
		l.Fatal("Telegram token is not configured")
	}
	if cfg.Stripe.SecretKey == "" || cfg.Stripe.WebhookKey == "" {
		l.Fatal("Stripe configuration is incomplete")
	}
	if cfg.GPT.APIKey == "" {
		l.Fatal("GPT API key is not configured")
	}

	// Initialize database connection with retry
	var database *db.PostgresDB
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		database, err = db.NewPostgresDB(db.PostgresConfig(cfg.DB))
		if err == nil {
			break
		}
		l.Error("Failed to connect to database, retrying...", err)
		time.Sleep(time.Duration(i+1) * time.Second)
	}
	if database == nil {
		l.Fatal("Failed to connect to database after multiple attempts", err)
	}
	defer database.Close()

	stripeClient := payment.NewStripeClient(payment.Config{
		SecretKey:  cfg.Stripe.SecretKey,
		PublicKey:  cfg.Stripe.PublicKey,
		WebhookKey: cfg.Stripe.WebhookKey,
		PriceIDs:   cfg.PriceIDs(),
	})

	gptClient := gpt.NewClient(cfg.GPT.APIKey).WithModel(cfg.GPT.Model)

	stateStore := state.NewStore(database)
	pool := taskpool.New(database, cfg.Setup.SimilarityThreshold)

	// The dispatcher needs the Telegram API, which needs the orchestrator;
	// break the cycle by wiring the orchestrator first with a late-bound
	// dispatcher.
	dispatcher := &notify.LateDispatcher{}
	orch := orchestrator.New(stateStore, dispatcher, l.Named("orchestrator"))

	sched := scheduler.New(database, pool, dispatcher, l.Named("scheduler"), scheduler.Options{
		PollInterval: cfg.Scheduler.PollInterval,
		CycleBudget:  cfg.Scheduler.CycleBudget,
		MaxAttempts:  cfg.Scheduler.MaxAttempts,
	})

	telegramBot, err := bot.NewTelegramBot(cfg.Telegram.Token, orch, database, stripeClient, l.Named("bot"))
	if err != nil {
		l.Fatal("Failed to create Telegram bot", err)
	}
	dispatcher.Bind(notify.NewTelegramDispatcher(telegramBot.API(), database, cfg.Telegram.OperatorChat, l.Named("notify")))

	flow.Register(orch, flow.Deps{
		Store:           database,
		Pool:            pool,
		Tasks:           gptClient,
		Payments:        stripeClient,
		Scheduler:       sched,
		Dispatcher:      dispatcher,
		Logger:          l.Named("flow"),
		BotName:         telegramBot.Username(),
		DefaultTimezone: cfg.Scheduler.DefaultTimezone,
	})

	if err := sched.Start(); err != nil {
		l.Fatal("Failed to start delivery scheduler", err)
	}

	l.Info("Starting Telegram bot...")
	if err := telegramBot.Start(context.Background()); err != nil {
		l.Fatal("Failed to start Telegram bot", err)
	}

	httpServer := server.NewServer(cfg.Server.Port, telegramBot, l.Named("http"))
	go func() {
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatal("Failed to start HTTP server", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	l.Info("Shutting down bot...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Stop(ctx); err != nil {
		l.Error("Error during HTTP server shutdown", err)
	}
	if err := sched.Stop(); err != nil {
		l.Error("Error during scheduler shutdown", err)
	}
	if err := telegramBot.Stop(ctx); err != nil {
		l.Error("Error during bot shutdown", err)
	}

	l.Info("Bot stopped successfully")
}
