// internal/scheduler/scheduler.go

// Package scheduler turns an activated plan into persisted delivery rows and
// fires the due ones from a recurring poll. Because the poll reads the
// scheduled_deliveries table instead of in-process timers, a restart neither
// loses nor duplicates pending deliveries.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"coach-bot/internal/db"
	"coach-bot/internal/locks"
	"coach-bot/internal/metrics"
	"coach-bot/internal/models"
	"coach-bot/internal/notify"
	"coach-bot/internal/taskpool"
	"coach-bot/pkg/logger"
)

const (
	checkinPrompt = "🔔 *Время сверки*\n\n" +
		"Как ты себя чувствуешь? Как продвигается работа над целью? " +
		"Какие рациональные шаги ты уже предпринял? Напиши пару предложений."

	finalEvalPrompt = "🏁 *Финальная оценка*\n\n" +
		"Программа подходит к концу. Какие чувства у тебя сейчас по поводу цели? " +
		"Какие результаты ты достиг? Как ты оцениваешь весь процесс? " +
		"Напиши свой итог, после ответа программа будет завершена."
)

type Options struct {
	PollInterval time.Duration
	CycleBudget  time.Duration
	MaxAttempts  int
}

type Scheduler struct {
	store      db.Store
	pool       *taskpool.Pool
	dispatcher notify.Dispatcher
	logger     *logger.Logger

	// orderLocks is shared by delivery processing and Cancel so a firing and
	// a cancellation for the same order never race.
	orderLocks *locks.Map[string]

	pollInterval time.Duration
	cycleBudget  time.Duration
	maxAttempts  int

	cron gocron.Scheduler
}

func New(store db.Store, pool *taskpool.Pool, dispatcher notify.Dispatcher, l *logger.Logger, opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	if opts.CycleBudget <= 0 {
		opts.CycleBudget = 45 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}

	return &Scheduler{
		store:        store,
		pool:         pool,
		dispatcher:   dispatcher,
		logger:       l,
		orderLocks:   locks.NewMap[string](),
		pollInterval: opts.PollInterval,
		cycleBudget:  opts.CycleBudget,
		maxAttempts:  opts.MaxAttempts,
	}
}

// Activate generates and persists the full timetable for the order's plan in
// the user's timezone. Idempotence is the caller's concern: it is invoked
// once, on the payment-confirmed transition.
func (s *Scheduler) Activate(ctx context.Context, order *models.Order, timezone string) error {
	plan, ok := models.PlanByType(order.Plan)
	if !ok {
		return fmt.Errorf("unknown plan %q for order %s", order.Plan, order.ID)
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		s.logger.Warnw("Unknown timezone, scheduling in UTC", "timezone", timezone, "order_id", order.ID)
		loc = time.UTC
	}

	entries := BuildTimetable(order, plan, loc, time.Now())
	if err := s.store.CreateDeliveries(ctx, entries); err != nil {
		return fmt.Errorf("failed to persist timetable: %w", err)
	}

	s.logger.Infow("Timetable generated",
		"order_id", order.ID,
		"plan", order.Plan,
		"deliveries", len(entries),
		"first_due", entries[0].DueAt,
		"last_due", entries[len(entries)-1].DueAt)
	return nil
}

// Cancel marks every pending delivery of the order cancelled. Idempotent;
// already-sent rows are untouched.
func (s *Scheduler) Cancel(ctx context.Context, orderID string) error {
	s.orderLocks.Lock(orderID)
	defer s.orderLocks.Unlock(orderID)

	if err := s.store.CancelPendingDeliveries(ctx, orderID); err != nil {
		return fmt.Errorf("failed to cancel deliveries: %w", err)
	}
	return nil
}

// Start begins the recurring poll. Stop must be called on shutdown.
func (s *Scheduler) Start() error {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	_, err = cron.NewJob(
		gocron.DurationJob(s.pollInterval),
		gocron.NewTask(s.tick),
		gocron.WithName("delivery-poll"),
	)
	if err != nil {
		return fmt.Errorf("failed to register poll job: %w", err)
	}

	s.cron = cron
	cron.Start()
	s.logger.Infow("Delivery poll started", "interval", s.pollInterval)
	return nil
}

func (s *Scheduler) Stop() error {
	if s.cron == nil {
		return nil
	}
	return s.cron.Shutdown()
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cycleBudget)
	defer cancel()

	if err := s.RunDue(ctx, time.Now()); err != nil {
		s.logger.Errorw("Delivery poll cycle failed", "error", err)
	}
}

// RunDue fires every pending delivery whose due time has passed. One failing
// delivery never blocks the rest; the cycle stops early only when the budget
// context expires, leaving the remainder for the next poll.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) error {
	due, err := s.store.DueDeliveries(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to query due deliveries: %w", err)
	}

	for _, d := range due {
		if ctx.Err() != nil {
			s.logger.Warnw("Poll cycle budget exhausted", "remaining", len(due))
			return nil
		}
		s.process(ctx, d)
	}
	return nil
}

func (s *Scheduler) process(ctx context.Context, d models.ScheduledDelivery) {
	s.orderLocks.Lock(d.OrderID)
	defer s.orderLocks.Unlock(d.OrderID)

	// Re-check under the order lock: a cancellation may have landed between
	// the due query and now. A sent or cancelled row is never resurrected.
	status, err := s.store.DeliveryStatus(ctx, d.ID)
	if err != nil {
		s.logger.Errorw("Failed to re-check delivery status", "delivery_id", d.ID, "error", err)
		return
	}
	if status != models.DeliveryPending {
		return
	}

	msg, err := s.buildMessage(ctx, d)
	if err == nil {
		err = s.dispatcher.Send(ctx, d.UserID, msg)
	}
	if err != nil {
		s.recordFailure(ctx, d, err)
		return
	}

	if err := s.store.MarkDelivery(ctx, d.ID, models.DeliverySent); err != nil {
		s.logger.Errorw("Failed to mark delivery sent", "delivery_id", d.ID, "error", err)
		return
	}
	metrics.DeliveriesSent.WithLabelValues(string(d.Kind)).Inc()

	if d.Kind == models.DeliveryFinalEval {
		s.completeOrder(ctx, d.OrderID)
	}
}

// recordFailure bumps the attempt counter and leaves the row pending for the
// next cycle, until the bound is reached; then the row is marked failed and
// the operator channel is told.
func (s *Scheduler) recordFailure(ctx context.Context, d models.ScheduledDelivery, cause error) {
	s.logger.Errorw("Delivery dispatch failed",
		"delivery_id", d.ID, "order_id", d.OrderID, "kind", d.Kind, "error", cause)

	attempts, err := s.store.BumpDeliveryAttempts(ctx, d.ID)
	if err != nil {
		s.logger.Errorw("Failed to record delivery attempt", "delivery_id", d.ID, "error", err)
		return
	}
	if attempts < s.maxAttempts {
		return
	}

	if err := s.store.MarkDelivery(ctx, d.ID, models.DeliveryFailed); err != nil {
		s.logger.Errorw("Failed to mark delivery failed", "delivery_id", d.ID, "error", err)
		return
	}
	metrics.DeliveriesFailed.Inc()

	report := fmt.Sprintf("Delivery %s (order %s, kind %s) failed after %d attempts: %v",
		d.ID, d.OrderID, d.Kind, attempts, cause)
	if err := s.dispatcher.NotifyOperator(ctx, report); err != nil {
		s.logger.Errorw("Failed to notify operator", "delivery_id", d.ID, "error", err)
	}
}

func (s *Scheduler) buildMessage(ctx context.Context, d models.ScheduledDelivery) (notify.Message, error) {
	switch d.Kind {
	case models.DeliveryCheckin:
		return notify.Message{Text: checkinPrompt}, nil
	case models.DeliveryFinalEval:
		return notify.Message{Text: finalEvalPrompt}, nil
	}

	order, err := s.store.GetOrder(ctx, d.OrderID)
	if err != nil {
		return notify.Message{}, fmt.Errorf("failed to load order: %w", err)
	}
	plan, ok := models.PlanByType(order.Plan)
	if !ok {
		return notify.Message{}, fmt.Errorf("unknown plan %q", order.Plan)
	}

	task, err := s.pool.NextTask(ctx, d.OrderID, plan)
	if err != nil {
		return notify.Message{}, fmt.Errorf("failed to pick next task: %w", err)
	}

	text := fmt.Sprintf("💪 *Время двигаться к цели!*\n\n🎯 %s\n\n%s",
		order.Goal, task.Text)
	return notify.Message{
		Text: text,
		Buttons: [][]notify.Button{{
			{Label: "Выполнено ✅", Data: fmt.Sprintf("task_done:%d", task.ID)},
		}},
	}, nil
}

// completeOrder closes the order once the final evaluation has gone out. The
// user's state moves to expired when they answer the evaluation; the order
// itself completes now so no further engagement attaches to it.
func (s *Scheduler) completeOrder(ctx context.Context, orderID string) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		s.logger.Errorw("Failed to load order for completion", "order_id", orderID, "error", err)
		return
	}
	if order.Status.Terminal() {
		return
	}

	now := time.Now()
	order.Status = models.OrderCompleted
	order.EndAt = &now
	if err := s.store.UpdateOrder(ctx, order); err != nil {
		s.logger.Errorw("Failed to complete order", "order_id", orderID, "error", err)
	}
}
