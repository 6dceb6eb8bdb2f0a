// internal/flow/payment.go
package flow

import (
	"context"
	"fmt"
	"time"

	"coach-bot/internal/models"
	"coach-bot/internal/notify"
	"coach-bot/internal/orchestrator"
	"coach-bot/internal/state"
)

// Payment waits for the Stripe confirmation. The webhook (or the t.me
// deep-link redirect) arrives as a callback event; everything else gets a
// reminder. Cancellation from here terminates the order.
type Payment struct {
	deps Deps
}

func (h *Payment) Handle(ctx context.Context, sess *orchestrator.Session, ev orchestrator.Event) (orchestrator.Result, error) {
	switch {
	case ev.Kind == orchestrator.EventCallback && ev.Data == "payment_confirmed":
		return h.activate(ctx, sess)

	case ev.Kind == orchestrator.EventCallback && ev.Data == "payment_cancel",
		ev.Kind == orchestrator.EventCommand && ev.Command == "cancel":
		return h.cancel(ctx, sess)

	default:
		return orchestrator.Result{Replies: []notify.Message{{
			Text: "Жду подтверждения оплаты. Если передумал, набери /cancel.",
		}}}, nil
	}
}

func (h *Payment) activate(ctx context.Context, sess *orchestrator.Session) (orchestrator.Result, error) {
	order, err := currentOrder(ctx, h.deps.Store, sess)
	if err != nil {
		return orchestrator.Result{}, fmt.Errorf("failed to resolve order: %w", err)
	}
	plan, ok := models.PlanByType(order.Plan)
	if !ok {
		return orchestrator.Result{}, fmt.Errorf("order %s has unknown plan %q", order.ID, order.Plan)
	}

	return orchestrator.Result{
		Next: state.Active,
		Replies: []notify.Message{{
			Text: fmt.Sprintf("🎉 Оплата получена! Программа *%s* запускается, "+
				"первое задание придёт по расписанию.", plan.Name),
			RemoveKeyboard: true,
		}},
		After: []func(context.Context) error{
			func(ctx context.Context) error {
				now := time.Now()
				end := now.AddDate(0, 0, plan.Days)
				order.Status = models.OrderActive
				order.StartAt = &now
				order.EndAt = &end
				if err := h.deps.Store.UpdateOrder(ctx, order); err != nil {
					return fmt.Errorf("failed to activate order: %w", err)
				}

				tz := h.deps.DefaultTimezone
				if tz == "" {
					tz = "UTC"
				}
				if user, err := h.deps.Store.GetUser(ctx, sess.UserID); err == nil && user.Timezone != "" {
					tz = user.Timezone
				}
				return h.deps.Scheduler.Activate(ctx, order, tz)
			},
		},
	}, nil
}

func (h *Payment) cancel(ctx context.Context, sess *orchestrator.Session) (orchestrator.Result, error) {
	order, err := currentOrder(ctx, h.deps.Store, sess)
	if err != nil {
		return orchestrator.Result{}, fmt.Errorf("failed to resolve order: %w", err)
	}

	return orchestrator.Result{
		Next: state.Cancelled,
		Replies: []notify.Message{{
			Text: "Оплата отменена. Когда захочешь вернуться, просто напиши /start.",
		}},
		After: []func(context.Context) error{
			func(ctx context.Context) error {
				order.Status = models.OrderCancelled
				if err := h.deps.Store.UpdateOrder(ctx, order); err != nil {
					return fmt.Errorf("failed to cancel order: %w", err)
				}
				return h.deps.Scheduler.Cancel(ctx, order.ID)
			},
		},
	}, nil
}
