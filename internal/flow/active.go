// internal/flow/active.go
package flow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"coach-bot/internal/db"
	"coach-bot/internal/models"
	"coach-bot/internal/notify"
	"coach-bot/internal/orchestrator"
	"coach-bot/internal/state"
)

// Active handles the delivery phase: task completions, progress queries,
// free-text check-in answers, the final-evaluation answer and cancellation.
type Active struct {
	deps Deps
}

func (h *Active) Handle(ctx context.Context, sess *orchestrator.Session, ev orchestrator.Event) (orchestrator.Result, error) {
	if ev.Kind == orchestrator.EventCallback {
		if idText, ok := strings.CutPrefix(ev.Data, "task_done:"); ok {
			return h.completeTask(ctx, idText)
		}
	}

	if ev.Kind == orchestrator.EventCommand {
		switch ev.Command {
		case "cancel":
			return h.cancel(ctx, sess)
		case "status":
			return h.progress(ctx, sess)
		}
	}

	if ev.Kind == orchestrator.EventText {
		text := strings.ToLower(strings.TrimSpace(ev.Text))
		if strings.Contains(text, "прогресс") || strings.Contains(text, "статус") {
			return h.progress(ctx, sess)
		}
		return h.reflection(ctx, sess, ev)
	}

	return orchestrator.Result{Replies: []notify.Message{{
		Text: "Задания приходят по расписанию. Команды: /status покажет прогресс, /cancel завершит программу.",
	}}}, nil
}

func (h *Active) completeTask(ctx context.Context, idText string) (orchestrator.Result, error) {
	taskID, err := strconv.ParseInt(idText, 10, 64)
	if err != nil {
		return orchestrator.Result{Replies: []notify.Message{{Text: "Не удалось распознать задание."}}}, nil
	}
	if err := h.deps.Pool.CompleteTask(ctx, taskID); err != nil {
		return orchestrator.Result{}, err
	}
	return orchestrator.Result{Replies: []notify.Message{{
		Text: "💪 Отлично! Ещё один шаг к цели сделан. Как ты себя чувствуешь после выполнения?",
	}}}, nil
}

func (h *Active) progress(ctx context.Context, sess *orchestrator.Session) (orchestrator.Result, error) {
	order, err := currentOrder(ctx, h.deps.Store, sess)
	if err != nil {
		return orchestrator.Result{}, fmt.Errorf("failed to resolve order: %w", err)
	}
	plan, _ := models.PlanByType(order.Plan)

	pool, err := h.deps.Pool.ActivePool(ctx, order.ID, plan)
	if err != nil {
		return orchestrator.Result{}, err
	}
	completed := 0
	for _, t := range pool {
		if t.Status == models.TaskCompleted {
			completed++
		}
	}

	return orchestrator.Result{Replies: []notify.Message{{
		Text: fmt.Sprintf("📊 План *%s*: выполнено %d из %d заданий пула.\nЦель: %s",
			plan.Name, completed, len(pool), order.Goal),
	}}}, nil
}

// reflection absorbs free-text answers to check-ins. Once the order has
// completed (the final evaluation went out), the next answer closes the
// program and moves the user to expired.
func (h *Active) reflection(ctx context.Context, sess *orchestrator.Session, ev orchestrator.Event) (orchestrator.Result, error) {
	_, err := h.deps.Store.ActiveOrder(ctx, sess.UserID)
	if errors.Is(err, db.ErrNotFound) {
		return orchestrator.Result{
			Next:           state.Expired,
			ReplacePayload: true,
			Replies: []notify.Message{{
				Text: "🏁 Спасибо за итог! Программа завершена. Горжусь проделанной работой.\n\n" +
					"Когда будет новая цель, напиши /start.",
			}},
		}, nil
	}
	if err != nil {
		return orchestrator.Result{}, fmt.Errorf("failed to resolve order: %w", err)
	}

	return orchestrator.Result{Replies: []notify.Message{{
		Text: "Записал, спасибо за честный ответ 🙌 Продолжаем двигаться.",
	}}}, nil
}

func (h *Active) cancel(ctx context.Context, sess *orchestrator.Session) (orchestrator.Result, error) {
	order, err := currentOrder(ctx, h.deps.Store, sess)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return orchestrator.Result{}, fmt.Errorf("failed to resolve order: %w", err)
	}

	res := orchestrator.Result{
		Next:           state.Cancelled,
		ReplacePayload: true,
		Replies: []notify.Message{{
			Text: "Программа остановлена, запланированные задания отменены. " +
				"Вернуться можно в любой момент: /start.",
		}},
	}
	if order != nil && !order.Status.Terminal() {
		res.After = []func(context.Context) error{
			func(ctx context.Context) error {
				order.Status = models.OrderCancelled
				if err := h.deps.Store.UpdateOrder(ctx, order); err != nil {
					return fmt.Errorf("failed to cancel order: %w", err)
				}
				return h.deps.Scheduler.Cancel(ctx, order.ID)
			},
		}
	}
	return res, nil
}

// Restart serves the terminal states: any contact starts a fresh onboarding.
type Restart struct {
	deps Deps
}

func (h *Restart) Handle(ctx context.Context, sess *orchestrator.Session, ev orchestrator.Event) (orchestrator.Result, error) {
	return orchestrator.Result{
		Next:           state.Onboarding,
		ReplacePayload: true,
		Patch:          map[string]interface{}{"onboarding_stage": "goal"},
		Replies:        []notify.Message{{Text: greetingText, RemoveKeyboard: true}},
	}, nil
}
