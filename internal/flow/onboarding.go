// internal/flow/onboarding.go
package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"coach-bot/internal/models"
	"coach-bot/internal/notify"
	"coach-bot/internal/orchestrator"
	"coach-bot/internal/state"
)

const (
	greetingText = "👋 Привет! Я помогу тебе дойти до цели: разобью её на ежедневные " +
		"задания и буду сопровождать тебя по расписанию.\n\n" +
		"Сформулируй свою цель одним-двумя предложениями:"

	goalTooShortText = "Сформулируй цель чуть подробнее, хотя бы в несколько слов."
)

// Onboarding greets the user, collects the goal and creates the order on
// confirmation. It also serves first contact (the implicit unset state).
type Onboarding struct {
	deps Deps
}

func (h *Onboarding) Handle(ctx context.Context, sess *orchestrator.Session, ev orchestrator.Event) (orchestrator.Result, error) {
	stage := payloadString(sess.Payload, "onboarding_stage")

	if ev.Kind == orchestrator.EventCommand && ev.Command == "start" {
		stage = ""
	}

	switch stage {
	case "goal":
		return h.collectGoal(ev)
	case "confirm":
		return h.confirmGoal(ctx, sess, ev)
	default:
		return orchestrator.Result{
			Next:    state.Onboarding,
			Patch:   map[string]interface{}{"onboarding_stage": "goal"},
			Replies: []notify.Message{{Text: greetingText, RemoveKeyboard: true}},
		}, nil
	}
}

func (h *Onboarding) collectGoal(ev orchestrator.Event) (orchestrator.Result, error) {
	goal := strings.TrimSpace(ev.Text)
	if ev.Kind != orchestrator.EventText || len([]rune(goal)) < 5 {
		return orchestrator.Result{
			Replies: []notify.Message{{Text: goalTooShortText}},
		}, nil
	}

	confirm := fmt.Sprintf("Твоя цель:\n\n🎯 %s\n\nВсё верно?", goal)
	return orchestrator.Result{
		Patch: map[string]interface{}{
			"goal_draft":       goal,
			"onboarding_stage": "confirm",
		},
		Replies: []notify.Message{{
			Text: confirm,
			Buttons: [][]notify.Button{{
				{Label: "Да, верно ✅", Data: "goal_confirm"},
				{Label: "Изменить ✏️", Data: "goal_edit"},
			}},
		}},
	}, nil
}

func (h *Onboarding) confirmGoal(ctx context.Context, sess *orchestrator.Session, ev orchestrator.Event) (orchestrator.Result, error) {
	switch {
	case ev.Kind == orchestrator.EventCallback && ev.Data == "goal_confirm":
		goal := payloadString(sess.Payload, "goal_draft")
		if goal == "" {
			return orchestrator.Result{
				Patch:   map[string]interface{}{"onboarding_stage": "goal"},
				Replies: []notify.Message{{Text: greetingText}},
			}, nil
		}

		order := &models.Order{
			ID:     uuid.NewString(),
			UserID: sess.UserID,
			Goal:   goal,
			Status: models.OrderPendingPayment,
		}
		// Create the order before the transition commits. If this fails the
		// orchestrator discards the result, so the payload never references
		// an order that does not exist.
		if err := h.deps.Store.CreateOrder(ctx, order); err != nil {
			return orchestrator.Result{}, fmt.Errorf("failed to create order: %w", err)
		}

		return orchestrator.Result{
			Next: state.PlanSelection,
			Patch: map[string]interface{}{
				"goal":             goal,
				"order_id":         order.ID,
				"goal_draft":       nil,
				"onboarding_stage": nil,
			},
			Replies: []notify.Message{planOverviewMessage()},
		}, nil

	case ev.Kind == orchestrator.EventCallback && ev.Data == "goal_edit":
		return orchestrator.Result{
			Patch:   map[string]interface{}{"onboarding_stage": "goal"},
			Replies: []notify.Message{{Text: "Хорошо, сформулируй цель заново:"}},
		}, nil

	default:
		return orchestrator.Result{
			Replies: []notify.Message{{Text: "Пожалуйста, выбери один из вариантов кнопками выше."}},
		}, nil
	}
}
