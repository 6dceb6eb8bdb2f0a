// internal/flow/planselect.go
package flow

import (
	"context"
	"fmt"
	"strings"

	"coach-bot/internal/models"
	"coach-bot/internal/notify"
	"coach-bot/internal/orchestrator"
	"coach-bot/internal/state"
)

// PlanSelection offers the plan catalog. Primary dispatch is callback
// identifiers; free-text keywords are kept only as a last-resort fallback.
type PlanSelection struct {
	deps Deps
}

func planOverviewMessage() notify.Message {
	var sb strings.Builder
	sb.WriteString("Выбери план сопровождения:\n")
	for _, p := range models.AllPlans() {
		perDay := len(p.DeliveryHours)
		sb.WriteString(fmt.Sprintf("\n*%s*: %d дней, заданий в день: %d, цена ₽%d",
			p.Name, p.Days, perDay, p.PriceRUB))
	}

	var rows [][]notify.Button
	for _, p := range models.AllPlans() {
		rows = append(rows, []notify.Button{{
			Label: p.Name,
			Data:  "plan_" + string(p.Type),
		}})
	}
	return notify.Message{Text: sb.String(), Buttons: rows}
}

func (h *PlanSelection) Handle(ctx context.Context, sess *orchestrator.Session, ev orchestrator.Event) (orchestrator.Result, error) {
	plan, ok := h.pickPlan(ev)
	if !ok {
		return orchestrator.Result{Replies: []notify.Message{planOverviewMessage()}}, nil
	}

	order, err := currentOrder(ctx, h.deps.Store, sess)
	if err != nil {
		return orchestrator.Result{}, fmt.Errorf("failed to resolve order: %w", err)
	}
	order.Plan = plan.Type

	return orchestrator.Result{
		Next: state.Setup,
		Patch: map[string]interface{}{
			"plan":        string(plan.Type),
			"setup_stage": models.CategoryPositive,
		},
		Replies: []notify.Message{
			{Text: fmt.Sprintf("Отличный выбор! План *%s*. Теперь подготовим материал.", plan.Name)},
			categoryPrompt(models.CategoryPositive, plan.Type),
		},
		After: []func(context.Context) error{
			func(ctx context.Context) error {
				return h.deps.Store.UpdateOrder(ctx, order)
			},
		},
	}, nil
}

func (h *PlanSelection) pickPlan(ev orchestrator.Event) (models.Plan, bool) {
	if ev.Kind == orchestrator.EventCallback {
		if t, ok := strings.CutPrefix(ev.Data, "plan_"); ok {
			return models.PlanByType(models.PlanType(t))
		}
		return models.Plan{}, false
	}

	if ev.Kind != orchestrator.EventText {
		return models.Plan{}, false
	}

	// Keyword fallback for users typing the plan name.
	text := strings.ToLower(ev.Text)
	switch {
	case strings.Contains(text, "express") || strings.Contains(text, "экспресс"):
		return models.PlanByType(models.PlanExpress)
	case strings.Contains(text, "2") || strings.Contains(text, "недел"):
		return models.PlanByType(models.PlanBiweekly)
	case strings.Contains(text, "regular") || strings.Contains(text, "обычн") || strings.Contains(text, "стандарт"):
		return models.PlanByType(models.PlanRegular)
	}
	return models.Plan{}, false
}
