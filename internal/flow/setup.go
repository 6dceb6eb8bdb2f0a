// internal/flow/setup.go
package flow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"coach-bot/internal/models"
	"coach-bot/internal/notify"
	"coach-bot/internal/orchestrator"
	"coach-bot/internal/state"
	"coach-bot/internal/taskpool"
)

const (
	stageSelection = "task_selection"

	duplicateText = "Похожее утверждение уже записано. Сформулируй что-то другое 🙂"
)

var categoryTitles = map[string]string{
	models.CategoryPositive:      "какие чувства ты хочешь испытывать, достигнув цели",
	models.CategoryConcerns:      "что тебя тревожит или мешает на пути к цели",
	models.CategoryOpportunities: "какие возможности у тебя уже есть",
}

func categoryPrompt(category string, plan models.PlanType) notify.Message {
	cat := findCategory(category, plan)
	text := fmt.Sprintf("Напиши, %s.\n\nПиши по одному утверждению в сообщении. "+
		"Нужно минимум %d, максимум %d. Когда закончишь, напиши «готово».",
		categoryTitles[category], cat.Min, cat.Max)
	return notify.Message{Text: text}
}

func findCategory(key string, plan models.PlanType) models.Category {
	for _, c := range models.Categories(plan) {
		if c.Key == key {
			return c
		}
	}
	return models.Category{Key: key, Min: 1, Max: 5}
}

// Setup collects focus statements per category with duplicate rejection and
// min/max gating, generates the task pool and, for capped plans, runs task
// selection before handing over to payment.
type Setup struct {
	deps Deps
}

func (h *Setup) Handle(ctx context.Context, sess *orchestrator.Session, ev orchestrator.Event) (orchestrator.Result, error) {
	plan := models.PlanType(payloadString(sess.Payload, "plan"))
	stage := payloadString(sess.Payload, "setup_stage")

	if stage == stageSelection {
		return h.handleSelection(ctx, sess, ev, plan)
	}
	return h.handleCollection(ctx, sess, ev, plan, stage)
}

func (h *Setup) handleCollection(ctx context.Context, sess *orchestrator.Session, ev orchestrator.Event, plan models.PlanType, stage string) (orchestrator.Result, error) {
	if stage == "" {
		stage = models.CategoryPositive
	}
	cat := findCategory(stage, plan)

	order, err := currentOrder(ctx, h.deps.Store, sess)
	if err != nil {
		return orchestrator.Result{}, fmt.Errorf("failed to resolve order: %w", err)
	}

	if ev.Kind != orchestrator.EventText {
		return orchestrator.Result{Replies: []notify.Message{categoryPrompt(stage, plan)}}, nil
	}

	text := strings.TrimSpace(ev.Text)
	if isDoneWord(text) {
		count, err := h.deps.Pool.CategoryCount(ctx, order.ID, stage)
		if err != nil {
			return orchestrator.Result{}, err
		}
		if count < cat.Min {
			return orchestrator.Result{Replies: []notify.Message{{
				Text: fmt.Sprintf("Нужно ещё минимум %d. Сейчас записано %d из %d.",
					cat.Min-count, count, cat.Min),
			}}}, nil
		}
		return h.advance(ctx, sess, order, plan, stage)
	}

	if _, err := h.deps.Pool.AddStatement(ctx, order.ID, stage, text); err != nil {
		if errors.Is(err, taskpool.ErrDuplicateStatement) {
			return orchestrator.Result{Replies: []notify.Message{{Text: duplicateText}}}, nil
		}
		return orchestrator.Result{}, err
	}

	count, err := h.deps.Pool.CategoryCount(ctx, order.ID, stage)
	if err != nil {
		return orchestrator.Result{}, err
	}
	if count >= cat.Max {
		return h.advance(ctx, sess, order, plan, stage)
	}

	hint := ""
	if count >= cat.Min {
		hint = " Можешь продолжить или написать «готово»."
	}
	return orchestrator.Result{Replies: []notify.Message{{
		Text: fmt.Sprintf("Записал (%d/%d).%s", count, cat.Max, hint),
	}}}, nil
}

// advance moves to the next category, or finishes collection when the last
// one is done.
func (h *Setup) advance(ctx context.Context, sess *orchestrator.Session, order *models.Order, plan models.PlanType, stage string) (orchestrator.Result, error) {
	categories := models.Categories(plan)
	for i, c := range categories {
		if c.Key != stage {
			continue
		}
		if i+1 < len(categories) {
			next := categories[i+1].Key
			return orchestrator.Result{
				Patch:   map[string]interface{}{"setup_stage": next},
				Replies: []notify.Message{categoryPrompt(next, plan)},
			}, nil
		}
		return h.finishCollection(ctx, sess, order, plan)
	}
	return orchestrator.Result{
		Patch:   map[string]interface{}{"setup_stage": models.CategoryPositive},
		Replies: []notify.Message{categoryPrompt(models.CategoryPositive, plan)},
	}, nil
}

// finishCollection generates the task pool from the collected statements.
// Generation and the follow-up message run post-commit since the GPT call is
// slow. Capped plans continue into selection; Regular goes straight to
// payment with the full pool.
func (h *Setup) finishCollection(ctx context.Context, sess *orchestrator.Session, order *models.Order, planType models.PlanType) (orchestrator.Result, error) {
	plan, ok := models.PlanByType(planType)
	if !ok {
		return orchestrator.Result{}, fmt.Errorf("unknown plan %q", planType)
	}

	generate := func(ctx context.Context) error {
		statements, err := h.deps.Store.FocusStatements(ctx, order.ID)
		if err != nil {
			return fmt.Errorf("failed to load statements: %w", err)
		}
		drafts, err := h.deps.Tasks.GenerateTasks(ctx, order.Goal, statements)
		if err != nil {
			return fmt.Errorf("failed to generate tasks: %w", err)
		}
		for _, d := range drafts {
			task := &models.Task{
				FocusStatementID: d.FocusStatementID,
				OrderID:          order.ID,
				Text:             d.Text,
				Status:           models.TaskPending,
			}
			if err := h.deps.Store.AddTask(ctx, task); err != nil {
				return fmt.Errorf("failed to save task: %w", err)
			}
		}
		return nil
	}

	if plan.SelectionCount == 0 {
		return orchestrator.Result{
			Next:  state.Payment,
			Patch: map[string]interface{}{"setup_stage": nil},
			Replies: []notify.Message{{
				Text: "Отлично, материал собран! Генерирую задания, это займёт минуту...",
			}},
			After: []func(context.Context) error{
				generate,
				h.sendCheckout(sess.UserID, plan),
			},
		}, nil
	}

	return orchestrator.Result{
		Patch: map[string]interface{}{"setup_stage": stageSelection},
		Replies: []notify.Message{{
			Text: "Отлично, материал собран! Генерирую задания, это займёт минуту...",
		}},
		After: []func(context.Context) error{
			generate,
			func(ctx context.Context) error {
				return h.sendSelectionKeyboard(ctx, sess.UserID, order, plan)
			},
		},
	}, nil
}

func (h *Setup) handleSelection(ctx context.Context, sess *orchestrator.Session, ev orchestrator.Event, planType models.PlanType) (orchestrator.Result, error) {
	plan, ok := models.PlanByType(planType)
	if !ok {
		return orchestrator.Result{}, fmt.Errorf("unknown plan %q", planType)
	}

	order, err := currentOrder(ctx, h.deps.Store, sess)
	if err != nil {
		return orchestrator.Result{}, fmt.Errorf("failed to resolve order: %w", err)
	}

	if isResetWord(ev) {
		if err := h.deps.Pool.ResetSelection(ctx, order.ID); err != nil {
			return orchestrator.Result{}, err
		}
		return orchestrator.Result{
			After: []func(context.Context) error{
				func(ctx context.Context) error {
					return h.sendSelectionKeyboard(ctx, sess.UserID, order, plan)
				},
			},
			Replies: []notify.Message{{Text: "Выбор сброшен, начнём заново."}},
		}, nil
	}

	if ev.Kind == orchestrator.EventCallback {
		if idText, ok := strings.CutPrefix(ev.Data, "pick_task:"); ok {
			return h.pickTask(ctx, sess, order, plan, idText)
		}
	}

	return orchestrator.Result{Replies: []notify.Message{{
		Text: fmt.Sprintf("Выбери задания кнопками выше, нужно ровно %d. "+
			"Написать «сброс» можно в любой момент.", plan.SelectionCount),
	}}}, nil
}

func (h *Setup) pickTask(ctx context.Context, sess *orchestrator.Session, order *models.Order, plan models.Plan, idText string) (orchestrator.Result, error) {
	taskID, err := strconv.ParseInt(idText, 10, 64)
	if err != nil {
		return orchestrator.Result{Replies: []notify.Message{{Text: "Не удалось распознать задание, попробуй ещё раз."}}}, nil
	}

	selected, err := h.deps.Pool.SelectTask(ctx, order.ID, taskID)
	if err != nil {
		if errors.Is(err, taskpool.ErrAlreadySelected) {
			return orchestrator.Result{Replies: []notify.Message{{
				Text: "Это задание уже выбрано. Выбери другое или напиши «сброс».",
			}}}, nil
		}
		return orchestrator.Result{}, err
	}

	if selected < plan.SelectionCount {
		return orchestrator.Result{Replies: []notify.Message{{
			Text: fmt.Sprintf("Выбрано %d из %d.", selected, plan.SelectionCount),
		}}}, nil
	}

	return orchestrator.Result{
		Next:  state.Payment,
		Patch: map[string]interface{}{"setup_stage": nil},
		Replies: []notify.Message{{
			Text: fmt.Sprintf("Все %d заданий выбраны! Остался последний шаг: оплата.", plan.SelectionCount),
		}},
		After: []func(context.Context) error{
			h.sendCheckout(sess.UserID, plan),
		},
	}, nil
}

// sendCheckout creates the Stripe session and sends the payment link. Runs
// post-commit so a checkout failure never leaves the state write half-done.
func (h *Setup) sendCheckout(userID int64, plan models.Plan) func(context.Context) error {
	return func(ctx context.Context) error {
		successURL := fmt.Sprintf("https://t.me/%s?start=payment_success", h.deps.BotName)
		cancelURL := fmt.Sprintf("https://t.me/%s?start=payment_cancel", h.deps.BotName)

		_, checkoutURL, err := h.deps.Payments.CreateCheckoutSession(userID, plan.Type, successURL, cancelURL)
		if err != nil {
			return fmt.Errorf("failed to create checkout session: %w", err)
		}

		// Dispatcher access goes through the orchestrator replies normally;
		// here the URL only exists post-commit, so send directly.
		return h.deps.Dispatcher.Send(ctx, userID, notify.Message{
			Text: fmt.Sprintf("План *%s*, стоимость ₽%d. Нажми кнопку, чтобы перейти к оплате:",
				plan.Name, plan.PriceRUB),
			Buttons: [][]notify.Button{{
				{Label: "Оплатить 💳", URL: checkoutURL},
			}},
		})
	}
}

func (h *Setup) sendSelectionKeyboard(ctx context.Context, userID int64, order *models.Order, plan models.Plan) error {
	tasks, err := h.deps.Store.Tasks(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Вот сгенерированные задания. Выбери ровно %d, с которыми будем работать:\n", plan.SelectionCount)
	var rows [][]notify.Button
	for i, t := range tasks {
		fmt.Fprintf(&sb, "\n%d. %s", i+1, t.Text)
		rows = append(rows, []notify.Button{{
			Label: fmt.Sprintf("Выбрать №%d", i+1),
			Data:  fmt.Sprintf("pick_task:%d", t.ID),
		}})
	}
	rows = append(rows, []notify.Button{{Label: "Сбросить выбор 🔄", Data: "reset_selection"}})

	return h.deps.Dispatcher.Send(ctx, userID, notify.Message{Text: sb.String(), Buttons: rows})
}

func isDoneWord(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	return t == "готово" || t == "done" || t == "/done"
}

func isResetWord(ev orchestrator.Event) bool {
	if ev.Kind == orchestrator.EventCallback {
		return ev.Data == "reset_selection"
	}
	if ev.Kind != orchestrator.EventText {
		return false
	}
	t := strings.ToLower(strings.TrimSpace(ev.Text))
	return t == "сброс" || t == "reset" || t == "/reset"
}
