package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coach-bot/internal/db"
	"coach-bot/internal/gpt"
	"coach-bot/internal/models"
	"coach-bot/internal/notify"
	"coach-bot/internal/orchestrator"
	"coach-bot/internal/scheduler"
	"coach-bot/internal/state"
	"coach-bot/internal/taskpool"
	"coach-bot/pkg/logger"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (d *recordingDispatcher) Send(ctx context.Context, userID int64, msg notify.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, msg)
	return nil
}

func (d *recordingDispatcher) NotifyOperator(ctx context.Context, text string) error {
	return nil
}

func (d *recordingDispatcher) lastText() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sent) == 0 {
		return ""
	}
	return d.sent[len(d.sent)-1].Text
}

// stubGenerator produces one task per statement without calling GPT.
type stubGenerator struct{}

func (stubGenerator) GenerateTasks(ctx context.Context, goal string, statements []models.FocusStatement) ([]gpt.TaskDraft, error) {
	drafts := make([]gpt.TaskDraft, 0, len(statements))
	for i, fs := range statements {
		drafts = append(drafts, gpt.TaskDraft{
			FocusStatementID: fs.ID,
			Text:             fmt.Sprintf("Задание %d по теме «%s»", i+1, fs.Text),
		})
	}
	return drafts, nil
}

// recordingScheduler delegates to the real scheduler while recording the
// timezone each activation resolved to.
type recordingScheduler struct {
	inner     *scheduler.Scheduler
	timezones []string
}

func (s *recordingScheduler) Activate(ctx context.Context, order *models.Order, timezone string) error {
	s.timezones = append(s.timezones, timezone)
	return s.inner.Activate(ctx, order, timezone)
}

func (s *recordingScheduler) Cancel(ctx context.Context, orderID string) error {
	return s.inner.Cancel(ctx, orderID)
}

// failingOrderStore refuses to persist orders.
type failingOrderStore struct {
	db.Store
}

func (s *failingOrderStore) CreateOrder(ctx context.Context, order *models.Order) error {
	return errors.New("insert failed")
}

type stubPayments struct {
	sessions int
}

func (p *stubPayments) CreateCheckoutSession(userID int64, plan models.PlanType, successURL, cancelURL string) (string, string, error) {
	p.sessions++
	return "cs_test_123", "https://checkout.stripe.com/pay/cs_test_123", nil
}

type flowFixture struct {
	store      *db.MemoryDB
	states     *state.Store
	orch       *orchestrator.Orchestrator
	dispatcher *recordingDispatcher
	payments   *stubPayments
	sched      *recordingScheduler
}

func newFlowFixture(t *testing.T) *flowFixture {
	t.Helper()
	return newFlowFixtureTZ(t, "UTC")
}

// newFlowFixtureTZ seeds the test user with the given timezone; empty means
// the user never reported one.
func newFlowFixtureTZ(t *testing.T, userTZ string) *flowFixture {
	t.Helper()

	store := db.NewMemoryDB()
	states := state.NewStore(store)
	dispatcher := &recordingDispatcher{}
	pool := taskpool.New(store, 0.8)
	payments := &stubPayments{}
	sched := &recordingScheduler{
		inner: scheduler.New(store, pool, dispatcher, logger.NewNop(), scheduler.Options{}),
	}

	orch := orchestrator.New(states, dispatcher, logger.NewNop())
	Register(orch, Deps{
		Store:           store,
		Pool:            pool,
		Tasks:           stubGenerator{},
		Payments:        payments,
		Scheduler:       sched,
		Dispatcher:      dispatcher,
		Logger:          logger.NewNop(),
		BotName:         "goal_coach_bot",
		DefaultTimezone: "Europe/Moscow",
	})

	require.NoError(t, store.SaveUser(context.Background(), &models.User{
		TelegramID: 1,
		ChatID:     1,
		Username:   "tester",
		Name:       "Тест",
		Timezone:   userTZ,
	}))

	return &flowFixture{
		store:      store,
		states:     states,
		orch:       orch,
		dispatcher: dispatcher,
		payments:   payments,
		sched:      sched,
	}
}

func (f *flowFixture) command(t *testing.T, cmd string) {
	t.Helper()
	require.NoError(t, f.orch.Dispatch(context.Background(), orchestrator.Event{
		UserID: 1, ChatID: 1, Kind: orchestrator.EventCommand, Command: cmd,
	}))
}

func (f *flowFixture) text(t *testing.T, text string) {
	t.Helper()
	require.NoError(t, f.orch.Dispatch(context.Background(), orchestrator.Event{
		UserID: 1, ChatID: 1, Kind: orchestrator.EventText, Text: text,
	}))
}

func (f *flowFixture) callback(t *testing.T, data string) {
	t.Helper()
	require.NoError(t, f.orch.Dispatch(context.Background(), orchestrator.Event{
		UserID: 1, ChatID: 1, Kind: orchestrator.EventCallback, Data: data,
	}))
}

func (f *flowFixture) mustState(t *testing.T, want state.State) map[string]interface{} {
	t.Helper()
	st, payload, err := f.states.Get(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, want, st)
	return payload
}

// runSetup walks the fixture from first contact through statement collection
// for the given plan.
func (f *flowFixture) runSetup(t *testing.T, planData string) *models.Order {
	t.Helper()
	ctx := context.Background()

	f.command(t, "start")
	f.mustState(t, state.Onboarding)

	f.text(t, "Выучить испанский до разговорного уровня")
	f.callback(t, "goal_confirm")
	payload := f.mustState(t, state.PlanSelection)

	orderID, _ := payload["order_id"].(string)
	require.NotEmpty(t, orderID)
	order, err := f.store.GetOrder(ctx, orderID)
	require.NoError(t, err)

	f.callback(t, planData)
	f.mustState(t, state.Setup)

	// Three positive feelings, two concerns, two opportunities.
	f.text(t, "хочу чувствовать уверенность в разговоре")
	f.text(t, "хочу гордиться своим прогрессом")
	f.text(t, "хочу радость от понимания фильмов")
	f.text(t, "готово")

	f.text(t, "боюсь забросить занятия через неделю")
	f.text(t, "мало свободного времени по вечерам")
	f.text(t, "готово")

	f.text(t, "есть подруга носитель языка")
	f.text(t, "подписка на учебную платформу уже оплачена")
	f.text(t, "готово")

	return order
}

func TestFullExpressJourney(t *testing.T) {
	ctx := context.Background()
	f := newFlowFixture(t)

	order := f.runSetup(t, "plan_express")

	// Express caps the pool: still in setup, selecting tasks.
	payload := f.mustState(t, state.Setup)
	assert.Equal(t, "task_selection", payload["setup_stage"])

	tasks, err := f.store.Tasks(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 7, "one generated task per statement")

	plan, _ := models.PlanByType(models.PlanExpress)
	for i := 0; i < plan.SelectionCount; i++ {
		f.callback(t, fmt.Sprintf("pick_task:%d", tasks[i].ID))
	}
	f.mustState(t, state.Payment)
	assert.Equal(t, 1, f.payments.sessions, "checkout session created once")

	f.callback(t, "payment_confirmed")
	f.mustState(t, state.Active)

	updated, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderActive, updated.Status)
	require.NotNil(t, updated.StartAt)
	require.NotNil(t, updated.EndAt)

	deliveries, err := f.store.Deliveries(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, deliveries, 46, "7 days of 6 tasks, 3 check-ins, final evaluation")
}

func TestRegularPlanSkipsSelection(t *testing.T) {
	ctx := context.Background()
	f := newFlowFixture(t)

	order := f.runSetup(t, "plan_regular")

	// No selection phase: straight to payment with the full pool.
	f.mustState(t, state.Payment)
	assert.Equal(t, 1, f.payments.sessions)

	f.callback(t, "payment_confirmed")
	f.mustState(t, state.Active)

	deliveries, err := f.store.Deliveries(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, deliveries, 41)
}

func TestDuplicateStatementIsRejectedInConversation(t *testing.T) {
	f := newFlowFixture(t)

	f.command(t, "start")
	f.text(t, "Пробежать первый полумарафон")
	f.callback(t, "goal_confirm")
	f.callback(t, "plan_express")

	f.text(t, "хочу чувствовать силу и выносливость")
	f.text(t, "хочу чувствовать выносливость и силу")
	assert.Equal(t, duplicateText, f.dispatcher.lastText())

	payload := f.mustState(t, state.Setup)
	assert.Equal(t, models.CategoryPositive, payload["setup_stage"], "a rejected duplicate does not advance the stage")
}

func TestDoneBeforeMinimumIsRefused(t *testing.T) {
	f := newFlowFixture(t)

	f.command(t, "start")
	f.text(t, "Навести порядок в финансах")
	f.callback(t, "goal_confirm")
	f.callback(t, "plan_express")

	f.text(t, "хочу чувствовать спокойствие за бюджет")
	f.text(t, "готово")

	payload := f.mustState(t, state.Setup)
	assert.Equal(t, models.CategoryPositive, payload["setup_stage"], "the minimum gates advancement")
}

func TestSelectionResetAndDoubleSelect(t *testing.T) {
	ctx := context.Background()
	f := newFlowFixture(t)

	order := f.runSetup(t, "plan_express")
	tasks, err := f.store.Tasks(ctx, order.ID)
	require.NoError(t, err)

	f.callback(t, fmt.Sprintf("pick_task:%d", tasks[0].ID))
	f.callback(t, fmt.Sprintf("pick_task:%d", tasks[0].ID)) // double select is refused
	f.callback(t, fmt.Sprintf("pick_task:%d", tasks[1].ID))

	current, err := f.store.Tasks(ctx, order.ID)
	require.NoError(t, err)
	selected := 0
	for _, task := range current {
		if task.Selected {
			selected++
		}
	}
	assert.Equal(t, 2, selected)

	f.callback(t, "reset_selection")
	current, err = f.store.Tasks(ctx, order.ID)
	require.NoError(t, err)
	for _, task := range current {
		assert.False(t, task.Selected)
	}
	f.mustState(t, state.Setup)
}

func TestPaymentCancellation(t *testing.T) {
	ctx := context.Background()
	f := newFlowFixture(t)

	order := f.runSetup(t, "plan_regular")
	f.mustState(t, state.Payment)

	f.callback(t, "payment_cancel")
	f.mustState(t, state.Cancelled)

	updated, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, updated.Status)

	// A terminal user restarts into a fresh onboarding.
	f.command(t, "start")
	payload := f.mustState(t, state.Onboarding)
	assert.NotContains(t, payload, "order_id")
}

func TestActivationUsesStoredTimezone(t *testing.T) {
	f := newFlowFixture(t)

	f.runSetup(t, "plan_regular")
	f.callback(t, "payment_confirmed")

	require.Len(t, f.sched.timezones, 1)
	assert.Equal(t, "UTC", f.sched.timezones[0], "a stored timezone wins over the configured default")
}

func TestActivationFallsBackToDefaultTimezone(t *testing.T) {
	f := newFlowFixtureTZ(t, "")

	f.runSetup(t, "plan_regular")
	f.callback(t, "payment_confirmed")

	require.Len(t, f.sched.timezones, 1)
	assert.Equal(t, "Europe/Moscow", f.sched.timezones[0])
}

func TestGoalConfirmAbortsWhenOrderCreationFails(t *testing.T) {
	ctx := context.Background()

	store := db.NewMemoryDB()
	states := state.NewStore(store)
	dispatcher := &recordingDispatcher{}
	pool := taskpool.New(store, 0.8)
	sched := scheduler.New(store, pool, dispatcher, logger.NewNop(), scheduler.Options{})

	orch := orchestrator.New(states, dispatcher, logger.NewNop())
	Register(orch, Deps{
		Store:      &failingOrderStore{Store: store},
		Pool:       pool,
		Tasks:      stubGenerator{},
		Payments:   &stubPayments{},
		Scheduler:  sched,
		Dispatcher: dispatcher,
		Logger:     logger.NewNop(),
		BotName:    "goal_coach_bot",
	})
	require.NoError(t, store.SaveUser(ctx, &models.User{
		TelegramID: 1, ChatID: 1, Timezone: "UTC",
	}))

	require.NoError(t, orch.Dispatch(ctx, orchestrator.Event{
		UserID: 1, ChatID: 1, Kind: orchestrator.EventCommand, Command: "start",
	}))
	require.NoError(t, orch.Dispatch(ctx, orchestrator.Event{
		UserID: 1, ChatID: 1, Kind: orchestrator.EventText, Text: "Выучить испанский",
	}))

	// The confirmation must fail as a whole: no transition, no dangling
	// order reference in the payload.
	err := orch.Dispatch(ctx, orchestrator.Event{
		UserID: 1, ChatID: 1, Kind: orchestrator.EventCallback, Data: "goal_confirm",
	})
	require.Error(t, err)

	st, payload, err := states.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, state.Onboarding, st)
	assert.NotContains(t, payload, "order_id")
}

func TestActiveCancellationStopsDeliveries(t *testing.T) {
	ctx := context.Background()
	f := newFlowFixture(t)

	order := f.runSetup(t, "plan_regular")
	f.callback(t, "payment_confirmed")
	f.mustState(t, state.Active)

	f.command(t, "cancel")
	f.mustState(t, state.Cancelled)

	updated, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, updated.Status)

	deliveries, err := f.store.Deliveries(ctx, order.ID)
	require.NoError(t, err)
	for _, d := range deliveries {
		assert.Equal(t, models.DeliveryCancelled, d.Status)
	}
}

func TestTaskCompletionFromActive(t *testing.T) {
	ctx := context.Background()
	f := newFlowFixture(t)

	order := f.runSetup(t, "plan_regular")
	f.callback(t, "payment_confirmed")

	tasks, err := f.store.Tasks(ctx, order.ID)
	require.NoError(t, err)
	f.callback(t, fmt.Sprintf("task_done:%d", tasks[0].ID))

	current, err := f.store.Tasks(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, current[0].Status)
	f.mustState(t, state.Active)
}

func TestFinalEvaluationAnswerExpiresUser(t *testing.T) {
	ctx := context.Background()
	f := newFlowFixture(t)

	order := f.runSetup(t, "plan_regular")
	f.callback(t, "payment_confirmed")

	// Simulate the program running out: the order completes when the final
	// evaluation goes out.
	updated, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	updated.Status = models.OrderCompleted
	require.NoError(t, f.store.UpdateOrder(ctx, updated))

	f.text(t, "Я достиг цели и очень доволен процессом")
	f.mustState(t, state.Expired)

	// From expired, any contact restarts onboarding.
	f.text(t, "привет")
	f.mustState(t, state.Onboarding)
}
