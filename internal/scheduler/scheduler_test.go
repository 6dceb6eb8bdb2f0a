package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coach-bot/internal/db"
	"coach-bot/internal/models"
	"coach-bot/internal/notify"
	"coach-bot/internal/taskpool"
	"coach-bot/pkg/logger"
)

type recordingDispatcher struct {
	mu       sync.Mutex
	sent     []notify.Message
	operator []string
	fail     error
}

func (d *recordingDispatcher) Send(ctx context.Context, userID int64, msg notify.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	d.sent = append(d.sent, msg)
	return nil
}

func (d *recordingDispatcher) NotifyOperator(ctx context.Context, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.operator = append(d.operator, text)
	return nil
}

func (d *recordingDispatcher) sentCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

func newTestScheduler(store db.Store, dispatcher notify.Dispatcher, opts Options) *Scheduler {
	pool := taskpool.New(store, 0.8)
	return New(store, pool, dispatcher, logger.NewNop(), opts)
}

func seedOrder(t *testing.T, store db.Store, planType models.PlanType) *models.Order {
	t.Helper()
	order := &models.Order{
		ID:     "order-1",
		UserID: 7,
		Goal:   "пробежать полумарафон",
		Plan:   planType,
		Status: models.OrderActive,
	}
	require.NoError(t, store.CreateOrder(context.Background(), order))
	return order
}

func seedDelivery(t *testing.T, store db.Store, kind models.DeliveryKind, due time.Time) models.ScheduledDelivery {
	t.Helper()
	d := models.ScheduledDelivery{
		ID:         "delivery-" + string(kind),
		OrderID:    "order-1",
		UserID:     7,
		Kind:       kind,
		DueAt:      due,
		SequenceNo: 1,
		Status:     models.DeliveryPending,
	}
	require.NoError(t, store.CreateDeliveries(context.Background(), []models.ScheduledDelivery{d}))
	return d
}

func TestActivatePersistsTimetable(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryDB()
	s := newTestScheduler(store, &recordingDispatcher{}, Options{})

	order := seedOrder(t, store, models.PlanExpress)
	require.NoError(t, s.Activate(ctx, order, "Europe/Moscow"))

	deliveries, err := store.Deliveries(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, deliveries, 46)
}

func TestActivateUnknownTimezoneFallsBackToUTC(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryDB()
	s := newTestScheduler(store, &recordingDispatcher{}, Options{})

	order := seedOrder(t, store, models.PlanBiweekly)
	require.NoError(t, s.Activate(ctx, order, "Mars/Olympus"))

	deliveries, err := store.Deliveries(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, deliveries, 19)
}

func TestRunDueSendsCheckin(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryDB()
	dispatcher := &recordingDispatcher{}
	s := newTestScheduler(store, dispatcher, Options{})

	seedOrder(t, store, models.PlanRegular)
	d := seedDelivery(t, store, models.DeliveryCheckin, time.Now().Add(-time.Minute))

	require.NoError(t, s.RunDue(ctx, time.Now()))

	assert.Equal(t, 1, dispatcher.sentCount())
	status, err := store.DeliveryStatus(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySent, status)

	// A sent row is never fired again.
	require.NoError(t, s.RunDue(ctx, time.Now()))
	assert.Equal(t, 1, dispatcher.sentCount())
}

func TestRunDueSkipsFutureDeliveries(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryDB()
	dispatcher := &recordingDispatcher{}
	s := newTestScheduler(store, dispatcher, Options{})

	seedOrder(t, store, models.PlanRegular)
	seedDelivery(t, store, models.DeliveryCheckin, time.Now().Add(time.Hour))

	require.NoError(t, s.RunDue(ctx, time.Now()))
	assert.Zero(t, dispatcher.sentCount())
}

func TestRunDueSendsTaskWithCompletionButton(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryDB()
	dispatcher := &recordingDispatcher{}
	s := newTestScheduler(store, dispatcher, Options{})

	order := seedOrder(t, store, models.PlanRegular)
	task := &models.Task{OrderID: order.ID, Text: "Пробежать 3 км", Status: models.TaskPending}
	require.NoError(t, store.AddTask(ctx, task))
	seedDelivery(t, store, models.DeliveryTask, time.Now().Add(-time.Minute))

	require.NoError(t, s.RunDue(ctx, time.Now()))

	require.Equal(t, 1, dispatcher.sentCount())
	msg := dispatcher.sent[0]
	assert.Contains(t, msg.Text, order.Goal)
	assert.Contains(t, msg.Text, task.Text)
	require.Len(t, msg.Buttons, 1)
	assert.Equal(t, "task_done:1", msg.Buttons[0][0].Data)
}

func TestCancelledDeliveryIsNeverDispatched(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryDB()
	dispatcher := &recordingDispatcher{}
	s := newTestScheduler(store, dispatcher, Options{})

	order := seedOrder(t, store, models.PlanRegular)
	d := seedDelivery(t, store, models.DeliveryCheckin, time.Now().Add(-time.Minute))

	require.NoError(t, s.Cancel(ctx, order.ID))
	require.NoError(t, s.RunDue(ctx, time.Now()))

	assert.Zero(t, dispatcher.sentCount())
	status, err := store.DeliveryStatus(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryCancelled, status)
}

func TestCancelLeavesSentRowsAlone(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryDB()
	dispatcher := &recordingDispatcher{}
	s := newTestScheduler(store, dispatcher, Options{})

	order := seedOrder(t, store, models.PlanRegular)
	d := seedDelivery(t, store, models.DeliveryCheckin, time.Now().Add(-time.Minute))

	require.NoError(t, s.RunDue(ctx, time.Now()))
	require.NoError(t, s.Cancel(ctx, order.ID))

	status, err := store.DeliveryStatus(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySent, status)
}

func TestFailedDeliveryRetriesUpToBound(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryDB()
	dispatcher := &recordingDispatcher{fail: errors.New("telegram is down")}
	s := newTestScheduler(store, dispatcher, Options{MaxAttempts: 2})

	seedOrder(t, store, models.PlanRegular)
	d := seedDelivery(t, store, models.DeliveryCheckin, time.Now().Add(-time.Minute))

	// First failure: attempt recorded, row stays pending for the next cycle.
	require.NoError(t, s.RunDue(ctx, time.Now()))
	status, err := store.DeliveryStatus(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryPending, status)
	assert.Empty(t, dispatcher.operator)

	// Second failure hits the bound: failed, operator notified.
	require.NoError(t, s.RunDue(ctx, time.Now()))
	status, err = store.DeliveryStatus(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryFailed, status)
	require.Len(t, dispatcher.operator, 1)
	assert.Contains(t, dispatcher.operator[0], d.ID)

	// A failed row is terminal.
	require.NoError(t, s.RunDue(ctx, time.Now()))
	status, err = store.DeliveryStatus(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryFailed, status)
}

func TestFinalEvalCompletesOrder(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryDB()
	dispatcher := &recordingDispatcher{}
	s := newTestScheduler(store, dispatcher, Options{})

	order := seedOrder(t, store, models.PlanRegular)
	seedDelivery(t, store, models.DeliveryFinalEval, time.Now().Add(-time.Minute))

	require.NoError(t, s.RunDue(ctx, time.Now()))

	assert.Equal(t, 1, dispatcher.sentCount())
	updated, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCompleted, updated.Status)
	require.NotNil(t, updated.EndAt)
}

func TestRunDueStopsWhenBudgetExpires(t *testing.T) {
	store := db.NewMemoryDB()
	dispatcher := &recordingDispatcher{}
	s := newTestScheduler(store, dispatcher, Options{})

	seedOrder(t, store, models.PlanRegular)
	d := seedDelivery(t, store, models.DeliveryCheckin, time.Now().Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, s.RunDue(ctx, time.Now()))

	assert.Zero(t, dispatcher.sentCount())
	status, err := store.DeliveryStatus(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryPending, status, "the remainder waits for the next cycle")
}
