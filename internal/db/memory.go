// internal/db/memory.go
package db

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"coach-bot/internal/models"
)

// MemoryDB is an in-memory Store. It backs tests and local runs without a
// Postgres instance; behavior mirrors PostgresDB, including JSON round-tripping
// of state payloads so both stores surface the same decoded types.
type MemoryDB struct {
	mu sync.Mutex

	users      map[int64]*models.User
	states     map[int64]*models.UserState
	orders     map[string]*models.Order
	statements map[string][]models.FocusStatement
	tasks      map[int64]*models.Task
	deliveries map[string]*models.ScheduledDelivery

	nextUserID      int64
	nextStatementID int64
	nextTaskID      int64
}

var _ Store = (*MemoryDB)(nil)

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		users:      make(map[int64]*models.User),
		states:     make(map[int64]*models.UserState),
		orders:     make(map[string]*models.Order),
		statements: make(map[string][]models.FocusStatement),
		tasks:      make(map[int64]*models.Task),
		deliveries: make(map[string]*models.ScheduledDelivery),
	}
}

func (m *MemoryDB) SaveUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.users[user.TelegramID]
	if ok {
		user.ID = existing.ID
		user.CreatedAt = existing.CreatedAt
		if user.Timezone == "" {
			user.Timezone = existing.Timezone
		}
	} else {
		m.nextUserID++
		user.ID = m.nextUserID
		user.CreatedAt = time.Now()
	}
	user.Active = true
	user.UpdatedAt = time.Now()

	cp := *user
	m.users[user.TelegramID] = &cp
	return nil
}

func (m *MemoryDB) GetUser(ctx context.Context, telegramID int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[telegramID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *user
	return &cp, nil
}

func (m *MemoryDB) DeactivateUser(ctx context.Context, telegramID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if user, ok := m.users[telegramID]; ok {
		user.Active = false
		user.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemoryDB) GetUserState(ctx context.Context, userID int64) (*models.UserState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[userID]
	if !ok {
		return nil, ErrNotFound
	}

	cp := models.UserState{UserID: st.UserID, State: st.State, UpdatedAt: st.UpdatedAt}
	payload, err := clonePayload(st.Payload)
	if err != nil {
		return nil, err
	}
	cp.Payload = payload
	return &cp, nil
}

func (m *MemoryDB) PutUserState(ctx context.Context, st *models.UserState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	payload, err := clonePayload(st.Payload)
	if err != nil {
		return err
	}
	m.states[st.UserID] = &models.UserState{
		UserID:    st.UserID,
		State:     st.State,
		Payload:   payload,
		UpdatedAt: time.Now(),
	}
	return nil
}

func (m *MemoryDB) CreateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order.CreatedAt = time.Now()
	cp := *order
	m.orders[order.ID] = &cp
	return nil
}

func (m *MemoryDB) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *order
	return &cp, nil
}

func (m *MemoryDB) ActiveOrder(ctx context.Context, userID int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *models.Order
	for _, order := range m.orders {
		if order.UserID != userID || order.Status.Terminal() {
			continue
		}
		if latest == nil || order.CreatedAt.After(latest.CreatedAt) {
			latest = order
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryDB) UpdateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.orders[order.ID]
	if !ok {
		return ErrNotFound
	}
	order.CreatedAt = existing.CreatedAt
	cp := *order
	m.orders[order.ID] = &cp
	return nil
}

func (m *MemoryDB) AddFocusStatement(ctx context.Context, fs *models.FocusStatement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextStatementID++
	fs.ID = m.nextStatementID
	m.statements[fs.OrderID] = append(m.statements[fs.OrderID], *fs)
	return nil
}

func (m *MemoryDB) FocusStatements(ctx context.Context, orderID string) ([]models.FocusStatement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	statements := append([]models.FocusStatement(nil), m.statements[orderID]...)
	sort.Slice(statements, func(i, j int) bool { return statements[i].Ordinal < statements[j].Ordinal })
	return statements, nil
}

func (m *MemoryDB) AddTask(ctx context.Context, task *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextTaskID++
	task.ID = m.nextTaskID
	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}

func (m *MemoryDB) Tasks(ctx context.Context, orderID string) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var tasks []models.Task
	for _, t := range m.tasks {
		if t.OrderID == orderID {
			tasks = append(tasks, *t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

func (m *MemoryDB) SetTaskSelected(ctx context.Context, taskID int64, selected bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	task.Selected = selected
	return nil
}

func (m *MemoryDB) ClearSelection(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tasks {
		if t.OrderID == orderID {
			t.Selected = false
		}
	}
	return nil
}

func (m *MemoryDB) CompleteTask(ctx context.Context, taskID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	task.Status = models.TaskCompleted
	task.Completions++
	return nil
}

func (m *MemoryDB) CreateDeliveries(ctx context.Context, deliveries []models.ScheduledDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range deliveries {
		cp := d
		m.deliveries[d.ID] = &cp
	}
	return nil
}

func (m *MemoryDB) DueDeliveries(ctx context.Context, now time.Time) ([]models.ScheduledDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []models.ScheduledDelivery
	for _, d := range m.deliveries {
		if d.Status == models.DeliveryPending && !d.DueAt.After(now) {
			due = append(due, *d)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].DueAt.Equal(due[j].DueAt) {
			return due[i].DueAt.Before(due[j].DueAt)
		}
		return due[i].SequenceNo < due[j].SequenceNo
	})
	return due, nil
}

func (m *MemoryDB) DeliveryStatus(ctx context.Context, deliveryID string) (models.DeliveryStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[deliveryID]
	if !ok {
		return "", ErrNotFound
	}
	return d.Status, nil
}

func (m *MemoryDB) MarkDelivery(ctx context.Context, deliveryID string, status models.DeliveryStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[deliveryID]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	return nil
}

func (m *MemoryDB) BumpDeliveryAttempts(ctx context.Context, deliveryID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[deliveryID]
	if !ok {
		return 0, ErrNotFound
	}
	d.Attempts++
	return d.Attempts, nil
}

func (m *MemoryDB) CancelPendingDeliveries(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.deliveries {
		if d.OrderID == orderID && d.Status == models.DeliveryPending {
			d.Status = models.DeliveryCancelled
		}
	}
	return nil
}

func (m *MemoryDB) Deliveries(ctx context.Context, orderID string) ([]models.ScheduledDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deliveries []models.ScheduledDelivery
	for _, d := range m.deliveries {
		if d.OrderID == orderID {
			deliveries = append(deliveries, *d)
		}
	}
	sort.Slice(deliveries, func(i, j int) bool { return deliveries[i].SequenceNo < deliveries[j].SequenceNo })
	return deliveries, nil
}

// clonePayload round-trips through JSON so callers see the same value types
// the Postgres store produces (e.g. []interface{} for lists).
func clonePayload(payload map[string]interface{}) (map[string]interface{}, error) {
	if payload == nil {
		return make(map[string]interface{}), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{})
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
