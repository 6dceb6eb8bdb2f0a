// internal/db/store.go
package db

import (
	"context"
	"errors"
	"time"

	"coach-bot/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence contract shared by the Postgres implementation and
// the in-memory implementation used in tests and local runs.
type Store interface {
	// Users
	SaveUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, telegramID int64) (*models.User, error)
	DeactivateUser(ctx context.Context, telegramID int64) error

	// Conversation state. One row per user; callers go through state.Store.
	GetUserState(ctx context.Context, userID int64) (*models.UserState, error)
	PutUserState(ctx context.Context, st *models.UserState) error

	// Orders
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	ActiveOrder(ctx context.Context, userID int64) (*models.Order, error)
	UpdateOrder(ctx context.Context, order *models.Order) error

	// Focus statements
	AddFocusStatement(ctx context.Context, fs *models.FocusStatement) error
	FocusStatements(ctx context.Context, orderID string) ([]models.FocusStatement, error)

	// Tasks
	AddTask(ctx context.Context, task *models.Task) error
	Tasks(ctx context.Context, orderID string) ([]models.Task, error)
	SetTaskSelected(ctx context.Context, taskID int64, selected bool) error
	ClearSelection(ctx context.Context, orderID string) error
	CompleteTask(ctx context.Context, taskID int64) error

	// Scheduled deliveries
	CreateDeliveries(ctx context.Context, deliveries []models.ScheduledDelivery) error
	DueDeliveries(ctx context.Context, now time.Time) ([]models.ScheduledDelivery, error)
	DeliveryStatus(ctx context.Context, deliveryID string) (models.DeliveryStatus, error)
	MarkDelivery(ctx context.Context, deliveryID string, status models.DeliveryStatus) error
	BumpDeliveryAttempts(ctx context.Context, deliveryID string) (int, error)
	CancelPendingDeliveries(ctx context.Context, orderID string) error
	Deliveries(ctx context.Context, orderID string) ([]models.ScheduledDelivery, error)
}
