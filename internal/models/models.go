// internal/models/models.go
package models

import (
	"time"
)

type User struct {
	ID         int64     `json:"id"`
	TelegramID int64     `json:"telegram_id"`
	ChatID     int64     `json:"chat_id"`
	Username   string    `json:"username"`
	Name       string    `json:"name"`
	Timezone   string    `json:"timezone"`
	Locale     string    `json:"locale"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// UserState is the single persisted conversation state row for a user.
// It is read and written only through the state.Store.
type UserState struct {
	UserID    int64                  `json:"user_id"`
	State     string                 `json:"state"`
	Payload   map[string]interface{} `json:"payload"`
	UpdatedAt time.Time              `json:"updated_at"`
}

type OrderStatus string

const (
	OrderPendingPayment OrderStatus = "pending_payment"
	OrderActive         OrderStatus = "active"
	OrderCompleted      OrderStatus = "completed"
	OrderCancelled      OrderStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderCancelled
}

// Order is one goal-scoped engagement with a single plan. A user may have
// many historical orders but at most one non-terminal order.
type Order struct {
	ID        string      `json:"id"`
	UserID    int64       `json:"user_id"`
	Goal      string      `json:"goal"`
	Plan      PlanType    `json:"plan"`
	Status    OrderStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	StartAt   *time.Time  `json:"start_at,omitempty"`
	EndAt     *time.Time  `json:"end_at,omitempty"`
}

// FocusStatement is a user-authored statement anchoring one or more tasks.
// Immutable once created; Ordinal preserves authoring order across categories.
type FocusStatement struct {
	ID       int64  `json:"id"`
	OrderID  string `json:"order_id"`
	Category string `json:"category"`
	Text     string `json:"text"`
	Ordinal  int    `json:"ordinal"`
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
)

type Task struct {
	ID               int64      `json:"id"`
	FocusStatementID int64      `json:"focus_statement_id"`
	OrderID          string     `json:"order_id"`
	Text             string     `json:"text"`
	Selected         bool       `json:"selected"`
	Status           TaskStatus `json:"status"`
	// Completions counts every completion event, including repeats of an
	// already-completed task. The rotation cursor is the sum over the pool,
	// so it keeps advancing after the pool is exhausted.
	Completions int `json:"completions"`
}

type DeliveryKind string

const (
	DeliveryTask      DeliveryKind = "task"
	DeliveryCheckin   DeliveryKind = "checkin"
	DeliveryFinalEval DeliveryKind = "final_eval"
)

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryCancelled DeliveryStatus = "cancelled"
	DeliveryFailed    DeliveryStatus = "failed"
)

// ScheduledDelivery is one persisted timetable entry. The whole timetable for
// an order is generated in bulk at activation; sequence numbers are strictly
// increasing per order and DueAt is non-decreasing in sequence order.
type ScheduledDelivery struct {
	ID         string         `json:"id"`
	OrderID    string         `json:"order_id"`
	UserID     int64          `json:"user_id"`
	Kind       DeliveryKind   `json:"kind"`
	DueAt      time.Time      `json:"due_at"`
	SequenceNo int            `json:"sequence_no"`
	Status     DeliveryStatus `json:"status"`
	Attempts   int            `json:"attempts"`
}
