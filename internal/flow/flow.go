// internal/flow/flow.go

// Package flow implements the per-state conversation handlers. Each handler
// consumes events for one state and returns the next state plus a payload
// patch; all persistence of conversation state stays in the orchestrator.
package flow

import (
	"context"

	"coach-bot/internal/db"
	"coach-bot/internal/gpt"
	"coach-bot/internal/models"
	"coach-bot/internal/notify"
	"coach-bot/internal/orchestrator"
	"coach-bot/internal/state"
	"coach-bot/internal/taskpool"
	"coach-bot/pkg/logger"
)

// TaskGenerator expands focus statements into concrete tasks.
type TaskGenerator interface {
	GenerateTasks(ctx context.Context, goal string, statements []models.FocusStatement) ([]gpt.TaskDraft, error)
}

// CheckoutCreator builds a hosted payment session for a plan.
type CheckoutCreator interface {
	CreateCheckoutSession(userID int64, plan models.PlanType, successURL, cancelURL string) (string, string, error)
}

// ProgramScheduler activates and cancels delivery timetables.
type ProgramScheduler interface {
	Activate(ctx context.Context, order *models.Order, timezone string) error
	Cancel(ctx context.Context, orderID string) error
}

type Deps struct {
	Store      db.Store
	Pool       *taskpool.Pool
	Tasks      TaskGenerator
	Payments   CheckoutCreator
	Scheduler  ProgramScheduler
	Dispatcher notify.Dispatcher
	Logger     *logger.Logger
	// BotName builds t.me deep links for payment redirects.
	BotName string
	// DefaultTimezone is used for scheduling when the user has no stored
	// timezone. Telegram updates carry none, so without this the whole
	// deployment would silently run on UTC.
	DefaultTimezone string
}

// Register wires every state handler into the orchestrator.
func Register(o *orchestrator.Orchestrator, d Deps) {
	o.Register(state.Onboarding, &Onboarding{d})
	o.Register(state.PlanSelection, &PlanSelection{d})
	o.Register(state.Setup, &Setup{d})
	o.Register(state.Payment, &Payment{d})
	o.Register(state.Active, &Active{d})
	o.Register(state.Expired, &Restart{d})
	o.Register(state.Cancelled, &Restart{d})
}

// currentOrder resolves the order the conversation is about, preferring the
// payload reference and falling back to the latest non-terminal order.
func currentOrder(ctx context.Context, store db.Store, sess *orchestrator.Session) (*models.Order, error) {
	if id := payloadString(sess.Payload, "order_id"); id != "" {
		return store.GetOrder(ctx, id)
	}
	return store.ActiveOrder(ctx, sess.UserID)
}

func payloadString(p map[string]interface{}, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}
