// internal/orchestrator/orchestrator.go

// Package orchestrator routes inbound events to per-state handlers and owns
// the only write of conversation state. Handlers are pure with respect to
// user state: they return the next state and a payload patch, and the write
// happens here after the handler succeeds, so a failing handler never commits
// a partial transition.
package orchestrator

import (
	"context"
	"errors"

	"coach-bot/internal/locks"
	"coach-bot/internal/metrics"
	"coach-bot/internal/notify"
	"coach-bot/internal/state"
	"coach-bot/pkg/logger"
)

const (
	genericFailureText = "Извините, произошла ошибка. Пожалуйста, попробуйте ещё раз чуть позже."
	restartText        = "Что-то пошло не так, давайте начнём заново. Напишите /start, чтобы продолжить."
)

// ErrInvalidTransition marks a handler result outside the transition table.
var ErrInvalidTransition = errors.New("invalid state transition")

type EventKind string

const (
	EventText     EventKind = "text"
	EventCommand  EventKind = "command"
	EventCallback EventKind = "callback"
)

// Event is one inbound user action, produced by the transport adapter.
type Event struct {
	UserID  int64
	ChatID  int64
	Kind    EventKind
	Text    string
	Command string
	Args    string
	Data    string
}

// Session is the handler's read-only view of the user's conversation.
type Session struct {
	UserID  int64
	State   state.State
	Payload map[string]interface{}
}

// Result is what a handler wants to happen: the next state, a payload patch
// (merged, or replacing the payload wholesale when ReplacePayload is set),
// replies to the user and side effects to run after the state write commits.
type Result struct {
	Next           state.State
	Patch          map[string]interface{}
	ReplacePayload bool
	Replies        []notify.Message
	After          []func(context.Context) error
}

type Handler interface {
	Handle(ctx context.Context, sess *Session, ev Event) (Result, error)
}

type HandlerFunc func(ctx context.Context, sess *Session, ev Event) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, sess *Session, ev Event) (Result, error) {
	return f(ctx, sess, ev)
}

type Orchestrator struct {
	states     *state.Store
	dispatcher notify.Dispatcher
	logger     *logger.Logger
	handlers   map[state.State]Handler

	// userLocks serializes dispatches for the same user so concurrent events
	// cannot race on the payload merge. Different users interleave freely.
	userLocks *locks.Map[int64]
}

func New(states *state.Store, dispatcher notify.Dispatcher, l *logger.Logger) *Orchestrator {
	return &Orchestrator{
		states:     states,
		dispatcher: dispatcher,
		logger:     l,
		handlers:   make(map[state.State]Handler),
		userLocks:  locks.NewMap[int64](),
	}
}

// Register binds a handler to a state. First contact (no state row yet) is
// routed to the onboarding handler.
func (o *Orchestrator) Register(st state.State, h Handler) {
	o.handlers[st] = h
}

// Dispatch processes one inbound event under the per-user lock. It never
// panics outward and never commits anything when the handler fails.
func (o *Orchestrator) Dispatch(ctx context.Context, ev Event) error {
	o.userLocks.Lock(ev.UserID)
	defer o.userLocks.Unlock(ev.UserID)

	defer func() {
		if r := recover(); r != nil {
			o.logger.Errorw("Recovered from handler panic", "user_id", ev.UserID, "panic", r)
			o.reply(ctx, ev.UserID, notify.Message{Text: genericFailureText})
		}
	}()

	sess, err := o.loadSession(ctx, ev.UserID)
	if err != nil {
		o.logger.Errorw("Failed to load user state", "user_id", ev.UserID, "error", err)
		o.reply(ctx, ev.UserID, notify.Message{Text: genericFailureText})
		return err
	}

	handler := o.resolveHandler(sess)
	if handler == nil {
		o.logger.Errorw("No handler registered", "state", sess.State)
		return errors.New("no handler registered")
	}

	res, err := handler.Handle(ctx, sess, ev)
	if err != nil {
		// Nothing is committed; the in-memory result is discarded.
		o.logger.Errorw("Handler failed",
			"user_id", ev.UserID, "state", sess.State, "error", err)
		o.reply(ctx, ev.UserID, notify.Message{Text: genericFailureText})
		return err
	}

	next := res.Next
	if next == "" {
		next = sess.State
	}

	if !state.CanTransition(sess.State, next) {
		metrics.InvalidTransitions.Inc()
		o.logger.Warnw("Illegal transition requested, restarting user",
			"user_id", ev.UserID, "from", sess.State, "to", next)
		if err := o.commit(ctx, sess, state.Onboarding, nil, true); err != nil {
			return err
		}
		o.reply(ctx, ev.UserID, notify.Message{Text: restartText})
		return ErrInvalidTransition
	}

	if err := o.commit(ctx, sess, next, res.Patch, res.ReplacePayload); err != nil {
		o.logger.Errorw("Failed to commit state",
			"user_id", ev.UserID, "from", sess.State, "to", next, "error", err)
		o.reply(ctx, ev.UserID, notify.Message{Text: genericFailureText})
		return err
	}

	if next != sess.State {
		metrics.Transitions.WithLabelValues(string(sess.State), string(next)).Inc()
	}

	for _, msg := range res.Replies {
		o.reply(ctx, ev.UserID, msg)
	}
	for _, fn := range res.After {
		if err := fn(ctx); err != nil {
			o.logger.Errorw("Post-commit side effect failed", "user_id", ev.UserID, "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) loadSession(ctx context.Context, userID int64) (*Session, error) {
	st, payload, err := o.states.Get(ctx, userID)
	if errors.Is(err, state.ErrNotFound) {
		if err := o.states.Init(ctx, userID); err != nil {
			return nil, err
		}
		st, payload = state.Unset, map[string]interface{}{}
	} else if err != nil {
		return nil, err
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return &Session{UserID: userID, State: st, Payload: payload}, nil
}

// resolveHandler maps the session state to its handler. Unset routes to
// onboarding; an unrecognized state is logged and also routed to onboarding
// with a fresh session, so a corrupt row still lets the user restart.
func (o *Orchestrator) resolveHandler(sess *Session) Handler {
	if sess.State == state.Unset {
		return o.handlers[state.Onboarding]
	}
	if h, ok := o.handlers[sess.State]; ok && state.Known(sess.State) {
		return h
	}

	metrics.InvalidTransitions.Inc()
	o.logger.Warnw("Unrecognized state, falling back to onboarding",
		"user_id", sess.UserID, "state", sess.State)
	sess.State = state.Unset
	sess.Payload = map[string]interface{}{}
	return o.handlers[state.Onboarding]
}

// commit writes the handler result through the state store in one atomic
// Set. The per-user dispatch lock makes the read-merge-write safe against
// concurrent events. A transient store failure gets one immediate retry.
func (o *Orchestrator) commit(ctx context.Context, sess *Session, next state.State, patch map[string]interface{}, replace bool) error {
	payload := patch
	if !replace {
		payload = make(map[string]interface{}, len(sess.Payload)+len(patch))
		for k, v := range sess.Payload {
			payload[k] = v
		}
		for k, v := range patch {
			if v == nil {
				delete(payload, k)
				continue
			}
			payload[k] = v
		}
	}

	if err := o.states.Set(ctx, sess.UserID, next, payload); err != nil {
		o.logger.Warnw("State write failed, retrying once", "user_id", sess.UserID, "error", err)
		return o.states.Set(ctx, sess.UserID, next, payload)
	}
	return nil
}

func (o *Orchestrator) reply(ctx context.Context, userID int64, msg notify.Message) {
	if msg.Text == "" {
		return
	}
	if err := o.dispatcher.Send(ctx, userID, msg); err != nil {
		o.logger.Errorw("Failed to send reply", "user_id", userID, "error", err)
	}
}
