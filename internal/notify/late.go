// internal/notify/late.go
package notify

import (
	"context"
	"errors"
	"sync"
)

// LateDispatcher forwards to a Dispatcher bound after construction. The
// orchestrator and scheduler are wired before the Telegram client exists;
// Bind closes the loop during startup, before any event flows.
type LateDispatcher struct {
	mu   sync.RWMutex
	impl Dispatcher
}

func (d *LateDispatcher) Bind(impl Dispatcher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.impl = impl
}

func (d *LateDispatcher) Send(ctx context.Context, userID int64, msg Message) error {
	d.mu.RLock()
	impl := d.impl
	d.mu.RUnlock()
	if impl == nil {
		return errors.New("dispatcher is not bound")
	}
	return impl.Send(ctx, userID, msg)
}

func (d *LateDispatcher) NotifyOperator(ctx context.Context, text string) error {
	d.mu.RLock()
	impl := d.impl
	d.mu.RUnlock()
	if impl == nil {
		return errors.New("dispatcher is not bound")
	}
	return impl.NotifyOperator(ctx, text)
}
