package listener

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/execution-hub/dataspace-connector/internal/domain/event"
)

// Listener observes committed state transitions. Managers and services
// notify from their own goroutines, so implementations must be safe for
// concurrent use.
type Listener interface {
	OnTransition(ctx context.Context, t event.Transition) error
}

// Func adapts a function to Listener.
type Func func(ctx context.Context, t event.Transition) error

func (f Func) OnTransition(ctx context.Context, t event.Transition) error {
	return f(ctx, t)
}

// Registry fans transitions out to listeners in registration order. A failing
// listener never prevents the others from running; the transition is already
// committed when listeners are invoked.
type Registry struct {
	mu        sync.RWMutex
	listeners []Listener
	logger    zerolog.Logger
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger: logger.With().Str("service", "listener").Logger(),
	}
}

// Register appends l.
func (r *Registry) Register(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Len returns the number of registered listeners.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

// InvokeForEach applies fn to every listener and aggregates failures.
// A panicking listener is reported as an error.
func (r *Registry) InvokeForEach(fn func(Listener) error) error {
	r.mu.RLock()
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.RUnlock()

	var result *multierror.Error
	for _, l := range listeners {
		if err := invoke(fn, l); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func invoke(fn func(Listener) error, l Listener) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("listener panic: %v", rec)
		}
	}()
	return fn(l)
}

// Notify delivers t to every listener, logging failures.
func (r *Registry) Notify(ctx context.Context, t event.Transition) {
	if r == nil {
		return
	}
	err := r.InvokeForEach(func(l Listener) error {
		return l.OnTransition(ctx, t)
	})
	if err != nil {
		r.logger.Warn().Err(err).
			Str("entity_type", t.EntityType).
			Str("process_id", t.EntityID).
			Str("from", t.From).
			Str("to", t.To).
			Msg("listener notification failed")
	}
}

// Hooks is a per-target-state callback set; states without a callback are no-ops.
type Hooks struct {
	EntityType string
	On         map[string]func(ctx context.Context, t event.Transition) error
}

func (h Hooks) OnTransition(ctx context.Context, t event.Transition) error {
	if h.EntityType != "" && h.EntityType != t.EntityType {
		return nil
	}
	fn, ok := h.On[t.To]
	if !ok || fn == nil {
		return nil
	}
	return fn(ctx, t)
}
