// Package executor dispatches approved actions to typed handlers with
// retry, backoff, and a hard per-execution timeout, over a bounded worker
// pool.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/liamcoop/sentinel/rules"
)

// Result is a handler's success payload, recorded on the action.
type Result map[string]any

// Handler executes one action type. Handlers are untrusted collaborators:
// the executor never assumes success and records result or error before
// any transition. Implementations must honor ctx cancellation — the
// executor's timeout is a hard one.
type Handler interface {
	Execute(ctx context.Context, params map[string]any) (Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, params map[string]any) (Result, error)

func (f HandlerFunc) Execute(ctx context.Context, params map[string]any) (Result, error) {
	return f(ctx, params)
}

// Registry maps action types to handlers. The action type set is closed,
// so a miss here means a wiring bug, not user input.
type Registry struct {
	mu       sync.RWMutex
	handlers map[rules.ActionType]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[rules.ActionType]Handler)}
}

// Register binds a handler to an action type, replacing any existing one.
func (r *Registry) Register(t rules.ActionType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Get resolves the handler for an action type.
func (r *Registry) Get(t rules.ActionType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	if !ok {
		return nil, fmt.Errorf("no handler registered for action type %q", t)
	}
	return h, nil
}
