// Package confirm holds actions pending human approval, with a bounded
// countdown per action and idempotent resolution.
package confirm

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/liamcoop/sentinel/actions"
)

// DefaultTimeout is the confirmation countdown when none is configured.
const DefaultTimeout = 30 * time.Second

// ErrAlreadyResolved is a benign conflict: the action reached a terminal
// state before this call. Callers surface it as a result, not a failure.
var ErrAlreadyResolved = errors.New("action already resolved")

// Dispatcher receives confirmed actions for execution.
type Dispatcher interface {
	Enqueue(a *actions.Action) error
}

// Config tunes the manager.
type Config struct {
	// Timeout is the per-action countdown. Zero means DefaultTimeout.
	Timeout time.Duration
	// AutoConfirm transitions an expiring countdown to confirmed instead
	// of expired, where the safety gate permitted it.
	AutoConfirm bool
}

// Resolution is the outcome of a confirm/reject call.
type Resolution struct {
	Status actions.Status `json:"status"`
	// AlreadyResolved is set when the action was terminal before this
	// call; the status above is the existing terminal state.
	AlreadyResolved bool `json:"already_resolved"`
}

type pendingEntry struct {
	action           *actions.Action
	timer            *time.Timer
	autoConfirmation bool
}

// Manager tracks actions awaiting confirmation. All state transitions
// happen under one mutex; the countdown callback and explicit resolve
// calls race safely because whichever runs second finds the entry gone
// and backs off.
type Manager struct {
	mu         sync.Mutex
	store      actions.ActionStore
	dispatcher Dispatcher
	cfg        Config
	pending    map[string]*pendingEntry
}

// NewManager creates a confirmation manager.
func NewManager(store actions.ActionStore, dispatcher Dispatcher, cfg Config) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Manager{
		store:      store,
		dispatcher: dispatcher,
		cfg:        cfg,
		pending:    make(map[string]*pendingEntry),
	}
}

// Hold registers an action in requires_confirmation and starts its
// countdown. autoConfirmAllowed comes from the safety gate: high-safety
// actions never auto-confirm, so their countdown always expires terminal.
func (m *Manager) Hold(a *actions.Action, autoConfirmAllowed bool) error {
	if a.Status != actions.StatusRequiresConfirmation {
		return fmt.Errorf("action %s is %s, not %s", a.ID, a.Status, actions.StatusRequiresConfirmation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pending[a.ID]; exists {
		return fmt.Errorf("action %s is already held", a.ID)
	}

	entry := &pendingEntry{
		action:           a,
		autoConfirmation: autoConfirmAllowed && m.cfg.AutoConfirm,
	}
	id := a.ID
	entry.timer = time.AfterFunc(m.cfg.Timeout, func() { m.expire(id) })
	m.pending[id] = entry
	return nil
}

// Pending returns the number of actions awaiting confirmation.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Resolve applies an explicit confirm or reject. First call wins;
// subsequent calls (or calls racing a fired countdown) return the
// existing terminal state with AlreadyResolved set and never re-trigger
// execution.
func (m *Manager) Resolve(id string, approve bool) (Resolution, error) {
	m.mu.Lock()
	entry, exists := m.pending[id]
	if !exists {
		m.mu.Unlock()
		return m.resolvedState(id)
	}

	delete(m.pending, id)
	entry.timer.Stop()

	target := actions.StatusRejected
	if approve {
		target = actions.StatusConfirmed
	}
	res, err := m.finalize(entry.action, target)
	m.mu.Unlock()
	return res, err
}

// expire fires when a countdown lapses. A no-op if the action was
// resolved in the meantime.
func (m *Manager) expire(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.pending[id]
	if !exists {
		return
	}
	delete(m.pending, id)

	target := actions.StatusExpired
	if entry.autoConfirmation {
		target = actions.StatusConfirmed
	}
	_, _ = m.finalize(entry.action, target)
}

// finalize transitions the held action and, on confirmation, hands it to
// the dispatcher. Caller holds the mutex.
func (m *Manager) finalize(a *actions.Action, target actions.Status) (Resolution, error) {
	if err := a.Transition(target); err != nil {
		return Resolution{}, err
	}
	if target == actions.StatusConfirmed {
		now := time.Now()
		a.ConfirmedAt = &now
	}
	if err := m.store.Update(a); err != nil {
		return Resolution{}, fmt.Errorf("failed to persist resolution: %w", err)
	}
	if target == actions.StatusConfirmed && m.dispatcher != nil {
		if err := m.dispatcher.Enqueue(a); err != nil {
			// Confirmed is not terminal; a failed dispatch fails the
			// action instead of stranding it.
			a.Error = fmt.Sprintf("dispatch failed: %v", err)
			if terr := a.Transition(actions.StatusExecuting); terr == nil {
				_ = a.Transition(actions.StatusFailed)
			}
			if uerr := m.store.Update(a); uerr != nil {
				return Resolution{}, fmt.Errorf("failed to persist dispatch failure: %w", uerr)
			}
			return Resolution{Status: a.Status}, fmt.Errorf("failed to dispatch confirmed action: %w", err)
		}
	}
	return Resolution{Status: target}, nil
}

// resolvedState reports the terminal state of an action that is no longer
// held, keeping Resolve idempotent from the caller's perspective.
func (m *Manager) resolvedState(id string) (Resolution, error) {
	a, err := m.store.Get(id)
	if err != nil {
		return Resolution{}, err
	}
	switch a.Status {
	case actions.StatusRequiresConfirmation:
		// Persisted as pending confirmation but held by nobody: the
		// manager lost it (e.g. process restart). Surface as a conflict.
		return Resolution{}, fmt.Errorf("action %s has no active confirmation", id)
	case actions.StatusPending, actions.StatusExecuting:
		return Resolution{}, fmt.Errorf("action %s is not awaiting confirmation", id)
	default:
		return Resolution{Status: a.Status, AlreadyResolved: true}, nil
	}
}

// Shutdown cancels all countdowns without resolving the held actions.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, entry := range m.pending {
		entry.timer.Stop()
		delete(m.pending, id)
	}
}
