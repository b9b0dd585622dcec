package actions

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned when an action ID does not exist.
var ErrNotFound = errors.New("action not found")

// ActionStore is the durable record of every action the engine admitted,
// in whatever state it ended up. Source of the audit history.
type ActionStore interface {
	// Add records a newly created action.
	Add(a *Action) error

	// Get retrieves an action by ID.
	Get(id string) (*Action, error)

	// Update persists the action's current state.
	Update(a *Action) error

	// History returns the most recent actions, newest first.
	History(limit int) ([]*Action, error)
}

// DefaultMemoryLimit bounds the in-memory action history.
const DefaultMemoryLimit = 1000

// MemoryActionStore keeps a bounded ring of recent actions. When the
// limit is reached the oldest action is evicted.
type MemoryActionStore struct {
	mu    sync.RWMutex
	byID  map[string]*Action
	order []string
	limit int
}

// NewMemoryActionStore creates a bounded in-memory action store. A
// non-positive limit falls back to DefaultMemoryLimit.
func NewMemoryActionStore(limit int) *MemoryActionStore {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	return &MemoryActionStore{
		byID:  make(map[string]*Action),
		limit: limit,
	}
}

// Add records a new action, evicting the oldest when over the limit.
func (s *MemoryActionStore) Add(a *Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[a.ID]; exists {
		return fmt.Errorf("action with ID %s already exists", a.ID)
	}

	if len(s.order) >= s.limit {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.byID, oldest)
	}

	s.byID[a.ID] = clone(a)
	s.order = append(s.order, a.ID)
	return nil
}

// Get retrieves a copy of an action by ID.
func (s *MemoryActionStore) Get(id string) (*Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, exists := s.byID[id]
	if !exists {
		return nil, fmt.Errorf("action %s: %w", id, ErrNotFound)
	}
	return clone(a), nil
}

// Update persists the action's current state.
func (s *MemoryActionStore) Update(a *Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[a.ID]; !exists {
		return fmt.Errorf("action %s: %w", a.ID, ErrNotFound)
	}
	s.byID[a.ID] = clone(a)
	return nil
}

// History returns the most recent actions, newest first.
func (s *MemoryActionStore) History(limit int) ([]*Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.order) {
		limit = len(s.order)
	}

	out := make([]*Action, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, clone(s.byID[s.order[i]]))
	}
	return out, nil
}

func clone(a *Action) *Action {
	cp := *a
	if a.Parameters != nil {
		cp.Parameters = make(map[string]any, len(a.Parameters))
		for k, v := range a.Parameters {
			cp.Parameters[k] = v
		}
	}
	if a.Result != nil {
		cp.Result = make(map[string]any, len(a.Result))
		for k, v := range a.Result {
			cp.Result[k] = v
		}
	}
	if a.ConfirmedAt != nil {
		t := *a.ConfirmedAt
		cp.ConfirmedAt = &t
	}
	if a.ExecutedAt != nil {
		t := *a.ExecutedAt
		cp.ExecutedAt = &t
	}
	return &cp
}
