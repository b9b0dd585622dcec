package rules

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a rule ID does not exist.
var ErrNotFound = errors.New("rule not found")

// RuleStore manages rule persistence and statistics bookkeeping.
type RuleStore interface {
	// Add a new rule.
	Add(rule *Rule) error

	// Get a rule by ID.
	Get(id string) (*Rule, error)

	// List all rules.
	List() ([]*Rule, error)

	// ListEnabled returns all enabled rules.
	ListEnabled() ([]*Rule, error)

	// Update an existing rule.
	Update(rule *Rule) error

	// Delete a rule. Hard delete.
	Delete(id string) error

	// RecordTrigger increments trigger_count and stamps last_triggered.
	RecordTrigger(id string, at time.Time) error

	// RecordExecution increments executed_count and recomputes
	// success_rate as executed over triggered.
	RecordExecution(id string) error

	// RecordError increments error_count. Evaluation and handler faults
	// only; policy rejections never land here.
	RecordError(id string) error
}

// InMemoryRuleStore implements RuleStore using an in-memory map. Values
// are copied on the way in and out, so callers always see a snapshot.
type InMemoryRuleStore struct {
	rules map[string]*Rule
	mu    sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store.
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]*Rule),
	}
}

// Add adds a new rule, enforcing unique IDs and stamping timestamps.
func (s *InMemoryRuleStore) Add(rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule with ID %s already exists", rule.ID)
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.rules[rule.ID] = rule.Clone()
	return nil
}

// Get retrieves a copy of a rule by ID.
func (s *InMemoryRuleStore) Get(id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return rule.Clone(), nil
}

// List returns copies of all rules, ordered by creation time.
func (s *InMemoryRuleStore) List() ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*Rule, 0, len(s.rules))
	for _, rule := range s.rules {
		all = append(all, rule.Clone())
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return all, nil
}

// ListEnabled returns copies of all enabled rules.
func (s *InMemoryRuleStore) ListEnabled() ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var enabled []*Rule
	for _, rule := range s.rules {
		if rule.Enabled {
			enabled = append(enabled, rule.Clone())
		}
	}
	sort.Slice(enabled, func(i, j int) bool { return enabled[i].CreatedAt.Before(enabled[j].CreatedAt) })
	return enabled, nil
}

// Update replaces an existing rule, preserving CreatedAt and stats.
func (s *InMemoryRuleStore) Update(rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrNotFound)
	}

	cp := rule.Clone()
	cp.CreatedAt = existing.CreatedAt
	cp.Stats = existing.Stats
	cp.UpdatedAt = time.Now()
	s.rules[rule.ID] = cp
	rule.CreatedAt = cp.CreatedAt
	rule.UpdatedAt = cp.UpdatedAt
	return nil
}

// Delete removes a rule from the store.
func (s *InMemoryRuleStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}

	delete(s.rules, id)
	return nil
}

// RecordTrigger increments trigger_count and stamps last_triggered.
func (s *InMemoryRuleStore) RecordTrigger(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[id]
	if !exists {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	rule.Stats.TriggerCount++
	rule.Stats.LastTriggered = &at
	rule.Stats.SuccessRate = successRate(rule.Stats)
	return nil
}

// RecordExecution increments executed_count and recomputes success_rate.
func (s *InMemoryRuleStore) RecordExecution(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[id]
	if !exists {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	rule.Stats.ExecutedCount++
	rule.Stats.SuccessRate = successRate(rule.Stats)
	return nil
}

// RecordError increments error_count.
func (s *InMemoryRuleStore) RecordError(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[id]
	if !exists {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	rule.Stats.ErrorCount++
	return nil
}

func successRate(st Stats) float64 {
	if st.TriggerCount == 0 {
		return 0
	}
	return float64(st.ExecutedCount) / float64(st.TriggerCount)
}
