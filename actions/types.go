// Package actions holds the action model, its status state machine, and
// the durable action store used for audit history.
package actions

import (
	"errors"
	"fmt"
	"time"

	"github.com/liamcoop/sentinel/rules"
)

// Status is an action's lifecycle state.
type Status string

const (
	StatusPending              Status = "pending"
	StatusRequiresConfirmation Status = "requires_confirmation"
	StatusConfirmed            Status = "confirmed"
	StatusRejected             Status = "rejected"
	StatusExpired              Status = "expired"
	StatusExecuting            Status = "executing"
	StatusExecuted             Status = "executed"
	StatusFailed               Status = "failed"
)

// ErrInvalidTransition is returned for a transition outside the legal
// graph, including any transition out of a terminal state.
var ErrInvalidTransition = errors.New("invalid status transition")

// legalTransitions is the combined confirmation and execution state
// machine. failed -> executing covers retries; the executor marks failed
// terminal by simply not transitioning again once the retry budget is
// spent.
var legalTransitions = map[Status][]Status{
	StatusPending:              {StatusExecuting},
	StatusRequiresConfirmation: {StatusConfirmed, StatusRejected, StatusExpired},
	StatusConfirmed:            {StatusExecuting},
	StatusExecuting:            {StatusExecuted, StatusFailed},
	StatusFailed:               {StatusExecuting},
}

// Terminal reports whether no further transition is expected from s once
// the pipeline is done with it. failed is conditionally terminal: it only
// leaves via a retry.
func Terminal(s Status) bool {
	switch s {
	case StatusExecuted, StatusRejected, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Action is the unit of autonomous effect. Owned exclusively by the
// confirmation/executor pipeline from creation to terminal state; nothing
// else mutates it.
type Action struct {
	ID            string           `json:"id"`
	RuleID        string           `json:"rule_id"`
	Type          rules.ActionType `json:"type"`
	Parameters    map[string]any   `json:"parameters"`
	Status        Status           `json:"status"`
	Delay         time.Duration    `json:"-"`
	RetryAttempts int              `json:"retry_attempts"`
	Attempts      int              `json:"attempts"`
	CreatedAt     time.Time        `json:"created_at"`
	ConfirmedAt   *time.Time       `json:"confirmed_at,omitempty"`
	ExecutedAt    *time.Time       `json:"executed_at,omitempty"`
	Result        map[string]any   `json:"result,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// Transition moves the action to a new status, enforcing the legal graph.
func (a *Action) Transition(to Status) error {
	if !CanTransition(a.Status, to) {
		return fmt.Errorf("%s -> %s: %w", a.Status, to, ErrInvalidTransition)
	}
	a.Status = to
	return nil
}
