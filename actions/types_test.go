package actions

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransitionLegalEdges(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusPending, StatusExecuting},
		{StatusRequiresConfirmation, StatusConfirmed},
		{StatusRequiresConfirmation, StatusRejected},
		{StatusRequiresConfirmation, StatusExpired},
		{StatusConfirmed, StatusExecuting},
		{StatusExecuting, StatusExecuted},
		{StatusExecuting, StatusFailed},
		{StatusFailed, StatusExecuting}, // retry
	}

	for _, e := range legal {
		assert.True(t, CanTransition(e.from, e.to), "%s -> %s should be legal", e.from, e.to)
	}
}

func TestCanTransitionIllegalEdges(t *testing.T) {
	illegal := []struct{ from, to Status }{
		{StatusPending, StatusExecuted},
		{StatusPending, StatusConfirmed},
		{StatusRequiresConfirmation, StatusExecuting},
		{StatusExecuted, StatusExecuting},
		{StatusExecuted, StatusFailed},
		{StatusRejected, StatusConfirmed},
		{StatusRejected, StatusExecuting},
		{StatusExpired, StatusConfirmed},
		{StatusConfirmed, StatusRejected},
	}

	for _, e := range illegal {
		assert.False(t, CanTransition(e.from, e.to), "%s -> %s should be illegal", e.from, e.to)
	}
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, Terminal(StatusExecuted))
	assert.True(t, Terminal(StatusRejected))
	assert.True(t, Terminal(StatusExpired))
	assert.True(t, Terminal(StatusFailed))

	assert.False(t, Terminal(StatusPending))
	assert.False(t, Terminal(StatusRequiresConfirmation))
	assert.False(t, Terminal(StatusConfirmed))
	assert.False(t, Terminal(StatusExecuting))
}

func TestTransitionEnforcesGraph(t *testing.T) {
	a := &Action{ID: "a1", Status: StatusPending}

	assert.NoError(t, a.Transition(StatusExecuting))
	assert.Equal(t, StatusExecuting, a.Status)

	err := a.Transition(StatusConfirmed)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StatusExecuting, a.Status, "failed transition must not change state")
}

func TestTransitionFullLifecycles(t *testing.T) {
	t.Run("direct execution", func(t *testing.T) {
		a := &Action{Status: StatusPending}
		assert.NoError(t, a.Transition(StatusExecuting))
		assert.NoError(t, a.Transition(StatusExecuted))
	})

	t.Run("confirmed execution", func(t *testing.T) {
		a := &Action{Status: StatusRequiresConfirmation}
		assert.NoError(t, a.Transition(StatusConfirmed))
		assert.NoError(t, a.Transition(StatusExecuting))
		assert.NoError(t, a.Transition(StatusExecuted))
	})

	t.Run("retry after failure", func(t *testing.T) {
		a := &Action{Status: StatusPending}
		assert.NoError(t, a.Transition(StatusExecuting))
		assert.NoError(t, a.Transition(StatusFailed))
		assert.NoError(t, a.Transition(StatusExecuting))
		assert.NoError(t, a.Transition(StatusExecuted))
	})

	t.Run("rejection is final", func(t *testing.T) {
		a := &Action{Status: StatusRequiresConfirmation}
		assert.NoError(t, a.Transition(StatusRejected))
		assert.Error(t, a.Transition(StatusExecuting))
		assert.Error(t, a.Transition(StatusConfirmed))
	})
}
