package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/sentinel/confirm"
	"github.com/liamcoop/sentinel/rules"
)

func scheduledRule(id, spec string) *rules.Rule {
	r := keywordRule(id, rules.SafetyLow)
	r.Condition = rules.Condition{Type: rules.ConditionExpression, Expr: `source == "schedule"`}
	r.Schedule = spec
	return r
}

func TestSchedulerRefreshReconciles(t *testing.T) {
	h := newHarness(t, confirm.Config{Timeout: time.Minute})
	s := NewScheduler(h.pipeline, h.ruleStore)

	require.NoError(t, h.engine.AddRule(scheduledRule("r1", "* * * * *")))
	require.NoError(t, h.engine.AddRule(keywordRule("r2", rules.SafetyLow))) // unscheduled

	require.NoError(t, s.Refresh())
	assert.Len(t, s.entries, 1)
	assert.Contains(t, s.entries, "r1")

	// Disabling the rule drops its entry on the next refresh.
	r1, err := h.ruleStore.Get("r1")
	require.NoError(t, err)
	r1.Enabled = false
	require.NoError(t, h.ruleStore.Update(r1))

	require.NoError(t, s.Refresh())
	assert.Empty(t, s.entries)
}

func TestSchedulerRefreshReplacesChangedSchedule(t *testing.T) {
	h := newHarness(t, confirm.Config{Timeout: time.Minute})
	s := NewScheduler(h.pipeline, h.ruleStore)

	require.NoError(t, h.engine.AddRule(scheduledRule("r1", "* * * * *")))
	require.NoError(t, s.Refresh())
	first := s.entries["r1"]

	r1, err := h.ruleStore.Get("r1")
	require.NoError(t, err)
	r1.Schedule = "*/5 * * * *"
	require.NoError(t, h.ruleStore.Update(r1))

	require.NoError(t, s.Refresh())
	assert.NotEqual(t, first, s.entries["r1"], "changed schedule re-registers the entry")
}

func TestSchedulerTickRunsRuleThroughPipeline(t *testing.T) {
	h := newHarness(t, confirm.Config{Timeout: time.Minute})
	s := NewScheduler(h.pipeline, h.ruleStore)

	require.NoError(t, h.engine.AddRule(scheduledRule("r1", "* * * * *")))

	s.tick("r1")

	history, err := h.actionStore.History(10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "r1", history[0].RuleID)
}

func TestSchedulerStartStop(t *testing.T) {
	h := newHarness(t, confirm.Config{Timeout: time.Minute})
	s := NewScheduler(h.pipeline, h.ruleStore)

	require.NoError(t, h.engine.AddRule(scheduledRule("r1", "* * * * *")))
	require.NoError(t, s.Start())
	assert.Len(t, s.entries, 1)
	s.Stop()
}
