package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/liamcoop/sentinel/rules"
)

func matchedResult() rules.MatchResult {
	return rules.MatchResult{Matched: true, Detail: "keyword \"TSLA\" found"}
}

func TestScoreUnmatched(t *testing.T) {
	rule := &rules.Rule{ID: "r1", Urgency: 8}

	d := Score(rules.MatchResult{Matched: false, Detail: "no keyword matched"}, rule, nil)

	assert.Equal(t, "r1", d.RuleID)
	assert.Zero(t, d.Confidence)
	assert.False(t, d.ActionRequired)
}

func TestScoreExactMatchFullConfidence(t *testing.T) {
	rule := &rules.Rule{ID: "r1", Urgency: 7}

	d := Score(matchedResult(), rule, nil)

	assert.Equal(t, 1.0, d.Confidence)
	assert.Equal(t, 7, d.Urgency)
	assert.Equal(t, "keyword \"TSLA\" found", d.Reason)
	assert.True(t, d.ActionRequired)
}

func TestScoreZeroUrgencyKept(t *testing.T) {
	// Urgency 0 is a deliberate rule setting, not an absent one; scoring
	// must not substitute a default.
	rule := &rules.Rule{ID: "r1", Urgency: 0}

	d := Score(matchedResult(), rule, nil)

	assert.Equal(t, 0, d.Urgency)
	assert.True(t, d.ActionRequired)
}

func TestScoreSignalOverrides(t *testing.T) {
	rule := &rules.Rule{ID: "r1", Urgency: 3}
	sig := &Signal{Confidence: 0.85, Urgency: 9, Reason: "llm flagged spike"}

	d := Score(matchedResult(), rule, sig)

	assert.Equal(t, 0.85, d.Confidence)
	assert.Equal(t, 9, d.Urgency)
	assert.Equal(t, "llm flagged spike", d.Reason)
	assert.True(t, d.ActionRequired)
}

func TestScoreSignalPartialOverride(t *testing.T) {
	rule := &rules.Rule{ID: "r1", Urgency: 3}
	sig := &Signal{Confidence: 0.9}

	d := Score(matchedResult(), rule, sig)

	// Unset signal fields fall back to rule values.
	assert.Equal(t, 3, d.Urgency)
	assert.Equal(t, "keyword \"TSLA\" found", d.Reason)
}

func TestScoreSignalClamped(t *testing.T) {
	rule := &rules.Rule{ID: "r1"}

	high := Score(matchedResult(), rule, &Signal{Confidence: 1.7, Urgency: 99})
	assert.Equal(t, 1.0, high.Confidence)
	assert.Equal(t, 10, high.Urgency)

	low := Score(matchedResult(), rule, &Signal{Confidence: -0.5})
	assert.Equal(t, 0.0, low.Confidence)
	assert.False(t, low.ActionRequired)
}

func TestScoreLowSignalNotActionable(t *testing.T) {
	rule := &rules.Rule{ID: "r1"}

	d := Score(matchedResult(), rule, &Signal{Confidence: 0.3})

	assert.Equal(t, 0.3, d.Confidence)
	assert.False(t, d.ActionRequired)
}

func TestScoreDeterministic(t *testing.T) {
	rule := &rules.Rule{ID: "r1", Urgency: 6}
	sig := &Signal{Confidence: 0.8, Urgency: 4, Reason: "x"}

	first := Score(matchedResult(), rule, sig)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Score(matchedResult(), rule, sig))
	}
}
