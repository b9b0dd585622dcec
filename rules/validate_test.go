package rules

import (
	"testing"
)

func validRule() *Rule {
	return &Rule{
		ID:   "r1",
		Name: "test rule",
		Condition: Condition{
			Type:     ConditionKeyword,
			Keywords: []string{"TSLA"},
		},
		Action: ActionSpec{
			Type:       ActionAlert,
			Parameters: map[string]any{"message": "hi"},
		},
		SafetyLevel: SafetyLow,
	}
}

func TestValidateRuleAcceptsValid(t *testing.T) {
	if err := ValidateRule(validRule()); err != nil {
		t.Errorf("valid rule rejected: %v", err)
	}
}

func TestValidateRuleRejections(t *testing.T) {
	v2low := 5.0
	testCases := []struct {
		name   string
		mutate func(*Rule)
	}{
		{"empty name", func(r *Rule) { r.Name = "  " }},
		{"no keywords", func(r *Rule) { r.Condition = Condition{Type: ConditionKeyword} }},
		{"blank keyword", func(r *Rule) { r.Condition = Condition{Type: ConditionKeyword, Keywords: []string{" "}} }},
		{"threshold without field", func(r *Rule) {
			r.Condition = Condition{Type: ConditionThreshold, Operator: OpGreaterThan, Value: 1}
		}},
		{"unknown operator", func(r *Rule) {
			r.Condition = Condition{Type: ConditionThreshold, Field: "x", Operator: "gte", Value: 1}
		}},
		{"between without value2", func(r *Rule) {
			r.Condition = Condition{Type: ConditionThreshold, Field: "x", Operator: OpBetween, Value: 1}
		}},
		{"between inverted range", func(r *Rule) {
			r.Condition = Condition{Type: ConditionThreshold, Field: "x", Operator: OpBetween, Value: 10, Value2: &v2low}
		}},
		{"empty pattern", func(r *Rule) { r.Condition = Condition{Type: ConditionPattern} }},
		{"invalid regex", func(r *Rule) { r.Condition = Condition{Type: ConditionPattern, Pattern: "("} }},
		{"composite without children", func(r *Rule) {
			r.Condition = Condition{Type: ConditionComposite, Op: CompositeAnd}
		}},
		{"composite unknown op", func(r *Rule) {
			r.Condition = Condition{Type: ConditionComposite, Op: "XOR", Children: []Condition{{Type: ConditionKeyword, Keywords: []string{"a"}}}}
		}},
		{"nested expression in composite", func(r *Rule) {
			r.Condition = Condition{Type: ConditionComposite, Op: CompositeAnd, Children: []Condition{
				{Type: ConditionExpression, Expr: "true"},
			}}
		}},
		{"empty expression", func(r *Rule) { r.Condition = Condition{Type: ConditionExpression, Expr: "  "} }},
		{"unknown condition type", func(r *Rule) { r.Condition = Condition{Type: "fuzzy"} }},
		{"unknown action type", func(r *Rule) { r.Action.Type = "launch_missiles" }},
		{"negative retries", func(r *Rule) { r.Action.RetryAttempts = -1 }},
		{"negative delay", func(r *Rule) { r.Action.Delay = -1 }},
		{"unknown safety level", func(r *Rule) { r.SafetyLevel = "extreme" }},
		{"urgency too high", func(r *Rule) { r.Urgency = 11 }},
		{"bad schedule", func(r *Rule) { r.Schedule = "every 5 minutes" }},
		{"six field schedule", func(r *Rule) { r.Schedule = "* * * * * *" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := validRule()
			tc.mutate(r)
			if err := ValidateRule(r); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestValidateRuleAcceptsSchedule(t *testing.T) {
	r := validRule()
	r.Schedule = "*/5 * * * *"
	if err := ValidateRule(r); err != nil {
		t.Errorf("five-field cron schedule rejected: %v", err)
	}
}

func TestValidateConditionDepthLimit(t *testing.T) {
	// Build a chain deeper than the limit.
	leaf := Condition{Type: ConditionKeyword, Keywords: []string{"x"}}
	c := leaf
	for i := 0; i < maxCompositeDepth+1; i++ {
		c = Condition{Type: ConditionComposite, Op: CompositeAnd, Children: []Condition{c}}
	}

	if err := ValidateCondition(c, 0); err == nil {
		t.Error("over-deep composite should be rejected")
	}
}

func TestValidateRuleEmptySafetyLevelAllowed(t *testing.T) {
	r := validRule()
	r.SafetyLevel = ""
	if err := ValidateRule(r); err != nil {
		t.Errorf("empty safety level should defer to the policy default: %v", err)
	}
}
