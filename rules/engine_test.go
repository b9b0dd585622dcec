package rules

import (
	"strings"
	"testing"
	"time"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(NewInMemoryRuleStore())
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	return engine
}

func TestNewEngine(t *testing.T) {
	engine := newTestEngine(t)
	if engine == nil {
		t.Fatal("NewEngine() should return non-nil engine")
	}
}

func TestNewEngineCompilesExistingRules(t *testing.T) {
	store := NewInMemoryRuleStore()
	rule := validRule()
	rule.Condition = Condition{Type: ConditionExpression, Expr: `fields.price > 100.0`}
	if err := store.Add(rule); err != nil {
		t.Fatalf("failed to add rule: %v", err)
	}

	engine, err := NewEngine(store)
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}

	res, err := engine.EvaluateRule(rule, dataPoint(map[string]any{"price": 150.0}))
	if err != nil {
		t.Fatalf("EvaluateRule() failed for pre-compiled rule: %v", err)
	}
	if !res.Matched {
		t.Error("expression should match")
	}
}

func TestAddRuleRejectsBadExpression(t *testing.T) {
	engine := newTestEngine(t)

	rule := validRule()
	rule.Condition = Condition{Type: ConditionExpression, Expr: `fields.price >`}

	if err := engine.AddRule(rule); err == nil {
		t.Error("malformed expression should be rejected at save time")
	}
	if _, err := engine.Store().Get(rule.ID); err == nil {
		t.Error("rejected rule must not be stored")
	}
}

func TestAddRuleRejectsDuplicateID(t *testing.T) {
	engine := newTestEngine(t)

	if err := engine.AddRule(validRule()); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}
	if err := engine.AddRule(validRule()); err == nil {
		t.Error("duplicate rule ID should be rejected")
	}
}

func TestAddRuleRejectsInvalidRule(t *testing.T) {
	engine := newTestEngine(t)

	rule := validRule()
	rule.Condition = Condition{Type: ConditionKeyword}

	if err := engine.AddRule(rule); err == nil {
		t.Error("invalid rule should be rejected")
	}
}

func TestEvaluateRuleExpressionVariables(t *testing.T) {
	engine := newTestEngine(t)

	testCases := []struct {
		name string
		expr string
		want bool
	}{
		{"field access", `fields.price > 100.0`, true},
		{"source access", `source == "test-feed"`, true},
		{"boolean logic", `fields.price > 100.0 && fields.volume > 1000.0`, true},
		{"string function", `fields.text.contains("TSLA")`, true},
		{"non-match", `fields.price > 500.0`, false},
	}

	dp := dataPoint(map[string]any{"price": 150.0, "volume": 5000.0, "text": "TSLA spike"})

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rule := validRule()
			rule.ID = "expr-" + tc.name
			rule.Condition = Condition{Type: ConditionExpression, Expr: tc.expr}
			if err := engine.AddRule(rule); err != nil {
				t.Fatalf("AddRule() failed: %v", err)
			}

			res, err := engine.EvaluateRule(rule, dp)
			if err != nil {
				t.Fatalf("EvaluateRule() failed: %v", err)
			}
			if res.Matched != tc.want {
				t.Errorf("Matched = %v, want %v", res.Matched, tc.want)
			}
		})
	}
}

func TestUpdateRuleSwapsProgram(t *testing.T) {
	engine := newTestEngine(t)

	rule := validRule()
	rule.Condition = Condition{Type: ConditionExpression, Expr: `fields.price > 100.0`}
	if err := engine.AddRule(rule); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}

	rule.Condition.Expr = `fields.price > 300.0`
	if err := engine.UpdateRule(rule); err != nil {
		t.Fatalf("UpdateRule() failed: %v", err)
	}

	res, err := engine.EvaluateRule(rule, dataPoint(map[string]any{"price": 150.0}))
	if err != nil {
		t.Fatalf("EvaluateRule() failed: %v", err)
	}
	if res.Matched {
		t.Error("updated expression should no longer match")
	}
}

func TestDeleteRuleRemovesProgram(t *testing.T) {
	engine := newTestEngine(t)

	rule := validRule()
	rule.Condition = Condition{Type: ConditionExpression, Expr: `true`}
	if err := engine.AddRule(rule); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}
	if err := engine.DeleteRule(rule.ID); err != nil {
		t.Fatalf("DeleteRule() failed: %v", err)
	}

	if _, err := engine.EvaluateRule(rule, dataPoint(nil)); err == nil {
		t.Error("deleted rule should no longer evaluate")
	}
}

func TestEvaluateAllContinuesOnFault(t *testing.T) {
	engine := newTestEngine(t)

	// An expression that compiles but faults at runtime on a missing key.
	faulty := validRule()
	faulty.ID = "faulty"
	faulty.Condition = Condition{Type: ConditionExpression, Expr: `fields.missing.deep > 1.0`}
	if err := engine.AddRule(faulty); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}

	healthy := validRule()
	healthy.ID = "healthy"
	if err := engine.AddRule(healthy); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}

	matches, err := engine.EvaluateAll(dataPoint(map[string]any{"text": "TSLA"}))
	if err != nil {
		t.Fatalf("EvaluateAll() failed: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 results, got %d", len(matches))
	}

	var faultSeen, matchSeen bool
	for _, m := range matches {
		switch m.Rule.ID {
		case "faulty":
			faultSeen = m.Err != nil
		case "healthy":
			matchSeen = m.Err == nil && m.Result.Matched
		}
	}
	if !faultSeen {
		t.Error("faulty rule should surface its error")
	}
	if !matchSeen {
		t.Error("healthy rule should still match despite the faulty one")
	}
}

func TestEvaluateAllSkipsDisabled(t *testing.T) {
	engine := newTestEngine(t)

	rule := validRule()
	rule.Enabled = false
	if err := engine.AddRule(rule); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}

	matches, err := engine.EvaluateAll(dataPoint(map[string]any{"text": "TSLA"}))
	if err != nil {
		t.Fatalf("EvaluateAll() failed: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("disabled rules must not be evaluated, got %d results", len(matches))
	}
}

func TestTestRuleDoesNotCacheProgram(t *testing.T) {
	engine := newTestEngine(t)

	rule := validRule()
	rule.ID = "dry-run"
	rule.Condition = Condition{Type: ConditionExpression, Expr: `fields.price > 100.0`}

	res, err := engine.TestRule(rule, dataPoint(map[string]any{"price": 150.0}))
	if err != nil {
		t.Fatalf("TestRule() failed: %v", err)
	}
	if !res.Matched {
		t.Error("dry run should match")
	}

	// The rule was never saved; evaluating through the cache must fail.
	if _, err := engine.EvaluateRule(rule, dataPoint(nil)); err == nil {
		t.Error("dry run must not register a compiled program")
	}
}

func TestTestRuleBadExpression(t *testing.T) {
	engine := newTestEngine(t)

	rule := validRule()
	rule.Condition = Condition{Type: ConditionExpression, Expr: `fields.price >`}

	if _, err := engine.TestRule(rule, dataPoint(nil)); err == nil {
		t.Error("bad expression should fail the dry run")
	} else if !strings.Contains(err.Error(), "compile") {
		t.Errorf("error should mention compilation, got: %v", err)
	}
}

func TestEngineEvaluationUsesSnapshots(t *testing.T) {
	engine := newTestEngine(t)

	rule := validRule()
	if err := engine.AddRule(rule); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			r := validRule()
			r.Name = "renamed"
			if err := engine.UpdateRule(r); err != nil {
				t.Errorf("UpdateRule() failed: %v", err)
				return
			}
		}
	}()

	deadline := time.After(5 * time.Second)
	for i := 0; i < 50; i++ {
		select {
		case <-deadline:
			t.Fatal("timed out")
		default:
		}
		if _, err := engine.EvaluateAll(dataPoint(map[string]any{"text": "TSLA"})); err != nil {
			t.Fatalf("EvaluateAll() failed under concurrent writes: %v", err)
		}
	}
	<-done
}
