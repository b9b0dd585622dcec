package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Engine manages rule lifecycle and evaluation. Expression conditions are
// compiled to CEL programs at save time and cached; the four closed
// condition variants evaluate directly. Thread-safe for concurrent reads
// and compilation (RWMutex over the program map); each evaluation pass
// works on rule snapshots, so concurrent edits take effect on the next
// pass instead of tearing a running one.
type Engine struct {
	env      *cel.Env
	store    RuleStore
	cache    RulesCache             // cache for enabled rules list
	programs map[string]cel.Program // ruleID -> compiled expression program
	mu       sync.RWMutex
}

// NewEngine creates a rules engine with a CEL environment exposing the
// data point as dynamic variables.
func NewEngine(store RuleStore) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("fields", cel.DynType),
		cel.Variable("source", cel.StringType),
		cel.Variable("timestamp", cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	en := &Engine{
		env:      env,
		store:    store,
		cache:    NewInMemoryRulesCache(DefaultCacheConfig()),
		programs: make(map[string]cel.Program),
	}

	if err := en.compileAllRules(); err != nil {
		return nil, fmt.Errorf("failed to compile rules: %w", err)
	}

	return en, nil
}

// Store exposes the underlying rule store for statistics bookkeeping.
func (en *Engine) Store() RuleStore {
	return en.store
}

// compileExpression compiles an expression condition to a CEL program.
func (en *Engine) compileExpression(ruleID, expr string) error {
	ast, issues := en.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("compile error: %w", issues.Err())
	}

	// Cost limit prevents resource exhaustion from runaway expressions.
	prog, err := en.env.Program(ast, cel.CostLimit(1000000))
	if err != nil {
		return fmt.Errorf("program creation error: %w", err)
	}

	en.mu.Lock()
	en.programs[ruleID] = prog
	en.mu.Unlock()

	return nil
}

// compileAllRules compiles every enabled expression rule from the store
// and primes the enabled-rules cache.
func (en *Engine) compileAllRules() error {
	all, err := en.store.ListEnabled()
	if err != nil {
		return err
	}

	for _, rule := range all {
		if rule.Condition.Type != ConditionExpression {
			continue
		}
		if err := en.compileExpression(rule.ID, rule.Condition.Expr); err != nil {
			return fmt.Errorf("failed to compile rule %s: %w", rule.ID, err)
		}
	}

	en.cache.Set(all)
	return nil
}

// AddRule validates a rule, compiles its expression if it has one, and
// stores it. Validation failures and CEL compile errors are
// construction-time errors; nothing malformed ever reaches evaluation.
func (en *Engine) AddRule(r *Rule) error {
	if _, err := en.store.Get(r.ID); err == nil {
		return fmt.Errorf("rule with ID %s already exists", r.ID)
	}

	if err := ValidateRule(r); err != nil {
		return fmt.Errorf("rule validation failed: %w", err)
	}

	if r.Condition.Type == ConditionExpression {
		if err := en.compileExpression(r.ID, r.Condition.Expr); err != nil {
			return fmt.Errorf("rule validation failed: %w", err)
		}
	}

	if err := en.store.Add(r); err != nil {
		// Remove from compiled programs if store fails
		en.mu.Lock()
		delete(en.programs, r.ID)
		en.mu.Unlock()
		return err
	}

	en.cache.Invalidate()
	return nil
}

// UpdateRule validates and updates an existing rule, recompiling its
// expression. The swapped program takes effect on the next evaluation
// pass.
func (en *Engine) UpdateRule(r *Rule) error {
	if err := ValidateRule(r); err != nil {
		return fmt.Errorf("rule validation failed: %w", err)
	}

	if r.Condition.Type == ConditionExpression {
		if err := en.compileExpression(r.ID, r.Condition.Expr); err != nil {
			return fmt.Errorf("rule validation failed: %w", err)
		}
	}

	if err := en.store.Update(r); err != nil {
		return err
	}

	if r.Condition.Type != ConditionExpression {
		en.mu.Lock()
		delete(en.programs, r.ID)
		en.mu.Unlock()
	}

	en.cache.Invalidate()
	return nil
}

// DeleteRule removes a rule from the store and compiled programs.
func (en *Engine) DeleteRule(ruleID string) error {
	if err := en.store.Delete(ruleID); err != nil {
		return err
	}

	en.mu.Lock()
	delete(en.programs, ruleID)
	en.mu.Unlock()

	en.cache.Invalidate()
	return nil
}

// EvaluateRule evaluates a single rule snapshot against a data point.
func (en *Engine) EvaluateRule(rule *Rule, dp DataPoint) (MatchResult, error) {
	if rule.Condition.Type != ConditionExpression {
		return Evaluate(rule.Condition, dp)
	}

	en.mu.RLock()
	prog, exists := en.programs[rule.ID]
	en.mu.RUnlock()

	if !exists {
		return MatchResult{}, fmt.Errorf("rule %s is not compiled", rule.ID)
	}

	return evalProgram(prog, dp)
}

// evalProgram runs a compiled expression against a data point.
func evalProgram(prog cel.Program, dp DataPoint) (MatchResult, error) {
	out, _, err := prog.Eval(map[string]any{
		"fields":    dp.Fields,
		"source":    dp.Source,
		"timestamp": dp.Timestamp,
	})
	if err != nil {
		return MatchResult{}, fmt.Errorf("expression evaluation failed: %w", err)
	}

	matched := false
	if boolVal, ok := out.Value().(bool); ok {
		matched = boolVal
	}

	detail := fmt.Sprintf("expression matched=%v", matched)
	return MatchResult{
		Matched: matched,
		Detail:  detail,
		Checks:  []ConditionCheck{{Type: ConditionExpression, Matched: matched, Detail: detail}},
	}, nil
}

// TestRule evaluates a rule that may not be saved, compiling its
// expression ad hoc without touching the program cache. Used for rule
// dry runs.
func (en *Engine) TestRule(rule *Rule, dp DataPoint) (MatchResult, error) {
	if rule.Condition.Type != ConditionExpression {
		return Evaluate(rule.Condition, dp)
	}

	ast, issues := en.env.Compile(rule.Condition.Expr)
	if issues != nil && issues.Err() != nil {
		return MatchResult{}, fmt.Errorf("compile error: %w", issues.Err())
	}
	prog, err := en.env.Program(ast, cel.CostLimit(1000000))
	if err != nil {
		return MatchResult{}, fmt.Errorf("program creation error: %w", err)
	}
	return evalProgram(prog, dp)
}

// EvaluateAll evaluates every enabled rule against the data point. A
// faulting rule yields a RuleMatch with Err set and evaluation continues;
// the caller decides how to account the fault.
func (en *Engine) EvaluateAll(dp DataPoint) ([]RuleMatch, error) {
	enabled := en.cache.Get()
	if enabled == nil {
		var err error
		enabled, err = en.store.ListEnabled()
		if err != nil {
			return nil, err
		}
		en.cache.Set(enabled)
	}

	results := make([]RuleMatch, 0, len(enabled))
	for _, rule := range enabled {
		snapshot := rule.Clone()
		res, err := en.EvaluateRule(snapshot, dp)
		results = append(results, RuleMatch{Rule: snapshot, Result: res, Err: err})
	}
	return results, nil
}
