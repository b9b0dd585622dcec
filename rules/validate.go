package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
)

const maxCompositeDepth = 10

var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ValidateRule checks that a rule's condition and action are recognized,
// well-formed variants. Violations are construction-time errors; a rule
// that passes here cannot produce an unknown-variant fault at evaluation
// time. Expression conditions are only shape-checked here; CEL compilation
// happens in the engine, which also rejects bad expressions at save time.
func ValidateRule(r *Rule) error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("rule name is required")
	}
	if err := ValidateCondition(r.Condition, 0); err != nil {
		return fmt.Errorf("invalid condition: %w", err)
	}
	if err := validateAction(r.Action); err != nil {
		return fmt.Errorf("invalid action: %w", err)
	}
	switch r.SafetyLevel {
	case SafetyLow, SafetyMedium, SafetyHigh:
	case "":
		// Filled from policy default by the caller.
	default:
		return fmt.Errorf("unknown safety level %q", r.SafetyLevel)
	}
	if r.Urgency < 0 || r.Urgency > 10 {
		return fmt.Errorf("urgency %d out of range [0,10]", r.Urgency)
	}
	if r.Schedule != "" {
		if _, err := scheduleParser.Parse(r.Schedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", r.Schedule, err)
		}
	}
	return nil
}

// ValidateCondition rejects malformed condition variants: empty keyword
// sets, between without value2, invalid regexes, empty composites, and
// unknown types.
func ValidateCondition(c Condition, depth int) error {
	if depth > maxCompositeDepth {
		return fmt.Errorf("condition nesting exceeds depth %d", maxCompositeDepth)
	}

	switch c.Type {
	case ConditionKeyword:
		if len(c.Keywords) == 0 {
			return fmt.Errorf("keyword condition requires at least one keyword")
		}
		for _, kw := range c.Keywords {
			if strings.TrimSpace(kw) == "" {
				return fmt.Errorf("keyword condition contains an empty keyword")
			}
		}
	case ConditionThreshold:
		if c.Field == "" {
			return fmt.Errorf("threshold condition requires a field")
		}
		switch c.Operator {
		case OpGreaterThan, OpLessThan, OpEqual, OpNotEqual:
		case OpBetween:
			if c.Value2 == nil {
				return fmt.Errorf("between operator requires value2")
			}
			if *c.Value2 < c.Value {
				return fmt.Errorf("between requires value <= value2")
			}
		default:
			return fmt.Errorf("unknown threshold operator %q", c.Operator)
		}
	case ConditionPattern:
		if c.Pattern == "" {
			return fmt.Errorf("pattern condition requires a regex")
		}
		if _, err := regexp.Compile("(?i)" + c.Pattern); err != nil {
			return fmt.Errorf("invalid regex %q: %w", c.Pattern, err)
		}
	case ConditionComposite:
		if c.Op != CompositeAnd && c.Op != CompositeOr {
			return fmt.Errorf("unknown composite op %q", c.Op)
		}
		if len(c.Children) == 0 {
			return fmt.Errorf("composite condition requires at least one child")
		}
		for i, child := range c.Children {
			if child.Type == ConditionExpression {
				return fmt.Errorf("expression conditions cannot be nested in a composite")
			}
			if err := ValidateCondition(child, depth+1); err != nil {
				return fmt.Errorf("child %d: %w", i, err)
			}
		}
	case ConditionExpression:
		if strings.TrimSpace(c.Expr) == "" {
			return fmt.Errorf("expression condition requires an expression")
		}
	default:
		return fmt.Errorf("unknown condition type %q", c.Type)
	}
	return nil
}

func validateAction(a ActionSpec) error {
	known := false
	for _, t := range KnownActionTypes {
		if a.Type == t {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	if a.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts cannot be negative")
	}
	if a.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	return nil
}
