package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
)

// eqTolerance is the float tolerance for the eq/neq threshold operators.
const eqTolerance = 0.01

// Evaluate runs a condition against a data point. It is a pure function:
// identical inputs always produce the identical MatchResult. A missing
// threshold field is a non-match with evidence, not an error; errors are
// reserved for genuine evaluation faults (malformed variants that slipped
// past validation). Expression conditions are evaluated by the Engine,
// which owns the compiled programs.
func Evaluate(c Condition, dp DataPoint) (MatchResult, error) {
	switch c.Type {
	case ConditionKeyword:
		return evalKeyword(c, dp), nil
	case ConditionThreshold:
		return evalThreshold(c, dp)
	case ConditionPattern:
		return evalPattern(c, dp)
	case ConditionComposite:
		return evalComposite(c, dp)
	case ConditionExpression:
		return MatchResult{}, fmt.Errorf("expression conditions require an engine")
	default:
		return MatchResult{}, fmt.Errorf("unknown condition type %q", c.Type)
	}
}

func evalKeyword(c Condition, dp DataPoint) MatchResult {
	corpus := strings.ToLower(textCorpus(dp))
	for _, kw := range c.Keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(corpus, strings.ToLower(kw)) {
			return MatchResult{
				Matched: true,
				Detail:  fmt.Sprintf("keyword %q found", kw),
				Checks:  []ConditionCheck{{Type: ConditionKeyword, Matched: true, Detail: fmt.Sprintf("keyword %q found", kw)}},
			}
		}
	}
	return MatchResult{
		Detail: "no keyword matched",
		Checks: []ConditionCheck{{Type: ConditionKeyword, Detail: "no keyword matched"}},
	}
}

func evalThreshold(c Condition, dp DataPoint) (MatchResult, error) {
	val, ok := numericField(dp.Fields, c.Field)
	if !ok {
		detail := fmt.Sprintf("field %q missing or not numeric", c.Field)
		return MatchResult{
			Detail: detail,
			Checks: []ConditionCheck{{Type: ConditionThreshold, Detail: detail}},
		}, nil
	}

	var matched bool
	switch c.Operator {
	case OpGreaterThan:
		matched = val > c.Value
	case OpLessThan:
		matched = val < c.Value
	case OpEqual:
		matched = math.Abs(val-c.Value) < eqTolerance
	case OpNotEqual:
		matched = math.Abs(val-c.Value) >= eqTolerance
	case OpBetween:
		if c.Value2 == nil {
			return MatchResult{}, fmt.Errorf("between operator requires value2")
		}
		matched = val >= c.Value && val <= *c.Value2
	default:
		return MatchResult{}, fmt.Errorf("unknown threshold operator %q", c.Operator)
	}

	detail := fmt.Sprintf("%s=%v %s %v", c.Field, val, c.Operator, c.Value)
	return MatchResult{
		Matched: matched,
		Detail:  detail,
		Checks:  []ConditionCheck{{Type: ConditionThreshold, Matched: matched, Detail: detail}},
	}, nil
}

func evalPattern(c Condition, dp DataPoint) (MatchResult, error) {
	re, err := regexp.Compile("(?i)" + c.Pattern)
	if err != nil {
		// Validation should have caught this; reaching here is an
		// evaluation fault.
		return MatchResult{}, fmt.Errorf("invalid regex %q: %w", c.Pattern, err)
	}

	matched := re.MatchString(textCorpus(dp))
	detail := fmt.Sprintf("pattern %q matched=%v", c.Pattern, matched)
	return MatchResult{
		Matched: matched,
		Detail:  detail,
		Checks:  []ConditionCheck{{Type: ConditionPattern, Matched: matched, Detail: detail}},
	}, nil
}

func evalComposite(c Condition, dp DataPoint) (MatchResult, error) {
	if len(c.Children) == 0 {
		return MatchResult{}, fmt.Errorf("composite condition has no children")
	}

	var checks []ConditionCheck
	switch c.Op {
	case CompositeAnd:
		for _, child := range c.Children {
			res, err := Evaluate(child, dp)
			if err != nil {
				return MatchResult{}, err
			}
			checks = append(checks, res.Checks...)
			if !res.Matched {
				// Short-circuit on first non-match.
				return MatchResult{Detail: "AND: " + res.Detail, Checks: checks}, nil
			}
		}
		return MatchResult{Matched: true, Detail: "all children matched", Checks: checks}, nil
	case CompositeOr:
		for _, child := range c.Children {
			res, err := Evaluate(child, dp)
			if err != nil {
				return MatchResult{}, err
			}
			checks = append(checks, res.Checks...)
			if res.Matched {
				// Short-circuit on first match.
				return MatchResult{Matched: true, Detail: "OR: " + res.Detail, Checks: checks}, nil
			}
		}
		return MatchResult{Detail: "no child matched", Checks: checks}, nil
	default:
		return MatchResult{}, fmt.Errorf("unknown composite op %q", c.Op)
	}
}

// textCorpus flattens the data point's string content into one searchable
// text. Field keys are visited in sorted order so the corpus is
// deterministic; nested values are included in serialized form.
func textCorpus(dp DataPoint) string {
	keys := make([]string, 0, len(dp.Fields))
	for k := range dp.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	if dp.Source != "" {
		b.WriteString(dp.Source)
		b.WriteByte('\n')
	}
	for _, k := range keys {
		switch v := dp.Fields[k].(type) {
		case string:
			b.WriteString(v)
		case map[string]any, []any:
			// encoding/json writes map keys in sorted order, so the
			// serialized form is stable too.
			if raw, err := json.Marshal(v); err == nil {
				b.Write(raw)
			}
		default:
			fmt.Fprintf(&b, "%v", v)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// numericField resolves a (possibly dotted) field path to a float64.
func numericField(fields map[string]any, path string) (float64, bool) {
	cur := any(fields)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return 0, false
		}
		cur, ok = m[part]
		if !ok {
			return 0, false
		}
	}

	switch v := cur.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
