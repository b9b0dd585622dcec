package rules

import (
	"encoding/json"
	"fmt"
	"time"
)

// SafetyLevel controls how much human oversight an action needs before it
// may execute.
type SafetyLevel string

const (
	SafetyLow    SafetyLevel = "low"
	SafetyMedium SafetyLevel = "medium"
	SafetyHigh   SafetyLevel = "high"
)

// ConditionType identifies a condition variant.
type ConditionType string

const (
	ConditionKeyword    ConditionType = "keyword"
	ConditionThreshold  ConditionType = "threshold"
	ConditionPattern    ConditionType = "pattern"
	ConditionComposite  ConditionType = "composite"
	ConditionExpression ConditionType = "expression"
)

// Operator is a threshold comparison operator.
type Operator string

const (
	OpGreaterThan Operator = "gt"
	OpLessThan    Operator = "lt"
	OpEqual       Operator = "eq"
	OpNotEqual    Operator = "neq"
	OpBetween     Operator = "between"
)

// CompositeOp combines child conditions.
type CompositeOp string

const (
	CompositeAnd CompositeOp = "AND"
	CompositeOr  CompositeOp = "OR"
)

// Condition is a tagged variant: exactly one variant's fields are set,
// selected by Type. Unknown variants are rejected at rule construction,
// never deferred to evaluation.
type Condition struct {
	Type ConditionType `json:"type"`

	// keyword
	Keywords []string `json:"keywords,omitempty"`

	// threshold
	Field    string   `json:"field,omitempty"`
	Operator Operator `json:"operator,omitempty"`
	Value    float64  `json:"value,omitempty"`
	Value2   *float64 `json:"value2,omitempty"`

	// pattern
	Pattern string `json:"pattern,omitempty"`

	// composite
	Op       CompositeOp `json:"op,omitempty"`
	Children []Condition `json:"children,omitempty"`

	// expression (CEL over the data point)
	Expr string `json:"expr,omitempty"`
}

// ActionType identifies an executable action handler.
type ActionType string

const (
	ActionAlert           ActionType = "alert"
	ActionAPICall         ActionType = "api_call"
	ActionDataUpdate      ActionType = "data_update"
	ActionWorkflowTrigger ActionType = "workflow_trigger"
)

// KnownActionTypes lists the closed set of action variants.
var KnownActionTypes = []ActionType{
	ActionAlert, ActionAPICall, ActionDataUpdate, ActionWorkflowTrigger,
}

// DefaultUrgency applies when a rule is created without an urgency.
const DefaultUrgency = 5

// Duration marshals as a Go duration string ("30s") and also accepts a
// plain number of seconds on input.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
		return nil
	case float64:
		*d = Duration(time.Duration(val * float64(time.Second)))
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
}

// ActionSpec describes the action a rule fires.
type ActionSpec struct {
	Type          ActionType     `json:"type"`
	Parameters    map[string]any `json:"parameters"`
	Delay         Duration       `json:"delay,omitempty"`
	RetryAttempts int            `json:"retry_attempts"`
}

// Stats is engine bookkeeping per rule. TriggerCount counts accepted
// decisions regardless of later outcome; SuccessRate is executed over
// triggered; ErrorCount counts evaluation and handler faults, never policy
// rejections.
type Stats struct {
	TriggerCount  int64      `json:"trigger_count"`
	ExecutedCount int64      `json:"executed_count"`
	SuccessRate   float64    `json:"success_rate"`
	ErrorCount    int64      `json:"error_count"`
	LastTriggered *time.Time `json:"last_triggered,omitempty"`
}

// Rule binds a condition to an action with safety metadata.
type Rule struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Enabled     bool        `json:"enabled"`
	Condition   Condition   `json:"condition"`
	Action      ActionSpec  `json:"action"`
	SafetyLevel SafetyLevel `json:"safety_level"`
	// Schedule is an optional cron expression triggering evaluation
	// independently of incoming data.
	Schedule string `json:"schedule,omitempty"`
	// Urgency is the per-rule urgency (0-10). Zero is a legitimate value;
	// callers that want a default apply DefaultUrgency before saving.
	Urgency   int       `json:"urgency"`
	Stats     Stats     `json:"stats"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep-enough copy for snapshot isolation: evaluation
// works on the copy, so concurrent rule edits never tear a read.
func (r *Rule) Clone() *Rule {
	cp := *r
	cp.Condition = cloneCondition(r.Condition)
	if r.Action.Parameters != nil {
		params := make(map[string]any, len(r.Action.Parameters))
		for k, v := range r.Action.Parameters {
			params[k] = v
		}
		cp.Action.Parameters = params
	}
	if r.Stats.LastTriggered != nil {
		t := *r.Stats.LastTriggered
		cp.Stats.LastTriggered = &t
	}
	return &cp
}

func cloneCondition(c Condition) Condition {
	cp := c
	if c.Keywords != nil {
		cp.Keywords = append([]string(nil), c.Keywords...)
	}
	if c.Value2 != nil {
		v := *c.Value2
		cp.Value2 = &v
	}
	if c.Children != nil {
		cp.Children = make([]Condition, len(c.Children))
		for i, child := range c.Children {
			cp.Children[i] = cloneCondition(child)
		}
	}
	return cp
}

// DataPoint is an ephemeral triggering event. It is consumed during one
// evaluation pass and never persisted by the engine.
type DataPoint struct {
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Fields    map[string]any `json:"fields"`
}

// ConditionCheck is per-condition evidence, exposed through the rule test
// endpoint.
type ConditionCheck struct {
	Type    ConditionType `json:"type"`
	Matched bool          `json:"matched"`
	Detail  string        `json:"detail,omitempty"`
}

// MatchResult is the outcome of evaluating one condition tree against one
// data point.
type MatchResult struct {
	Matched bool             `json:"matched"`
	Detail  string           `json:"detail,omitempty"`
	Checks  []ConditionCheck `json:"checks,omitempty"`
}

// RuleMatch pairs a rule snapshot with its evaluation result. Err is set
// for evaluation faults; one rule's fault never blocks the others.
type RuleMatch struct {
	Rule   *Rule
	Result MatchResult
	Err    error
}
