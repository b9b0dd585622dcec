package main

import (
	"time"

	"github.com/liamcoop/sentinel/decision"
	"github.com/liamcoop/sentinel/rules"
)

// API Request and Response Models

// RuleRequest is the request body for creating or updating a rule.
type RuleRequest struct {
	ID          string            `json:"id,omitempty" example:"tsla-mentions"`
	Name        string            `json:"name" example:"TSLA mention alert" binding:"required"`
	Enabled     *bool             `json:"enabled,omitempty" example:"true"`
	Condition   rules.Condition   `json:"condition" binding:"required"`
	Action      rules.ActionSpec  `json:"action" binding:"required"`
	SafetyLevel rules.SafetyLevel `json:"safety_level,omitempty" example:"medium"`
	Schedule    string            `json:"schedule,omitempty" example:"*/5 * * * *"`
	Urgency     *int              `json:"urgency,omitempty" example:"7"`
} // @name RuleRequest

// toRule builds the domain rule. Enabled defaults to true and urgency to
// rules.DefaultUrgency when omitted; an explicit urgency of 0 is kept.
func (r RuleRequest) toRule() *rules.Rule {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	urgency := rules.DefaultUrgency
	if r.Urgency != nil {
		urgency = *r.Urgency
	}
	return &rules.Rule{
		ID:          r.ID,
		Name:        r.Name,
		Enabled:     enabled,
		Condition:   r.Condition,
		Action:      r.Action,
		SafetyLevel: r.SafetyLevel,
		Schedule:    r.Schedule,
		Urgency:     urgency,
	}
}

// TestRuleRequest is the request body for dry-running a rule against a
// data point without saving it.
type TestRuleRequest struct {
	Rule      RuleRequest     `json:"rule" binding:"required"`
	DataPoint rules.DataPoint `json:"data_point" binding:"required"`
} // @name TestRuleRequest

// TestRuleResponse reports a dry-run result with per-condition evidence.
type TestRuleResponse struct {
	Matched         bool                   `json:"matched" example:"true"`
	Detail          string                 `json:"detail,omitempty"`
	ConditionChecks []rules.ConditionCheck `json:"condition_checks,omitempty"`
	ProposedAction  *rules.ActionSpec      `json:"proposed_action,omitempty"`
	EvaluationTime  string                 `json:"evaluation_time" example:"1.2ms"`
} // @name TestRuleResponse

// IngestRequest is the request body for feeding a data point through the
// pipeline. Signal optionally carries an external confidence score.
type IngestRequest struct {
	Timestamp time.Time        `json:"timestamp,omitempty"`
	Source    string           `json:"source" example:"market-feed" binding:"required"`
	Fields    map[string]any   `json:"fields" binding:"required"`
	Signal    *decision.Signal `json:"signal,omitempty"`
} // @name IngestRequest

// QueryRequest is the request body for running an ad-hoc text query
// through the pipeline. Context fields are evaluated alongside the query
// text.
type QueryRequest struct {
	Query   string           `json:"query" example:"what is moving TSLA today" binding:"required"`
	Context map[string]any   `json:"context,omitempty"`
	Signal  *decision.Signal `json:"signal,omitempty"`
} // @name QueryRequest

// ConfirmRequest resolves a held action. Confirm true approves, false
// rejects; the field is required so an empty body cannot reject.
type ConfirmRequest struct {
	Confirm *bool `json:"confirm" binding:"required"`
} // @name ConfirmRequest
