// Package pipeline wires the evaluation stages together: data points flow
// through rule evaluation, decision scoring, the safety gate, and out to
// the confirmation manager or executor as actions.
package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/sentinel/actions"
	"github.com/liamcoop/sentinel/decision"
	"github.com/liamcoop/sentinel/internal/logger"
	"github.com/liamcoop/sentinel/rules"
	"github.com/liamcoop/sentinel/safety"
)

// Dispatcher receives actions cleared for immediate execution.
type Dispatcher interface {
	Enqueue(a *actions.Action) error
}

// Holder parks actions awaiting confirmation.
type Holder interface {
	Hold(a *actions.Action, autoConfirmAllowed bool) error
}

// Outcome is the per-rule result of one ingestion pass, surfaced to API
// callers.
type Outcome struct {
	RuleID   string            `json:"rule_id"`
	RuleName string            `json:"rule_name"`
	Matched  bool              `json:"matched"`
	Decision decision.Decision `json:"decision"`
	Verdict  *safety.Verdict   `json:"verdict,omitempty"`
	ActionID string            `json:"action_id,omitempty"`
	Status   actions.Status    `json:"status,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Result summarizes one ingestion pass.
type Result struct {
	Source    string    `json:"source"`
	Evaluated int       `json:"evaluated"`
	Matched   int       `json:"matched"`
	Outcomes  []Outcome `json:"outcomes"`
}

// Pipeline drives a data point through every enabled rule. Stages are
// synchronous up to action creation; execution itself is asynchronous.
type Pipeline struct {
	engine     *rules.Engine
	gate       *safety.Gate
	store      actions.ActionStore
	dispatcher Dispatcher
	holder     Holder
}

func New(engine *rules.Engine, gate *safety.Gate, store actions.ActionStore, dispatcher Dispatcher, holder Holder) *Pipeline {
	return &Pipeline{
		engine:     engine,
		gate:       gate,
		store:      store,
		dispatcher: dispatcher,
		holder:     holder,
	}
}

// Ingest evaluates a data point against all enabled rules. sig is an
// optional external score applied to every match in this pass. A faulting
// rule is accounted and skipped; it never blocks the others.
func (p *Pipeline) Ingest(dp rules.DataPoint, sig *decision.Signal) (*Result, error) {
	if dp.Timestamp.IsZero() {
		dp.Timestamp = time.Now()
	}

	matches, err := p.engine.EvaluateAll(dp)
	if err != nil {
		return nil, fmt.Errorf("evaluation failed: %w", err)
	}

	res := &Result{Source: dp.Source, Evaluated: len(matches)}
	for _, m := range matches {
		out := p.process(m, dp, sig)
		if out.Matched {
			res.Matched++
		}
		res.Outcomes = append(res.Outcomes, out)
	}
	return res, nil
}

// ProcessQuery runs an ad-hoc text query through the pipeline as a
// synthetic data point. extra fields (caller-supplied context) ride along
// next to the query text.
func (p *Pipeline) ProcessQuery(query string, extra map[string]any, sig *decision.Signal) (*Result, error) {
	fields := map[string]any{"text": query}
	for k, v := range extra {
		if k != "text" {
			fields[k] = v
		}
	}
	dp := rules.DataPoint{
		Timestamp: time.Now(),
		Source:    "query",
		Fields:    fields,
	}
	return p.Ingest(dp, sig)
}

// IngestRule evaluates a single rule against a data point, used by the
// scheduler for cron-triggered rules.
func (p *Pipeline) IngestRule(ruleID string, dp rules.DataPoint, sig *decision.Signal) (Outcome, error) {
	rule, err := p.engine.Store().Get(ruleID)
	if err != nil {
		return Outcome{}, err
	}
	if !rule.Enabled {
		return Outcome{RuleID: rule.ID, RuleName: rule.Name}, nil
	}
	if dp.Timestamp.IsZero() {
		dp.Timestamp = time.Now()
	}
	result, err := p.engine.EvaluateRule(rule, dp)
	return p.process(rules.RuleMatch{Rule: rule, Result: result, Err: err}, dp, sig), nil
}

// process drives one rule match through scoring, the gate, and action
// creation.
func (p *Pipeline) process(m rules.RuleMatch, dp rules.DataPoint, sig *decision.Signal) Outcome {
	out := Outcome{RuleID: m.Rule.ID, RuleName: m.Rule.Name}

	if m.Err != nil {
		out.Error = m.Err.Error()
		if err := p.engine.Store().RecordError(m.Rule.ID); err != nil {
			logger.Error("failed to record rule error", "rule_id", m.Rule.ID, "error", err)
		}
		logger.Warn("rule evaluation faulted", "rule_id", m.Rule.ID, "error", m.Err)
		return out
	}

	out.Matched = m.Result.Matched
	if !m.Result.Matched {
		return out
	}

	d := decision.Score(m.Result, m.Rule, sig)
	out.Decision = d
	if !d.ActionRequired {
		return out
	}

	verdict := p.gate.Admit(d, m.Rule)
	out.Verdict = &verdict
	if verdict.Outcome != safety.OutcomeAccepted {
		// Policy rejections leave no action row and touch no stats.
		logger.Info("decision rejected by safety gate",
			"rule_id", m.Rule.ID, "outcome", verdict.Outcome, "reason", verdict.Reason)
		return out
	}

	if err := p.engine.Store().RecordTrigger(m.Rule.ID, dp.Timestamp); err != nil {
		logger.Error("failed to record trigger", "rule_id", m.Rule.ID, "error", err)
	}

	a := &actions.Action{
		ID:            uuid.NewString(),
		RuleID:        m.Rule.ID,
		Type:          m.Rule.Action.Type,
		Parameters:    m.Rule.Action.Parameters,
		Status:        actions.StatusPending,
		Delay:         time.Duration(m.Rule.Action.Delay),
		RetryAttempts: m.Rule.Action.RetryAttempts,
		CreatedAt:     time.Now(),
	}
	if verdict.RequiresConfirmation {
		a.Status = actions.StatusRequiresConfirmation
	}

	if err := p.store.Add(a); err != nil {
		out.Error = fmt.Sprintf("failed to store action: %v", err)
		logger.Error("failed to store action", "rule_id", m.Rule.ID, "error", err)
		return out
	}
	out.ActionID = a.ID
	out.Status = a.Status

	if verdict.RequiresConfirmation {
		if err := p.holder.Hold(a, verdict.AutoConfirmAllowed); err != nil {
			out.Error = fmt.Sprintf("failed to hold action: %v", err)
			logger.Error("failed to hold action for confirmation", "action_id", a.ID, "error", err)
		}
		return out
	}

	if err := p.dispatcher.Enqueue(a); err != nil {
		// A failed dispatch fails the action outright; pending is not a
		// parking state.
		a.Error = fmt.Sprintf("dispatch failed: %v", err)
		if terr := a.Transition(actions.StatusExecuting); terr == nil {
			_ = a.Transition(actions.StatusFailed)
		}
		if uerr := p.store.Update(a); uerr != nil {
			logger.Error("failed to record dispatch failure", "action_id", a.ID, "error", uerr)
		}
		out.Status = a.Status
		out.Error = fmt.Sprintf("failed to dispatch action: %v", err)
		logger.Error("failed to dispatch action", "action_id", a.ID, "error", err)
	}
	return out
}
