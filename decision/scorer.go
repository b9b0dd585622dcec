// Package decision turns rule match results into scored decisions.
package decision

import (
	"github.com/liamcoop/sentinel/rules"
)

// actionBaseline is the rule-independent confidence floor for flagging a
// decision as plausibly actionable. The safety gate applies the real
// policy threshold; this stage only filters out obvious noise.
const actionBaseline = 0.5

// Signal is an externally supplied score, e.g. from an upstream LLM
// analysis. The engine only ever consumes signals, never produces them.
type Signal struct {
	Confidence float64 `json:"confidence"`
	Urgency    int     `json:"urgency"`
	Reason     string  `json:"reason"`
}

// Decision is the scored outcome of a rule match. Immutable once created.
type Decision struct {
	RuleID         string  `json:"rule_id"`
	Confidence     float64 `json:"confidence"`
	Urgency        int     `json:"urgency"`
	Reason         string  `json:"reason"`
	ActionRequired bool    `json:"action_required"`
}

// Score derives a Decision from a match result, the matched rule, and an
// optional external signal. Boolean conditions carry no partial credit:
// an exact match scores 1.0 unless the signal supplies its own
// confidence. Deterministic for identical inputs.
func Score(res rules.MatchResult, rule *rules.Rule, sig *Signal) Decision {
	d := Decision{
		RuleID: rule.ID,
		Reason: res.Detail,
	}

	if !res.Matched {
		return d
	}

	// The rule's urgency is taken as configured; urgency 0 is a valid
	// choice, not an absent one. Defaulting happens at rule creation.
	d.Confidence = 1.0
	d.Urgency = rule.Urgency

	if sig != nil {
		d.Confidence = clamp01(sig.Confidence)
		if sig.Urgency > 0 {
			d.Urgency = clampUrgency(sig.Urgency)
		}
		if sig.Reason != "" {
			d.Reason = sig.Reason
		}
	}

	d.ActionRequired = d.Confidence >= actionBaseline
	return d
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampUrgency(v int) int {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}
