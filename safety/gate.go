package safety

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/liamcoop/sentinel/decision"
	"github.com/liamcoop/sentinel/rules"
)

// Outcome is the gate's verdict for a decision. Rejections are expected,
// typed outcomes, not errors.
type Outcome string

const (
	OutcomeAccepted    Outcome = "accepted"
	OutcomeBlocked     Outcome = "blocked"
	OutcomeRateLimited Outcome = "rate_limited"
)

// Verdict is what the gate returns for one decision. On acceptance it
// carries the routing: whether the action needs human confirmation and
// whether auto-confirm on timeout is permitted for it.
type Verdict struct {
	Outcome              Outcome `json:"outcome"`
	Reason               string  `json:"reason,omitempty"`
	RequiresConfirmation bool    `json:"requires_confirmation"`
	AutoConfirmAllowed   bool    `json:"auto_confirm_allowed"`
	Fingerprint          string  `json:"-"`
}

// Gate is the stateful safety checkpoint between decisions and actions.
// Checks run in order: blocked patterns, amount cap, confidence, rate
// limit, duplicate suppression, safety-level routing. Each produces a terminal
// verdict on failure. Rate-limit and dedup state mutate atomically per
// key, so concurrent evaluations never double-admit.
type Gate struct {
	mu      sync.RWMutex
	policy  Policy
	blocked []*regexp.Regexp
	limiter *slidingLimiter
	dedup   *suppressor
}

// NewGate builds a gate from a policy. Invalid blocked patterns fail
// construction.
func NewGate(p Policy) (*Gate, error) {
	blocked, err := compilePatterns(p.BlockedPatterns)
	if err != nil {
		return nil, err
	}
	return &Gate{
		policy:  p,
		blocked: blocked,
		limiter: newSlidingLimiter(p.RateLimitWindow, p.RateLimitMax),
		dedup:   newSuppressor(p.DedupWindow),
	}, nil
}

// Policy returns the current policy.
func (g *Gate) Policy() Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.policy
}

// SetPolicy hot-swaps the policy. Limiter and dedup state survive the
// swap; entries age out under the new windows.
func (g *Gate) SetPolicy(p Policy) error {
	blocked, err := compilePatterns(p.BlockedPatterns)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.policy = p
	g.blocked = blocked
	g.mu.Unlock()

	g.limiter.Reconfigure(p.RateLimitWindow, p.RateLimitMax)
	g.dedup.Reconfigure(p.DedupWindow)
	return nil
}

// Admit decides whether a decision becomes an executable action, and with
// what confirmation requirement.
func (g *Gate) Admit(d decision.Decision, rule *rules.Rule) Verdict {
	g.mu.RLock()
	policy := g.policy
	blocked := g.blocked
	g.mu.RUnlock()

	if reason := screenParameters(blocked, rule.Action.Parameters); reason != "" {
		return Verdict{Outcome: OutcomeBlocked, Reason: reason}
	}

	if reason := screenAmount(policy.MaxActionAmount, rule.Action.Parameters); reason != "" {
		return Verdict{Outcome: OutcomeBlocked, Reason: reason}
	}

	if d.Confidence < policy.ConfidenceThreshold {
		return Verdict{
			Outcome: OutcomeBlocked,
			Reason: fmt.Sprintf("confidence %.2f below threshold %.2f",
				d.Confidence, policy.ConfidenceThreshold),
		}
	}

	key := rule.ID + "/" + string(rule.Action.Type)
	if !g.limiter.Allow(key) {
		return Verdict{
			Outcome: OutcomeRateLimited,
			Reason:  fmt.Sprintf("rate limit exceeded for %s", key),
		}
	}

	fp := Fingerprint(rule.ID, rule.Action.Type, rule.Action.Parameters)
	if g.dedup.Seen(fp) {
		// A suppressed duplicate never became an action, so the slot
		// recorded above is given back.
		g.limiter.Release(key)
		return Verdict{Outcome: OutcomeBlocked, Reason: "duplicate", Fingerprint: fp}
	}

	level := rule.SafetyLevel
	if level == "" {
		level = policy.DefaultSafetyLevel
	}

	v := Verdict{Outcome: OutcomeAccepted, Fingerprint: fp}
	switch level {
	case rules.SafetyLow:
		// Proceeds straight to the executor.
	case rules.SafetyMedium:
		v.RequiresConfirmation = true
		v.AutoConfirmAllowed = true
	default:
		// High: confirmation must be explicit, never auto-confirmed.
		v.RequiresConfirmation = true
	}
	return v
}

func screenParameters(blocked []*regexp.Regexp, params map[string]any) string {
	if len(blocked) == 0 || len(params) == 0 {
		return ""
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	text := strings.ToLower(string(raw))
	for _, re := range blocked {
		if re.MatchString(text) {
			return fmt.Sprintf("blocked pattern %q", re.String())
		}
	}
	return ""
}

// screenAmount caps the financial parameters an action may carry. All of
// the conventional keys are checked, whichever the rule uses.
func screenAmount(limit float64, params map[string]any) string {
	if limit <= 0 {
		return ""
	}
	for _, key := range []string{"amount", "value", "price"} {
		raw, ok := params[key]
		if !ok {
			continue
		}
		v, ok := asFloat(raw)
		if !ok {
			continue
		}
		if v > limit {
			return fmt.Sprintf("%s %.2f exceeds limit %.2f", key, v, limit)
		}
	}
	return ""
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid blocked pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
