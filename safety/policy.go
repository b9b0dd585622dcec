// Package safety gates scored decisions before they become executable
// actions: blocked-parameter screening, confidence threshold, sliding
// rate limit, duplicate suppression, and confirmation routing.
package safety

import (
	"time"

	"github.com/liamcoop/sentinel/rules"
)

// Policy is the process-wide safety configuration. One instance per
// deployment; hot-reloadable through Gate.SetPolicy.
type Policy struct {
	ConfidenceThreshold float64
	RateLimitWindow     time.Duration
	RateLimitMax        int
	DedupWindow         time.Duration
	DefaultSafetyLevel  rules.SafetyLevel
	// BlockedPatterns are regexes screened against serialized action
	// parameters. An invalid pattern is a policy construction error.
	BlockedPatterns []string
	// MaxActionAmount caps the amount/value/price parameters an action
	// may carry. Zero disables the check.
	MaxActionAmount float64
}

// DefaultBlockedPatterns screen for destructive SQL/shell content,
// traversal, and secret exposure in action parameters.
var DefaultBlockedPatterns = []string{
	`delete\s+from`,
	`drop\s+table`,
	`truncate\s+table`,
	`rm\s+-rf`,
	`chmod\s+777`,
	`sudo\s+`,
	`shutdown`,
	`union\s+select`,
	`\.\./`,
	`<script>`,
	`(password|token|secret|key)\s*[:=]\s*['"].+?['"]`,
}

// DefaultPolicy returns the deployment defaults.
func DefaultPolicy() Policy {
	return Policy{
		ConfidenceThreshold: 0.7,
		RateLimitWindow:     time.Hour,
		RateLimitMax:        50,
		DedupWindow:         5 * time.Minute,
		DefaultSafetyLevel:  rules.SafetyMedium,
		BlockedPatterns:     DefaultBlockedPatterns,
		MaxActionAmount:     50000,
	}
}
