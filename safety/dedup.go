package safety

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/liamcoop/sentinel/rules"
)

// Fingerprint produces a stable content hash over rule ID, action type,
// and canonicalized parameters. encoding/json writes map keys in sorted
// order at every level, so identical parameter sets always hash the same.
func Fingerprint(ruleID string, actionType rules.ActionType, params map[string]any) string {
	h := sha256.New()
	h.Write([]byte(ruleID))
	h.Write([]byte{'|'})
	h.Write([]byte(actionType))
	h.Write([]byte{'|'})
	if raw, err := json.Marshal(params); err == nil {
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// suppressor tracks fingerprints seen within the dedup window. Seen is an
// atomic check-and-set, mirroring the limiter: two racing decisions with
// the same fingerprint yield exactly one non-duplicate.
type suppressor struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
	now    func() time.Time
}

func newSuppressor(window time.Duration) *suppressor {
	return &suppressor{
		window: window,
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// Seen reports whether the fingerprint was recorded within the window,
// recording it if not.
func (s *suppressor) Seen(fp string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if at, ok := s.seen[fp]; ok && now.Sub(at) < s.window {
		return true
	}

	// Opportunistic prune keeps the map bounded without a sweeper.
	if len(s.seen) > 4096 {
		cutoff := now.Add(-s.window)
		for k, at := range s.seen {
			if at.Before(cutoff) {
				delete(s.seen, k)
			}
		}
	}

	s.seen[fp] = now
	return false
}

// Reconfigure swaps the dedup window.
func (s *suppressor) Reconfigure(window time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window = window
}
