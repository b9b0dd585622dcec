package pipeline

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/liamcoop/sentinel/internal/logger"
	"github.com/liamcoop/sentinel/rules"
)

// Scheduler fires scheduled rules through the pipeline on their cron
// expressions, independently of incoming data. Each tick synthesizes a
// data point so scheduled rules flow through the same stages as ingested
// ones.
type Scheduler struct {
	pipeline *Pipeline
	store    rules.RuleStore

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID // ruleID -> entry
}

func NewScheduler(p *Pipeline, store rules.RuleStore) *Scheduler {
	return &Scheduler{
		pipeline: p,
		store:    store,
		cron:     cron.New(),
		entries:  make(map[string]cron.EntryID),
	}
}

// Start registers all scheduled rules and begins ticking.
func (s *Scheduler) Start() error {
	if err := s.Refresh(); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Refresh re-reads the rule store and reconciles cron entries with the
// current set of enabled scheduled rules. Called after rule CRUD.
func (s *Scheduler) Refresh() error {
	enabled, err := s.store.ListEnabled()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]string)
	for _, r := range enabled {
		if r.Schedule != "" {
			want[r.ID] = r.Schedule
		}
	}

	for id, entryID := range s.entries {
		if _, ok := want[id]; !ok {
			s.cron.Remove(entryID)
			delete(s.entries, id)
		}
	}

	for id, spec := range want {
		if entryID, ok := s.entries[id]; ok {
			// Schedule may have changed; re-register.
			s.cron.Remove(entryID)
		}
		ruleID := id
		entryID, err := s.cron.AddFunc(spec, func() { s.tick(ruleID) })
		if err != nil {
			// Schedules are validated at rule save; a failure here means
			// the store was mutated out of band.
			logger.Error("failed to schedule rule", "rule_id", id, "schedule", spec, "error", err)
			continue
		}
		s.entries[id] = entryID
	}
	return nil
}

func (s *Scheduler) tick(ruleID string) {
	dp := rules.DataPoint{
		Timestamp: time.Now(),
		Source:    "schedule",
		Fields:    map[string]any{"rule_id": ruleID, "scheduled": true},
	}
	out, err := s.pipeline.IngestRule(ruleID, dp, nil)
	if err != nil {
		logger.Error("scheduled evaluation failed", "rule_id", ruleID, "error", err)
		return
	}
	logger.Debug("scheduled rule evaluated", "rule_id", ruleID, "matched", out.Matched)
}

// Stop halts the cron loop, waiting for running ticks to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
