package rules

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRuleStore implements RuleStore backed by PostgreSQL. Condition
// and action are stored as jsonb; stats live in dedicated columns so the
// counters can be bumped with single atomic UPDATEs.
type PostgresRuleStore struct {
	db *sql.DB
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore.
func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

const ruleColumns = `id, name, enabled, condition, action, safety_level, schedule, urgency,
	trigger_count, executed_count, error_count, last_triggered, created_at, updated_at`

// Add inserts a new rule into the database.
func (s *PostgresRuleStore) Add(rule *Rule) error {
	condJSON, actionJSON, err := marshalRule(rule)
	if err != nil {
		return err
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	_, err = s.db.Exec(`
		INSERT INTO rules (id, name, enabled, condition, action, safety_level, schedule, urgency, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rule.ID, rule.Name, rule.Enabled, condJSON, actionJSON,
		string(rule.SafetyLevel), rule.Schedule, rule.Urgency, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

// Get retrieves a rule by ID.
func (s *PostgresRuleStore) Get(id string) (*Rule, error) {
	row := s.db.QueryRow(`SELECT `+ruleColumns+` FROM rules WHERE id = $1`, id)
	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// List returns all rules ordered by creation time.
func (s *PostgresRuleStore) List() ([]*Rule, error) {
	return s.list(`SELECT ` + ruleColumns + ` FROM rules ORDER BY created_at ASC`)
}

// ListEnabled returns all enabled rules ordered by creation time.
func (s *PostgresRuleStore) ListEnabled() ([]*Rule, error) {
	return s.list(`SELECT ` + ruleColumns + ` FROM rules WHERE enabled = true ORDER BY created_at ASC`)
}

func (s *PostgresRuleStore) list(query string) ([]*Rule, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return out, nil
}

// Update modifies an existing rule. Stats columns are untouched; they only
// change through the Record methods.
func (s *PostgresRuleStore) Update(rule *Rule) error {
	condJSON, actionJSON, err := marshalRule(rule)
	if err != nil {
		return err
	}

	rule.UpdatedAt = time.Now()
	result, err := s.db.Exec(`
		UPDATE rules
		SET name = $1, enabled = $2, condition = $3, action = $4,
			safety_level = $5, schedule = $6, urgency = $7, updated_at = $8
		WHERE id = $9
	`, rule.Name, rule.Enabled, condJSON, actionJSON,
		string(rule.SafetyLevel), rule.Schedule, rule.Urgency, rule.UpdatedAt, rule.ID)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return requireRow(result, rule.ID)
}

// Delete removes a rule from the database.
func (s *PostgresRuleStore) Delete(id string) error {
	result, err := s.db.Exec(`DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return requireRow(result, id)
}

// RecordTrigger increments trigger_count and stamps last_triggered.
func (s *PostgresRuleStore) RecordTrigger(id string, at time.Time) error {
	result, err := s.db.Exec(`
		UPDATE rules SET trigger_count = trigger_count + 1, last_triggered = $1 WHERE id = $2
	`, at, id)
	if err != nil {
		return fmt.Errorf("failed to record trigger: %w", err)
	}
	return requireRow(result, id)
}

// RecordExecution increments executed_count.
func (s *PostgresRuleStore) RecordExecution(id string) error {
	result, err := s.db.Exec(`
		UPDATE rules SET executed_count = executed_count + 1 WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return requireRow(result, id)
}

// RecordError increments error_count.
func (s *PostgresRuleStore) RecordError(id string) error {
	result, err := s.db.Exec(`
		UPDATE rules SET error_count = error_count + 1 WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return requireRow(result, id)
}

func requireRow(result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return nil
}

func marshalRule(rule *Rule) (condJSON, actionJSON []byte, err error) {
	condJSON, err = json.Marshal(rule.Condition)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal condition: %w", err)
	}
	actionJSON, err = json.Marshal(rule.Action)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal action: %w", err)
	}
	return condJSON, actionJSON, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		rule          Rule
		condJSON      []byte
		actionJSON    []byte
		safetyLevel   string
		lastTriggered sql.NullTime
	)
	err := row.Scan(
		&rule.ID, &rule.Name, &rule.Enabled, &condJSON, &actionJSON,
		&safetyLevel, &rule.Schedule, &rule.Urgency,
		&rule.Stats.TriggerCount, &rule.Stats.ExecutedCount, &rule.Stats.ErrorCount,
		&lastTriggered, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(condJSON, &rule.Condition); err != nil {
		return nil, fmt.Errorf("failed to unmarshal condition: %w", err)
	}
	if err := json.Unmarshal(actionJSON, &rule.Action); err != nil {
		return nil, fmt.Errorf("failed to unmarshal action: %w", err)
	}
	rule.SafetyLevel = SafetyLevel(safetyLevel)
	if lastTriggered.Valid {
		t := lastTriggered.Time
		rule.Stats.LastTriggered = &t
	}
	rule.Stats.SuccessRate = successRate(rule.Stats)
	return &rule, nil
}
