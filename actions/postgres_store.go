package actions

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/liamcoop/sentinel/rules"
)

// PostgresActionStore implements ActionStore backed by PostgreSQL.
// Actions are retained indefinitely for audit.
type PostgresActionStore struct {
	db *sql.DB
}

// NewPostgresActionStore creates a new PostgreSQL-backed ActionStore.
func NewPostgresActionStore(db *sql.DB) *PostgresActionStore {
	return &PostgresActionStore{db: db}
}

const actionColumns = `id, rule_id, type, parameters, status, retry_attempts, attempts,
	created_at, confirmed_at, executed_at, result, error`

// Add records a newly created action.
func (s *PostgresActionStore) Add(a *Action) error {
	paramsJSON, resultJSON, err := marshalAction(a)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO actions (id, rule_id, type, parameters, status, retry_attempts, attempts,
			created_at, confirmed_at, executed_at, result, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, a.ID, a.RuleID, string(a.Type), paramsJSON, string(a.Status),
		a.RetryAttempts, a.Attempts, a.CreatedAt, a.ConfirmedAt, a.ExecutedAt,
		resultJSON, nullable(a.Error))
	if err != nil {
		return fmt.Errorf("failed to insert action: %w", err)
	}
	return nil
}

// Get retrieves an action by ID.
func (s *PostgresActionStore) Get(id string) (*Action, error) {
	row := s.db.QueryRow(`SELECT `+actionColumns+` FROM actions WHERE id = $1`, id)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("action %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	return a, nil
}

// Update persists the action's current state.
func (s *PostgresActionStore) Update(a *Action) error {
	paramsJSON, resultJSON, err := marshalAction(a)
	if err != nil {
		return err
	}

	result, err := s.db.Exec(`
		UPDATE actions
		SET status = $1, attempts = $2, confirmed_at = $3, executed_at = $4,
			result = $5, error = $6, parameters = $7
		WHERE id = $8
	`, string(a.Status), a.Attempts, a.ConfirmedAt, a.ExecutedAt,
		resultJSON, nullable(a.Error), paramsJSON, a.ID)
	if err != nil {
		return fmt.Errorf("failed to update action: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("action %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

// History returns the most recent actions, newest first.
func (s *PostgresActionStore) History(limit int) ([]*Action, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT `+actionColumns+` FROM actions ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var out []*Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}
	return out, nil
}

func marshalAction(a *Action) (paramsJSON, resultJSON []byte, err error) {
	paramsJSON, err = json.Marshal(a.Parameters)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal parameters: %w", err)
	}
	if a.Result != nil {
		resultJSON, err = json.Marshal(a.Result)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal result: %w", err)
		}
	}
	return paramsJSON, resultJSON, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*Action, error) {
	var (
		a          Action
		actionType string
		status     string
		paramsJSON []byte
		resultJSON []byte
		confirmed  sql.NullTime
		executed   sql.NullTime
		errText    sql.NullString
	)
	err := row.Scan(
		&a.ID, &a.RuleID, &actionType, &paramsJSON, &status,
		&a.RetryAttempts, &a.Attempts, &a.CreatedAt, &confirmed, &executed,
		&resultJSON, &errText,
	)
	if err != nil {
		return nil, err
	}
	a.Type = rules.ActionType(actionType)
	a.Status = Status(status)
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &a.Parameters); err != nil {
			return nil, fmt.Errorf("failed to unmarshal parameters: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &a.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	if confirmed.Valid {
		t := confirmed.Time
		a.ConfirmedAt = &t
	}
	if executed.Valid {
		t := executed.Time
		a.ExecutedAt = &t
	}
	if errText.Valid {
		a.Error = errText.String
	}
	return &a, nil
}
