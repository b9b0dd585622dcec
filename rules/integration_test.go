//go:build integration
// +build integration

package rules_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/liamcoop/sentinel/rules"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/lib/pq"
)

// setupTestDB creates a PostgreSQL container and returns a connection
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "sentinel_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithStartupTimeout(60 * time.Second),
	}

	postgresContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	host, err := postgresContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgresContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("host=%s port=%s user=test password=test dbname=sentinel_test sslmode=disable", host, port.Port())

	var db *sql.DB
	for i := 0; i < 30; i++ {
		db, err = sql.Open("postgres", connStr)
		if err == nil {
			err = db.Ping()
			if err == nil {
				break
			}
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	migrationSQL, err := os.ReadFile(filepath.Join("..", "migrations", "000001_create_rules.up.sql"))
	if err != nil {
		t.Fatalf("Failed to read migration file: %v", err)
	}
	if _, err := db.Exec(string(migrationSQL)); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		postgresContainer.Terminate(ctx)
	}

	return db, cleanup
}

func testRule(id string) *rules.Rule {
	return &rules.Rule{
		ID:      id,
		Name:    "test-rule",
		Enabled: true,
		Condition: rules.Condition{
			Type:     rules.ConditionKeyword,
			Keywords: []string{"TSLA"},
		},
		Action: rules.ActionSpec{
			Type:       rules.ActionAlert,
			Parameters: map[string]any{"message": "hi"},
		},
		SafetyLevel: rules.SafetyLow,
		Urgency:     7,
	}
}

func TestPostgresRuleStore_BasicCRUD(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := rules.NewPostgresRuleStore(db)

	ruleID := uuid.New().String()
	rule := testRule(ruleID)

	err := store.Add(rule)
	if err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	retrieved, err := store.Get(ruleID)
	if err != nil {
		t.Fatalf("Failed to get rule: %v", err)
	}
	if retrieved.Name != "test-rule" {
		t.Errorf("Expected name 'test-rule', got '%s'", retrieved.Name)
	}
	if retrieved.Condition.Type != rules.ConditionKeyword {
		t.Errorf("Expected keyword condition, got '%s'", retrieved.Condition.Type)
	}
	if len(retrieved.Condition.Keywords) != 1 || retrieved.Condition.Keywords[0] != "TSLA" {
		t.Errorf("Keywords did not round-trip: %v", retrieved.Condition.Keywords)
	}
	if retrieved.Action.Parameters["message"] != "hi" {
		t.Errorf("Action parameters did not round-trip: %v", retrieved.Action.Parameters)
	}

	enabled, err := store.ListEnabled()
	if err != nil {
		t.Fatalf("Failed to list enabled rules: %v", err)
	}
	if len(enabled) != 1 {
		t.Errorf("Expected 1 enabled rule, got %d", len(enabled))
	}

	rule.Name = "updated-rule"
	rule.Enabled = false
	err = store.Update(rule)
	if err != nil {
		t.Fatalf("Failed to update rule: %v", err)
	}

	updated, err := store.Get(ruleID)
	if err != nil {
		t.Fatalf("Failed to get updated rule: %v", err)
	}
	if updated.Name != "updated-rule" {
		t.Errorf("Expected name 'updated-rule', got '%s'", updated.Name)
	}
	if updated.Enabled {
		t.Error("Expected rule to be disabled after update")
	}

	enabled, err = store.ListEnabled()
	if err != nil {
		t.Fatalf("Failed to list enabled rules: %v", err)
	}
	if len(enabled) != 0 {
		t.Errorf("Expected 0 enabled rules, got %d", len(enabled))
	}

	err = store.Delete(ruleID)
	if err != nil {
		t.Fatalf("Failed to delete rule: %v", err)
	}

	_, err = store.Get(ruleID)
	if err == nil {
		t.Error("Expected error when getting deleted rule, got nil")
	}
}

func TestPostgresRuleStore_DuplicateRuleID(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := rules.NewPostgresRuleStore(db)
	rule := testRule(uuid.New().String())

	if err := store.Add(rule); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}
	if err := store.Add(rule); err == nil {
		t.Error("Expected error when adding duplicate rule, got nil")
	}
}

func TestPostgresRuleStore_UpdateNonExistent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := rules.NewPostgresRuleStore(db)
	if err := store.Update(testRule(uuid.New().String())); err == nil {
		t.Error("Expected error when updating non-existent rule, got nil")
	}
}

func TestPostgresRuleStore_DeleteNonExistent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := rules.NewPostgresRuleStore(db)
	if err := store.Delete(uuid.New().String()); err == nil {
		t.Error("Expected error when deleting non-existent rule, got nil")
	}
}

func TestPostgresRuleStore_Stats(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := rules.NewPostgresRuleStore(db)
	ruleID := uuid.New().String()
	if err := store.Add(testRule(ruleID)); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	triggeredAt := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 4; i++ {
		if err := store.RecordTrigger(ruleID, triggeredAt); err != nil {
			t.Fatalf("Failed to record trigger: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := store.RecordExecution(ruleID); err != nil {
			t.Fatalf("Failed to record execution: %v", err)
		}
	}
	if err := store.RecordError(ruleID); err != nil {
		t.Fatalf("Failed to record error: %v", err)
	}

	rule, err := store.Get(ruleID)
	if err != nil {
		t.Fatalf("Failed to get rule: %v", err)
	}
	if rule.Stats.TriggerCount != 4 {
		t.Errorf("Expected trigger_count 4, got %d", rule.Stats.TriggerCount)
	}
	if rule.Stats.ExecutedCount != 3 {
		t.Errorf("Expected executed_count 3, got %d", rule.Stats.ExecutedCount)
	}
	if rule.Stats.ErrorCount != 1 {
		t.Errorf("Expected error_count 1, got %d", rule.Stats.ErrorCount)
	}
	if rule.Stats.SuccessRate != 0.75 {
		t.Errorf("Expected success_rate 0.75, got %v", rule.Stats.SuccessRate)
	}
	if rule.Stats.LastTriggered == nil {
		t.Fatal("Expected last_triggered to be set")
	}

	if err := store.RecordTrigger(uuid.New().String(), time.Now()); err == nil {
		t.Error("Expected error recording trigger for unknown rule, got nil")
	}
}

func TestPostgresRuleStore_Ordering(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := rules.NewPostgresRuleStore(db)

	for i := 1; i <= 5; i++ {
		rule := testRule(uuid.New().String())
		rule.Name = fmt.Sprintf("rule-%d", i)
		if err := store.Add(rule); err != nil {
			t.Fatalf("Failed to add rule %d: %v", i, err)
		}
		time.Sleep(10 * time.Millisecond) // Ensure different timestamps
	}

	rulesList, err := store.List()
	if err != nil {
		t.Fatalf("Failed to list rules: %v", err)
	}
	if len(rulesList) != 5 {
		t.Fatalf("Expected 5 rules, got %d", len(rulesList))
	}
	for i := 0; i < len(rulesList)-1; i++ {
		if rulesList[i].CreatedAt.After(rulesList[i+1].CreatedAt) {
			t.Error("Rules are not ordered by created_at ascending")
		}
	}
}

func TestEngine_WithDatabase(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := rules.NewPostgresRuleStore(db)
	engine, err := rules.NewEngine(store)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	ruleID := uuid.New().String()
	rule := testRule(ruleID)
	rule.Condition = rules.Condition{
		Type: rules.ConditionExpression,
		Expr: `fields.price > 250.0`,
	}
	if err := engine.AddRule(rule); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	dp := rules.DataPoint{
		Timestamp: time.Now(),
		Source:    "market-feed",
		Fields:    map[string]any{"price": 260.0},
	}
	matches, err := engine.EvaluateAll(dp)
	if err != nil {
		t.Fatalf("Failed to evaluate: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("Expected 1 match result, got %d", len(matches))
	}
	if matches[0].Err != nil {
		t.Fatalf("Unexpected evaluation error: %v", matches[0].Err)
	}
	if !matches[0].Result.Matched {
		t.Error("Expected expression rule to match")
	}
}
