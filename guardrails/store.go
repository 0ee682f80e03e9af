// Copyright 2025 AgentLens
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package guardrails

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrRuleNotFound is returned when a rule lookup matches no row.
var ErrRuleNotFound = errors.New("guardrail rule not found")

// UpdateRuleParams carries a partial rule update; nil fields are left as-is.
type UpdateRuleParams struct {
	Name            *string        `json:"name,omitempty"`
	Description     *string        `json:"description,omitempty"`
	Enabled         *bool          `json:"enabled,omitempty"`
	ConditionType   *ConditionType `json:"conditionType,omitempty"`
	ConditionConfig map[string]any `json:"conditionConfig,omitempty"`
	ActionType      *ActionType    `json:"actionType,omitempty"`
	ActionConfig    map[string]any `json:"actionConfig,omitempty"`
	AgentID         *string        `json:"agentId,omitempty"`
	CooldownMinutes *int           `json:"cooldownMinutes,omitempty"`
	DryRun          *bool          `json:"dryRun,omitempty"`
	Direction       *Direction     `json:"direction,omitempty"`
	ToolNames       []string       `json:"toolNames,omitempty"`
	Priority        *int           `json:"priority,omitempty"`
}

// Store is the sole persistence boundary for the guardrail engines. The
// engines never issue storage queries directly.
type Store interface {
	CreateRule(ctx context.Context, rule *GuardrailRule) error
	GetRule(ctx context.Context, tenantID, ruleID string) (*GuardrailRule, error)
	UpdateRule(ctx context.Context, tenantID, ruleID string, params *UpdateRuleParams) (*GuardrailRule, error)
	// DeleteRule cascades to the rule's state and history rows.
	DeleteRule(ctx context.Context, tenantID, ruleID string) error
	ListRules(ctx context.Context, tenantID string) ([]GuardrailRule, error)
	// ListEnabledRules returns enabled rules visible to (tenantID, agentID):
	// tenant-global rules plus rules pinned to the agent. Listing order is
	// deterministic: priority DESC, then creation order.
	ListEnabledRules(ctx context.Context, tenantID, agentID string) ([]GuardrailRule, error)

	GetState(ctx context.Context, tenantID, ruleID string) (*GuardrailState, error)
	// UpsertEvaluation records the latest observed value and evaluation time,
	// leaving triggerCount and lastTriggeredAt untouched.
	UpsertEvaluation(ctx context.Context, tenantID, ruleID string, evaluatedAt time.Time, currentValue float64) error
	// MarkTriggered increments triggerCount and restarts the cooldown window.
	MarkTriggered(ctx context.Context, tenantID, ruleID string, triggeredAt time.Time) error

	InsertTrigger(ctx context.Context, entry *TriggerHistory) error
	RecentTriggers(ctx context.Context, tenantID, ruleID string, limit int) ([]TriggerHistory, error)
	ListTriggers(ctx context.Context, tenantID, ruleID string, limit, offset int) ([]TriggerHistory, int, error)
}

// PostgresStore implements Store on a Postgres database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store bound to db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the guardrail tables if they don't exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS guardrail_rules (
			id UUID PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			enabled BOOLEAN NOT NULL DEFAULT true,
			condition_type TEXT NOT NULL,
			condition_config JSONB NOT NULL DEFAULT '{}',
			action_type TEXT NOT NULL,
			action_config JSONB NOT NULL DEFAULT '{}',
			agent_id TEXT,
			cooldown_minutes INT NOT NULL DEFAULT 0,
			dry_run BOOLEAN NOT NULL DEFAULT false,
			direction TEXT,
			tool_names TEXT[],
			priority INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_guardrail_rules_tenant
			ON guardrail_rules (tenant_id, enabled)`,
		`CREATE TABLE IF NOT EXISTS guardrail_state (
			tenant_id TEXT NOT NULL,
			rule_id UUID NOT NULL,
			last_triggered_at TIMESTAMPTZ,
			trigger_count INT NOT NULL DEFAULT 0,
			last_evaluated_at TIMESTAMPTZ,
			current_value DOUBLE PRECISION,
			PRIMARY KEY (tenant_id, rule_id)
		)`,
		`CREATE TABLE IF NOT EXISTS guardrail_trigger_history (
			id UUID PRIMARY KEY,
			rule_id UUID NOT NULL,
			tenant_id TEXT NOT NULL,
			triggered_at TIMESTAMPTZ NOT NULL,
			condition_value DOUBLE PRECISION NOT NULL,
			condition_threshold DOUBLE PRECISION NOT NULL,
			action_executed BOOLEAN NOT NULL,
			action_result TEXT,
			metadata JSONB NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_guardrail_history_rule
			ON guardrail_trigger_history (tenant_id, rule_id, triggered_at DESC)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure guardrail schema: %w", err)
		}
	}
	return nil
}

const ruleColumns = `id, tenant_id, name, description, enabled, condition_type,
	condition_config, action_type, action_config, COALESCE(agent_id, ''),
	cooldown_minutes, dry_run, COALESCE(direction, ''), tool_names, priority,
	created_at, updated_at`

// CreateRule inserts a new rule, generating an ID if none is set.
func (s *PostgresStore) CreateRule(ctx context.Context, rule *GuardrailRule) error {
	conditionJSON, err := json.Marshal(rule.ConditionConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal condition config: %w", err)
	}
	actionJSON, err := json.Marshal(rule.ActionConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal action config: %w", err)
	}

	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	query := `
		INSERT INTO guardrail_rules (
			id, tenant_id, name, description, enabled, condition_type,
			condition_config, action_type, action_config, agent_id,
			cooldown_minutes, dry_run, direction, tool_names, priority,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	_, err = s.db.ExecContext(ctx, query,
		rule.ID, rule.TenantID, rule.Name, rule.Description, rule.Enabled,
		string(rule.ConditionType), conditionJSON, string(rule.ActionType),
		actionJSON, nullableString(rule.AgentID), rule.CooldownMinutes,
		rule.DryRun, nullableString(string(rule.Direction)),
		pq.Array(rule.ToolNames), rule.Priority, rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

// GetRule retrieves one rule scoped by tenant.
func (s *PostgresStore) GetRule(ctx context.Context, tenantID, ruleID string) (*GuardrailRule, error) {
	query := fmt.Sprintf(`SELECT %s FROM guardrail_rules WHERE id = $1 AND tenant_id = $2`, ruleColumns)

	rule, err := scanRule(s.db.QueryRowContext(ctx, query, ruleID, tenantID))
	if err == sql.ErrNoRows {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// UpdateRule applies a partial update and returns the updated rule.
func (s *PostgresStore) UpdateRule(ctx context.Context, tenantID, ruleID string, params *UpdateRuleParams) (*GuardrailRule, error) {
	updates := []string{}
	args := []interface{}{}
	argIndex := 1

	appendUpdate := func(column string, value interface{}) {
		updates = append(updates, fmt.Sprintf("%s = $%d", column, argIndex))
		args = append(args, value)
		argIndex++
	}

	if params.Name != nil {
		appendUpdate("name", *params.Name)
	}
	if params.Description != nil {
		appendUpdate("description", *params.Description)
	}
	if params.Enabled != nil {
		appendUpdate("enabled", *params.Enabled)
	}
	if params.ConditionType != nil {
		appendUpdate("condition_type", string(*params.ConditionType))
	}
	if params.ConditionConfig != nil {
		conditionJSON, err := json.Marshal(params.ConditionConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal condition config: %w", err)
		}
		appendUpdate("condition_config", conditionJSON)
	}
	if params.ActionType != nil {
		appendUpdate("action_type", string(*params.ActionType))
	}
	if params.ActionConfig != nil {
		actionJSON, err := json.Marshal(params.ActionConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal action config: %w", err)
		}
		appendUpdate("action_config", actionJSON)
	}
	if params.AgentID != nil {
		appendUpdate("agent_id", nullableString(*params.AgentID))
	}
	if params.CooldownMinutes != nil {
		appendUpdate("cooldown_minutes", *params.CooldownMinutes)
	}
	if params.DryRun != nil {
		appendUpdate("dry_run", *params.DryRun)
	}
	if params.Direction != nil {
		appendUpdate("direction", nullableString(string(*params.Direction)))
	}
	if params.ToolNames != nil {
		appendUpdate("tool_names", pq.Array(params.ToolNames))
	}
	if params.Priority != nil {
		appendUpdate("priority", *params.Priority)
	}

	if len(updates) == 0 {
		return s.GetRule(ctx, tenantID, ruleID)
	}

	appendUpdate("updated_at", time.Now().UTC())

	args = append(args, ruleID, tenantID)
	query := fmt.Sprintf(`UPDATE guardrail_rules SET %s WHERE id = $%d AND tenant_id = $%d`,
		joinUpdates(updates), argIndex, argIndex+1)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return nil, ErrRuleNotFound
	}

	return s.GetRule(ctx, tenantID, ruleID)
}

// DeleteRule removes a rule and cascades to its state and history rows
// within one transaction.
func (s *PostgresStore) DeleteRule(ctx context.Context, tenantID, ruleID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		`DELETE FROM guardrail_rules WHERE id = $1 AND tenant_id = $2`, ruleID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return ErrRuleNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM guardrail_state WHERE rule_id = $1 AND tenant_id = $2`, ruleID, tenantID); err != nil {
		return fmt.Errorf("failed to delete rule state: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM guardrail_trigger_history WHERE rule_id = $1 AND tenant_id = $2`, ruleID, tenantID); err != nil {
		return fmt.Errorf("failed to delete rule history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rule deletion: %w", err)
	}
	return nil
}

// ListRules returns every rule in a tenant, newest first.
func (s *PostgresStore) ListRules(ctx context.Context, tenantID string) ([]GuardrailRule, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM guardrail_rules
		WHERE tenant_id = $1
		ORDER BY created_at DESC, id
	`, ruleColumns)

	return s.queryRules(ctx, query, tenantID)
}

// ListEnabledRules returns enabled rules visible to (tenantID, agentID).
// Order is priority DESC then creation order so downstream tie-breaking is
// deterministic.
func (s *PostgresStore) ListEnabledRules(ctx context.Context, tenantID, agentID string) ([]GuardrailRule, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM guardrail_rules
		WHERE tenant_id = $1 AND enabled = true
		  AND (agent_id IS NULL OR agent_id = $2)
		ORDER BY priority DESC, created_at ASC, id ASC
	`, ruleColumns)

	return s.queryRules(ctx, query, tenantID, agentID)
}

func (s *PostgresStore) queryRules(ctx context.Context, query string, args ...interface{}) ([]GuardrailRule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []GuardrailRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rules: %w", err)
	}
	return rules, nil
}

// GetState returns the state row for a rule, or nil if none exists yet.
func (s *PostgresStore) GetState(ctx context.Context, tenantID, ruleID string) (*GuardrailState, error) {
	query := `
		SELECT tenant_id, rule_id, last_triggered_at, trigger_count,
		       last_evaluated_at, current_value
		FROM guardrail_state
		WHERE tenant_id = $1 AND rule_id = $2
	`

	state := &GuardrailState{}
	var lastTriggered, lastEvaluated sql.NullTime
	var currentValue sql.NullFloat64

	err := s.db.QueryRowContext(ctx, query, tenantID, ruleID).Scan(
		&state.TenantID, &state.RuleID, &lastTriggered, &state.TriggerCount,
		&lastEvaluated, &currentValue,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state: %w", err)
	}

	if lastTriggered.Valid {
		t := lastTriggered.Time
		state.LastTriggeredAt = &t
	}
	if lastEvaluated.Valid {
		t := lastEvaluated.Time
		state.LastEvaluatedAt = &t
	}
	if currentValue.Valid {
		v := currentValue.Float64
		state.CurrentValue = &v
	}
	return state, nil
}

// UpsertEvaluation records the latest observed value. The upsert is atomic
// for a given (tenant, rule); dashboards must see the latest value even when
// no action fires.
func (s *PostgresStore) UpsertEvaluation(ctx context.Context, tenantID, ruleID string, evaluatedAt time.Time, currentValue float64) error {
	query := `
		INSERT INTO guardrail_state (tenant_id, rule_id, last_evaluated_at, current_value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, rule_id) DO UPDATE SET
			last_evaluated_at = EXCLUDED.last_evaluated_at,
			current_value = EXCLUDED.current_value
	`

	if _, err := s.db.ExecContext(ctx, query, tenantID, ruleID, evaluatedAt, currentValue); err != nil {
		return fmt.Errorf("failed to upsert evaluation state: %w", err)
	}
	return nil
}

// MarkTriggered increments triggerCount and restarts the cooldown window.
func (s *PostgresStore) MarkTriggered(ctx context.Context, tenantID, ruleID string, triggeredAt time.Time) error {
	query := `
		INSERT INTO guardrail_state (tenant_id, rule_id, last_triggered_at, trigger_count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (tenant_id, rule_id) DO UPDATE SET
			last_triggered_at = EXCLUDED.last_triggered_at,
			trigger_count = guardrail_state.trigger_count + 1
	`

	if _, err := s.db.ExecContext(ctx, query, tenantID, ruleID, triggeredAt); err != nil {
		return fmt.Errorf("failed to mark rule triggered: %w", err)
	}
	return nil
}

// InsertTrigger appends an immutable history row.
func (s *PostgresStore) InsertTrigger(ctx context.Context, entry *TriggerHistory) error {
	metadataJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger metadata: %w", err)
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	query := `
		INSERT INTO guardrail_trigger_history (
			id, rule_id, tenant_id, triggered_at, condition_value,
			condition_threshold, action_executed, action_result, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = s.db.ExecContext(ctx, query,
		entry.ID, entry.RuleID, entry.TenantID, entry.TriggeredAt,
		entry.ConditionValue, entry.ConditionThreshold, entry.ActionExecuted,
		nullableString(entry.ActionResult), metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trigger history: %w", err)
	}
	return nil
}

// RecentTriggers returns the newest history rows for a rule.
func (s *PostgresStore) RecentTriggers(ctx context.Context, tenantID, ruleID string, limit int) ([]TriggerHistory, error) {
	if limit < 1 {
		limit = 10
	}
	entries, _, err := s.ListTriggers(ctx, tenantID, ruleID, limit, 0)
	return entries, err
}

// ListTriggers returns history rows for a tenant (optionally one rule) with
// the total count for pagination.
func (s *PostgresStore) ListTriggers(ctx context.Context, tenantID, ruleID string, limit, offset int) ([]TriggerHistory, int, error) {
	if limit < 1 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	where := "tenant_id = $1"
	args := []interface{}{tenantID}
	if ruleID != "" {
		where += " AND rule_id = $2"
		args = append(args, ruleID)
	}

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM guardrail_trigger_history WHERE %s`, where)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count trigger history: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, rule_id, tenant_id, triggered_at, condition_value,
		       condition_threshold, action_executed, COALESCE(action_result, ''), metadata
		FROM guardrail_trigger_history
		WHERE %s
		ORDER BY triggered_at DESC, id
		LIMIT %d OFFSET %d
	`, where, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query trigger history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []TriggerHistory
	for rows.Next() {
		var entry TriggerHistory
		var metadataJSON []byte

		if err := rows.Scan(
			&entry.ID, &entry.RuleID, &entry.TenantID, &entry.TriggeredAt,
			&entry.ConditionValue, &entry.ConditionThreshold,
			&entry.ActionExecuted, &entry.ActionResult, &metadataJSON,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan trigger history: %w", err)
		}

		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
				return nil, 0, fmt.Errorf("failed to unmarshal trigger metadata: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate trigger history: %w", err)
	}
	return entries, total, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*GuardrailRule, error) {
	rule := &GuardrailRule{}
	var conditionJSON, actionJSON []byte
	var conditionType, actionType, direction string
	var toolNames pq.StringArray

	err := row.Scan(
		&rule.ID, &rule.TenantID, &rule.Name, &rule.Description, &rule.Enabled,
		&conditionType, &conditionJSON, &actionType, &actionJSON, &rule.AgentID,
		&rule.CooldownMinutes, &rule.DryRun, &direction, &toolNames,
		&rule.Priority, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.ConditionType = ConditionType(conditionType)
	rule.ActionType = ActionType(actionType)
	rule.Direction = Direction(direction)
	rule.ToolNames = []string(toolNames)

	if err := json.Unmarshal(conditionJSON, &rule.ConditionConfig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal condition config: %w", err)
	}
	if err := json.Unmarshal(actionJSON, &rule.ActionConfig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal action config: %w", err)
	}
	return rule, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func joinUpdates(updates []string) string {
	return strings.Join(updates, ", ")
}
