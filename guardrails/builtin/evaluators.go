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

package builtin

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"agentlens/platform/guardrails"
)

// MetricSource supplies the aggregates the builtin condition evaluators
// compare against their thresholds. Implementations own the formulas; the
// evaluators only decide whether a threshold is breached.
type MetricSource interface {
	// ErrorRate returns the percentage (0-100) of failed events in the window.
	ErrorRate(ctx context.Context, tenantID, agentID string, window time.Duration) (float64, error)
	// CostTotal returns the summed cost in USD over the window.
	CostTotal(ctx context.Context, tenantID, agentID string, window time.Duration) (float64, error)
	// HealthScore returns the agent's current health score (0-100).
	HealthScore(ctx context.Context, tenantID, agentID string) (float64, error)
	// MetricValue returns the latest value of a named custom metric.
	MetricValue(ctx context.Context, tenantID, agentID, name string, window time.Duration) (float64, error)
}

const defaultMetricWindow = 5 * time.Minute

// configWindow reads windowMinutes from a rule's condition config.
func configWindow(config map[string]any) time.Duration {
	if minutes, ok := configFloat(config, "windowMinutes"); ok && minutes > 0 {
		return time.Duration(minutes * float64(time.Minute))
	}
	return defaultMetricWindow
}

func configFloat(config map[string]any, key string) (float64, bool) {
	switch v := config[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// ErrorRateEvaluator triggers when the error rate over the configured window
// exceeds the threshold percentage.
type ErrorRateEvaluator struct {
	source MetricSource
}

// NewErrorRateEvaluator creates the evaluator on a metric source.
func NewErrorRateEvaluator(source MetricSource) *ErrorRateEvaluator {
	return &ErrorRateEvaluator{source: source}
}

// Evaluate compares the windowed error rate against conditionConfig.threshold.
func (e *ErrorRateEvaluator) Evaluate(ctx context.Context, rule *guardrails.GuardrailRule, agentID, _ string) (guardrails.ConditionResult, error) {
	threshold, ok := configFloat(rule.ConditionConfig, "threshold")
	if !ok {
		return guardrails.ConditionResult{}, fmt.Errorf("error_rate_threshold rule %s has no threshold", rule.ID)
	}

	rate, err := e.source.ErrorRate(ctx, rule.TenantID, agentID, configWindow(rule.ConditionConfig))
	if err != nil {
		return guardrails.ConditionResult{}, fmt.Errorf("failed to compute error rate: %w", err)
	}

	return guardrails.ConditionResult{
		Triggered:    rate > threshold,
		CurrentValue: rate,
		Threshold:    threshold,
		Message:      fmt.Sprintf("error rate %.2f%% against threshold %.2f%%", rate, threshold),
	}, nil
}

// CostLimitEvaluator triggers when windowed spend exceeds the limit.
type CostLimitEvaluator struct {
	source MetricSource
}

// NewCostLimitEvaluator creates the evaluator on a metric source.
func NewCostLimitEvaluator(source MetricSource) *CostLimitEvaluator {
	return &CostLimitEvaluator{source: source}
}

// Evaluate compares windowed spend against conditionConfig.limitUsd.
func (e *CostLimitEvaluator) Evaluate(ctx context.Context, rule *guardrails.GuardrailRule, agentID, _ string) (guardrails.ConditionResult, error) {
	limit, ok := configFloat(rule.ConditionConfig, "limitUsd")
	if !ok {
		limit, ok = configFloat(rule.ConditionConfig, "threshold")
	}
	if !ok {
		return guardrails.ConditionResult{}, fmt.Errorf("cost_limit rule %s has no limit", rule.ID)
	}

	total, err := e.source.CostTotal(ctx, rule.TenantID, agentID, configWindow(rule.ConditionConfig))
	if err != nil {
		return guardrails.ConditionResult{}, fmt.Errorf("failed to compute cost total: %w", err)
	}

	return guardrails.ConditionResult{
		Triggered:    total > limit,
		CurrentValue: total,
		Threshold:    limit,
		Message:      fmt.Sprintf("spend $%.4f against limit $%.4f", total, limit),
	}, nil
}

// HealthScoreEvaluator triggers when the agent's health score drops below
// the threshold.
type HealthScoreEvaluator struct {
	source MetricSource
}

// NewHealthScoreEvaluator creates the evaluator on a metric source.
func NewHealthScoreEvaluator(source MetricSource) *HealthScoreEvaluator {
	return &HealthScoreEvaluator{source: source}
}

// Evaluate compares the health score against conditionConfig.threshold.
func (e *HealthScoreEvaluator) Evaluate(ctx context.Context, rule *guardrails.GuardrailRule, agentID, _ string) (guardrails.ConditionResult, error) {
	threshold, ok := configFloat(rule.ConditionConfig, "threshold")
	if !ok {
		return guardrails.ConditionResult{}, fmt.Errorf("health_score_threshold rule %s has no threshold", rule.ID)
	}

	score, err := e.source.HealthScore(ctx, rule.TenantID, agentID)
	if err != nil {
		return guardrails.ConditionResult{}, fmt.Errorf("failed to compute health score: %w", err)
	}

	return guardrails.ConditionResult{
		Triggered:    score < threshold,
		CurrentValue: score,
		Threshold:    threshold,
		Message:      fmt.Sprintf("health score %.1f against floor %.1f", score, threshold),
	}, nil
}

// CustomMetricEvaluator compares a named metric against a threshold using a
// configurable operator: {"metric": "...", "threshold": n, "operator": "gt|lt|gte|lte"}.
type CustomMetricEvaluator struct {
	source MetricSource
}

// NewCustomMetricEvaluator creates the evaluator on a metric source.
func NewCustomMetricEvaluator(source MetricSource) *CustomMetricEvaluator {
	return &CustomMetricEvaluator{source: source}
}

// Evaluate compares the named metric using the configured operator.
func (e *CustomMetricEvaluator) Evaluate(ctx context.Context, rule *guardrails.GuardrailRule, agentID, _ string) (guardrails.ConditionResult, error) {
	name, _ := rule.ConditionConfig["metric"].(string)
	if name == "" {
		return guardrails.ConditionResult{}, fmt.Errorf("custom_metric rule %s has no metric name", rule.ID)
	}
	threshold, ok := configFloat(rule.ConditionConfig, "threshold")
	if !ok {
		return guardrails.ConditionResult{}, fmt.Errorf("custom_metric rule %s has no threshold", rule.ID)
	}

	value, err := e.source.MetricValue(ctx, rule.TenantID, agentID, name, configWindow(rule.ConditionConfig))
	if err != nil {
		return guardrails.ConditionResult{}, fmt.Errorf("failed to read metric %s: %w", name, err)
	}

	operator, _ := rule.ConditionConfig["operator"].(string)
	var triggered bool
	switch operator {
	case "lt":
		triggered = value < threshold
	case "lte":
		triggered = value <= threshold
	case "gte":
		triggered = value >= threshold
	case "gt", "":
		triggered = value > threshold
	default:
		return guardrails.ConditionResult{}, fmt.Errorf("custom_metric rule %s has unknown operator %q", rule.ID, operator)
	}

	return guardrails.ConditionResult{
		Triggered:    triggered,
		CurrentValue: value,
		Threshold:    threshold,
		Message:      fmt.Sprintf("metric %s = %.4f (%s %.4f)", name, value, operator, threshold),
	}, nil
}

// RegisterEvaluators binds the builtin evaluators to their condition types.
func RegisterEvaluators(reg *guardrails.EvaluatorRegistry, source MetricSource) {
	reg.Register(guardrails.ConditionErrorRateThreshold, NewErrorRateEvaluator(source))
	reg.Register(guardrails.ConditionCostLimit, NewCostLimitEvaluator(source))
	reg.Register(guardrails.ConditionHealthScoreThreshold, NewHealthScoreEvaluator(source))
	reg.Register(guardrails.ConditionCustomMetric, NewCustomMetricEvaluator(source))
}

// PostgresMetricSource computes aggregates from the events table the
// ingestion pipeline writes to.
type PostgresMetricSource struct {
	db *sql.DB
}

// NewPostgresMetricSource creates a metric source bound to db.
func NewPostgresMetricSource(db *sql.DB) *PostgresMetricSource {
	return &PostgresMetricSource{db: db}
}

// ErrorRate returns the percentage of error-status events in the window.
// Zero events in the window reads as a zero rate.
func (s *PostgresMetricSource) ErrorRate(ctx context.Context, tenantID, agentID string, window time.Duration) (float64, error) {
	query := `
		SELECT COUNT(*) FILTER (WHERE status = 'error'), COUNT(*)
		FROM events
		WHERE tenant_id = $1 AND agent_id = $2 AND timestamp >= $3
	`

	var errors, total int
	since := time.Now().UTC().Add(-window)
	if err := s.db.QueryRowContext(ctx, query, tenantID, agentID, since).Scan(&errors, &total); err != nil {
		return 0, fmt.Errorf("failed to query error rate: %w", err)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(errors) / float64(total) * 100, nil
}

// CostTotal returns the summed event cost over the window.
func (s *PostgresMetricSource) CostTotal(ctx context.Context, tenantID, agentID string, window time.Duration) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM events
		WHERE tenant_id = $1 AND agent_id = $2 AND timestamp >= $3
	`

	var total float64
	since := time.Now().UTC().Add(-window)
	if err := s.db.QueryRowContext(ctx, query, tenantID, agentID, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to query cost total: %w", err)
	}
	return total, nil
}

// HealthScore returns the most recent health snapshot for the agent, or 100
// when none has been recorded.
func (s *PostgresMetricSource) HealthScore(ctx context.Context, tenantID, agentID string) (float64, error) {
	query := `
		SELECT score FROM agent_health
		WHERE tenant_id = $1 AND agent_id = $2
		ORDER BY recorded_at DESC
		LIMIT 1
	`

	var score float64
	err := s.db.QueryRowContext(ctx, query, tenantID, agentID).Scan(&score)
	if err == sql.ErrNoRows {
		return 100, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query health score: %w", err)
	}
	return score, nil
}

// MetricValue returns the latest value of a named metric within the window.
// A metric with no samples reads as zero.
func (s *PostgresMetricSource) MetricValue(ctx context.Context, tenantID, agentID, name string, window time.Duration) (float64, error) {
	query := `
		SELECT value FROM agent_metrics
		WHERE tenant_id = $1 AND agent_id = $2 AND name = $3 AND recorded_at >= $4
		ORDER BY recorded_at DESC
		LIMIT 1
	`

	var value float64
	since := time.Now().UTC().Add(-window)
	err := s.db.QueryRowContext(ctx, query, tenantID, agentID, name, since).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query metric %s: %w", name, err)
	}
	return value, nil
}
