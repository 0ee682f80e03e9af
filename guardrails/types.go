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

import "time"

// ConditionType identifies how a rule's condition is evaluated.
type ConditionType string

const (
	// Metric-class conditions, evaluated against ingested event aggregates.
	ConditionErrorRateThreshold   ConditionType = "error_rate_threshold"
	ConditionCostLimit            ConditionType = "cost_limit"
	ConditionHealthScoreThreshold ConditionType = "health_score_threshold"
	ConditionCustomMetric         ConditionType = "custom_metric"

	// Content-class conditions, evaluated against tool input/output text.
	ConditionPIIDetection      ConditionType = "pii_detection"
	ConditionSecretsDetection  ConditionType = "secrets_detection"
	ConditionContentRegex      ConditionType = "content_regex"
	ConditionToxicityDetection ConditionType = "toxicity_detection"
	ConditionPromptInjection   ConditionType = "prompt_injection"
)

// IsContentCondition reports whether t belongs to the content pipeline.
// A rule is either metric-class or content-class; the two pipelines never
// cross-evaluate the other's rules.
func IsContentCondition(t ConditionType) bool {
	switch t {
	case ConditionPIIDetection, ConditionSecretsDetection, ConditionContentRegex,
		ConditionToxicityDetection, ConditionPromptInjection:
		return true
	}
	return false
}

// ActionType identifies the side effect a triggered rule performs.
type ActionType string

const (
	// Metric-rule actions.
	ActionPauseAgent     ActionType = "pause_agent"
	ActionNotifyWebhook  ActionType = "notify_webhook"
	ActionDowngradeModel ActionType = "downgrade_model"
	ActionAgentGate      ActionType = "agentgate_policy"

	// Content-rule actions.
	ActionBlock          ActionType = "block"
	ActionRedact         ActionType = "redact"
	ActionAlert          ActionType = "alert"
	ActionLogAndContinue ActionType = "log_and_continue"
)

// contentActionPriority resolves conflicts when multiple content rules match
// in the same evaluation. Higher wins; unknown actions never win.
var contentActionPriority = map[ActionType]int{
	ActionBlock:          100,
	ActionRedact:         50,
	ActionAlert:          20,
	ActionLogAndContinue: 10,
}

// ContentActionPriority returns the conflict-resolution priority for a
// content action type, or 0 for unknown actions.
func ContentActionPriority(t ActionType) int {
	return contentActionPriority[t]
}

// Direction scopes a content rule to tool input, tool output, or both.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
	DirectionBoth   Direction = "both"
)

// GuardrailRule is a tenant-scoped policy combining a condition and an action.
// Condition and action configs are free-form JSON documents typed by their
// respective discriminators.
type GuardrailRule struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenantId"`
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	Enabled         bool           `json:"enabled"`
	ConditionType   ConditionType  `json:"conditionType"`
	ConditionConfig map[string]any `json:"conditionConfig"`
	ActionType      ActionType     `json:"actionType"`
	ActionConfig    map[string]any `json:"actionConfig"`
	AgentID         string         `json:"agentId,omitempty"` // empty = every agent in the tenant
	CooldownMinutes int            `json:"cooldownMinutes"`
	DryRun          bool           `json:"dryRun"`

	// Content-rule scoping. Direction empty or "both" applies to input and
	// output; empty ToolNames applies to every tool.
	Direction Direction `json:"direction,omitempty"`
	ToolNames []string  `json:"toolNames,omitempty"`
	Priority  int       `json:"priority,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AppliesToAgent reports whether the rule is in scope for the given agent.
func (r *GuardrailRule) AppliesToAgent(agentID string) bool {
	return r.AgentID == "" || r.AgentID == agentID
}

// AppliesToDirection reports whether a content rule covers the direction.
func (r *GuardrailRule) AppliesToDirection(d Direction) bool {
	return r.Direction == "" || r.Direction == DirectionBoth || r.Direction == d
}

// AppliesToTool reports whether a content rule covers the tool name.
func (r *GuardrailRule) AppliesToTool(toolName string) bool {
	if len(r.ToolNames) == 0 {
		return true
	}
	for _, name := range r.ToolNames {
		if name == toolName {
			return true
		}
	}
	return false
}

// GuardrailState is the per-(tenant, rule) runtime state row. It is created
// lazily on first evaluation and mutated on every metric-rule evaluation.
// Content rules are stateless except for trigger history.
type GuardrailState struct {
	TenantID        string     `json:"tenantId"`
	RuleID          string     `json:"ruleId"`
	LastTriggeredAt *time.Time `json:"lastTriggeredAt,omitempty"`
	TriggerCount    int        `json:"triggerCount"`
	LastEvaluatedAt *time.Time `json:"lastEvaluatedAt,omitempty"`
	CurrentValue    *float64   `json:"currentValue,omitempty"`
}

// InCooldown reports whether the rule's cooldown window is still open at now.
func (s *GuardrailState) InCooldown(cooldownMinutes int, now time.Time) bool {
	if s == nil || s.LastTriggeredAt == nil || cooldownMinutes <= 0 {
		return false
	}
	return now.Sub(*s.LastTriggeredAt) < time.Duration(cooldownMinutes)*time.Minute
}

// TriggerHistory is an append-only audit record of a rule activation.
// Rows are immutable once inserted.
type TriggerHistory struct {
	ID                 string         `json:"id"`
	RuleID             string         `json:"ruleId"`
	TenantID           string         `json:"tenantId"`
	TriggeredAt        time.Time      `json:"triggeredAt"`
	ConditionValue     float64        `json:"conditionValue"`
	ConditionThreshold float64        `json:"conditionThreshold"`
	ActionExecuted     bool           `json:"actionExecuted"`
	ActionResult       string         `json:"actionResult,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// IngestEvent is the notification payload published when an event lands in
// the ingestion pipeline. The rule engine only needs identity fields; the
// event body stays in the ingestion store.
type IngestEvent struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	AgentID   string    `json:"agentId"`
	SessionID string    `json:"sessionId,omitempty"`
	EventType string    `json:"eventType,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConditionResult is returned by a ConditionEvaluator.
type ConditionResult struct {
	Triggered    bool    `json:"triggered"`
	CurrentValue float64 `json:"currentValue"`
	Threshold    float64 `json:"threshold"`
	Message      string  `json:"message,omitempty"`
}

// ActionResult is returned by an ActionExecutor. A failed action is recorded
// and retried only on the next independent trigger.
type ActionResult struct {
	Success bool   `json:"success"`
	Result  string `json:"result"`
}

// ContentMatch is a span found by a scanner. Offsets are byte offsets into
// the scanned string. Overlapping spans are not merged; redaction assumes
// non-overlapping matches (behavior under overlap is undefined).
type ContentMatch struct {
	ConditionType  ConditionType `json:"conditionType"`
	PatternName    string        `json:"patternName"`
	Start          int           `json:"start"`
	End            int           `json:"end"`
	Confidence     float64       `json:"confidence"`
	RedactionToken string        `json:"redactionToken"`
}

// ContentContext carries the tool-call identity for a content evaluation.
type ContentContext struct {
	TenantID  string    `json:"tenantId"`
	AgentID   string    `json:"agentId"`
	SessionID string    `json:"sessionId,omitempty"`
	ToolName  string    `json:"toolName"`
	Direction Direction `json:"direction"`
}

// Decision is the outcome of a content evaluation.
type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionBlock  Decision = "block"
	DecisionRedact Decision = "redact"
)

// ContentResult is returned synchronously to the tool-call interceptor.
type ContentResult struct {
	Decision        Decision       `json:"decision"`
	Matches         []ContentMatch `json:"matches"`
	EvaluationMs    float64        `json:"evaluationMs"`
	RulesEvaluated  int            `json:"rulesEvaluated"`
	BlockingRuleID  string         `json:"blockingRuleId,omitempty"`
	RedactedContent string         `json:"redactedContent,omitempty"`
}
