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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"agentlens/platform/guardrails"
)

// AgentController applies engine decisions to running agents. The platform's
// agent registry implements it; tests use a fake.
type AgentController interface {
	PauseAgent(ctx context.Context, tenantID, agentID, reason string) error
	SetModelOverride(ctx context.Context, tenantID, agentID, model string) error
}

// PauseAgentExecutor suspends the offending agent through the controller.
type PauseAgentExecutor struct {
	controller AgentController
}

// NewPauseAgentExecutor creates the executor on an agent controller.
func NewPauseAgentExecutor(controller AgentController) *PauseAgentExecutor {
	return &PauseAgentExecutor{controller: controller}
}

// Execute pauses the agent named by the event, or the rule's pinned agent
// for tenant-global events with no agent identity.
func (e *PauseAgentExecutor) Execute(ctx context.Context, rule *guardrails.GuardrailRule, cond guardrails.ConditionResult, agentID string) guardrails.ActionResult {
	target := agentID
	if target == "" {
		target = rule.AgentID
	}
	if target == "" {
		return guardrails.ActionResult{Success: false, Result: "no agent to pause"}
	}

	reason := fmt.Sprintf("guardrail %s: %s", rule.Name, cond.Message)
	if err := e.controller.PauseAgent(ctx, rule.TenantID, target, reason); err != nil {
		return guardrails.ActionResult{Success: false, Result: fmt.Sprintf("pause failed: %v", err)}
	}
	return guardrails.ActionResult{Success: true, Result: fmt.Sprintf("paused agent %s", target)}
}

// webhookPayload is the JSON body posted by NotifyWebhookExecutor.
type webhookPayload struct {
	RuleID    string  `json:"ruleId"`
	RuleName  string  `json:"ruleName"`
	TenantID  string  `json:"tenantId"`
	AgentID   string  `json:"agentId,omitempty"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Message   string  `json:"message,omitempty"`
	Timestamp string  `json:"timestamp"`
}

// NotifyWebhookExecutor posts the trigger to the URL in the rule's action
// config: {"url": "...", "secret": "..."}. The optional secret is sent as
// an X-Guardrail-Token header for receiver-side verification.
type NotifyWebhookExecutor struct {
	client *http.Client
}

// NewNotifyWebhookExecutor creates the executor. client may be nil; a
// 10-second-timeout default is used.
func NewNotifyWebhookExecutor(client *http.Client) *NotifyWebhookExecutor {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &NotifyWebhookExecutor{client: client}
}

// Execute delivers the webhook once; a failed delivery is recorded, not
// retried.
func (e *NotifyWebhookExecutor) Execute(ctx context.Context, rule *guardrails.GuardrailRule, cond guardrails.ConditionResult, agentID string) guardrails.ActionResult {
	url, _ := rule.ActionConfig["url"].(string)
	if url == "" {
		return guardrails.ActionResult{Success: false, Result: "notify_webhook rule has no url"}
	}

	payload, err := json.Marshal(webhookPayload{
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		TenantID:  rule.TenantID,
		AgentID:   agentID,
		Value:     cond.CurrentValue,
		Threshold: cond.Threshold,
		Message:   cond.Message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return guardrails.ActionResult{Success: false, Result: fmt.Sprintf("failed to encode payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return guardrails.ActionResult{Success: false, Result: fmt.Sprintf("failed to build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if secret, _ := rule.ActionConfig["secret"].(string); secret != "" {
		req.Header.Set("X-Guardrail-Token", secret)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return guardrails.ActionResult{Success: false, Result: fmt.Sprintf("webhook delivery failed: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return guardrails.ActionResult{Success: false, Result: fmt.Sprintf("webhook returned status %d", resp.StatusCode)}
	}
	return guardrails.ActionResult{Success: true, Result: fmt.Sprintf("webhook delivered to %s", url)}
}

// DowngradeModelExecutor switches the agent to the cheaper model named in
// the rule's action config: {"model": "..."}.
type DowngradeModelExecutor struct {
	controller AgentController
}

// NewDowngradeModelExecutor creates the executor on an agent controller.
func NewDowngradeModelExecutor(controller AgentController) *DowngradeModelExecutor {
	return &DowngradeModelExecutor{controller: controller}
}

// Execute records the model override through the controller.
func (e *DowngradeModelExecutor) Execute(ctx context.Context, rule *guardrails.GuardrailRule, _ guardrails.ConditionResult, agentID string) guardrails.ActionResult {
	model, _ := rule.ActionConfig["model"].(string)
	if model == "" {
		return guardrails.ActionResult{Success: false, Result: "downgrade_model rule has no model"}
	}

	target := agentID
	if target == "" {
		target = rule.AgentID
	}
	if target == "" {
		return guardrails.ActionResult{Success: false, Result: "no agent to downgrade"}
	}

	if err := e.controller.SetModelOverride(ctx, rule.TenantID, target, model); err != nil {
		return guardrails.ActionResult{Success: false, Result: fmt.Sprintf("downgrade failed: %v", err)}
	}
	return guardrails.ActionResult{Success: true, Result: fmt.Sprintf("agent %s downgraded to %s", target, model)}
}

// AgentGatePolicyExecutor pushes a policy update to an external AgentGate
// endpoint: action config {"endpoint": "...", "policy": {...}}.
type AgentGatePolicyExecutor struct {
	client *http.Client
}

// NewAgentGatePolicyExecutor creates the executor. client may be nil; a
// 10-second-timeout default is used.
func NewAgentGatePolicyExecutor(client *http.Client) *AgentGatePolicyExecutor {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &AgentGatePolicyExecutor{client: client}
}

// Execute posts the configured policy document to the gate endpoint.
func (e *AgentGatePolicyExecutor) Execute(ctx context.Context, rule *guardrails.GuardrailRule, cond guardrails.ConditionResult, agentID string) guardrails.ActionResult {
	endpoint, _ := rule.ActionConfig["endpoint"].(string)
	if endpoint == "" {
		return guardrails.ActionResult{Success: false, Result: "agentgate_policy rule has no endpoint"}
	}

	body := map[string]any{
		"ruleId":   rule.ID,
		"tenantId": rule.TenantID,
		"agentId":  agentID,
		"policy":   rule.ActionConfig["policy"],
		"trigger": map[string]any{
			"value":     cond.CurrentValue,
			"threshold": cond.Threshold,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return guardrails.ActionResult{Success: false, Result: fmt.Sprintf("failed to encode policy: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return guardrails.ActionResult{Success: false, Result: fmt.Sprintf("failed to build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return guardrails.ActionResult{Success: false, Result: fmt.Sprintf("policy push failed: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return guardrails.ActionResult{Success: false, Result: fmt.Sprintf("gate returned status %d", resp.StatusCode)}
	}
	return guardrails.ActionResult{Success: true, Result: "policy update delivered"}
}

// RegisterExecutors binds the builtin executors to their action types.
func RegisterExecutors(reg *guardrails.ExecutorRegistry, controller AgentController, client *http.Client) {
	reg.Register(guardrails.ActionPauseAgent, NewPauseAgentExecutor(controller))
	reg.Register(guardrails.ActionNotifyWebhook, NewNotifyWebhookExecutor(client))
	reg.Register(guardrails.ActionDowngradeModel, NewDowngradeModelExecutor(controller))
	reg.Register(guardrails.ActionAgentGate, NewAgentGatePolicyExecutor(client))
}
