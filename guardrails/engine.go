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
	"fmt"
	"sync"
	"time"

	"agentlens/platform/shared/logger"
)

// RuleEngine evaluates metric guardrail rules against ingested events. It
// subscribes to the event_ingested topic and reacts asynchronously; the
// ingestion path never observes evaluation outcomes or errors.
//
// Rules within one event are evaluated sequentially with per-rule error
// isolation. Cooldown is a best-effort anti-storm mechanism: two concurrent
// evaluations of the same rule can race past the cooldown check before
// either state write lands, which is an accepted window, not a bug.
type RuleEngine struct {
	store      Store
	evaluators *EvaluatorRegistry
	executors  *ExecutorRegistry
	bus        EventBus
	log        *logger.Logger
	now        func() time.Time

	mu      sync.Mutex
	subID   string
	started bool
}

// NewRuleEngine wires the engine to its collaborators. The bus is injected
// explicitly and the subscription lives between Start and Stop.
func NewRuleEngine(store Store, evaluators *EvaluatorRegistry, executors *ExecutorRegistry, bus EventBus) *RuleEngine {
	return &RuleEngine{
		store:      store,
		evaluators: evaluators,
		executors:  executors,
		bus:        bus,
		log:        logger.New("guardrail-engine"),
		now:        time.Now,
	}
}

// Start subscribes to the ingestion notification topic. Idempotent.
func (e *RuleEngine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.subID = e.bus.Subscribe(TopicEventIngested, func(ctx context.Context, evt IngestEvent) {
		e.EvaluateEvent(ctx, evt)
	})
	e.started = true
	e.log.Info("", "", "guardrail rule engine started", nil)
}

// Stop unsubscribes from the notification topic. Idempotent.
func (e *RuleEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	e.bus.Unsubscribe(TopicEventIngested, e.subID)
	e.subID = ""
	e.started = false
	e.log.Info("", "", "guardrail rule engine stopped", nil)
}

// EvaluateEvent runs all applicable metric rules for one ingested event.
// It never panics and returns nothing: failures are logged server-side and
// invisible to the ingestion path.
func (e *RuleEngine) EvaluateEvent(ctx context.Context, evt IngestEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error(evt.TenantID, "", "panic during rule evaluation", map[string]interface{}{
				"panic":    fmt.Sprint(r),
				"event_id": evt.ID,
			})
		}
	}()

	rules, err := e.store.ListEnabledRules(ctx, evt.TenantID, evt.AgentID)
	if err != nil {
		e.log.ErrorWithErr(evt.TenantID, "", "failed to load rules for event", err, map[string]interface{}{
			"event_id": evt.ID,
		})
		return
	}
	if len(rules) == 0 {
		return
	}

	// O(rules) per event, sequential. Fine at tens of rules per tenant.
	for i := range rules {
		rule := &rules[i]
		if IsContentCondition(rule.ConditionType) {
			continue
		}
		e.evaluateRule(ctx, rule, evt)
	}
}

// evaluateRule runs one rule in isolation: its failure cannot affect the
// remaining rules of the event.
func (e *RuleEngine) evaluateRule(ctx context.Context, rule *GuardrailRule, evt IngestEvent) {
	defer func() {
		if r := recover(); r != nil {
			promRuleEvaluations.WithLabelValues("error").Inc()
			e.log.Error(rule.TenantID, rule.ID, "panic during single-rule evaluation", map[string]interface{}{
				"panic": fmt.Sprint(r),
			})
		}
	}()

	// Defense in depth: the load step already excludes disabled rules.
	if !rule.Enabled {
		return
	}

	now := e.now().UTC()

	if rule.CooldownMinutes > 0 {
		state, err := e.store.GetState(ctx, rule.TenantID, rule.ID)
		if err != nil {
			promRuleEvaluations.WithLabelValues("error").Inc()
			e.log.ErrorWithErr(rule.TenantID, rule.ID, "failed to load rule state", err, nil)
			return
		}
		// In cooldown: no state write, no condition evaluation.
		if state.InCooldown(rule.CooldownMinutes, now) {
			promRuleEvaluations.WithLabelValues("cooldown").Inc()
			return
		}
	}

	evaluator := e.evaluators.Resolve(rule.ConditionType)
	if evaluator == nil {
		e.log.Warn(rule.TenantID, rule.ID, "no evaluator registered for condition type", map[string]interface{}{
			"condition_type": string(rule.ConditionType),
		})
		return
	}

	cond, err := evaluator.Evaluate(ctx, rule, evt.AgentID, evt.SessionID)
	if err != nil {
		promRuleEvaluations.WithLabelValues("error").Inc()
		e.log.ErrorWithErr(rule.TenantID, rule.ID, "condition evaluation failed", err, map[string]interface{}{
			"event_id": evt.ID,
		})
		return
	}

	// Written regardless of trigger so dashboards see the latest value.
	if err := e.store.UpsertEvaluation(ctx, rule.TenantID, rule.ID, now, cond.CurrentValue); err != nil {
		e.log.ErrorWithErr(rule.TenantID, rule.ID, "failed to record evaluation state", err, nil)
	}

	if !cond.Triggered {
		promRuleEvaluations.WithLabelValues("not_triggered").Inc()
		return
	}
	promRuleEvaluations.WithLabelValues("triggered").Inc()
	promRuleTriggers.WithLabelValues(string(rule.ActionType), fmt.Sprint(rule.DryRun)).Inc()

	action := e.executeAction(ctx, rule, cond, evt.AgentID)

	entry := &TriggerHistory{
		RuleID:             rule.ID,
		TenantID:           rule.TenantID,
		TriggeredAt:        now,
		ConditionValue:     cond.CurrentValue,
		ConditionThreshold: cond.Threshold,
		ActionExecuted:     action.Success,
		ActionResult:       action.Result,
		Metadata: map[string]any{
			"agentId":   evt.AgentID,
			"sessionId": evt.SessionID,
			"eventId":   evt.ID,
			"dryRun":    rule.DryRun,
			"message":   cond.Message,
		},
	}
	if err := e.store.InsertTrigger(ctx, entry); err != nil {
		e.log.ErrorWithErr(rule.TenantID, rule.ID, "failed to insert trigger history", err, nil)
	}

	// Restarts the cooldown window, dry-run included.
	if err := e.store.MarkTriggered(ctx, rule.TenantID, rule.ID, now); err != nil {
		e.log.ErrorWithErr(rule.TenantID, rule.ID, "failed to record trigger state", err, nil)
	}

	e.log.Info(rule.TenantID, rule.ID, "guardrail rule triggered", map[string]interface{}{
		"value":     cond.CurrentValue,
		"threshold": cond.Threshold,
		"action":    string(rule.ActionType),
		"dry_run":   rule.DryRun,
		"executed":  action.Success,
	})
}

// executeAction performs the rule's side effect, honoring dry-run, and never
// lets an executor failure escape.
func (e *RuleEngine) executeAction(ctx context.Context, rule *GuardrailRule, cond ConditionResult, agentID string) (action ActionResult) {
	if rule.DryRun {
		return ActionResult{Success: false, Result: "dry_run"}
	}

	defer func() {
		if r := recover(); r != nil {
			action = ActionResult{Success: false, Result: fmt.Sprintf("action executor panic: %v", r)}
			e.log.Error(rule.TenantID, rule.ID, "action executor panicked", map[string]interface{}{
				"panic": fmt.Sprint(r),
			})
		}
	}()

	executor := e.executors.Resolve(rule.ActionType)
	if executor == nil {
		return ActionResult{Success: false, Result: fmt.Sprintf("no executor registered for action type %q", rule.ActionType)}
	}

	return executor.Execute(ctx, rule, cond, agentID)
}
