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
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeStore records engine writes and serves canned rules and state.
type fakeStore struct {
	mu sync.Mutex

	rules    []GuardrailRule
	listErr  error
	states   map[string]*GuardrailState
	stateErr error

	listCalls    int
	upsertCalls  []upsertCall
	markCalls    []markCall
	triggerRows  []TriggerHistory
	insertErr    error
	insertedWait chan struct{}
}

type upsertCall struct {
	tenantID, ruleID string
	currentValue     float64
}

type markCall struct {
	tenantID, ruleID string
	triggeredAt      time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: make(map[string]*GuardrailState)}
}

func (s *fakeStore) CreateRule(_ context.Context, rule *GuardrailRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, *rule)
	return nil
}

func (s *fakeStore) GetRule(_ context.Context, tenantID, ruleID string) (*GuardrailRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rules {
		if s.rules[i].ID == ruleID && s.rules[i].TenantID == tenantID {
			rule := s.rules[i]
			return &rule, nil
		}
	}
	return nil, ErrRuleNotFound
}

func (s *fakeStore) UpdateRule(context.Context, string, string, *UpdateRuleParams) (*GuardrailRule, error) {
	return nil, ErrRuleNotFound
}

func (s *fakeStore) DeleteRule(context.Context, string, string) error { return ErrRuleNotFound }

func (s *fakeStore) ListRules(_ context.Context, tenantID string) ([]GuardrailRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []GuardrailRule
	for _, r := range s.rules {
		if r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) ListEnabledRules(_ context.Context, tenantID, agentID string) ([]GuardrailRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []GuardrailRule
	for _, r := range s.rules {
		if r.TenantID == tenantID && r.Enabled && r.AppliesToAgent(agentID) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) GetState(_ context.Context, tenantID, ruleID string) (*GuardrailState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stateErr != nil {
		return nil, s.stateErr
	}
	return s.states[tenantID+"/"+ruleID], nil
}

func (s *fakeStore) UpsertEvaluation(_ context.Context, tenantID, ruleID string, _ time.Time, currentValue float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertCalls = append(s.upsertCalls, upsertCall{tenantID, ruleID, currentValue})
	return nil
}

func (s *fakeStore) MarkTriggered(_ context.Context, tenantID, ruleID string, triggeredAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markCalls = append(s.markCalls, markCall{tenantID, ruleID, triggeredAt})
	return nil
}

func (s *fakeStore) InsertTrigger(_ context.Context, entry *TriggerHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.triggerRows = append(s.triggerRows, *entry)
	if s.insertedWait != nil {
		close(s.insertedWait)
		s.insertedWait = nil
	}
	return nil
}

func (s *fakeStore) RecentTriggers(_ context.Context, tenantID, ruleID string, limit int) ([]TriggerHistory, error) {
	entries, _, err := s.ListTriggers(context.Background(), tenantID, ruleID, limit, 0)
	return entries, err
}

func (s *fakeStore) ListTriggers(_ context.Context, tenantID, ruleID string, _, _ int) ([]TriggerHistory, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TriggerHistory
	for _, t := range s.triggerRows {
		if t.TenantID == tenantID && (ruleID == "" || t.RuleID == ruleID) {
			out = append(out, t)
		}
	}
	return out, len(out), nil
}

// funcEvaluator adapts a function to ConditionEvaluator.
type funcEvaluator func(ctx context.Context, rule *GuardrailRule, agentID, sessionID string) (ConditionResult, error)

func (f funcEvaluator) Evaluate(ctx context.Context, rule *GuardrailRule, agentID, sessionID string) (ConditionResult, error) {
	return f(ctx, rule, agentID, sessionID)
}

// recordingExecutor counts executions and returns a canned result.
type recordingExecutor struct {
	mu     sync.Mutex
	calls  int
	result ActionResult
	panics bool
}

func (e *recordingExecutor) Execute(context.Context, *GuardrailRule, ConditionResult, string) ActionResult {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.panics {
		panic("executor exploded")
	}
	return e.result
}

func (e *recordingExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func metricRule(id string, threshold float64) GuardrailRule {
	return GuardrailRule{
		ID:              id,
		TenantID:        "tenant-1",
		Name:            "high error rate",
		Enabled:         true,
		ConditionType:   ConditionErrorRateThreshold,
		ConditionConfig: map[string]any{"threshold": threshold},
		ActionType:      ActionPauseAgent,
		ActionConfig:    map[string]any{},
	}
}

func testEvent() IngestEvent {
	return IngestEvent{
		ID:        "evt-1",
		TenantID:  "tenant-1",
		AgentID:   "agent-1",
		SessionID: "sess-1",
		Timestamp: time.Now().UTC(),
	}
}

func newTestEngine(store *fakeStore) (*RuleEngine, *EvaluatorRegistry, *ExecutorRegistry) {
	evaluators := NewEvaluatorRegistry()
	executors := NewExecutorRegistry()
	engine := NewRuleEngine(store, evaluators, executors, NewInProcessBus())
	return engine, evaluators, executors
}

func TestEvaluateEventTriggersAction(t *testing.T) {
	store := newFakeStore()
	store.rules = []GuardrailRule{metricRule("rule-1", 10)}

	engine, evaluators, executors := newTestEngine(store)
	evaluators.Register(ConditionErrorRateThreshold, funcEvaluator(
		func(_ context.Context, rule *GuardrailRule, _, _ string) (ConditionResult, error) {
			return ConditionResult{Triggered: true, CurrentValue: 42, Threshold: 10}, nil
		}))
	exec := &recordingExecutor{result: ActionResult{Success: true, Result: "agent paused"}}
	executors.Register(ActionPauseAgent, exec)

	engine.EvaluateEvent(context.Background(), testEvent())

	if exec.callCount() != 1 {
		t.Fatalf("expected 1 execution, got %d", exec.callCount())
	}
	if len(store.upsertCalls) != 1 || store.upsertCalls[0].currentValue != 42 {
		t.Errorf("expected evaluation upsert with value 42, got %+v", store.upsertCalls)
	}
	if len(store.markCalls) != 1 {
		t.Errorf("expected MarkTriggered, got %d calls", len(store.markCalls))
	}
	if len(store.triggerRows) != 1 {
		t.Fatalf("expected 1 trigger history row, got %d", len(store.triggerRows))
	}
	row := store.triggerRows[0]
	if !row.ActionExecuted || row.ActionResult != "agent paused" {
		t.Errorf("unexpected history row: %+v", row)
	}
	if row.Metadata["agentId"] != "agent-1" || row.Metadata["eventId"] != "evt-1" {
		t.Errorf("history metadata missing event identity: %+v", row.Metadata)
	}
}

func TestEvaluateEventStateWrittenWhenNotTriggered(t *testing.T) {
	store := newFakeStore()
	store.rules = []GuardrailRule{metricRule("rule-1", 10)}

	engine, evaluators, executors := newTestEngine(store)
	evaluators.Register(ConditionErrorRateThreshold, funcEvaluator(
		func(context.Context, *GuardrailRule, string, string) (ConditionResult, error) {
			return ConditionResult{Triggered: false, CurrentValue: 3, Threshold: 10}, nil
		}))
	exec := &recordingExecutor{}
	executors.Register(ActionPauseAgent, exec)

	engine.EvaluateEvent(context.Background(), testEvent())

	if len(store.upsertCalls) != 1 || store.upsertCalls[0].currentValue != 3 {
		t.Errorf("expected evaluation upsert with value 3, got %+v", store.upsertCalls)
	}
	if exec.callCount() != 0 {
		t.Errorf("executor must not run when condition is not triggered")
	}
	if len(store.markCalls) != 0 || len(store.triggerRows) != 0 {
		t.Errorf("no trigger writes expected: marks=%d rows=%d", len(store.markCalls), len(store.triggerRows))
	}
}

func TestEvaluateEventCooldownSkipsEvaluation(t *testing.T) {
	store := newFakeStore()
	rule := metricRule("rule-1", 10)
	rule.CooldownMinutes = 30
	store.rules = []GuardrailRule{rule}

	lastTriggered := time.Now().UTC().Add(-5 * time.Minute)
	store.states["tenant-1/rule-1"] = &GuardrailState{
		TenantID:        "tenant-1",
		RuleID:          "rule-1",
		LastTriggeredAt: &lastTriggered,
		TriggerCount:    1,
	}

	engine, evaluators, executors := newTestEngine(store)
	evaluated := false
	evaluators.Register(ConditionErrorRateThreshold, funcEvaluator(
		func(context.Context, *GuardrailRule, string, string) (ConditionResult, error) {
			evaluated = true
			return ConditionResult{Triggered: true, CurrentValue: 99, Threshold: 10}, nil
		}))
	exec := &recordingExecutor{}
	executors.Register(ActionPauseAgent, exec)

	engine.EvaluateEvent(context.Background(), testEvent())

	if evaluated {
		t.Error("condition must not be evaluated during cooldown")
	}
	if len(store.upsertCalls) != 0 || len(store.markCalls) != 0 || len(store.triggerRows) != 0 {
		t.Errorf("cooldown skip must perform zero writes: %+v %+v %+v",
			store.upsertCalls, store.markCalls, store.triggerRows)
	}
}

func TestEvaluateEventCooldownExpired(t *testing.T) {
	store := newFakeStore()
	rule := metricRule("rule-1", 10)
	rule.CooldownMinutes = 30
	store.rules = []GuardrailRule{rule}

	lastTriggered := time.Now().UTC().Add(-31 * time.Minute)
	store.states["tenant-1/rule-1"] = &GuardrailState{
		TenantID:        "tenant-1",
		RuleID:          "rule-1",
		LastTriggeredAt: &lastTriggered,
		TriggerCount:    1,
	}

	engine, evaluators, executors := newTestEngine(store)
	evaluators.Register(ConditionErrorRateThreshold, funcEvaluator(
		func(context.Context, *GuardrailRule, string, string) (ConditionResult, error) {
			return ConditionResult{Triggered: true, CurrentValue: 50, Threshold: 10}, nil
		}))
	exec := &recordingExecutor{result: ActionResult{Success: true, Result: "ok"}}
	executors.Register(ActionPauseAgent, exec)

	engine.EvaluateEvent(context.Background(), testEvent())

	if exec.callCount() != 1 {
		t.Errorf("expected execution after cooldown expiry, got %d", exec.callCount())
	}
	if len(store.markCalls) != 1 {
		t.Errorf("expected MarkTriggered after cooldown expiry")
	}
}

func TestEvaluateEventNoCooldownSkipsStateRead(t *testing.T) {
	store := newFakeStore()
	store.rules = []GuardrailRule{metricRule("rule-1", 10)}
	store.stateErr = errors.New("state table unavailable")

	engine, evaluators, executors := newTestEngine(store)
	evaluators.Register(ConditionErrorRateThreshold, funcEvaluator(
		func(context.Context, *GuardrailRule, string, string) (ConditionResult, error) {
			return ConditionResult{Triggered: false, CurrentValue: 1, Threshold: 10}, nil
		}))
	executors.Register(ActionPauseAgent, &recordingExecutor{})

	// Cooldown 0 must not read state, so the stubbed error never surfaces.
	engine.EvaluateEvent(context.Background(), testEvent())

	if len(store.upsertCalls) != 1 {
		t.Errorf("expected evaluation to proceed without a state read, got %+v", store.upsertCalls)
	}
}

func TestEvaluateEventDryRun(t *testing.T) {
	store := newFakeStore()
	rule := metricRule("rule-1", 10)
	rule.DryRun = true
	store.rules = []GuardrailRule{rule}

	engine, evaluators, executors := newTestEngine(store)
	evaluators.Register(ConditionErrorRateThreshold, funcEvaluator(
		func(context.Context, *GuardrailRule, string, string) (ConditionResult, error) {
			return ConditionResult{Triggered: true, CurrentValue: 42, Threshold: 10}, nil
		}))
	exec := &recordingExecutor{result: ActionResult{Success: true, Result: "should not run"}}
	executors.Register(ActionPauseAgent, exec)

	engine.EvaluateEvent(context.Background(), testEvent())

	if exec.callCount() != 0 {
		t.Error("dry-run rule must not execute its action")
	}
	if len(store.triggerRows) != 1 {
		t.Fatalf("dry-run trigger must still be recorded, got %d rows", len(store.triggerRows))
	}
	row := store.triggerRows[0]
	if row.ActionExecuted || row.ActionResult != "dry_run" {
		t.Errorf("dry-run history row should carry dry_run result: %+v", row)
	}
	if len(store.markCalls) != 1 {
		t.Error("dry-run trigger must still restart the cooldown window")
	}
}

func TestEvaluateEventSkipsContentRules(t *testing.T) {
	store := newFakeStore()
	contentRule := GuardrailRule{
		ID:            "rule-content",
		TenantID:      "tenant-1",
		Enabled:       true,
		ConditionType: ConditionPIIDetection,
		ActionType:    ActionRedact,
	}
	store.rules = []GuardrailRule{contentRule, metricRule("rule-1", 10)}

	engine, evaluators, executors := newTestEngine(store)
	var evaluatedRules []string
	evaluators.Register(ConditionErrorRateThreshold, funcEvaluator(
		func(_ context.Context, rule *GuardrailRule, _, _ string) (ConditionResult, error) {
			evaluatedRules = append(evaluatedRules, rule.ID)
			return ConditionResult{}, nil
		}))
	executors.Register(ActionPauseAgent, &recordingExecutor{})

	engine.EvaluateEvent(context.Background(), testEvent())

	if len(evaluatedRules) != 1 || evaluatedRules[0] != "rule-1" {
		t.Errorf("only the metric rule should be evaluated, got %v", evaluatedRules)
	}
}

func TestEvaluateEventRuleErrorIsolation(t *testing.T) {
	store := newFakeStore()
	broken := metricRule("rule-broken", 10)
	healthy := metricRule("rule-healthy", 10)
	healthy.ConditionType = ConditionCostLimit
	store.rules = []GuardrailRule{broken, healthy}

	engine, evaluators, executors := newTestEngine(store)
	evaluators.Register(ConditionErrorRateThreshold, funcEvaluator(
		func(context.Context, *GuardrailRule, string, string) (ConditionResult, error) {
			return ConditionResult{}, errors.New("metric backend down")
		}))
	evaluators.Register(ConditionCostLimit, funcEvaluator(
		func(context.Context, *GuardrailRule, string, string) (ConditionResult, error) {
			return ConditionResult{Triggered: true, CurrentValue: 120, Threshold: 100}, nil
		}))
	exec := &recordingExecutor{result: ActionResult{Success: true, Result: "ok"}}
	executors.Register(ActionPauseAgent, exec)

	engine.EvaluateEvent(context.Background(), testEvent())

	if exec.callCount() != 1 {
		t.Errorf("healthy rule must still run after a failing rule, got %d executions", exec.callCount())
	}
	// The failing rule must leave no state behind.
	for _, call := range store.upsertCalls {
		if call.ruleID == "rule-broken" {
			t.Error("failed evaluation must not write state")
		}
	}
}

func TestEvaluateEventMissingEvaluator(t *testing.T) {
	store := newFakeStore()
	store.rules = []GuardrailRule{metricRule("rule-1", 10)}

	engine, _, _ := newTestEngine(store)
	engine.EvaluateEvent(context.Background(), testEvent())

	if len(store.upsertCalls) != 0 || len(store.triggerRows) != 0 {
		t.Errorf("unresolvable condition type must be a no-op, got %+v", store.upsertCalls)
	}
}

func TestEvaluateEventExecutorPanicIsRecorded(t *testing.T) {
	store := newFakeStore()
	store.rules = []GuardrailRule{metricRule("rule-1", 10)}

	engine, evaluators, executors := newTestEngine(store)
	evaluators.Register(ConditionErrorRateThreshold, funcEvaluator(
		func(context.Context, *GuardrailRule, string, string) (ConditionResult, error) {
			return ConditionResult{Triggered: true, CurrentValue: 42, Threshold: 10}, nil
		}))
	executors.Register(ActionPauseAgent, &recordingExecutor{panics: true})

	engine.EvaluateEvent(context.Background(), testEvent())

	if len(store.triggerRows) != 1 {
		t.Fatalf("trigger must be recorded despite executor panic, got %d rows", len(store.triggerRows))
	}
	if store.triggerRows[0].ActionExecuted {
		t.Error("panicked executor must be recorded as failed")
	}
}

func TestEvaluateEventListErrorFailsQuiet(t *testing.T) {
	store := newFakeStore()
	store.listErr = errors.New("database down")

	engine, _, _ := newTestEngine(store)
	// Must not panic and must not write anything.
	engine.EvaluateEvent(context.Background(), testEvent())

	if len(store.upsertCalls) != 0 {
		t.Error("no writes expected when rule listing fails")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	store := newFakeStore()
	bus := NewInProcessBus()
	engine := NewRuleEngine(store, NewEvaluatorRegistry(), NewExecutorRegistry(), bus)

	engine.Start()
	engine.Start()
	engine.Stop()
	engine.Stop()

	// After Stop, published events must not reach the engine.
	_ = bus.Publish(context.Background(), TopicEventIngested, testEvent())
	time.Sleep(50 * time.Millisecond)
	if store.listCalls != 0 {
		t.Errorf("stopped engine must not receive events, saw %d rule loads", store.listCalls)
	}
}

func TestStartSubscribesToBus(t *testing.T) {
	store := newFakeStore()
	bus := NewInProcessBus()
	engine := NewRuleEngine(store, NewEvaluatorRegistry(), NewExecutorRegistry(), bus)

	engine.Start()
	defer engine.Stop()

	_ = bus.Publish(context.Background(), TopicEventIngested, testEvent())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		calls := store.listCalls
		store.mu.Unlock()
		if calls > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("engine never received the published event")
}
