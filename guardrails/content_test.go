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
	"strings"
	"testing"
	"time"
)

// stubScanner returns canned matches, optionally async, slow, or failing.
type stubScanner struct {
	async   bool
	delay   time.Duration
	matches []ContentMatch
	err     error
	panics  bool
}

func (s *stubScanner) Async() bool { return s.async }

func (s *stubScanner) Scan(context.Context, string, *GuardrailRule, ContentContext) ([]ContentMatch, error) {
	if s.panics {
		panic("scanner exploded")
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.matches, s.err
}

func contentRule(id string, condition ConditionType, action ActionType, priority int) GuardrailRule {
	return GuardrailRule{
		ID:              id,
		TenantID:        "tenant-1",
		Name:            id,
		Enabled:         true,
		ConditionType:   condition,
		ConditionConfig: map[string]any{},
		ActionType:      action,
		ActionConfig:    map[string]any{},
		Priority:        priority,
	}
}

func contentCtx() ContentContext {
	return ContentContext{
		TenantID:  "tenant-1",
		AgentID:   "agent-1",
		SessionID: "sess-1",
		ToolName:  "send_email",
		Direction: DirectionInput,
	}
}

func TestEvaluateContentEmptyFastPath(t *testing.T) {
	store := newFakeStore()
	engine := NewContentEngine(store, NewScannerRegistry(), nil)

	result := engine.EvaluateContent(context.Background(), "", contentCtx(), 0)

	if result.Decision != DecisionAllow {
		t.Errorf("expected allow, got %s", result.Decision)
	}
	if result.RulesEvaluated != 0 || result.EvaluationMs != 0 {
		t.Errorf("fast path must report zero work: %+v", result)
	}
	if store.listCalls != 0 {
		t.Error("fast path must not touch the store")
	}
}

func TestEvaluateContentOversizeFastPath(t *testing.T) {
	store := newFakeStore()
	engine := NewContentEngine(store, NewScannerRegistry(), nil)

	big := strings.Repeat("a", MaxContentBytes+1)
	result := engine.EvaluateContent(context.Background(), big, contentCtx(), 0)

	if result.Decision != DecisionAllow {
		t.Errorf("oversize content must be allowed unscanned, got %s", result.Decision)
	}
	if store.listCalls != 0 {
		t.Error("oversize fast path must not touch the store")
	}
}

func TestEvaluateContentNoRules(t *testing.T) {
	store := newFakeStore()
	engine := NewContentEngine(store, NewScannerRegistry(), nil)

	result := engine.EvaluateContent(context.Background(), "hello world", contentCtx(), 0)

	if result.Decision != DecisionAllow || len(result.Matches) != 0 {
		t.Errorf("expected clean allow, got %+v", result)
	}
}

func TestEvaluateContentRedact(t *testing.T) {
	store := newFakeStore()
	store.rules = []GuardrailRule{contentRule("rule-pii", ConditionPIIDetection, ActionRedact, 10)}

	content := "My SSN is 123-45-6789"
	scanners := NewScannerRegistry()
	scanners.Register(ConditionPIIDetection, &stubScanner{
		matches: []ContentMatch{{
			ConditionType:  ConditionPIIDetection,
			PatternName:    "ssn",
			Start:          10,
			End:            21,
			Confidence:     0.9,
			RedactionToken: "[SSN]",
		}},
	})

	engine := NewContentEngine(store, scanners, nil)
	result := engine.EvaluateContent(context.Background(), content, contentCtx(), 0)

	if result.Decision != DecisionRedact {
		t.Fatalf("expected redact, got %s", result.Decision)
	}
	if result.RedactedContent != "My SSN is [SSN]" {
		t.Errorf("unexpected redaction: %q", result.RedactedContent)
	}
	if result.RulesEvaluated != 1 || len(result.Matches) != 1 {
		t.Errorf("unexpected evaluation accounting: %+v", result)
	}
}

func TestEvaluateContentBlockOutranksRedact(t *testing.T) {
	store := newFakeStore()
	store.rules = []GuardrailRule{
		contentRule("rule-redact", ConditionPIIDetection, ActionRedact, 20),
		contentRule("rule-block", ConditionSecretsDetection, ActionBlock, 10),
	}

	scanners := NewScannerRegistry()
	scanners.Register(ConditionPIIDetection, &stubScanner{
		matches: []ContentMatch{{ConditionType: ConditionPIIDetection, PatternName: "email", Start: 0, End: 5}},
	})
	scanners.Register(ConditionSecretsDetection, &stubScanner{
		matches: []ContentMatch{{ConditionType: ConditionSecretsDetection, PatternName: "aws_access_key", Start: 6, End: 10}},
	})

	engine := NewContentEngine(store, scanners, nil)
	result := engine.EvaluateContent(context.Background(), "some sensitive text", contentCtx(), 0)

	if result.Decision != DecisionBlock {
		t.Fatalf("expected block, got %s", result.Decision)
	}
	if result.BlockingRuleID != "rule-block" {
		t.Errorf("expected rule-block to win, got %q", result.BlockingRuleID)
	}
	if len(result.Matches) != 2 {
		t.Errorf("all matches must be reported, got %d", len(result.Matches))
	}
}

func TestEvaluateContentAlertAllowsContent(t *testing.T) {
	store := newFakeStore()
	store.rules = []GuardrailRule{contentRule("rule-alert", ConditionToxicityDetection, ActionAlert, 0)}

	scanners := NewScannerRegistry()
	scanners.Register(ConditionToxicityDetection, &stubScanner{
		matches: []ContentMatch{{ConditionType: ConditionToxicityDetection, PatternName: "toxicity:bad", Start: 0, End: 3}},
	})

	engine := NewContentEngine(store, scanners, nil)
	result := engine.EvaluateContent(context.Background(), "bad words here", contentCtx(), 0)

	if result.Decision != DecisionAllow {
		t.Errorf("alert is observability-only, expected allow, got %s", result.Decision)
	}
	if len(result.Matches) != 1 {
		t.Errorf("alert matches must still be reported, got %d", len(result.Matches))
	}
}

func TestEvaluateContentBlockShortCircuits(t *testing.T) {
	store := newFakeStore()
	store.rules = []GuardrailRule{
		contentRule("rule-block", ConditionSecretsDetection, ActionBlock, 100),
		contentRule("rule-later", ConditionPIIDetection, ActionRedact, 1),
	}

	laterScanned := false
	scanners := NewScannerRegistry()
	scanners.Register(ConditionSecretsDetection, &stubScanner{
		matches: []ContentMatch{{ConditionType: ConditionSecretsDetection, Start: 0, End: 4}},
	})
	scanners.Register(ConditionPIIDetection, scannerFunc(func() ([]ContentMatch, error) {
		laterScanned = true
		return nil, nil
	}))

	engine := NewContentEngine(store, scanners, nil)
	result := engine.EvaluateContent(context.Background(), "AKIA secret", contentCtx(), 0)

	if result.Decision != DecisionBlock {
		t.Fatalf("expected block, got %s", result.Decision)
	}
	if laterScanned {
		t.Error("a live block must stop scanning lower-priority rules")
	}
	if result.RulesEvaluated != 1 {
		t.Errorf("expected 1 rule evaluated, got %d", result.RulesEvaluated)
	}
}

// scannerFunc adapts a closure to Scanner for short-circuit assertions.
type scannerFunc func() ([]ContentMatch, error)

func (f scannerFunc) Async() bool { return false }
func (f scannerFunc) Scan(context.Context, string, *GuardrailRule, ContentContext) ([]ContentMatch, error) {
	return f()
}

func TestEvaluateContentDryRunRecordsWithoutEnforcing(t *testing.T) {
	store := newFakeStore()
	rule := contentRule("rule-block", ConditionSecretsDetection, ActionBlock, 10)
	rule.DryRun = true
	store.rules = []GuardrailRule{rule}

	scanners := NewScannerRegistry()
	scanners.Register(ConditionSecretsDetection, &stubScanner{
		matches: []ContentMatch{{ConditionType: ConditionSecretsDetection, Start: 0, End: 4}},
	})

	historyStore := newFakeStore()
	historyStore.insertedWait = make(chan struct{})
	waitCh := historyStore.insertedWait
	history := NewHistoryWriter(historyStore, 16)
	defer history.Close()

	engine := NewContentEngine(store, scanners, history)
	result := engine.EvaluateContent(context.Background(), "AKIA secret", contentCtx(), 0)

	if result.Decision != DecisionAllow {
		t.Errorf("dry-run block must not enforce, got %s", result.Decision)
	}
	if len(result.Matches) != 0 {
		t.Errorf("dry-run matches must not surface in the result, got %d", len(result.Matches))
	}

	select {
	case <-waitCh:
	case <-time.After(2 * time.Second):
		t.Fatal("dry-run trigger was never recorded")
	}

	historyStore.mu.Lock()
	defer historyStore.mu.Unlock()
	if len(historyStore.triggerRows) != 1 {
		t.Fatalf("expected 1 history row, got %d", len(historyStore.triggerRows))
	}
	row := historyStore.triggerRows[0]
	if row.ActionExecuted {
		t.Error("dry-run history row must not be marked executed")
	}
	if row.Metadata["dryRun"] != true {
		t.Errorf("history metadata should flag dry-run: %+v", row.Metadata)
	}
}

func TestEvaluateContentScannerErrorFailsOpen(t *testing.T) {
	store := newFakeStore()
	store.rules = []GuardrailRule{
		contentRule("rule-broken", ConditionSecretsDetection, ActionBlock, 10),
		contentRule("rule-healthy", ConditionPIIDetection, ActionRedact, 1),
	}

	scanners := NewScannerRegistry()
	scanners.Register(ConditionSecretsDetection, &stubScanner{err: errors.New("model unavailable")})
	scanners.Register(ConditionPIIDetection, &stubScanner{
		matches: []ContentMatch{{ConditionType: ConditionPIIDetection, Start: 0, End: 2, RedactionToken: "[X]"}},
	})

	engine := NewContentEngine(store, scanners, nil)
	result := engine.EvaluateContent(context.Background(), "hi there", contentCtx(), 0)

	if result.Decision != DecisionRedact {
		t.Errorf("healthy rule must still apply after scanner failure, got %s", result.Decision)
	}
	if result.RulesEvaluated != 1 {
		t.Errorf("failed scanner must not count as evaluated, got %d", result.RulesEvaluated)
	}
}

func TestEvaluateContentScannerPanicFailsOpen(t *testing.T) {
	store := newFakeStore()
	store.rules = []GuardrailRule{contentRule("rule-panic", ConditionSecretsDetection, ActionBlock, 10)}

	scanners := NewScannerRegistry()
	scanners.Register(ConditionSecretsDetection, &stubScanner{panics: true})

	engine := NewContentEngine(store, scanners, nil)
	result := engine.EvaluateContent(context.Background(), "boom", contentCtx(), 0)

	if result.Decision != DecisionAllow {
		t.Errorf("panicking scanner must fail open, got %s", result.Decision)
	}
}

func TestEvaluateContentStoreErrorFailsOpen(t *testing.T) {
	store := newFakeStore()
	store.listErr = errors.New("database down")

	engine := NewContentEngine(store, NewScannerRegistry(), nil)
	result := engine.EvaluateContent(context.Background(), "anything", contentCtx(), 0)

	if result.Decision != DecisionAllow {
		t.Errorf("rule loading failure must fail open, got %s", result.Decision)
	}
}

func TestEvaluateContentAsyncScannerTimeout(t *testing.T) {
	store := newFakeStore()
	store.rules = []GuardrailRule{
		contentRule("rule-slow", ConditionToxicityDetection, ActionBlock, 10),
		contentRule("rule-fast", ConditionPIIDetection, ActionRedact, 1),
	}

	scanners := NewScannerRegistry()
	scanners.Register(ConditionToxicityDetection, &stubScanner{
		async: true,
		delay: 500 * time.Millisecond,
		matches: []ContentMatch{
			{ConditionType: ConditionToxicityDetection, Start: 0, End: 2},
		},
	})
	scanners.Register(ConditionPIIDetection, &stubScanner{
		matches: []ContentMatch{{ConditionType: ConditionPIIDetection, Start: 0, End: 2, RedactionToken: "[X]"}},
	})

	engine := NewContentEngine(store, scanners, nil)
	result := engine.EvaluateContent(context.Background(), "hi there", contentCtx(), 100*time.Millisecond)

	if result.Decision != DecisionRedact {
		t.Errorf("timed-out scanner must be skipped, fast rule applies: got %s", result.Decision)
	}
	if result.RulesEvaluated != 1 {
		t.Errorf("timed-out scanner must not count as evaluated, got %d", result.RulesEvaluated)
	}
}

func TestEvaluateContentBudgetExhaustedPartialResult(t *testing.T) {
	store := newFakeStore()
	store.rules = []GuardrailRule{
		contentRule("rule-slow", ConditionToxicityDetection, ActionAlert, 10),
		contentRule("rule-never", ConditionPIIDetection, ActionBlock, 1),
	}

	neverScanned := false
	scanners := NewScannerRegistry()
	scanners.Register(ConditionToxicityDetection, &stubScanner{
		delay: 80 * time.Millisecond,
		matches: []ContentMatch{
			{ConditionType: ConditionToxicityDetection, Start: 0, End: 2},
		},
	})
	scanners.Register(ConditionPIIDetection, scannerFunc(func() ([]ContentMatch, error) {
		neverScanned = true
		return nil, nil
	}))

	engine := NewContentEngine(store, scanners, nil)
	result := engine.EvaluateContent(context.Background(), "hi there", contentCtx(), 50*time.Millisecond)

	if neverScanned {
		t.Error("rules past the exhausted budget must not be scanned")
	}
	if result.RulesEvaluated != 1 {
		t.Errorf("expected partial result with 1 rule evaluated, got %d", result.RulesEvaluated)
	}
	if result.Decision != DecisionAllow {
		t.Errorf("partial alert-only result should allow, got %s", result.Decision)
	}
}

func TestEvaluateContentDirectionFilter(t *testing.T) {
	store := newFakeStore()
	outputOnly := contentRule("rule-out", ConditionPIIDetection, ActionBlock, 10)
	outputOnly.Direction = DirectionOutput
	store.rules = []GuardrailRule{outputOnly}

	scanners := NewScannerRegistry()
	scanners.Register(ConditionPIIDetection, &stubScanner{
		matches: []ContentMatch{{ConditionType: ConditionPIIDetection, Start: 0, End: 2}},
	})

	engine := NewContentEngine(store, scanners, nil)

	cctx := contentCtx() // input direction
	result := engine.EvaluateContent(context.Background(), "hi", cctx, 0)
	if result.Decision != DecisionAllow || result.RulesEvaluated != 0 {
		t.Errorf("output-only rule must not apply to input: %+v", result)
	}

	cctx.Direction = DirectionOutput
	result = engine.EvaluateContent(context.Background(), "hi", cctx, 0)
	if result.Decision != DecisionBlock {
		t.Errorf("output-only rule must apply to output: %+v", result)
	}
}

func TestEvaluateContentToolFilter(t *testing.T) {
	store := newFakeStore()
	scoped := contentRule("rule-tool", ConditionPIIDetection, ActionBlock, 10)
	scoped.ToolNames = []string{"database_query"}
	store.rules = []GuardrailRule{scoped}

	scanners := NewScannerRegistry()
	scanners.Register(ConditionPIIDetection, &stubScanner{
		matches: []ContentMatch{{ConditionType: ConditionPIIDetection, Start: 0, End: 2}},
	})

	engine := NewContentEngine(store, scanners, nil)
	result := engine.EvaluateContent(context.Background(), "hi", contentCtx(), 0)

	if result.Decision != DecisionAllow || result.RulesEvaluated != 0 {
		t.Errorf("rule scoped to another tool must not apply: %+v", result)
	}
}

func TestEvaluateContentMissingScannerSkipped(t *testing.T) {
	store := newFakeStore()
	store.rules = []GuardrailRule{contentRule("rule-1", ConditionPromptInjection, ActionBlock, 10)}

	engine := NewContentEngine(store, NewScannerRegistry(), nil)
	result := engine.EvaluateContent(context.Background(), "hello", contentCtx(), 0)

	if result.Decision != DecisionAllow || result.RulesEvaluated != 0 {
		t.Errorf("rule with no scanner must be skipped: %+v", result)
	}
}

func TestRedactAppliesOffsetsDescending(t *testing.T) {
	content := "call 111-22-3333 or 444-55-6666 now"
	matches := []ContentMatch{
		{Start: 5, End: 16, RedactionToken: "[SSN]"},
		{Start: 20, End: 31, RedactionToken: "[SSN]"},
	}

	got := redact(content, matches)
	want := "call [SSN] or [SSN] now"
	if got != want {
		t.Errorf("redact() = %q, want %q", got, want)
	}
}

func TestRedactDefaultToken(t *testing.T) {
	got := redact("secret here", []ContentMatch{{Start: 0, End: 6}})
	if got != "[REDACTED] here" {
		t.Errorf("redact() = %q", got)
	}
}

func TestRedactIgnoresInvalidSpans(t *testing.T) {
	content := "short"
	matches := []ContentMatch{
		{Start: -1, End: 3},
		{Start: 2, End: 2},
		{Start: 3, End: 99},
	}
	if got := redact(content, matches); got != content {
		t.Errorf("invalid spans must be ignored, got %q", got)
	}
}
