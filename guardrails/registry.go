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
	"sync"
)

// ConditionEvaluator decides whether a metric rule's threshold is currently
// breached for the given agent/session. One implementation per metric
// condition type.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, rule *GuardrailRule, agentID, sessionID string) (ConditionResult, error)
}

// ActionExecutor performs the configured side effect for a triggered metric
// rule. Implementations must not panic; a failure is reported through
// ActionResult and recorded, never retried automatically.
type ActionExecutor interface {
	Execute(ctx context.Context, rule *GuardrailRule, cond ConditionResult, agentID string) ActionResult
}

// Scanner finds matches in text for one content condition type. Async
// scanners are raced against a sub-timeout by the content engine; the rule
// carries the scanner's configuration.
type Scanner interface {
	Async() bool
	Scan(ctx context.Context, content string, rule *GuardrailRule, sctx ContentContext) ([]ContentMatch, error)
}

// EvaluatorRegistry maps metric condition types to evaluators. Adding a new
// condition type is a single Register call.
type EvaluatorRegistry struct {
	mu         sync.RWMutex
	evaluators map[ConditionType]ConditionEvaluator
}

// NewEvaluatorRegistry creates an empty evaluator registry.
func NewEvaluatorRegistry() *EvaluatorRegistry {
	return &EvaluatorRegistry{evaluators: make(map[ConditionType]ConditionEvaluator)}
}

// Register binds an evaluator to a condition type, replacing any previous one.
func (r *EvaluatorRegistry) Register(t ConditionType, e ConditionEvaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluators[t] = e
}

// Resolve returns the evaluator for t, or nil if none is registered.
func (r *EvaluatorRegistry) Resolve(t ConditionType) ConditionEvaluator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.evaluators[t]
}

// ExecutorRegistry maps action types to executors.
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[ActionType]ActionExecutor
}

// NewExecutorRegistry creates an empty executor registry.
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{executors: make(map[ActionType]ActionExecutor)}
}

// Register binds an executor to an action type, replacing any previous one.
func (r *ExecutorRegistry) Register(t ActionType, e ActionExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[t] = e
}

// Resolve returns the executor for t, or nil if none is registered.
func (r *ExecutorRegistry) Resolve(t ActionType) ActionExecutor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.executors[t]
}

// ScannerRegistry maps content condition types to scanners.
type ScannerRegistry struct {
	mu       sync.RWMutex
	scanners map[ConditionType]Scanner
}

// NewScannerRegistry creates an empty scanner registry.
func NewScannerRegistry() *ScannerRegistry {
	return &ScannerRegistry{scanners: make(map[ConditionType]Scanner)}
}

// Register binds a scanner to a condition type, replacing any previous one.
func (r *ScannerRegistry) Register(t ConditionType, s Scanner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanners[t] = s
}

// Resolve returns the scanner for t, or nil if none is registered.
func (r *ScannerRegistry) Resolve(t ConditionType) Scanner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scanners[t]
}
