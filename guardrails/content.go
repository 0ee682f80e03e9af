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
	"math"
	"sort"
	"time"

	"agentlens/platform/shared/logger"
)

// MaxContentBytes is the largest payload the content pipeline will inspect.
// Larger content is allowed without scanning.
const MaxContentBytes = 1 << 20

// DefaultContentTimeout bounds a content evaluation when the caller passes
// no explicit budget.
const DefaultContentTimeout = 100 * time.Millisecond

// defaultRedactionToken replaces matched spans whose scanner supplied none.
const defaultRedactionToken = "[REDACTED]"

// ContentEngine is the synchronous enforcement pipeline invoked per tool
// call. EvaluateContent completes within roughly the given budget regardless
// of scanner behavior and never panics; every internal failure degrades
// toward allow.
type ContentEngine struct {
	store    Store
	scanners *ScannerRegistry
	history  *HistoryWriter
	log      *logger.Logger
}

// NewContentEngine wires the pipeline to its collaborators. history may be
// nil, disabling trigger-history recording (used by some tests).
func NewContentEngine(store Store, scanners *ScannerRegistry, history *HistoryWriter) *ContentEngine {
	return &ContentEngine{
		store:    store,
		scanners: scanners,
		history:  history,
		log:      logger.New("guardrail-content"),
	}
}

// winningAction tracks the highest-priority action among matching rules.
type winningAction struct {
	actionType ActionType
	priority   int
	ruleID     string
}

// EvaluateContent scans content against the tenant's content rules and
// returns a decision. timeout <= 0 selects DefaultContentTimeout.
func (e *ContentEngine) EvaluateContent(ctx context.Context, content string, cctx ContentContext, timeout time.Duration) (result ContentResult) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error(cctx.TenantID, "", "panic during content evaluation, failing open", map[string]interface{}{
				"panic": fmt.Sprint(r),
			})
			result = ContentResult{Decision: DecisionAllow, Matches: []ContentMatch{}}
		}
	}()

	if timeout <= 0 {
		timeout = DefaultContentTimeout
	}

	// Fast-path allow: nothing to scan, store untouched.
	if content == "" || len(content) > MaxContentBytes {
		return allowResult()
	}

	start := time.Now()

	rules, err := e.selectRules(ctx, cctx)
	if err != nil {
		e.log.ErrorWithErr(cctx.TenantID, "", "failed to load content rules, failing open", err, nil)
		return allowResult()
	}
	if len(rules) == 0 {
		return allowResult()
	}

	// Priority descending; SliceStable keeps the store's deterministic
	// listing order on ties.
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})

	var (
		matches        []ContentMatch
		rulesEvaluated int
		winner         winningAction
	)

	for i := range rules {
		rule := &rules[i]

		elapsed := time.Since(start)
		if elapsed > timeout {
			// Controlled partial result, not an error.
			e.log.Warn(cctx.TenantID, "", "content evaluation budget exhausted", map[string]interface{}{
				"evaluated": rulesEvaluated,
				"total":     len(rules),
				"tool":      cctx.ToolName,
			})
			break
		}

		scanner := e.scanners.Resolve(rule.ConditionType)
		if scanner == nil {
			continue
		}

		ruleMatches, err := e.runScanner(ctx, scanner, content, rule, cctx, timeout/2)
		if err != nil {
			// Fail-open: a broken scanner must never cause a false block.
			e.log.ErrorWithErr(cctx.TenantID, rule.ID, "scanner failed, skipping rule", err, map[string]interface{}{
				"condition_type": string(rule.ConditionType),
			})
			continue
		}
		rulesEvaluated++

		if len(ruleMatches) == 0 {
			continue
		}

		if !rule.DryRun {
			matches = append(matches, ruleMatches...)
			if prio := ContentActionPriority(rule.ActionType); prio > winner.priority {
				winner = winningAction{actionType: rule.ActionType, priority: prio, ruleID: rule.ID}
			}
		}

		e.recordContentTrigger(rule, cctx, len(ruleMatches))

		if rule.ActionType == ActionBlock && !rule.DryRun {
			// Nothing can outrank a live block.
			break
		}
	}

	result = e.resolveDecision(content, matches, winner)
	result.RulesEvaluated = rulesEvaluated
	result.EvaluationMs = roundMs(time.Since(start))

	promContentDecisions.WithLabelValues(string(result.Decision)).Inc()
	promContentDuration.Observe(time.Since(start).Seconds())

	return result
}

// selectRules loads enabled rules and keeps the content-class ones in scope
// for this tool call.
func (e *ContentEngine) selectRules(ctx context.Context, cctx ContentContext) ([]GuardrailRule, error) {
	all, err := e.store.ListEnabledRules(ctx, cctx.TenantID, cctx.AgentID)
	if err != nil {
		return nil, err
	}

	var rules []GuardrailRule
	for _, rule := range all {
		if !IsContentCondition(rule.ConditionType) {
			continue
		}
		if !rule.AppliesToDirection(cctx.Direction) {
			continue
		}
		if !rule.AppliesToTool(cctx.ToolName) {
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// runScanner invokes the scanner, racing async implementations against the
// sub-timeout. An abandoned async scan is not cancelled, only ignored — an
// accepted resource-leak boundary.
func (e *ContentEngine) runScanner(ctx context.Context, scanner Scanner, content string, rule *GuardrailRule, cctx ContentContext, subTimeout time.Duration) (matches []ContentMatch, err error) {
	defer func() {
		if r := recover(); r != nil {
			matches = nil
			err = fmt.Errorf("scanner panic: %v", r)
		}
	}()

	if !scanner.Async() {
		return scanner.Scan(ctx, content, rule, cctx)
	}

	type scanOutcome struct {
		matches []ContentMatch
		err     error
	}
	done := make(chan scanOutcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- scanOutcome{err: fmt.Errorf("scanner panic: %v", r)}
			}
		}()
		m, scanErr := scanner.Scan(ctx, content, rule, cctx)
		done <- scanOutcome{matches: m, err: scanErr}
	}()

	timer := time.NewTimer(subTimeout)
	defer timer.Stop()

	select {
	case outcome := <-done:
		return outcome.matches, outcome.err
	case <-timer.C:
		promScannerTimeouts.Inc()
		return nil, fmt.Errorf("scanner timed out after %s", subTimeout)
	}
}

// recordContentTrigger enqueues a history row for a matching rule. Dry-run
// rules are recorded too, tagged so dashboards can separate them.
func (e *ContentEngine) recordContentTrigger(rule *GuardrailRule, cctx ContentContext, matchCount int) {
	if e.history == nil {
		return
	}
	e.history.Enqueue(&TriggerHistory{
		RuleID:         rule.ID,
		TenantID:       rule.TenantID,
		TriggeredAt:    time.Now().UTC(),
		ConditionValue: float64(matchCount),
		ActionExecuted: !rule.DryRun,
		ActionResult:   string(rule.ActionType),
		Metadata: map[string]any{
			"agentId":    cctx.AgentID,
			"sessionId":  cctx.SessionID,
			"toolName":   cctx.ToolName,
			"direction":  string(cctx.Direction),
			"matchCount": matchCount,
			"dryRun":     rule.DryRun,
		},
	})
}

// resolveDecision turns the accumulated matches and winning action into the
// final decision. alert and log_and_continue are observability-only and
// never alter content flow.
func (e *ContentEngine) resolveDecision(content string, matches []ContentMatch, winner winningAction) ContentResult {
	if len(matches) == 0 {
		return ContentResult{Decision: DecisionAllow, Matches: []ContentMatch{}}
	}

	switch winner.actionType {
	case ActionBlock:
		return ContentResult{
			Decision:       DecisionBlock,
			Matches:        matches,
			BlockingRuleID: winner.ruleID,
		}
	case ActionRedact:
		return ContentResult{
			Decision:        DecisionRedact,
			Matches:         matches,
			RedactedContent: redact(content, matches),
		}
	default:
		return ContentResult{Decision: DecisionAllow, Matches: matches}
	}
}

// redact splices each match's span out of the content and inserts its
// redaction token, applying matches from the end of the string toward the
// beginning so earlier offsets stay valid. Spans are assumed non-overlapping;
// behavior under overlap is undefined.
func redact(content string, matches []ContentMatch) string {
	ordered := make([]ContentMatch, len(matches))
	copy(ordered, matches)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Start > ordered[j].Start
	})

	out := content
	for _, m := range ordered {
		if m.Start < 0 || m.End > len(out) || m.Start >= m.End {
			continue
		}
		token := m.RedactionToken
		if token == "" {
			token = defaultRedactionToken
		}
		out = out[:m.Start] + token + out[m.End:]
	}
	return out
}

func allowResult() ContentResult {
	return ContentResult{Decision: DecisionAllow, Matches: []ContentMatch{}}
}

func roundMs(d time.Duration) float64 {
	ms := float64(d.Microseconds()) / 1000.0
	return math.Round(ms*100) / 100
}
