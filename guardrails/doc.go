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

// Package guardrails implements the runtime policy-enforcement engine:
// tenant-scoped rules evaluated against ingested telemetry events and
// against tool-call text.
//
// Two orchestrators share the rule and state model. RuleEngine reacts
// asynchronously to event_ingested notifications, evaluates metric rules
// through injected ConditionEvaluators, manages per-rule cooldown state, and
// drives ActionExecutors. ContentEngine is the synchronous per-tool-call
// entry point: it scans text through registered Scanners under a hard time
// budget, resolves conflicting actions by a fixed priority table, and
// optionally redacts.
//
// Both entry points are designed to never propagate business failures to
// their callers. Metric evaluation failures are logged server-side only;
// content evaluation degrades toward allow, never toward block.
package guardrails
