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
	"github.com/prometheus/client_golang/prometheus"
)

var (
	promRuleEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardrail_rule_evaluations_total",
			Help: "Metric rule evaluations by outcome (triggered, not_triggered, cooldown, error)",
		},
		[]string{"outcome"},
	)
	promRuleTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardrail_rule_triggers_total",
			Help: "Rule triggers by action type and dry-run flag",
		},
		[]string{"action_type", "dry_run"},
	)
	promContentDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardrail_content_decisions_total",
			Help: "Content evaluation decisions (allow, block, redact)",
		},
		[]string{"decision"},
	)
	promContentDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "guardrail_content_evaluation_seconds",
			Help:    "Wall-clock duration of content evaluations",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5},
		},
	)
	promScannerTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guardrail_scanner_timeouts_total",
			Help: "Async scanner invocations abandoned at the sub-timeout",
		},
	)
	promHistoryDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guardrail_history_queue_dropped_total",
			Help: "Trigger-history writes dropped because the queue was full",
		},
	)
)

func init() {
	prometheus.MustRegister(promRuleEvaluations)
	prometheus.MustRegister(promRuleTriggers)
	prometheus.MustRegister(promContentDecisions)
	prometheus.MustRegister(promContentDuration)
	prometheus.MustRegister(promScannerTimeouts)
	prometheus.MustRegister(promHistoryDropped)
}
