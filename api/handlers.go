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

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"agentlens/platform/guardrails"
)

const maxRequestBodySize = 1 << 20 // 1MB

// createRuleRequest is the POST /guardrails body.
type createRuleRequest struct {
	Name            string                   `json:"name"`
	Description     string                   `json:"description"`
	Enabled         *bool                    `json:"enabled"`
	ConditionType   guardrails.ConditionType `json:"conditionType"`
	ConditionConfig map[string]any           `json:"conditionConfig"`
	ActionType      guardrails.ActionType    `json:"actionType"`
	ActionConfig    map[string]any           `json:"actionConfig"`
	AgentID         string                   `json:"agentId"`
	CooldownMinutes int                      `json:"cooldownMinutes"`
	DryRun          bool                     `json:"dryRun"`
	Direction       guardrails.Direction     `json:"direction"`
	ToolNames       []string                 `json:"toolNames"`
	Priority        int                      `json:"priority"`
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantFromContext(r.Context())

	var req createRuleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.ConditionType == "" || req.ActionType == "" {
		writeError(w, http.StatusBadRequest, "conditionType and actionType are required")
		return
	}
	if guardrails.IsContentCondition(req.ConditionType) != (guardrails.ContentActionPriority(req.ActionType) > 0) {
		writeError(w, http.StatusBadRequest, "condition and action belong to different rule classes")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	rule := &guardrails.GuardrailRule{
		TenantID:        tenantID,
		Name:            req.Name,
		Description:     req.Description,
		Enabled:         enabled,
		ConditionType:   req.ConditionType,
		ConditionConfig: req.ConditionConfig,
		ActionType:      req.ActionType,
		ActionConfig:    req.ActionConfig,
		AgentID:         req.AgentID,
		CooldownMinutes: req.CooldownMinutes,
		DryRun:          req.DryRun,
		Direction:       req.Direction,
		ToolNames:       req.ToolNames,
		Priority:        req.Priority,
	}
	if rule.ConditionConfig == nil {
		rule.ConditionConfig = map[string]any{}
	}
	if rule.ActionConfig == nil {
		rule.ActionConfig = map[string]any{}
	}

	if err := s.store.CreateRule(r.Context(), rule); err != nil {
		s.log.ErrorWithErr(tenantID, "", "Failed to create guardrail rule", err, nil)
		writeError(w, http.StatusInternalServerError, "failed to create rule")
		return
	}

	s.log.Info(tenantID, rule.ID, "Guardrail rule created", map[string]interface{}{
		"name":           rule.Name,
		"condition_type": string(rule.ConditionType),
		"action_type":    string(rule.ActionType),
	})
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantFromContext(r.Context())

	rules, err := s.store.ListRules(r.Context(), tenantID)
	if err != nil {
		s.log.ErrorWithErr(tenantID, "", "Failed to list guardrail rules", err, nil)
		writeError(w, http.StatusInternalServerError, "failed to list rules")
		return
	}
	if rules == nil {
		rules = []guardrails.GuardrailRule{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": rules,
		"total": len(rules),
	})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantFromContext(r.Context())
	ruleID := mux.Vars(r)["id"]

	rule, err := s.store.GetRule(r.Context(), tenantID, ruleID)
	if errors.Is(err, guardrails.ErrRuleNotFound) {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	if err != nil {
		s.log.ErrorWithErr(tenantID, ruleID, "Failed to get guardrail rule", err, nil)
		writeError(w, http.StatusInternalServerError, "failed to get rule")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantFromContext(r.Context())
	ruleID := mux.Vars(r)["id"]

	var params guardrails.UpdateRuleParams
	if err := decodeJSON(w, r, &params); err != nil {
		return
	}

	rule, err := s.store.UpdateRule(r.Context(), tenantID, ruleID, &params)
	if errors.Is(err, guardrails.ErrRuleNotFound) {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	if err != nil {
		s.log.ErrorWithErr(tenantID, ruleID, "Failed to update guardrail rule", err, nil)
		writeError(w, http.StatusInternalServerError, "failed to update rule")
		return
	}

	s.log.Info(tenantID, ruleID, "Guardrail rule updated", nil)
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantFromContext(r.Context())
	ruleID := mux.Vars(r)["id"]

	err := s.store.DeleteRule(r.Context(), tenantID, ruleID)
	if errors.Is(err, guardrails.ErrRuleNotFound) {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	if err != nil {
		s.log.ErrorWithErr(tenantID, ruleID, "Failed to delete guardrail rule", err, nil)
		writeError(w, http.StatusInternalServerError, "failed to delete rule")
		return
	}

	s.log.Info(tenantID, ruleID, "Guardrail rule deleted", nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleRuleStatus returns a rule with its runtime state and recent triggers.
func (s *Server) handleRuleStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantFromContext(r.Context())
	ruleID := mux.Vars(r)["id"]

	rule, err := s.store.GetRule(r.Context(), tenantID, ruleID)
	if errors.Is(err, guardrails.ErrRuleNotFound) {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	if err != nil {
		s.log.ErrorWithErr(tenantID, ruleID, "Failed to get guardrail rule", err, nil)
		writeError(w, http.StatusInternalServerError, "failed to get rule")
		return
	}

	state, err := s.store.GetState(r.Context(), tenantID, ruleID)
	if err != nil {
		s.log.ErrorWithErr(tenantID, ruleID, "Failed to get rule state", err, nil)
		writeError(w, http.StatusInternalServerError, "failed to get rule state")
		return
	}

	triggers, err := s.store.RecentTriggers(r.Context(), tenantID, ruleID, 10)
	if err != nil {
		s.log.ErrorWithErr(tenantID, ruleID, "Failed to get recent triggers", err, nil)
		writeError(w, http.StatusInternalServerError, "failed to get recent triggers")
		return
	}
	if triggers == nil {
		triggers = []guardrails.TriggerHistory{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rule":           rule,
		"state":          state,
		"recentTriggers": triggers,
	})
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantFromContext(r.Context())

	ruleID := r.URL.Query().Get("ruleId")
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	entries, total, err := s.store.ListTriggers(r.Context(), tenantID, ruleID, limit, offset)
	if err != nil {
		s.log.ErrorWithErr(tenantID, ruleID, "Failed to list trigger history", err, nil)
		writeError(w, http.StatusInternalServerError, "failed to list trigger history")
		return
	}
	if entries == nil {
		entries = []guardrails.TriggerHistory{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"triggers": entries,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// contentCheckRequest is the POST /guardrails/content/check body.
type contentCheckRequest struct {
	Content   string               `json:"content"`
	AgentID   string               `json:"agentId"`
	SessionID string               `json:"sessionId"`
	ToolName  string               `json:"toolName"`
	Direction guardrails.Direction `json:"direction"`
	TimeoutMs int                  `json:"timeoutMs"`
}

// handleContentCheck runs the synchronous content pipeline for interceptors
// that cannot link the engine in-process.
func (s *Server) handleContentCheck(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantFromContext(r.Context())

	var req contentCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if req.Direction == "" {
		req.Direction = guardrails.DirectionInput
	}

	timeout := s.contentTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	result := s.content.EvaluateContent(r.Context(), req.Content, guardrails.ContentContext{
		TenantID:  tenantID,
		AgentID:   req.AgentID,
		SessionID: req.SessionID,
		ToolName:  req.ToolName,
		Direction: req.Direction,
	}, timeout)

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return err
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
