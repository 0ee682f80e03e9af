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
	"context"
	"database/sql"
	"fmt"
)

// PostgresAgentController applies pause and model-override decisions to the
// platform's agents table.
type PostgresAgentController struct {
	db *sql.DB
}

// NewPostgresAgentController creates a controller bound to db.
func NewPostgresAgentController(db *sql.DB) *PostgresAgentController {
	return &PostgresAgentController{db: db}
}

// PauseAgent marks the agent paused and records the reason.
func (c *PostgresAgentController) PauseAgent(ctx context.Context, tenantID, agentID, reason string) error {
	result, err := c.db.ExecContext(ctx, `
		UPDATE agents
		SET status = 'paused', pause_reason = $3, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, agentID, reason)
	if err != nil {
		return fmt.Errorf("failed to pause agent: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("agent %s not found", agentID)
	}
	return nil
}

// SetModelOverride pins the agent to a cheaper model until cleared.
func (c *PostgresAgentController) SetModelOverride(ctx context.Context, tenantID, agentID, model string) error {
	result, err := c.db.ExecContext(ctx, `
		UPDATE agents
		SET model_override = $3, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, agentID, model)
	if err != nil {
		return fmt.Errorf("failed to set model override: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("agent %s not found", agentID)
	}
	return nil
}
