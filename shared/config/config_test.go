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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://localhost/agentlens
redis:
  addr: localhost:6379
  prefix: staging
content:
  default_timeout_ms: 250
history:
  queue_depth: 64
api:
  addr: ":9090"
  jwt_secret: super-secret
  allowed_origins:
    - https://app.example.com
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/agentlens", cfg.Database.URL)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "staging", cfg.Redis.Prefix)
	assert.Equal(t, 250, cfg.Content.DefaultTimeoutMs)
	assert.Equal(t, 64, cfg.History.QueueDepth)
	assert.Equal(t, ":9090", cfg.API.Addr)
	assert.Equal(t, "super-secret", cfg.API.JWTSecret)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.API.AllowedOrigins)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://localhost/agentlens
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.Content.DefaultTimeoutMs)
	assert.Equal(t, 1024, cfg.History.QueueDepth)
	assert.Equal(t, ":8080", cfg.API.Addr)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_GUARDRAIL_DB", "postgres://db.internal/agentlens")
	t.Setenv("TEST_GUARDRAIL_SECRET", "from-env")

	path := writeConfig(t, `
database:
  url: ${TEST_GUARDRAIL_DB}
api:
  jwt_secret: $TEST_GUARDRAIL_SECRET
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://db.internal/agentlens", cfg.Database.URL)
	assert.Equal(t, "from-env", cfg.API.JWTSecret)
}

func TestLoadUndefinedEnvVarBecomesEmpty(t *testing.T) {
	path := writeConfig(t, `
api:
  jwt_secret: ${DEFINITELY_NOT_SET_ANYWHERE_12345}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.API.JWTSecret)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "database: [notamap")
	_, err := Load(path)
	assert.Error(t, err)
}
