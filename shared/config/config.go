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
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the guardrail service.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Content  ContentConfig  `yaml:"content"`
	History  HistoryConfig  `yaml:"history"`
	API      APIConfig      `yaml:"api"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig holds the event-bus Redis settings. An empty Addr selects the
// in-process bus.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// ContentConfig tunes the content enforcement pipeline.
type ContentConfig struct {
	DefaultTimeoutMs int `yaml:"default_timeout_ms"`
}

// HistoryConfig tunes the background trigger-history writer.
type HistoryConfig struct {
	QueueDepth int `yaml:"queue_depth"`
}

// APIConfig holds the admin API settings.
type APIConfig struct {
	Addr           string   `yaml:"addr"`
	JWTSecret      string   `yaml:"jwt_secret"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{URL: os.Getenv("DATABASE_URL")},
		Content:  ContentConfig{DefaultTimeoutMs: 100},
		History:  HistoryConfig{QueueDepth: 1024},
		API:      APIConfig{Addr: ":8080", JWTSecret: os.Getenv("JWT_SECRET")},
	}
}

// Load reads a YAML config file, expanding ${VAR} and $VAR environment
// references, and fills unset fields with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Content.DefaultTimeoutMs <= 0 {
		cfg.Content.DefaultTimeoutMs = 100
	}
	if cfg.History.QueueDepth <= 0 {
		cfg.History.QueueDepth = 1024
	}
	if cfg.API.Addr == "" {
		cfg.API.Addr = ":8080"
	}

	return cfg, nil
}

var envVarRegex = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*\}|\$[A-Za-z_][A-Za-z0-9_]*`)

// expandEnvVars expands environment variable references in the string.
// Supports both ${VAR_NAME} and $VAR_NAME syntax.
// Returns empty string for undefined variables (with a warning).
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		value, ok := os.LookupEnv(varName)
		if !ok {
			log.Printf("WARNING: config references undefined environment variable %s", varName)
			return ""
		}
		return value
	})
}
