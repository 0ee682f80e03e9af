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

// Command guardraild runs the guardrail service: the metric rule engine
// subscribed to ingestion events, the synchronous content enforcement
// endpoint, and the admin API.
package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"agentlens/platform/api"
	"agentlens/platform/guardrails"
	"agentlens/platform/guardrails/builtin"
	"agentlens/platform/shared/config"
	"agentlens/platform/shared/logger"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	log := logger.New("guardraild")

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.ErrorWithErr("", "", "Failed to load config", err, nil)
			os.Exit(1)
		}
		cfg = loaded
	}

	if cfg.Database.URL == "" {
		log.Error("", "", "DATABASE_URL is required", nil)
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.ErrorWithErr("", "", "Failed to open database", err, nil)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		log.ErrorWithErr("", "", "Failed to ping database", err, nil)
		os.Exit(1)
	}

	store := guardrails.NewPostgresStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		log.ErrorWithErr("", "", "Failed to ensure schema", err, nil)
		os.Exit(1)
	}

	var bus guardrails.EventBus
	var redisBus *guardrails.RedisBus
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			log.ErrorWithErr("", "", "Failed to ping redis", err, nil)
			os.Exit(1)
		}
		redisBus = guardrails.NewRedisBus(client, cfg.Redis.Prefix)
		bus = redisBus
		log.Info("", "", "Using redis event bus", map[string]interface{}{"addr": cfg.Redis.Addr})
	} else {
		bus = guardrails.NewInProcessBus()
		log.Info("", "", "Using in-process event bus", nil)
	}

	evaluators := guardrails.NewEvaluatorRegistry()
	builtin.RegisterEvaluators(evaluators, builtin.NewPostgresMetricSource(db))

	executors := guardrails.NewExecutorRegistry()
	builtin.RegisterExecutors(executors, builtin.NewPostgresAgentController(db), nil)

	scanners := guardrails.NewScannerRegistry()
	builtin.RegisterScanners(scanners)

	history := guardrails.NewHistoryWriter(store, cfg.History.QueueDepth)

	ruleEngine := guardrails.NewRuleEngine(store, evaluators, executors, bus)
	ruleEngine.Start()

	contentEngine := guardrails.NewContentEngine(store, scanners, history)

	server := api.NewServer(store, contentEngine, api.Options{
		Addr:           cfg.API.Addr,
		JWTSecret:      cfg.API.JWTSecret,
		AllowedOrigins: cfg.API.AllowedOrigins,
		ContentTimeout: time.Duration(cfg.Content.DefaultTimeoutMs) * time.Millisecond,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("", "", "Shutdown signal received", nil)
	case err := <-serverErr:
		log.ErrorWithErr("", "", "API server failed", err, nil)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.ErrorWithErr("", "", "Failed to shut down API server", err, nil)
	}
	ruleEngine.Stop()
	if redisBus != nil {
		redisBus.Close()
	}
	history.Close()

	log.Info("", "", "Guardrail service stopped", nil)
}
