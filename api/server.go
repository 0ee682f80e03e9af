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
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"agentlens/platform/guardrails"
	"agentlens/platform/shared/logger"
)

// Options configures the admin API server.
type Options struct {
	Addr           string
	JWTSecret      string
	AllowedOrigins []string
	ContentTimeout time.Duration
}

// Server exposes guardrail rule administration and the synchronous content
// check endpoint.
type Server struct {
	store          guardrails.Store
	content        *guardrails.ContentEngine
	jwtSecret      []byte
	contentTimeout time.Duration
	log            *logger.Logger
	httpServer     *http.Server
}

// NewServer builds the server and its router.
func NewServer(store guardrails.Store, content *guardrails.ContentEngine, opts Options) *Server {
	if opts.ContentTimeout <= 0 {
		opts.ContentTimeout = guardrails.DefaultContentTimeout
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		store:          store,
		content:        content,
		jwtSecret:      []byte(opts.JWTSecret),
		contentTimeout: opts.ContentTimeout,
		log:            logger.New("guardrail-api"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET")

	apiRouter := r.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(s.authMiddleware)
	apiRouter.HandleFunc("/guardrails", s.handleCreateRule).Methods("POST")
	apiRouter.HandleFunc("/guardrails", s.handleListRules).Methods("GET")
	apiRouter.HandleFunc("/guardrails/triggers", s.handleListTriggers).Methods("GET")
	apiRouter.HandleFunc("/guardrails/content/check", s.handleContentCheck).Methods("POST")
	apiRouter.HandleFunc("/guardrails/{id}", s.handleGetRule).Methods("GET")
	apiRouter.HandleFunc("/guardrails/{id}", s.handleUpdateRule).Methods("PATCH")
	apiRouter.HandleFunc("/guardrails/{id}", s.handleDeleteRule).Methods("DELETE")
	apiRouter.HandleFunc("/guardrails/{id}/status", s.handleRuleStatus).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})

	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      c.Handler(r),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the configured HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe blocks serving requests until the server is shut down.
func (s *Server) ListenAndServe() error {
	s.log.Info("", "", "Guardrail API listening", map[string]interface{}{
		"addr": s.httpServer.Addr,
	})
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
