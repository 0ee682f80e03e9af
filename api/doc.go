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

// Package api exposes the guardrail admin HTTP surface: rule CRUD, rule
// status with runtime state, trigger history, and the synchronous content
// check endpoint. All routes under /api/v1 require a JWT with a tenant claim.
package api
