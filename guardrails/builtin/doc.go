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

// Package builtin ships the stock collaborators for the guardrail engines:
// regex scanners for the content condition types, threshold evaluators for
// the metric condition types, and executors for the metric action types.
// Deployments register them into the engine registries at startup and may
// override any individual type with their own implementation.
package builtin
