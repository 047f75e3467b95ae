// Copyright 2025 The Corral Authors
//
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

// Package corral is a config-driven AI agent orchestration engine.
//
// Corral runs agents, multi-agent teams, and tool-call workflow DAGs from a
// single YAML configuration. Agents reason in a ReAct loop against pluggable
// LLM providers and call tools exposed by MCP provider containers that corral
// installs and supervises over docker. Executions are asynchronous: every run
// returns an execution id, progress streams over a websocket, and results are
// queryable over HTTP.
//
// # Quick Start
//
// Install the CLI:
//
//	go install github.com/corralhq/corral/cmd/corral@latest
//
// Create a configuration:
//
//	models:
//	  anthropic:
//	    api_key: "${ANTHROPIC_API_KEY}"
//
//	agents:
//	  researcher:
//	    instruction: "You research questions using the available tools."
//
// Start the server:
//
//	corral serve --config corral.yaml
//
// # Packages
//
// The building blocks live under pkg/: pkg/agent (ReAct runtime), pkg/team
// (coordinator), pkg/workflow (DAG engine), pkg/orchestrator (execution
// facade), pkg/lifecycle (provider containers), pkg/server (HTTP/WS API).
package corral
