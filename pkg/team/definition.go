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

// Package team composes agent runs in sequential, parallel, and
// collaborative modes over a shared context.
package team

import (
	"fmt"
)

// Mode selects how members are coordinated.
type Mode string

const (
	ModeSequential    Mode = "sequential"
	ModeParallel      Mode = "parallel"
	ModeCollaborative Mode = "collaborative"
)

// Member is one agent slot in a team.
type Member struct {
	AgentID          string   `yaml:"agent_id" json:"agent_id"`
	Role             string   `yaml:"role,omitempty" json:"role,omitempty"`
	Responsibilities []string `yaml:"responsibilities,omitempty" json:"responsibilities,omitempty"`

	// ToolProviders restricts this member to a subset of the team pool.
	// Empty inherits the full pool.
	ToolProviders []string `yaml:"tool_providers,omitempty" json:"tool_providers,omitempty"`
}

// Definition is a team's load-time configuration.
type Definition struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`

	// ToolProviders is the shared capability pool.
	ToolProviders []string `yaml:"tool_providers,omitempty" json:"tool_providers,omitempty"`

	Members []Member `yaml:"members" json:"members"`
	Mode    Mode     `yaml:"mode,omitempty" json:"mode,omitempty"`

	// ShareContext feeds each member's final answer into the context passed
	// to subsequent members. Defaults to true.
	ShareContext *bool `yaml:"share_context,omitempty" json:"share_context,omitempty"`

	// Strict aborts the remaining members on the first failure instead of
	// recording it and continuing.
	Strict bool `yaml:"strict,omitempty" json:"strict,omitempty"`

	// MaxConcurrentAgents caps parallel-mode concurrency for this team.
	// Zero falls back to the engine-level setting.
	MaxConcurrentAgents int `yaml:"max_concurrent_agents,omitempty" json:"max_concurrent_agents,omitempty"`
}

func (d *Definition) SetDefaults() {
	if d.Name == "" {
		d.Name = d.ID
	}
	if d.Mode == "" {
		d.Mode = ModeSequential
	}
	if d.ShareContext == nil {
		share := true
		d.ShareContext = &share
	}
}

func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("team id is required")
	}
	if len(d.Members) == 0 {
		return fmt.Errorf("team %s: at least one member is required", d.ID)
	}
	switch d.Mode {
	case ModeSequential, ModeParallel, ModeCollaborative:
	default:
		return fmt.Errorf("team %s: unknown mode %q", d.ID, d.Mode)
	}

	pool := make(map[string]bool, len(d.ToolProviders))
	for _, p := range d.ToolProviders {
		pool[p] = true
	}
	for _, m := range d.Members {
		if m.AgentID == "" {
			return fmt.Errorf("team %s: member agent_id is required", d.ID)
		}
		for _, p := range m.ToolProviders {
			if !pool[p] {
				return fmt.Errorf("team %s: member %s restriction %q is not in the team pool",
					d.ID, m.AgentID, p)
			}
		}
	}
	return nil
}

// sharesContext reports the effective context-sharing flag.
func (d *Definition) sharesContext() bool {
	return d.ShareContext == nil || *d.ShareContext
}

// memberProviders returns the capability set a member runs with.
func (d *Definition) memberProviders(m Member) []string {
	if len(m.ToolProviders) > 0 {
		return m.ToolProviders
	}
	return d.ToolProviders
}
