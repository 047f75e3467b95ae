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

// Package agent holds agent definitions and the ReAct runtime that executes
// them: the reason, act, observe loop against the model gateway and the tool
// dispatcher.
package agent

import (
	"fmt"
	"strings"

	"github.com/corralhq/corral/pkg/model"
	"github.com/corralhq/corral/pkg/protocol"
)

// Definition is an agent's immutable load-time configuration.
type Definition struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// Persona.
	Role         string   `yaml:"role,omitempty" json:"role,omitempty"`
	SystemPrompt string   `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
	Guidance     string   `yaml:"guidance,omitempty" json:"guidance,omitempty"`
	Expertise    []string `yaml:"expertise,omitempty" json:"expertise,omitempty"`

	// ToolProviders is the declared capability set: the tool-provider names
	// this agent may call. Providers missing from the catalog at dispatch
	// time shrink the visible tool set, they never fail the load.
	ToolProviders []string `yaml:"tool_providers,omitempty" json:"tool_providers,omitempty"`

	// Iteration policy.
	MaxIterations   int   `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	Loop            *bool `yaml:"loop,omitempty" json:"loop,omitempty"`
	RequireApproval bool  `yaml:"require_approval,omitempty" json:"require_approval,omitempty"`

	Model model.Binding `yaml:"model" json:"model"`
}

const defaultMaxIterations = 10

func (d *Definition) SetDefaults() {
	if d.Name == "" {
		d.Name = d.ID
	}
	if d.MaxIterations == 0 {
		d.MaxIterations = defaultMaxIterations
	}
	if d.Loop == nil {
		loop := true
		d.Loop = &loop
	}
}

func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	if d.MaxIterations < 1 {
		return fmt.Errorf("agent %s: max_iterations must be >= 1", d.ID)
	}
	if d.Model.Provider == "" || d.Model.Model == "" {
		return fmt.Errorf("agent %s: model provider and model are required", d.ID)
	}
	for _, p := range d.ToolProviders {
		if !protocol.ValidProviderName(p) {
			return fmt.Errorf("agent %s: invalid tool provider name %q", d.ID, p)
		}
	}
	return nil
}

// EffectiveMaxIterations folds the loop flag into the iteration cap: an
// agent that may not loop runs exactly one iteration.
func (d *Definition) EffectiveMaxIterations() int {
	if d.Loop != nil && !*d.Loop {
		return 1
	}
	return d.MaxIterations
}

// BuildSystemPrompt assembles the model system message from the persona.
func (d *Definition) BuildSystemPrompt() string {
	var b strings.Builder
	if d.Role != "" {
		fmt.Fprintf(&b, "You are %s.\n\n", d.Role)
	}
	if d.SystemPrompt != "" {
		b.WriteString(d.SystemPrompt)
		b.WriteString("\n\n")
	}
	if d.Guidance != "" {
		b.WriteString(d.Guidance)
		b.WriteString("\n\n")
	}
	if len(d.Expertise) > 0 {
		fmt.Fprintf(&b, "Your areas of expertise: %s.\n", strings.Join(d.Expertise, ", "))
	}
	return strings.TrimSpace(b.String())
}
