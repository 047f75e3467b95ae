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

// Package workflow executes deterministic node DAGs: tool-call nodes with
// templated parameters and conditional nodes that gate their descendants.
package workflow

import (
	"fmt"
)

// Node is one vertex of the graph: either a tool-call node (Provider+Tool
// set) or a conditional node (Condition set).
type Node struct {
	ID        string         `yaml:"id" json:"id"`
	Provider  string         `yaml:"provider,omitempty" json:"provider,omitempty"`
	Tool      string         `yaml:"tool,omitempty" json:"tool,omitempty"`
	Params    map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	Condition string         `yaml:"condition,omitempty" json:"condition,omitempty"`
	DependsOn []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
}

func (n *Node) IsConditional() bool { return n.Condition != "" }

// Edge names a dependency: To runs after From.
type Edge struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// Definition is a workflow's load-time configuration.
type Definition struct {
	ID    string `yaml:"id" json:"id"`
	Name  string `yaml:"name" json:"name"`
	Nodes []Node `yaml:"nodes" json:"nodes"`
	Edges []Edge `yaml:"edges,omitempty" json:"edges,omitempty"`
}

func (d *Definition) SetDefaults() {
	if d.Name == "" {
		d.Name = d.ID
	}
}

func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("workflow id is required")
	}

	ids := make(map[string]bool, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.ID == "" {
			return fmt.Errorf("workflow %s: node id is required", d.ID)
		}
		if ids[n.ID] {
			return fmt.Errorf("workflow %s: duplicate node id %q", d.ID, n.ID)
		}
		ids[n.ID] = true

		switch {
		case n.IsConditional():
			if n.Provider != "" || n.Tool != "" {
				return fmt.Errorf("workflow %s: node %s is both conditional and tool-call", d.ID, n.ID)
			}
		case n.Provider == "" || n.Tool == "":
			return fmt.Errorf("workflow %s: node %s needs provider and tool, or a condition", d.ID, n.ID)
		}
	}

	for _, n := range d.Nodes {
		for _, dep := range n.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("workflow %s: node %s depends on unknown node %q", d.ID, n.ID, dep)
			}
		}
	}
	for _, e := range d.Edges {
		if !ids[e.From] || !ids[e.To] {
			return fmt.Errorf("workflow %s: edge %s -> %s references an unknown node", d.ID, e.From, e.To)
		}
	}
	return nil
}

// dependencies merges edge declarations and per-node depends_on into one
// adjacency map keyed by node id.
func (d *Definition) dependencies() map[string][]string {
	deps := make(map[string][]string, len(d.Nodes))
	seen := make(map[string]map[string]bool, len(d.Nodes))

	add := func(node, dep string) {
		if seen[node] == nil {
			seen[node] = make(map[string]bool)
		}
		if seen[node][dep] {
			return
		}
		seen[node][dep] = true
		deps[node] = append(deps[node], dep)
	}

	for _, n := range d.Nodes {
		deps[n.ID] = nil
		for _, dep := range n.DependsOn {
			add(n.ID, dep)
		}
	}
	for _, e := range d.Edges {
		add(e.To, e.From)
	}
	return deps
}
