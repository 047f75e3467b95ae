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

// Package catalog is the process-wide directory of registered tool
// providers. Registration and deregistration come from the lifecycle
// manager; resolution comes from the agent runtime and the workflow engine.
// Resolves observe register/deregister atomically: callers see either the
// pre- or post-update entry, never a partial.
package catalog

import (
	"fmt"
	"sort"
	"time"

	"github.com/corralhq/corral/pkg/protocol"
	"github.com/corralhq/corral/pkg/registry"
)

// Health is the last-known probe state of a provider.
type Health string

const (
	HealthUnknown   Health = "unknown"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

// Transport selects how the provider's endpoint is spoken to.
type Transport string

const (
	TransportHTTP  Transport = "http"
	TransportStdio Transport = "stdio"
)

// ToolSpec describes one tool a provider declares.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Entry is one registered tool provider.
type Entry struct {
	Name      string    `json:"name"`
	Endpoint  string    `json:"endpoint"`
	Transport Transport `json:"transport"`

	// HealthPath is the provider's health endpoint path; empty means /health.
	HealthPath string `json:"health_path,omitempty"`

	Tools       []ToolSpec `json:"tools"`
	Health      Health     `json:"health"`
	Version     string     `json:"version,omitempty"`
	InstalledAt time.Time  `json:"installed_at,omitempty"`
}

// HealthURL is the full URL the prober checks for this entry.
func (e Entry) HealthURL() string {
	path := e.HealthPath
	if path == "" {
		path = "/health"
	}
	return e.Endpoint + path
}

// Catalog maps provider names to entries.
type Catalog struct {
	entries *registry.BaseRegistry[Entry]
}

func New() *Catalog {
	return &Catalog{entries: registry.NewBaseRegistry[Entry]()}
}

// Register adds a provider. The name must be a valid provider name (no
// double underscore) and not already registered.
func (c *Catalog) Register(e Entry) error {
	if !protocol.ValidProviderName(e.Name) {
		return protocol.NewError(protocol.ErrConfiguration,
			"invalid provider name %q", e.Name)
	}
	if e.Transport == "" {
		e.Transport = TransportHTTP
	}
	if e.Health == "" {
		e.Health = HealthUnknown
	}
	if err := c.entries.Register(e.Name, e); err != nil {
		return fmt.Errorf("failed to register provider: %w", err)
	}
	return nil
}

// Deregister removes a provider and its tools from the catalog.
func (c *Catalog) Deregister(name string) error {
	if err := c.entries.Remove(name); err != nil {
		return protocol.NewError(protocol.ErrUnknownProvider, "provider %q not registered", name)
	}
	return nil
}

// Resolve looks up a provider by name. The returned entry is a snapshot;
// mutating it does not affect the catalog.
func (c *Catalog) Resolve(name string) (Entry, bool) {
	e, ok := c.entries.Get(name)
	if !ok {
		return Entry{}, false
	}
	e.Tools = append([]ToolSpec{}, e.Tools...)
	return e, true
}

// List returns snapshots of all entries, ordered by name.
func (c *Catalog) List() []Entry {
	out := c.entries.List()
	for i := range out {
		out[i].Tools = append([]ToolSpec{}, out[i].Tools...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns registered provider names in lexicographic order.
func (c *Catalog) Names() []string {
	return c.entries.Names()
}

// Count returns the number of registered providers.
func (c *Catalog) Count() int {
	return c.entries.Count()
}

// SetHealth updates a provider's last-known health. Unknown providers are
// ignored; probes never add or remove entries.
func (c *Catalog) SetHealth(name string, h Health) bool {
	e, ok := c.entries.Get(name)
	if !ok {
		return false
	}
	e.Health = h
	c.entries.Set(name, e)
	return true
}

// SetTools replaces a provider's declared tool list.
func (c *Catalog) SetTools(name string, tools []ToolSpec) bool {
	e, ok := c.entries.Get(name)
	if !ok {
		return false
	}
	e.Tools = append([]ToolSpec{}, tools...)
	c.entries.Set(name, e)
	return true
}
