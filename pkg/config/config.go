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

// Package config defines the engine configuration record and its file
// loader. All runtime components receive their settings through this record;
// there is no process-wide mutable configuration state.
package config

import (
	"fmt"

	"github.com/corralhq/corral/pkg/agent"
	"github.com/corralhq/corral/pkg/model"
	"github.com/corralhq/corral/pkg/protocol"
	"github.com/corralhq/corral/pkg/team"
	"github.com/corralhq/corral/pkg/trigger"
	"github.com/corralhq/corral/pkg/workflow"
)

// Config is the root configuration record.
type Config struct {
	Server        ServerConfig                   `yaml:"server"`
	Logging       LoggingConfig                  `yaml:"logging"`
	Session       SessionConfig                  `yaml:"session"`
	Models        map[string]ModelProviderConfig `yaml:"models"`
	DefaultModel  model.Binding                  `yaml:"default_model"`
	Timeouts      protocol.Timeouts              `yaml:"timeouts"`
	Lifecycle     LifecycleConfig                `yaml:"lifecycle"`
	Observability ObservabilityConfig            `yaml:"observability"`

	// MaxConcurrentAgents is the engine-level cap for parallel team mode,
	// used when a team does not set its own.
	MaxConcurrentAgents int `yaml:"max_concurrent_agents"`

	Agents    map[string]*agent.Definition    `yaml:"agents"`
	Teams     map[string]*team.Definition     `yaml:"teams"`
	Workflows map[string]*workflow.Definition `yaml:"workflows"`
	Triggers  map[string]*trigger.Definition  `yaml:"triggers"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8420
	}
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file,omitempty"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

// SessionConfig selects the session store backend.
type SessionConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path,omitempty"`
}

func (c *SessionConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.Backend == "sqlite" && c.Path == "" {
		c.Path = "corral-sessions.db"
	}
}

func (c *SessionConfig) Validate() error {
	switch c.Backend {
	case "memory", "sqlite":
		return nil
	default:
		return fmt.Errorf("unknown session backend %q", c.Backend)
	}
}

// ModelProviderConfig holds one LLM provider's credentials.
type ModelProviderConfig struct {
	// Type is "anthropic" or "openai"; defaults to the map key.
	Type    string `yaml:"type"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url,omitempty"`
}

// LifecycleConfig configures the provider/trigger lifecycle manager.
type LifecycleConfig struct {
	// RegistryURL is the package-catalog HTTP endpoint.
	RegistryURL string `yaml:"registry_url,omitempty"`

	// ManifestDir holds the installation manifest files.
	ManifestDir string `yaml:"manifest_dir"`

	AutoInstall AutoInstallConfig `yaml:"auto_install"`
}

func (c *LifecycleConfig) SetDefaults() {
	if c.ManifestDir == "" {
		c.ManifestDir = ".corral"
	}
}

// AutoInstallConfig lists packages reconciled at boot.
type AutoInstallConfig struct {
	Providers []InstallSpec `yaml:"providers,omitempty"`
	Triggers  []InstallSpec `yaml:"triggers,omitempty"`
}

// InstallSpec identifies one installable package.
type InstallSpec struct {
	Name     string `yaml:"name"`
	Package  string `yaml:"package"`
	Version  string `yaml:"version,omitempty"`
	Registry string `yaml:"registry,omitempty"`
}

// ObservabilityConfig configures tracing.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint,omitempty"`
	SampleRatio float64 `yaml:"sample_ratio"`
	Stdout      bool    `yaml:"stdout,omitempty"`
	ServiceName string  `yaml:"service_name,omitempty"`
}

func (c *TracingConfig) SetDefaults() {
	if c.SampleRatio == 0 {
		c.SampleRatio = 1.0
	}
	if c.ServiceName == "" {
		c.ServiceName = "corral"
	}
}

// SetDefaults fills zero values across the whole record, stamps map keys
// into definition ids, and inherits the default model into agents that do
// not bind their own.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Logging.SetDefaults()
	c.Session.SetDefaults()
	c.Lifecycle.SetDefaults()
	c.Observability.Tracing.SetDefaults()

	if c.DefaultModel.Provider == "" {
		c.DefaultModel.Provider = model.ProviderAnthropic
	}
	if c.DefaultModel.Model == "" {
		c.DefaultModel.Model = "claude-sonnet-4-20250514"
	}

	defaults := protocol.DefaultTimeouts()
	if c.Timeouts.PerLLMCall == 0 {
		c.Timeouts.PerLLMCall = defaults.PerLLMCall
	}
	if c.Timeouts.PerToolCall == 0 {
		c.Timeouts.PerToolCall = defaults.PerToolCall
	}
	if c.Timeouts.PerIteration == 0 {
		c.Timeouts.PerIteration = defaults.PerIteration
	}
	if c.Timeouts.PerExecution == 0 {
		c.Timeouts.PerExecution = defaults.PerExecution
	}

	if c.MaxConcurrentAgents == 0 {
		c.MaxConcurrentAgents = 8
	}

	for id, def := range c.Agents {
		if def == nil {
			continue
		}
		if def.ID == "" {
			def.ID = id
		}
		if def.Model.Provider == "" {
			def.Model = c.DefaultModel
		}
		def.SetDefaults()
	}
	for id, def := range c.Teams {
		if def == nil {
			continue
		}
		if def.ID == "" {
			def.ID = id
		}
		def.SetDefaults()
	}
	for id, def := range c.Workflows {
		if def == nil {
			continue
		}
		if def.ID == "" {
			def.ID = id
		}
		def.SetDefaults()
	}
	for id, def := range c.Triggers {
		if def == nil {
			continue
		}
		if def.ID == "" {
			def.ID = id
		}
		def.SetDefaults()
	}
}

// Validate checks the whole record, including cross-references between
// definitions.
func (c *Config) Validate() error {
	if err := c.Session.Validate(); err != nil {
		return err
	}

	for name, mp := range c.Models {
		providerType := mp.Type
		if providerType == "" {
			providerType = name
		}
		switch providerType {
		case model.ProviderAnthropic, model.ProviderOpenAI:
		default:
			return fmt.Errorf("model provider %s: unknown type %q", name, providerType)
		}
		if mp.APIKey == "" {
			return fmt.Errorf("model provider %s: api_key is required", name)
		}
	}

	for id, def := range c.Agents {
		if def == nil {
			return fmt.Errorf("agent %s: empty definition", id)
		}
		if err := def.Validate(); err != nil {
			return err
		}
	}
	for id, def := range c.Teams {
		if def == nil {
			return fmt.Errorf("team %s: empty definition", id)
		}
		if err := def.Validate(); err != nil {
			return err
		}
		for _, m := range def.Members {
			if _, ok := c.Agents[m.AgentID]; !ok {
				return fmt.Errorf("team %s: member references unknown agent %q", id, m.AgentID)
			}
		}
	}
	for id, def := range c.Workflows {
		if def == nil {
			return fmt.Errorf("workflow %s: empty definition", id)
		}
		if err := def.Validate(); err != nil {
			return err
		}
	}
	for id, def := range c.Triggers {
		if def == nil {
			return fmt.Errorf("trigger %s: empty definition", id)
		}
		if err := def.Validate(); err != nil {
			return err
		}
		if err := c.validateTriggerTarget(def); err != nil {
			return fmt.Errorf("trigger %s: %w", id, err)
		}
	}
	return nil
}

func (c *Config) validateTriggerTarget(def *trigger.Definition) error {
	switch def.TargetKind {
	case trigger.TargetAgent:
		if _, ok := c.Agents[def.TargetID]; !ok {
			return fmt.Errorf("unknown agent target %q", def.TargetID)
		}
	case trigger.TargetTeam:
		if _, ok := c.Teams[def.TargetID]; !ok {
			return fmt.Errorf("unknown team target %q", def.TargetID)
		}
	case trigger.TargetWorkflow:
		if _, ok := c.Workflows[def.TargetID]; !ok {
			return fmt.Errorf("unknown workflow target %q", def.TargetID)
		}
	}
	return nil
}
