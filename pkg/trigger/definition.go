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

// Package trigger manages trigger containers and the in-process schedule
// runner that fire executions against a bound target.
package trigger

import (
	"fmt"
)

// Type tags how a trigger fires.
type Type string

const (
	TypeWebhook  Type = "webhook"
	TypeSchedule Type = "schedule"
	TypeEvent    Type = "event"
	TypeManual   Type = "manual"
)

// TargetKind names what a trigger fires.
type TargetKind string

const (
	TargetAgent    TargetKind = "agent"
	TargetTeam     TargetKind = "team"
	TargetWorkflow TargetKind = "workflow"
)

// Definition binds a trigger to its target.
type Definition struct {
	ID   string `yaml:"id" json:"id"`
	Type Type   `yaml:"type" json:"type"`

	TargetKind TargetKind `yaml:"target_kind" json:"target_kind"`
	TargetID   string     `yaml:"target_id" json:"target_id"`

	// TaskTemplate is the task text handed to agent and team targets; for
	// workflow targets it is ignored.
	TaskTemplate string `yaml:"task_template,omitempty" json:"task_template,omitempty"`

	// Schedule is a cron expression; required for schedule-type triggers
	// that run in-process (no container package).
	Schedule string `yaml:"schedule,omitempty" json:"schedule,omitempty"`

	// Container packaging, for triggers installed through the lifecycle
	// manager. Empty for purely in-process triggers.
	Package  string `yaml:"package,omitempty" json:"package,omitempty"`
	Version  string `yaml:"version,omitempty" json:"version,omitempty"`
	Registry string `yaml:"registry,omitempty" json:"registry,omitempty"`

	// Params are extra parameters passed to workflow targets.
	Params map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

func (d *Definition) SetDefaults() {
	if d.Type == "" {
		d.Type = TypeManual
	}
}

func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("trigger id is required")
	}
	switch d.Type {
	case TypeWebhook, TypeSchedule, TypeEvent, TypeManual:
	default:
		return fmt.Errorf("trigger %s: unknown type %q", d.ID, d.Type)
	}
	switch d.TargetKind {
	case TargetAgent, TargetTeam, TargetWorkflow:
	default:
		return fmt.Errorf("trigger %s: unknown target kind %q", d.ID, d.TargetKind)
	}
	if d.TargetID == "" {
		return fmt.Errorf("trigger %s: target_id is required", d.ID)
	}
	if d.Type == TypeSchedule && d.Schedule == "" && d.Package == "" {
		return fmt.Errorf("trigger %s: schedule triggers need a cron expression or a container package", d.ID)
	}
	return nil
}
