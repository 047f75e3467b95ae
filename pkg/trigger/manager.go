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

package trigger

import (
	"context"
	"log/slog"

	"github.com/corralhq/corral/pkg/lifecycle"
	"github.com/corralhq/corral/pkg/logger"
	"github.com/corralhq/corral/pkg/protocol"
)

// Environment variables injected into every trigger container. The container
// reads these to know what to fire and where to call back.
const (
	EnvTriggerType  = "CORRAL_TRIGGER_TYPE"
	EnvTargetKind   = "CORRAL_TARGET_KIND"
	EnvTargetID     = "CORRAL_TARGET_ID"
	EnvTaskTemplate = "CORRAL_TASK_TEMPLATE"
	EnvCallbackURL  = "CORRAL_API_URL"
)

// Installer is the slice of the provider lifecycle manager that trigger
// containers need.
type Installer interface {
	Install(ctx context.Context, req lifecycle.InstallRequest) (*lifecycle.ManifestEntry, error)
	Uninstall(ctx context.Context, name string) error
	Installed() []lifecycle.ManifestEntry
}

var _ Installer = (*lifecycle.Manager)(nil)

// Manager installs and removes trigger containers. The container lifecycle
// itself (pull, start, health, manifest) is the provider manager's; this
// layer adds the target binding injected as environment.
type Manager struct {
	installer   Installer
	callbackURL string
	logger      *slog.Logger
}

type ManagerOption func(*Manager)

// WithCallbackURL sets the orchestrator API base URL handed to trigger
// containers so they can fire their target.
func WithCallbackURL(u string) ManagerOption {
	return func(m *Manager) { m.callbackURL = u }
}

func NewManager(installer Installer, opts ...ManagerOption) *Manager {
	m := &Manager{
		installer: installer,
		logger:    logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Install deploys the trigger's container with its target binding in the
// environment. Triggers without a container package are in-process only and
// are rejected here.
func (m *Manager) Install(ctx context.Context, def *Definition) (*lifecycle.ManifestEntry, error) {
	if def == nil {
		return nil, protocol.NewError(protocol.ErrConfiguration, "trigger definition is nil")
	}
	if err := def.Validate(); err != nil {
		return nil, protocol.WrapError(protocol.ErrConfiguration, err, "invalid trigger")
	}
	if def.Package == "" {
		return nil, protocol.NewError(protocol.ErrConfiguration,
			"trigger %s has no container package", def.ID)
	}

	env := map[string]string{
		EnvTriggerType: string(def.Type),
		EnvTargetKind:  string(def.TargetKind),
		EnvTargetID:    def.TargetID,
	}
	if def.TaskTemplate != "" {
		env[EnvTaskTemplate] = def.TaskTemplate
	}
	if m.callbackURL != "" {
		env[EnvCallbackURL] = m.callbackURL
	}

	entry, err := m.installer.Install(ctx, lifecycle.InstallRequest{
		Name:     def.ID,
		Package:  def.Package,
		Version:  def.Version,
		Registry: def.Registry,
		Kind:     "trigger",
		Env:      env,
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("Installed trigger",
		"trigger", def.ID, "type", def.Type,
		"target_kind", def.TargetKind, "target_id", def.TargetID)
	return entry, nil
}

// Uninstall removes a trigger's container.
func (m *Manager) Uninstall(ctx context.Context, id string) error {
	return m.installer.Uninstall(ctx, id)
}

// Sync installs every containerized trigger that is not yet installed. One
// trigger's failure does not block the rest.
func (m *Manager) Sync(ctx context.Context, defs []*Definition) {
	installed := make(map[string]bool)
	for _, e := range m.installer.Installed() {
		installed[e.Name] = true
	}

	for _, def := range defs {
		if def.Package == "" || installed[def.ID] {
			continue
		}
		if _, err := m.Install(ctx, def); err != nil {
			m.logger.Error("Trigger install failed", "trigger", def.ID, "error", err)
		}
	}
}
