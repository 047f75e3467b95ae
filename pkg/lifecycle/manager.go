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

package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/corralhq/corral/pkg/catalog"
	"github.com/corralhq/corral/pkg/httpclient"
	"github.com/corralhq/corral/pkg/logger"
	"github.com/corralhq/corral/pkg/protocol"
	"github.com/corralhq/corral/pkg/toolclient"
)

// LabelProvider tags every container the manager owns with the installed
// name.
const LabelProvider = "corral.provider"

// LabelKind distinguishes provider containers from trigger containers.
const LabelKind = "corral.kind"

// InstallRequest asks the manager to install one package.
type InstallRequest struct {
	// Name is the installed (catalog) name; defaults to the package name.
	Name     string
	Package  string
	Version  string
	Registry string

	// Kind is "provider" (default) or "trigger".
	Kind string

	// Env is injected into the container on top of the descriptor's env.
	Env map[string]string
}

// HealthProbe checks one endpoint once. The default probe issues an HTTP
// GET and treats any 2xx as healthy.
type HealthProbe func(ctx context.Context, endpoint string) error

// Manager drives the install/start/stop/update lifecycle and keeps the tool
// catalog and the installation manifest consistent.
type Manager struct {
	runtime  Runtime
	registry *RegistryClient
	catalog  *catalog.Catalog
	tools    toolclient.Client
	manifest *Manifest
	logger   *slog.Logger

	probe          HealthProbe
	healthTimeout  time.Duration
	healthInterval time.Duration
}

type ManagerOption func(*Manager)

// WithHealthProbe replaces the HTTP health probe.
func WithHealthProbe(p HealthProbe) ManagerOption {
	return func(m *Manager) { m.probe = p }
}

// WithHealthTimeout bounds how long Install waits for a container to become
// healthy.
func WithHealthTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.healthTimeout = d }
}

func NewManager(rt Runtime, reg *RegistryClient, cat *catalog.Catalog, tools toolclient.Client, manifest *Manifest, opts ...ManagerOption) *Manager {
	m := &Manager{
		runtime:        rt,
		registry:       reg,
		catalog:        cat,
		tools:          tools,
		manifest:       manifest,
		logger:         logger.GetLogger(),
		healthTimeout:  60 * time.Second,
		healthInterval: 500 * time.Millisecond,
	}
	m.probe = m.httpProbe
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Install fetches the package descriptor, pulls and starts the container,
// waits for its health endpoint, discovers its tools, records the manifest
// entry, and finally registers the provider in the catalog. The catalog
// registration is last: a provider becomes visible only after its health
// endpoint has responded at least once.
func (m *Manager) Install(ctx context.Context, req InstallRequest) (*ManifestEntry, error) {
	if req.Package == "" {
		return nil, protocol.NewError(protocol.ErrConfiguration, "install request has no package")
	}
	name := req.Name
	if name == "" {
		name = req.Package
	}
	if !protocol.ValidProviderName(name) {
		return nil, protocol.NewError(protocol.ErrConfiguration, "invalid provider name %q", name)
	}
	if _, exists := m.manifest.Get(name); exists {
		return nil, protocol.NewError(protocol.ErrConfiguration, "%q is already installed", name)
	}

	desc, err := m.registry.FetchDescriptor(ctx, req.Package, req.Version)
	if err != nil {
		return nil, err
	}

	m.logger.Info("Installing package",
		"name", name, "package", req.Package, "version", desc.Version, "image", desc.Image)

	entry, err := m.deploy(ctx, name, req, desc)
	if err != nil {
		return nil, err
	}

	if err := m.manifest.Put(*entry); err != nil {
		return nil, err
	}
	m.register(ctx, entry)
	return entry, nil
}

// deploy pulls, creates, starts, and health-checks one container.
func (m *Manager) deploy(ctx context.Context, name string, req InstallRequest, desc *PackageDescriptor) (*ManifestEntry, error) {
	if err := m.runtime.PullImage(ctx, desc.Image); err != nil {
		return nil, err
	}

	kind := req.Kind
	if kind == "" {
		kind = desc.Kind
	}
	if kind == "" {
		kind = "provider"
	}

	env := make(map[string]string, len(desc.Env)+len(req.Env))
	for k, v := range desc.Env {
		env[k] = v
	}
	for k, v := range req.Env {
		env[k] = v
	}

	containerName := containerNameFor(name, desc.Version)
	spec := ContainerSpec{
		Name:  containerName,
		Image: desc.Image,
		Env:   envList(env),
		Labels: map[string]string{
			LabelProvider: name,
			LabelKind:     kind,
		},
		Port:     desc.Port,
		HostPort: desc.Port,
	}

	id, err := m.runtime.CreateContainer(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := m.runtime.StartContainer(ctx, id); err != nil {
		m.removeQuietly(ctx, id)
		return nil, err
	}

	endpoint := fmt.Sprintf("http://127.0.0.1:%d", desc.Port)
	if err := m.waitHealthy(ctx, endpoint+desc.HealthPath); err != nil {
		m.stopQuietly(ctx, id)
		m.removeQuietly(ctx, id)
		return nil, err
	}

	return &ManifestEntry{
		Name:          name,
		Kind:          kind,
		Package:       req.Package,
		Version:       desc.Version,
		Image:         desc.Image,
		ContainerID:   id,
		ContainerName: containerName,
		Endpoint:      endpoint,
		HealthPath:    desc.HealthPath,
		Port:          desc.Port,
		Env:           req.Env,
		Started:       true,
		InstalledAt:   time.Now().UTC(),
	}, nil
}

// register lists the provider's tools and adds it to the catalog. Trigger
// containers are not tool providers and stay out of the catalog.
func (m *Manager) register(ctx context.Context, entry *ManifestEntry) {
	if entry.Kind != "provider" {
		return
	}

	centry := catalog.Entry{
		Name:       entry.Name,
		Endpoint:   entry.Endpoint,
		Transport:  catalog.TransportHTTP,
		HealthPath: entry.HealthPath,
		Health:     catalog.HealthHealthy,
		Version:    entry.Version,
	}
	tools, err := m.tools.ListTools(ctx, centry)
	if err != nil {
		m.logger.Warn("Provider registered without tool list",
			"provider", entry.Name, "error", err)
	}
	centry.Tools = tools

	if err := m.catalog.Register(centry); err != nil {
		// Re-register after restart: replace the stale entry.
		m.catalog.SetTools(entry.Name, tools)
		m.catalog.SetHealth(entry.Name, catalog.HealthHealthy)
	}
}

// Uninstall removes a package. The provider leaves the catalog strictly
// before its container stops, so no resolve can observe a live entry with a
// dead endpoint.
func (m *Manager) Uninstall(ctx context.Context, name string) error {
	entry, ok := m.manifest.Get(name)
	if !ok {
		return protocol.NewError(protocol.ErrUnknownProvider, "%q is not installed", name)
	}

	if entry.Kind == "provider" {
		if err := m.catalog.Deregister(name); err != nil {
			m.logger.Debug("Provider was not in catalog at uninstall", "provider", name)
		}
		m.forgetSessions(entry.Endpoint)
	}

	m.stopQuietly(ctx, entry.ContainerID)
	m.removeQuietly(ctx, entry.ContainerID)

	if err := m.manifest.Delete(name); err != nil {
		return err
	}
	m.logger.Info("Uninstalled package", "name", name)
	return nil
}

// Start brings an installed but stopped container back, re-registering the
// provider once healthy.
func (m *Manager) Start(ctx context.Context, name string) error {
	entry, ok := m.manifest.Get(name)
	if !ok {
		return protocol.NewError(protocol.ErrUnknownProvider, "%q is not installed", name)
	}

	if err := m.runtime.StartContainer(ctx, entry.ContainerID); err != nil {
		return err
	}
	if err := m.waitHealthy(ctx, entry.HealthURL()); err != nil {
		return err
	}

	entry.Started = true
	if err := m.manifest.Put(entry); err != nil {
		return err
	}
	m.register(ctx, &entry)
	return nil
}

// Stop deregisters the provider and stops its container, in that order.
func (m *Manager) Stop(ctx context.Context, name string) error {
	entry, ok := m.manifest.Get(name)
	if !ok {
		return protocol.NewError(protocol.ErrUnknownProvider, "%q is not installed", name)
	}

	if entry.Kind == "provider" {
		if err := m.catalog.Deregister(name); err != nil {
			m.logger.Debug("Provider was not in catalog at stop", "provider", name)
		}
		m.forgetSessions(entry.Endpoint)
	}
	if err := m.runtime.StopContainer(ctx, entry.ContainerID); err != nil {
		return err
	}

	entry.Started = false
	return m.manifest.Put(entry)
}

// Restart is a Stop followed by a Start.
func (m *Manager) Restart(ctx context.Context, name string) error {
	if err := m.Stop(ctx, name); err != nil {
		return err
	}
	return m.Start(ctx, name)
}

// Update replaces an installed package with a new version. The old
// container is kept until the new one is healthy; on failure the old one is
// restarted and re-registered.
func (m *Manager) Update(ctx context.Context, name, version string) error {
	old, ok := m.manifest.Get(name)
	if !ok {
		return protocol.NewError(protocol.ErrUnknownProvider, "%q is not installed", name)
	}

	desc, err := m.registry.FetchDescriptor(ctx, old.Package, version)
	if err != nil {
		return err
	}

	if old.Kind == "provider" {
		if err := m.catalog.Deregister(name); err != nil {
			m.logger.Debug("Provider was not in catalog at update", "provider", name)
		}
		m.forgetSessions(old.Endpoint)
	}
	if err := m.runtime.StopContainer(ctx, old.ContainerID); err != nil {
		m.logger.Warn("Failed to stop old container during update",
			"name", name, "error", err)
	}

	req := InstallRequest{Name: name, Package: old.Package, Version: version, Kind: old.Kind, Env: old.Env}
	entry, err := m.deploy(ctx, name, req, desc)
	if err != nil {
		// Restore the previous container.
		m.logger.Warn("Update failed, restoring previous version",
			"name", name, "from", old.Version, "to", version, "error", err)
		if startErr := m.runtime.StartContainer(ctx, old.ContainerID); startErr == nil {
			if healthErr := m.waitHealthy(ctx, old.HealthURL()); healthErr == nil {
				m.register(ctx, &old)
			}
		}
		return err
	}

	m.removeQuietly(ctx, old.ContainerID)
	if err := m.manifest.Put(*entry); err != nil {
		return err
	}
	m.register(ctx, entry)
	m.logger.Info("Updated package", "name", name, "from", old.Version, "to", entry.Version)
	return nil
}

// Reconcile converges the runtime with the desired install set at boot:
// missing packages are installed, stopped ones started, and already-running
// providers re-registered. One package's failure never blocks the rest.
func (m *Manager) Reconcile(ctx context.Context, desired []InstallRequest) {
	for _, req := range desired {
		name := req.Name
		if name == "" {
			name = req.Package
		}

		entry, installed := m.manifest.Get(name)
		switch {
		case !installed:
			if _, err := m.Install(ctx, req); err != nil {
				m.logger.Error("Reconcile: install failed", "name", name, "error", err)
			}
		case !entry.Started:
			if err := m.Start(ctx, name); err != nil {
				m.logger.Error("Reconcile: start failed", "name", name, "error", err)
			}
		default:
			m.register(ctx, &entry)
		}
	}
}

// Logs returns the tail of an installed package's container log.
func (m *Manager) Logs(ctx context.Context, name string, tail int) (string, error) {
	entry, ok := m.manifest.Get(name)
	if !ok {
		return "", protocol.NewError(protocol.ErrUnknownProvider, "%q is not installed", name)
	}
	return m.runtime.ContainerLogs(ctx, entry.ContainerID, tail)
}

// Installed lists the manifest entries sorted by name.
func (m *Manager) Installed() []ManifestEntry {
	return m.manifest.List()
}

func (m *Manager) waitHealthy(ctx context.Context, healthURL string) error {
	deadline := time.Now().Add(m.healthTimeout)
	for {
		probeCtx, cancelProbe := context.WithTimeout(ctx, 5*time.Second)
		err := m.probe(probeCtx, healthURL)
		cancelProbe()
		if err == nil {
			return nil
		}

		if time.Now().After(deadline) {
			return protocol.NewError(protocol.ErrTimeout,
				"health endpoint %s did not respond within %s", healthURL, m.healthTimeout)
		}
		select {
		case <-ctx.Done():
			return protocol.WrapError(protocol.ErrCancelled, ctx.Err(), "health wait aborted")
		case <-time.After(m.healthInterval):
		}
	}
}

func (m *Manager) httpProbe(ctx context.Context, healthURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return err
	}

	client := httpclient.New(httpclient.WithMaxRetries(0))
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// forgetSessions drops cached MCP handshakes for an endpoint that is going
// away, so a reinstalled provider starts from a clean initialize.
func (m *Manager) forgetSessions(endpoint string) {
	type forgetter interface{ Forget(endpoint string) }
	if f, ok := m.tools.(forgetter); ok {
		f.Forget(endpoint)
	}
}

func (m *Manager) stopQuietly(ctx context.Context, id string) {
	if err := m.runtime.StopContainer(ctx, id); err != nil {
		m.logger.Debug("Container stop failed", "id", id, "error", err)
	}
}

func (m *Manager) removeQuietly(ctx context.Context, id string) {
	if err := m.runtime.RemoveContainer(ctx, id); err != nil {
		m.logger.Debug("Container remove failed", "id", id, "error", err)
	}
}

func containerNameFor(name, version string) string {
	v := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, version)
	if v == "" {
		return "corral-" + name
	}
	return "corral-" + name + "-" + v
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
