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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ManifestEntry records one installed package.
type ManifestEntry struct {
	Name          string            `json:"name"`
	Kind          string            `json:"kind"`
	Package       string            `json:"package"`
	Version       string            `json:"version"`
	Image         string            `json:"image"`
	ContainerID   string            `json:"container_id"`
	ContainerName string            `json:"container_name"`
	Endpoint      string            `json:"endpoint"`
	HealthPath    string            `json:"health_path,omitempty"`
	Port          int               `json:"port"`
	Env           map[string]string `json:"env,omitempty"`
	Started       bool              `json:"started"`
	InstalledAt   time.Time         `json:"installed_at"`
}

// HealthURL is the container's full health probe URL. Entries written
// before health paths were recorded fall back to /health.
func (e ManifestEntry) HealthURL() string {
	path := e.HealthPath
	if path == "" {
		path = "/health"
	}
	return e.Endpoint + path
}

// Manifest is the JSON installation manifest. Mutations are serialized and
// each one is persisted with an atomic rename.
type Manifest struct {
	path string

	mu      sync.Mutex
	entries map[string]ManifestEntry
}

// OpenManifest loads (or initializes) the manifest file at dir/name.
func OpenManifest(dir, name string) (*Manifest, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create manifest dir: %w", err)
	}

	m := &Manifest{
		path:    filepath.Join(dir, name),
		entries: make(map[string]ManifestEntry),
	}

	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &m.entries); err != nil {
			return nil, fmt.Errorf("parse manifest %s: %w", m.path, err)
		}
	}
	return m, nil
}

func (m *Manifest) Get(name string) (ManifestEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	return e, ok
}

// List returns entries sorted by name.
func (m *Manifest) List() []ManifestEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ManifestEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manifest) Put(e ManifestEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Name] = e
	return m.save()
}

func (m *Manifest) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, name)
	return m.save()
}

// save writes the manifest atomically; callers hold the lock.
func (m *Manifest) save() error {
	data, err := json.MarshalIndent(m.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}
