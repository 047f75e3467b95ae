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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	m, err := OpenManifest(dir, "manifest.json")
	require.NoError(t, err)

	entry := ManifestEntry{
		Name:        "net",
		Kind:        "provider",
		Package:     "net-scanner",
		Version:     "1.0.0",
		Image:       "ghcr.io/corral/net-scanner:1.0.0",
		ContainerID: "abc123",
		Endpoint:    "http://127.0.0.1:7001",
		Port:        7001,
		Started:     true,
		InstalledAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, m.Put(entry))

	reopened, err := OpenManifest(dir, "manifest.json")
	require.NoError(t, err)

	got, ok := reopened.Get("net")
	require.True(t, ok)
	assert.Equal(t, entry, got)
}

func TestManifestListSortedAndDelete(t *testing.T) {
	m, err := OpenManifest(t.TempDir(), "manifest.json")
	require.NoError(t, err)

	require.NoError(t, m.Put(ManifestEntry{Name: "web"}))
	require.NoError(t, m.Put(ManifestEntry{Name: "files"}))
	require.NoError(t, m.Put(ManifestEntry{Name: "net"}))

	names := make([]string, 0, 3)
	for _, e := range m.List() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"files", "net", "web"}, names)

	require.NoError(t, m.Delete("net"))
	_, ok := m.Get("net")
	assert.False(t, ok)
	assert.Len(t, m.List(), 2)
}

func TestOpenManifestMissingFileIsEmpty(t *testing.T) {
	m, err := OpenManifest(t.TempDir(), "manifest.json")
	require.NoError(t, err)
	assert.Empty(t, m.List())
}
