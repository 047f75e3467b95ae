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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/team"
)

const sampleConfig = `
server:
  port: 9000

logging:
  level: debug

session:
  backend: sqlite

models:
  anthropic:
    api_key: ${CORRAL_TEST_API_KEY}

default_model:
  provider: anthropic
  model: claude-sonnet-4-20250514

timeouts:
  per_llm_call: 90s
  per_execution: 20m

agents:
  researcher:
    role: a research assistant
    tool_providers: [files]
  writer:
    role: a technical writer
    max_iterations: 3
    model:
      provider: anthropic
      model: claude-haiku-4-20250514

teams:
  docs:
    mode: sequential
    tool_providers: [files]
    members:
      - agent_id: researcher
      - agent_id: writer
        tool_providers: [files]

workflows:
  scan:
    nodes:
      - id: A
        provider: net
        tool: scan
        params:
          cidr: ${CIDR:-192.0.2.0/24}

triggers:
  nightly:
    type: schedule
    schedule: "0 3 * * *"
    target_kind: workflow
    target_id: scan
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "corral.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	t.Setenv("CORRAL_TEST_API_KEY", "sk-test-123")

	cfg, err := LoadFile(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host, "default host")
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "sqlite", cfg.Session.Backend)
	assert.Equal(t, "corral-sessions.db", cfg.Session.Path, "default sqlite path")

	assert.Equal(t, "sk-test-123", cfg.Models["anthropic"].APIKey, "env var expanded")

	assert.Equal(t, 90*time.Second, cfg.Timeouts.PerLLMCall)
	assert.Equal(t, 20*time.Minute, cfg.Timeouts.PerExecution)
	assert.Equal(t, time.Minute, cfg.Timeouts.PerToolCall, "unset timeout defaults")

	researcher := cfg.Agents["researcher"]
	require.NotNil(t, researcher)
	assert.Equal(t, "researcher", researcher.ID, "map key stamped as id")
	assert.Equal(t, "claude-sonnet-4-20250514", researcher.Model.Model, "default model inherited")
	assert.Equal(t, 10, researcher.MaxIterations)

	writer := cfg.Agents["writer"]
	assert.Equal(t, "claude-haiku-4-20250514", writer.Model.Model, "explicit model kept")
	assert.Equal(t, 3, writer.MaxIterations)

	docs := cfg.Teams["docs"]
	require.NotNil(t, docs)
	assert.Equal(t, team.ModeSequential, docs.Mode)

	// Workflow params keep their runtime references.
	scan := cfg.Workflows["scan"]
	require.NotNil(t, scan)
	assert.Equal(t, "${CIDR:-192.0.2.0/24}", scan.Nodes[0].Params["cidr"])

	nightly := cfg.Triggers["nightly"]
	require.NotNil(t, nightly)
	assert.Equal(t, "nightly", nightly.ID)
}

func TestLoadRejectsUnknownTeamMember(t *testing.T) {
	t.Setenv("CORRAL_TEST_API_KEY", "k")

	bad := `
teams:
  broken:
    members:
      - agent_id: nobody
`
	_, err := LoadFile(writeConfig(t, bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown agent")
}

func TestLoadRejectsMissingAPIKey(t *testing.T) {
	t.Setenv("CORRAL_TEST_API_KEY", "")

	_, err := LoadFile(writeConfig(t, sampleConfig))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}

func TestLoadRejectsTriggerWithUnknownTarget(t *testing.T) {
	t.Setenv("CORRAL_TEST_API_KEY", "k")

	bad := sampleConfig + `
  orphan:
    type: manual
    target_kind: team
    target_id: ghost-team
`
	_, err := LoadFile(writeConfig(t, bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown team target")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("CORRAL_DOTENV_KEY=from-dotenv\n"), 0644))

	content := `
models:
  anthropic:
    api_key: ${CORRAL_DOTENV_KEY}
`
	path := filepath.Join(dir, "corral.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	t.Setenv("CORRAL_DOTENV_KEY", "")
	os.Unsetenv("CORRAL_DOTENV_KEY")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Models["anthropic"].APIKey)
}

func TestDefaultsOnEmptyConfig(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, 8420, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Session.Backend)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 8, cfg.MaxConcurrentAgents)
	assert.Equal(t, "anthropic", cfg.DefaultModel.Provider)
}
