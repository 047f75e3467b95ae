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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTargetRunner struct {
	mu    sync.Mutex
	fired []string
	ch    chan string
}

func newFakeTargetRunner() *fakeTargetRunner {
	return &fakeTargetRunner{ch: make(chan string, 16)}
}

func (f *fakeTargetRunner) RunTriggerTarget(ctx context.Context, def *Definition) (string, error) {
	f.mu.Lock()
	f.fired = append(f.fired, def.ID)
	f.mu.Unlock()
	select {
	case f.ch <- def.ID:
	default:
	}
	return "exec-" + def.ID, nil
}

func scheduleTrigger(id, expr string) *Definition {
	return &Definition{
		ID:         id,
		Type:       TypeSchedule,
		TargetKind: TargetWorkflow,
		TargetID:   "net-sweep",
		Schedule:   expr,
	}
}

func TestSchedulerFiresTarget(t *testing.T) {
	runner := newFakeTargetRunner()
	s := NewScheduler(runner)

	require.NoError(t, s.Register(scheduleTrigger("sweep", "@every 10ms")))
	assert.Equal(t, 1, s.Scheduled())

	s.Start()
	defer s.Stop()

	select {
	case id := <-runner.ch:
		assert.Equal(t, "sweep", id)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled trigger never fired")
	}
}

func TestSchedulerSkipsNonScheduleTriggers(t *testing.T) {
	s := NewScheduler(newFakeTargetRunner())

	require.NoError(t, s.Register(webhookTrigger()))
	require.NoError(t, s.Register(&Definition{
		ID: "container-only", Type: TypeSchedule,
		TargetKind: TargetTeam, TargetID: "ops",
		Package: "cron-runner",
	}))
	assert.Zero(t, s.Scheduled())
}

func TestSchedulerRejectsBadExpressionAndDuplicate(t *testing.T) {
	s := NewScheduler(newFakeTargetRunner())

	err := s.Register(scheduleTrigger("bad", "not a cron expr"))
	require.Error(t, err)

	require.NoError(t, s.Register(scheduleTrigger("sweep", "0 2 * * *")))
	err = s.Register(scheduleTrigger("sweep", "0 3 * * *"))
	require.Error(t, err)
}

func TestSchedulerDeregisterStopsFiring(t *testing.T) {
	runner := newFakeTargetRunner()
	s := NewScheduler(runner)

	require.NoError(t, s.Register(scheduleTrigger("sweep", "@every 10ms")))
	s.Deregister("sweep")
	assert.Zero(t, s.Scheduled())

	s.Start()
	defer s.Stop()

	select {
	case <-runner.ch:
		t.Fatal("deregistered trigger fired")
	case <-time.After(50 * time.Millisecond):
	}
}
