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

package team

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/agent"
	"github.com/corralhq/corral/pkg/cancel"
	"github.com/corralhq/corral/pkg/eventbus"
	"github.com/corralhq/corral/pkg/model"
	"github.com/corralhq/corral/pkg/protocol"
)

type fakeResolver map[string]*agent.Definition

func (f fakeResolver) AgentDefinition(id string) (*agent.Definition, bool) {
	d, ok := f[id]
	return d, ok
}

type fakeRunner struct {
	mu       sync.Mutex
	requests []*agent.RunRequest
	results  map[string]*agent.RunResult
	block    func(ctx context.Context, req *agent.RunRequest) // optional hook
}

func (f *fakeRunner) Run(ctx context.Context, req *agent.RunRequest) (*agent.RunResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.block != nil {
		f.block(ctx, req)
	}
	if req.Token != nil && req.Token.Cancelled() {
		return &agent.RunResult{AgentID: req.Agent.ID, Status: protocol.StatusCancelled}, nil
	}
	if r, ok := f.results[req.Agent.ID]; ok {
		return r, nil
	}
	return &agent.RunResult{
		AgentID: req.Agent.ID,
		Status:  protocol.StatusCompleted,
		Answer:  "answer from " + req.Agent.ID,
		Usage:   model.Usage{InputTokens: 10, OutputTokens: 5},
		Cost:    0.01,
	}, nil
}

func (f *fakeRunner) requestFor(agentID string) *agent.RunRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.requests {
		if r.Agent.ID == agentID {
			return r
		}
	}
	return nil
}

func resolverFor(ids ...string) fakeResolver {
	r := fakeResolver{}
	for _, id := range ids {
		r[id] = &agent.Definition{
			ID: id, MaxIterations: 5,
			Model: model.Binding{Provider: "anthropic", Model: "claude-sonnet-4-20250514"},
		}
	}
	return r
}

func testTeam(mode Mode, members ...Member) *Definition {
	d := &Definition{
		ID:            "reviewers",
		ToolProviders: []string{"files", "web"},
		Members:       members,
		Mode:          mode,
	}
	d.SetDefaults()
	return d
}

func TestSequentialSharesContext(t *testing.T) {
	runner := &fakeRunner{}
	c := NewCoordinator(runner, resolverFor("first", "second"), eventbus.NewBus())

	res, err := c.Run(context.Background(), &RunRequest{
		ExecutionID: "exec-1",
		Team:        testTeam(ModeSequential, Member{AgentID: "first"}, Member{AgentID: "second"}),
		Task:        "review the code",
	})
	require.NoError(t, err)

	assert.Equal(t, protocol.StatusCompleted, res.Status)
	assert.Equal(t, "answer from second", res.Answer)
	require.Len(t, res.Members, 2)

	second := runner.requestFor("second")
	require.NotNil(t, second)
	assert.Equal(t, "answer from first", second.Context["answer_from_first"])
}

func TestSequentialMemberFailureContinues(t *testing.T) {
	runner := &fakeRunner{results: map[string]*agent.RunResult{
		"first": {AgentID: "first", Status: protocol.StatusError, ErrorMessage: "boom"},
	}}
	c := NewCoordinator(runner, resolverFor("first", "second"), eventbus.NewBus())

	res, err := c.Run(context.Background(), &RunRequest{
		ExecutionID: "exec-2",
		Team:        testTeam(ModeSequential, Member{AgentID: "first"}, Member{AgentID: "second"}),
		Task:        "t",
	})
	require.NoError(t, err)

	assert.Equal(t, protocol.StatusCompletedWithErrors, res.Status)
	require.Len(t, res.Members, 2)

	second := runner.requestFor("second")
	require.NotNil(t, second)
	assert.Equal(t, "boom", second.Context["error_from_first"])
}

func TestSequentialStrictAborts(t *testing.T) {
	runner := &fakeRunner{results: map[string]*agent.RunResult{
		"first": {AgentID: "first", Status: protocol.StatusError, ErrorMessage: "boom"},
	}}
	c := NewCoordinator(runner, resolverFor("first", "second"), eventbus.NewBus())

	def := testTeam(ModeSequential, Member{AgentID: "first"}, Member{AgentID: "second"})
	def.Strict = true

	res, err := c.Run(context.Background(), &RunRequest{
		ExecutionID: "exec-3", Team: def, Task: "t",
	})
	require.NoError(t, err)

	assert.Equal(t, protocol.StatusError, res.Status)
	assert.Len(t, res.Members, 1, "strict mode must not run remaining members")
	assert.Nil(t, runner.requestFor("second"))
}

func TestParallelRunsAllMembers(t *testing.T) {
	var concurrent, peak atomic.Int32
	runner := &fakeRunner{
		block: func(context.Context, *agent.RunRequest) {
			cur := concurrent.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			concurrent.Add(-1)
		},
	}
	c := NewCoordinator(runner, resolverFor("a", "b", "c", "d"), eventbus.NewBus())

	def := testTeam(ModeParallel,
		Member{AgentID: "a"}, Member{AgentID: "b"}, Member{AgentID: "c"}, Member{AgentID: "d"})
	def.MaxConcurrentAgents = 2

	res, err := c.Run(context.Background(), &RunRequest{
		ExecutionID: "exec-4", Team: def, Task: "t",
	})
	require.NoError(t, err)

	assert.Equal(t, protocol.StatusCompleted, res.Status)
	assert.Len(t, res.Members, 4)
	assert.LessOrEqual(t, peak.Load(), int32(2), "per-team concurrency cap")

	// Member order in results matches declaration order.
	assert.Equal(t, "a", res.Members[0].AgentID)
	assert.Equal(t, "d", res.Members[3].AgentID)
	assert.Contains(t, res.Answer, "answer from a")
	assert.Contains(t, res.Answer, "answer from d")

	// Token and cost are summed across members.
	assert.Equal(t, 40, res.Usage.InputTokens)
	assert.InDelta(t, 0.04, res.Cost, 1e-9)
}

func TestParallelCancellation(t *testing.T) {
	token := cancel.NewToken()
	runner := &fakeRunner{
		block: func(ctx context.Context, req *agent.RunRequest) {
			select {
			case <-req.Token.Done():
			case <-time.After(5 * time.Second):
			}
		},
	}
	c := NewCoordinator(runner, resolverFor("a", "b"), eventbus.NewBus())

	go func() {
		time.Sleep(20 * time.Millisecond)
		token.Cancel()
	}()

	start := time.Now()
	res, err := c.Run(context.Background(), &RunRequest{
		ExecutionID: "exec-5",
		Team:        testTeam(ModeParallel, Member{AgentID: "a"}, Member{AgentID: "b"}),
		Task:        "t",
		Token:       token,
	})
	require.NoError(t, err)

	assert.Equal(t, protocol.StatusCancelled, res.Status)
	assert.Less(t, time.Since(start), time.Second, "cancellation must propagate promptly")
}

func TestCollaborativeInjectsPriorAnswers(t *testing.T) {
	runner := &fakeRunner{}
	c := NewCoordinator(runner, resolverFor("first", "second"), eventbus.NewBus())

	res, err := c.Run(context.Background(), &RunRequest{
		ExecutionID: "exec-6",
		Team:        testTeam(ModeCollaborative, Member{AgentID: "first"}, Member{AgentID: "second"}),
		Task:        "t",
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusCompleted, res.Status)

	first := runner.requestFor("first")
	require.NotNil(t, first)
	assert.Empty(t, first.Instruction)

	second := runner.requestFor("second")
	require.NotNil(t, second)
	assert.Contains(t, second.Instruction, "answer from first")
	assert.Contains(t, second.Instruction, "Critique and extend")
}

func TestMemberCapabilityRestriction(t *testing.T) {
	runner := &fakeRunner{}
	c := NewCoordinator(runner, resolverFor("limited", "full"), eventbus.NewBus())

	def := testTeam(ModeSequential,
		Member{AgentID: "limited", ToolProviders: []string{"files"}},
		Member{AgentID: "full"})

	_, err := c.Run(context.Background(), &RunRequest{
		ExecutionID: "exec-7", Team: def, Task: "t",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"files"}, runner.requestFor("limited").ToolProviders)
	assert.Equal(t, []string{"files", "web"}, runner.requestFor("full").ToolProviders)
}

func TestRestrictionMustBeSubsetOfPool(t *testing.T) {
	def := testTeam(ModeSequential,
		Member{AgentID: "a", ToolProviders: []string{"database"}})

	c := NewCoordinator(&fakeRunner{}, resolverFor("a"), eventbus.NewBus())
	_, err := c.Run(context.Background(), &RunRequest{
		ExecutionID: "exec-8", Team: def, Task: "t",
	})
	require.Error(t, err)
	assert.Equal(t, protocol.ErrConfiguration, protocol.KindOf(err))
}

func TestUnknownMemberAgent(t *testing.T) {
	c := NewCoordinator(&fakeRunner{}, resolverFor("known"), eventbus.NewBus())

	res, err := c.Run(context.Background(), &RunRequest{
		ExecutionID: "exec-9",
		Team:        testTeam(ModeSequential, Member{AgentID: "ghost"}),
		Task:        "t",
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusCompletedWithErrors, res.Status)
	require.Len(t, res.Members, 1)
	assert.Equal(t, protocol.StatusError, res.Members[0].Status)
}

func TestSingleMemberTeamMirrorsAgent(t *testing.T) {
	runner := &fakeRunner{results: map[string]*agent.RunResult{
		"solo": {
			AgentID: "solo", Status: protocol.StatusCompleted, Answer: "solo answer",
			Iterations: 3, Usage: model.Usage{InputTokens: 7, OutputTokens: 2}, Cost: 0.002,
		},
	}}
	c := NewCoordinator(runner, resolverFor("solo"), eventbus.NewBus())

	res, err := c.Run(context.Background(), &RunRequest{
		ExecutionID: "exec-10",
		Team:        testTeam(ModeSequential, Member{AgentID: "solo"}),
		Task:        "t",
	})
	require.NoError(t, err)

	assert.Equal(t, protocol.StatusCompleted, res.Status)
	assert.Equal(t, "solo answer", res.Answer)
	assert.Equal(t, 3, res.Members[0].Iterations)
	assert.Equal(t, res.Members[0].Usage, res.Usage)
	assert.InDelta(t, res.Members[0].Cost, res.Cost, 1e-12)
}
