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
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/corralhq/corral/pkg/agent"
	"github.com/corralhq/corral/pkg/cancel"
	"github.com/corralhq/corral/pkg/eventbus"
	"github.com/corralhq/corral/pkg/logger"
	"github.com/corralhq/corral/pkg/model"
	"github.com/corralhq/corral/pkg/protocol"
)

// defaultMaxConcurrent bounds parallel mode when neither the team nor the
// engine configuration caps it.
const defaultMaxConcurrent = 8

// AgentRunner runs a single agent to completion. Satisfied by
// *agent.Runtime.
type AgentRunner interface {
	Run(ctx context.Context, req *agent.RunRequest) (*agent.RunResult, error)
}

// AgentResolver looks up agent definitions by id.
type AgentResolver interface {
	AgentDefinition(id string) (*agent.Definition, bool)
}

// RunRequest describes one team execution.
type RunRequest struct {
	ExecutionID string
	Team        *Definition
	Task        string
	SessionID   string
	Context     map[string]string
	Token       *cancel.Token
}

// MemberResult is one member's sub-record in a team run.
type MemberResult struct {
	AgentID      string          `json:"agent_id"`
	Role         string          `json:"role,omitempty"`
	Status       protocol.Status `json:"status"`
	Iterations   int             `json:"iterations"`
	Usage        model.Usage     `json:"usage"`
	Cost         float64         `json:"cost"`
	Answer       string          `json:"answer"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// RunResult is the terminal outcome of one team execution.
type RunResult struct {
	TeamID  string          `json:"team_id"`
	Status  protocol.Status `json:"status"`
	Answer  string          `json:"answer"`
	Members []MemberResult  `json:"members"`
	Usage   model.Usage     `json:"usage"`
	Cost    float64         `json:"cost"`
}

// Coordinator runs team definitions by delegating members to the agent
// runtime.
type Coordinator struct {
	runner        AgentRunner
	agents        AgentResolver
	bus           *eventbus.Bus
	maxConcurrent int
	logger        *slog.Logger
}

type CoordinatorOption func(*Coordinator)

// WithMaxConcurrentAgents sets the engine-level parallel concurrency cap
// used when a team does not set its own.
func WithMaxConcurrentAgents(n int) CoordinatorOption {
	return func(c *Coordinator) { c.maxConcurrent = n }
}

func NewCoordinator(runner AgentRunner, agents AgentResolver, bus *eventbus.Bus, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		runner:        runner,
		agents:        agents,
		bus:           bus,
		maxConcurrent: defaultMaxConcurrent,
		logger:        logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes one team over one task.
func (c *Coordinator) Run(ctx context.Context, req *RunRequest) (*RunResult, error) {
	if req == nil || req.Team == nil {
		return nil, protocol.NewError(protocol.ErrConfiguration, "team run request has no definition")
	}
	if err := req.Team.Validate(); err != nil {
		return nil, protocol.WrapError(protocol.ErrConfiguration, err, "invalid team definition")
	}

	token := req.Token
	if token == nil {
		token = cancel.NewToken()
	}

	c.publish(req, map[string]any{
		"team_id": req.Team.ID,
		"mode":    string(req.Team.Mode),
		"members": len(req.Team.Members),
	})

	var res *RunResult
	switch req.Team.Mode {
	case ModeParallel:
		res = c.runParallel(ctx, req, token)
	default:
		// Collaborative is sequential plus an injected critique message.
		res = c.runSequential(ctx, req, token)
	}

	c.logger.Info("Team run finished",
		"team", req.Team.ID, "mode", string(req.Team.Mode), "status", string(res.Status))
	return res, nil
}

func (c *Coordinator) runSequential(ctx context.Context, req *RunRequest, token *cancel.Token) *RunResult {
	def := req.Team
	res := &RunResult{TeamID: def.ID}

	shared := make(map[string]string, len(req.Context))
	for k, v := range req.Context {
		shared[k] = v
	}

	var priorAnswers []string
	failed := false

	for i, m := range def.Members {
		if token.Cancelled() {
			res.Status = protocol.StatusCancelled
			return res
		}

		var instruction string
		if def.Mode == ModeCollaborative && len(priorAnswers) > 0 {
			instruction = collaborationInstruction(priorAnswers)
		}

		mr := c.runMember(ctx, req, token, m, shared, instruction)
		res.Members = append(res.Members, mr)
		c.accumulate(res, mr)

		if mr.Status == protocol.StatusCancelled {
			res.Status = protocol.StatusCancelled
			return res
		}
		if mr.Status == protocol.StatusError {
			failed = true
			if def.Strict {
				c.logger.Warn("Strict team aborting after member failure",
					"team", def.ID, "member", m.AgentID, "remaining", len(def.Members)-i-1)
				res.Status = protocol.StatusError
				res.Answer = mr.ErrorMessage
				return res
			}
			if def.sharesContext() {
				shared["error_from_"+m.AgentID] = mr.ErrorMessage
			}
			continue
		}

		priorAnswers = append(priorAnswers,
			fmt.Sprintf("%s: %s", m.AgentID, mr.Answer))
		if def.sharesContext() {
			shared["answer_from_"+m.AgentID] = mr.Answer
		}
		res.Answer = mr.Answer
	}

	if failed {
		res.Status = protocol.StatusCompletedWithErrors
	} else {
		res.Status = protocol.StatusCompleted
	}
	return res
}

func (c *Coordinator) runParallel(ctx context.Context, req *RunRequest, token *cancel.Token) *RunResult {
	def := req.Team
	res := &RunResult{TeamID: def.ID, Members: make([]MemberResult, len(def.Members))}

	limit := def.MaxConcurrentAgents
	if limit <= 0 {
		limit = c.maxConcurrent
	}
	if limit <= 0 {
		limit = defaultMaxConcurrent
	}

	// Each member sees the launch-time context snapshot only.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, m := range def.Members {
		g.Go(func() error {
			res.Members[i] = c.runMember(gctx, req, token, m, req.Context, "")
			return nil
		})
	}
	g.Wait()

	cancelled := token.Cancelled()
	failed := false
	var answers []string
	for _, mr := range res.Members {
		c.accumulate(res, mr)
		switch mr.Status {
		case protocol.StatusCancelled:
			cancelled = true
		case protocol.StatusError:
			failed = true
		default:
			answers = append(answers, fmt.Sprintf("## %s\n%s", mr.AgentID, mr.Answer))
		}
	}
	res.Answer = strings.Join(answers, "\n\n")

	switch {
	case cancelled:
		res.Status = protocol.StatusCancelled
	case failed:
		res.Status = protocol.StatusCompletedWithErrors
	default:
		res.Status = protocol.StatusCompleted
	}
	return res
}

func (c *Coordinator) runMember(ctx context.Context, req *RunRequest, token *cancel.Token, m Member, shared map[string]string, instruction string) MemberResult {
	mr := MemberResult{AgentID: m.AgentID, Role: m.Role}

	def, ok := c.agents.AgentDefinition(m.AgentID)
	if !ok {
		mr.Status = protocol.StatusError
		mr.ErrorMessage = fmt.Sprintf("agent %q is not defined", m.AgentID)
		return mr
	}

	memberCtx := make(map[string]string, len(shared)+2)
	for k, v := range shared {
		memberCtx[k] = v
	}
	if m.Role != "" {
		memberCtx["team_role"] = m.Role
	}
	if len(m.Responsibilities) > 0 {
		memberCtx["responsibilities"] = strings.Join(m.Responsibilities, "; ")
	}

	out, err := c.runner.Run(ctx, &agent.RunRequest{
		ExecutionID:   req.ExecutionID,
		Agent:         def,
		Task:          req.Task,
		SessionID:     req.SessionID,
		Context:       memberCtx,
		Instruction:   instruction,
		ToolProviders: req.Team.memberProviders(m),
		Token:         token,
	})
	if err != nil {
		mr.Status = protocol.StatusError
		mr.ErrorMessage = err.Error()
		return mr
	}

	mr.Status = out.Status
	mr.Iterations = out.Iterations
	mr.Usage = out.Usage
	mr.Cost = out.Cost
	mr.Answer = out.Answer
	mr.ErrorMessage = out.ErrorMessage
	return mr
}

func (c *Coordinator) accumulate(res *RunResult, mr MemberResult) {
	res.Usage.InputTokens += mr.Usage.InputTokens
	res.Usage.OutputTokens += mr.Usage.OutputTokens
	res.Cost += mr.Cost
}

func (c *Coordinator) publish(req *RunRequest, payload map[string]any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.New(eventbus.TypeStatus, req.ExecutionID, payload))
}

func collaborationInstruction(priorAnswers []string) string {
	var b strings.Builder
	b.WriteString("Previous team members have already answered, in order:\n\n")
	for i, a := range priorAnswers {
		fmt.Fprintf(&b, "%d. %s\n", i+1, a)
	}
	b.WriteString("\nCritique and extend their work rather than starting fresh.")
	return b.String()
}
