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

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/corralhq/corral/pkg/cancel"
	"github.com/corralhq/corral/pkg/eventbus"
	"github.com/corralhq/corral/pkg/logger"
	"github.com/corralhq/corral/pkg/model"
	"github.com/corralhq/corral/pkg/protocol"
	"github.com/corralhq/corral/pkg/session"
)

const (
	// reasoningPreviewLen caps the reasoning text carried in event payloads.
	// Full text stays in the message list and the session store.
	reasoningPreviewLen = 200

	// resultSnapshotLen caps each string inside a tool-result event payload.
	resultSnapshotLen = 500
)

// RunRequest describes one agent execution.
type RunRequest struct {
	ExecutionID string
	Agent       *Definition
	Task        string

	// SessionID, when set, records the conversation and accumulates token
	// usage in the session store.
	SessionID string

	// Context carries supplemental key/value context rendered into the
	// initial message list.
	Context map[string]string

	// Instruction is an additional coordinator-injected message, used by
	// collaborative team mode.
	Instruction string

	// ToolProviders, when non-nil, replaces the agent's declared capability
	// set. The team coordinator uses this for per-member restriction.
	ToolProviders []string

	Token *cancel.Token

	// ApprovalGranted marks that a human has approved tool use for agents
	// whose definition requires it.
	ApprovalGranted bool
}

// ToolCallRecord summarizes one dispatched tool call.
type ToolCallRecord struct {
	Iteration int                `json:"iteration"`
	Provider  string             `json:"provider"`
	Tool      string             `json:"tool"`
	Success   bool               `json:"success"`
	ErrorKind protocol.ErrorKind `json:"error_kind,omitempty"`
	Duration  time.Duration      `json:"duration"`
}

// RunResult is the terminal outcome of one agent execution.
type RunResult struct {
	AgentID        string           `json:"agent_id"`
	Answer         string           `json:"answer"`
	Status         protocol.Status  `json:"status"`
	Iterations     int              `json:"iterations"`
	Usage          model.Usage      `json:"usage"`
	Cost           float64          `json:"cost"`
	ReasoningSteps []string         `json:"reasoning_steps,omitempty"`
	ToolCalls      []ToolCallRecord `json:"tool_calls,omitempty"`
	ErrorMessage   string           `json:"error_message,omitempty"`
}

// Runtime executes agent definitions with the reason, act, observe loop.
type Runtime struct {
	models   model.Sender
	tools    Dispatcher
	bus      *eventbus.Bus
	sessions session.Service
	timeouts protocol.Timeouts
	logger   *slog.Logger
}

type RuntimeOption func(*Runtime)

func WithTimeouts(t protocol.Timeouts) RuntimeOption {
	return func(r *Runtime) { r.timeouts = t }
}

func NewRuntime(models model.Sender, tools Dispatcher, bus *eventbus.Bus, sessions session.Service, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		models:   models,
		tools:    tools,
		bus:      bus,
		sessions: sessions,
		timeouts: protocol.DefaultTimeouts(),
		logger:   logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one agent against one task and returns the terminal result.
// Failures during the run surface in the result status; the error return is
// reserved for unusable requests.
func (r *Runtime) Run(ctx context.Context, req *RunRequest) (*RunResult, error) {
	if req == nil || req.Agent == nil {
		return nil, protocol.NewError(protocol.ErrConfiguration, "agent run request has no definition")
	}
	if err := req.Agent.Validate(); err != nil {
		return nil, protocol.WrapError(protocol.ErrConfiguration, err, "invalid agent definition")
	}

	token := req.Token
	if token == nil {
		token = cancel.NewToken()
	}

	execCtx, release := token.Context(ctx)
	defer release()
	if r.timeouts.PerExecution > 0 {
		var cancelDeadline context.CancelFunc
		execCtx, cancelDeadline = context.WithTimeout(execCtx, r.timeouts.PerExecution)
		defer cancelDeadline()
	}

	run := r.newRun(ctx, req, token)
	run.prepare()
	return run.loop(execCtx), nil
}

// run holds the mutable state of one execution of the loop.
type run struct {
	r     *Runtime
	req   *RunRequest
	def   *Definition
	token *cancel.Token

	// baseCtx outlives cancellation so terminal state can still be recorded.
	baseCtx context.Context

	declared map[string]bool
	system   string
	tools    []model.ToolDef
	messages []model.Message
	lastText string
	res      *RunResult
}

func (r *Runtime) newRun(ctx context.Context, req *RunRequest, token *cancel.Token) *run {
	return &run{
		r:       r,
		req:     req,
		def:     req.Agent,
		token:   token,
		baseCtx: ctx,
		res:     &RunResult{AgentID: req.Agent.ID, Status: protocol.StatusRunning},
	}
}

// prepare builds the visible tool set and the initial message list.
func (s *run) prepare() {
	providers := s.req.ToolProviders
	if providers == nil {
		providers = s.def.ToolProviders
	}
	s.declared = make(map[string]bool, len(providers))
	for _, p := range providers {
		s.declared[p] = true
	}

	var missing []string
	s.tools, missing = s.r.tools.VisibleTools(providers)
	if len(missing) > 0 {
		s.r.logger.Warn("Tool providers missing from catalog",
			"agent", s.def.ID, "providers", missing)
		s.publish(eventbus.TypeStatus, map[string]any{
			"agent_id":          s.def.ID,
			"warning":           "tool providers missing from catalog",
			"missing_providers": missing,
		})
	}

	s.system = s.def.BuildSystemPrompt()
	s.messages = []model.Message{{Role: model.RoleUser, Content: s.req.Task}}
	if len(s.req.Context) > 0 {
		s.messages = append(s.messages, model.Message{
			Role:    model.RoleUser,
			Content: renderContext(s.req.Context),
		})
	}
	if s.req.Instruction != "" {
		s.messages = append(s.messages, model.Message{
			Role:    model.RoleUser,
			Content: s.req.Instruction,
		})
	}

	s.recordMessage(session.Message{Kind: session.KindUser, Content: s.req.Task})
	s.publish(eventbus.TypeAgentStart, map[string]any{
		"agent_id":   s.def.ID,
		"tool_count": len(s.tools),
	})
}

func (s *run) loop(execCtx context.Context) *RunResult {
	maxIter := s.def.EffectiveMaxIterations()

	for iter := 1; iter <= maxIter; iter++ {
		if s.token.Cancelled() {
			return s.finish(protocol.StatusCancelled, s.lastText, "")
		}
		s.res.Iterations = iter
		s.publish(eventbus.TypeIterationStart, map[string]any{
			"agent_id":  s.def.ID,
			"iteration": iter,
		})
		s.recordStatus(session.StatusIterationStart, fmt.Sprintf("iteration %d", iter))

		done, result := s.iterate(execCtx, iter)
		if done {
			return result
		}
	}

	return s.finish(protocol.StatusCompletedMaxIterations, s.lastText, "")
}

// iterate runs one model call plus its tool dispatches. It returns done=true
// with the terminal result when the loop must stop.
func (s *run) iterate(execCtx context.Context, iter int) (bool, *RunResult) {
	iterCtx := execCtx
	if s.r.timeouts.PerIteration > 0 {
		var cancelIter context.CancelFunc
		iterCtx, cancelIter = context.WithTimeout(execCtx, s.r.timeouts.PerIteration)
		defer cancelIter()
	}

	resp, err := s.generate(iterCtx)
	if err != nil {
		kind := protocol.KindOf(err)
		if kind == protocol.ErrCancelled || s.token.Cancelled() {
			return true, s.finish(protocol.StatusCancelled, s.lastText, "")
		}
		return true, s.finish(protocol.StatusError, s.lastText, err.Error())
	}

	s.accountUsage(resp)

	if resp.Text != "" {
		s.lastText = resp.Text
		s.res.ReasoningSteps = append(s.res.ReasoningSteps, resp.Text)
		s.recordStatus(session.StatusAgentReasoning, protocol.TruncateString(resp.Text, reasoningPreviewLen))
	}

	switch resp.StopReason {
	case model.StopEndTurn:
		s.recordMessage(session.Message{Kind: session.KindAssistant, Content: resp.Text})
		s.publish(eventbus.TypeAgentAnswer, map[string]any{
			"agent_id": s.def.ID,
			"answer":   resp.Text,
		})
		return true, s.finish(protocol.StatusCompleted, resp.Text, "")

	case model.StopMaxTokens:
		s.recordMessage(session.Message{Kind: session.KindAssistant, Content: resp.Text})
		return true, s.finish(protocol.StatusCompletedTruncated, resp.Text, "")

	case model.StopError:
		return true, s.finish(protocol.StatusError, s.lastText, "model reported an error stop")

	case model.StopToolUse:
		s.messages = append(s.messages, model.Message{
			Role:      model.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		if cancelled := s.dispatchTools(iterCtx, iter, resp.ToolCalls); cancelled {
			return true, s.finish(protocol.StatusCancelled, s.lastText, "")
		}
		s.publish(eventbus.TypeAgentIteration, map[string]any{
			"agent_id":          s.def.ID,
			"iteration":         iter,
			"model":             s.def.Model.Model,
			"input_tokens":      resp.Usage.InputTokens,
			"output_tokens":     resp.Usage.OutputTokens,
			"tools_used":        toolNames(resp.ToolCalls),
			"reasoning_preview": protocol.TruncateString(resp.Text, reasoningPreviewLen),
		})
		return false, nil

	default:
		return true, s.finish(protocol.StatusError, s.lastText,
			fmt.Sprintf("unexpected stop reason %q", resp.StopReason))
	}
}

func (s *run) generate(iterCtx context.Context) (*model.Response, error) {
	llmCtx := iterCtx
	if s.r.timeouts.PerLLMCall > 0 {
		var cancelLLM context.CancelFunc
		llmCtx, cancelLLM = context.WithTimeout(iterCtx, s.r.timeouts.PerLLMCall)
		defer cancelLLM()
	}
	return s.r.models.Send(llmCtx, s.def.Model, s.system, s.messages, s.tools)
}

// dispatchTools executes the model's tool calls in emission order. Returns
// true when cancellation fired mid-batch.
func (s *run) dispatchTools(iterCtx context.Context, iter int, calls []protocol.ToolCall) bool {
	for _, call := range calls {
		s.publish(eventbus.TypeToolExecution, map[string]any{
			"agent_id": s.def.ID,
			"tool":     call.Name,
			"args":     protocol.Truncate(call.Args, resultSnapshotLen),
		})
		s.recordStatus(session.StatusToolExecution, call.Name)

		provider, tool, err := protocol.SplitTool(call.Name)
		if err != nil {
			s.observeFailure(iter, call, "", call.Name, protocol.ErrUnknownTool,
				fmt.Sprintf("malformed tool name %q", call.Name))
			continue
		}
		if !s.declared[provider] {
			s.observeFailure(iter, call, provider, tool, protocol.ErrPolicyViolation,
				fmt.Sprintf("provider %q is not in the agent's capability set", provider))
			continue
		}
		if s.def.RequireApproval && !s.req.ApprovalGranted {
			s.observeFailure(iter, call, provider, tool, protocol.ErrPolicyViolation,
				"tool invocation requires human approval")
			continue
		}
		if s.token.Cancelled() {
			s.publishToolResult(call, provider, tool, false, protocol.ErrCancelled, nil)
			s.res.ToolCalls = append(s.res.ToolCalls, ToolCallRecord{
				Iteration: iter, Provider: provider, Tool: tool,
				ErrorKind: protocol.ErrCancelled,
			})
			return true
		}

		start := time.Now()
		out, err := s.dispatch(iterCtx, provider, tool, call.Args)
		elapsed := time.Since(start)

		if err != nil {
			kind := protocol.KindOf(err)
			if kind == protocol.ErrCancelled || s.token.Cancelled() {
				s.publishToolResult(call, provider, tool, false, protocol.ErrCancelled, nil)
				s.res.ToolCalls = append(s.res.ToolCalls, ToolCallRecord{
					Iteration: iter, Provider: provider, Tool: tool,
					ErrorKind: protocol.ErrCancelled, Duration: elapsed,
				})
				return true
			}
			s.res.ToolCalls = append(s.res.ToolCalls, ToolCallRecord{
				Iteration: iter, Provider: provider, Tool: tool,
				ErrorKind: kind, Duration: elapsed,
			})
			s.publishToolResult(call, provider, tool, false, kind, nil)
			s.recordStatus(session.StatusToolResult, fmt.Sprintf("%s failed: %s", call.Name, kind))
			s.appendObservation(call.ID, map[string]any{"error": err.Error(), "error_kind": string(kind)})
			continue
		}

		s.res.ToolCalls = append(s.res.ToolCalls, ToolCallRecord{
			Iteration: iter, Provider: provider, Tool: tool,
			Success: true, Duration: elapsed,
		})
		s.publishToolResult(call, provider, tool, true, "", protocol.TruncateMap(out, resultSnapshotLen))
		s.recordStatus(session.StatusToolResult, fmt.Sprintf("%s ok", call.Name))
		s.appendObservation(call.ID, out)
	}
	return false
}

func (s *run) dispatch(iterCtx context.Context, provider, tool string, args map[string]any) (map[string]any, error) {
	toolCtx := iterCtx
	if s.r.timeouts.PerToolCall > 0 {
		var cancelTool context.CancelFunc
		toolCtx, cancelTool = context.WithTimeout(iterCtx, s.r.timeouts.PerToolCall)
		defer cancelTool()
	}
	return s.r.tools.Dispatch(toolCtx, provider, tool, args)
}

// observeFailure records a tool call that was refused before dispatch and
// appends an error observation so the model may recover.
func (s *run) observeFailure(iter int, call protocol.ToolCall, provider, tool string, kind protocol.ErrorKind, msg string) {
	s.res.ToolCalls = append(s.res.ToolCalls, ToolCallRecord{
		Iteration: iter, Provider: provider, Tool: tool, ErrorKind: kind,
	})
	s.publishToolResult(call, provider, tool, false, kind, nil)
	s.recordStatus(session.StatusToolResult, fmt.Sprintf("%s refused: %s", call.Name, kind))
	s.appendObservation(call.ID, map[string]any{"error": msg, "error_kind": string(kind)})
}

func (s *run) appendObservation(toolCallID string, payload map[string]any) {
	content, err := json.Marshal(payload)
	if err != nil {
		content = []byte(fmt.Sprintf("%v", payload))
	}
	s.messages = append(s.messages, model.Message{
		Role:       model.RoleTool,
		ToolCallID: toolCallID,
		Content:    string(content),
	})
}

func (s *run) publishToolResult(call protocol.ToolCall, provider, tool string, success bool, kind protocol.ErrorKind, snapshot map[string]any) {
	payload := map[string]any{
		"agent_id": s.def.ID,
		"tool":     call.Name,
		"provider": provider,
		"name":     tool,
		"success":  success,
	}
	if kind != "" {
		payload["error_kind"] = string(kind)
	}
	if snapshot != nil {
		payload["result"] = snapshot
	}
	s.publish(eventbus.TypeToolResult, payload)
}

func (s *run) accountUsage(resp *model.Response) {
	s.res.Usage.InputTokens += resp.Usage.InputTokens
	s.res.Usage.OutputTokens += resp.Usage.OutputTokens
	s.res.Cost += resp.Cost

	if s.req.SessionID != "" {
		err := s.r.sessions.AddUsage(s.baseCtx, s.req.SessionID,
			int64(resp.Usage.InputTokens), int64(resp.Usage.OutputTokens), resp.Cost)
		if err != nil {
			s.r.logger.Warn("Failed to record session usage",
				"session_id", s.req.SessionID, "error", err)
		}
	}

	s.publish(eventbus.TypeCumulativeTokens, map[string]any{
		"agent_id":      s.def.ID,
		"input_tokens":  s.res.Usage.InputTokens,
		"output_tokens": s.res.Usage.OutputTokens,
		"cost":          s.res.Cost,
	})
}

func (s *run) finish(status protocol.Status, answer, errMsg string) *RunResult {
	s.res.Status = status
	s.res.Answer = answer
	s.res.ErrorMessage = errMsg

	payload := map[string]any{
		"agent_id": s.def.ID,
		"status":   string(status),
	}
	if errMsg != "" {
		payload["error"] = errMsg
		s.recordMessage(session.Message{Kind: session.KindError, Content: errMsg})
	}
	s.publish(eventbus.TypeAgentComplete, payload)
	s.recordStatus(session.StatusAgentComplete, string(status))

	s.r.logger.Info("Agent run finished",
		"agent", s.def.ID, "status", string(status), "iterations", s.res.Iterations)
	return s.res
}

func (s *run) publish(t eventbus.Type, payload map[string]any) {
	if s.r.bus == nil {
		return
	}
	s.r.bus.Publish(eventbus.New(t, s.req.ExecutionID, payload))
}

func (s *run) recordMessage(msg session.Message) {
	if s.req.SessionID == "" || s.r.sessions == nil {
		return
	}
	if err := s.r.sessions.AppendMessage(s.baseCtx, s.req.SessionID, msg); err != nil {
		s.r.logger.Warn("Failed to append session message",
			"session_id", s.req.SessionID, "error", err)
	}
}

func (s *run) recordStatus(kind session.StatusKind, content string) {
	s.recordMessage(session.Message{
		Kind:       session.KindAgentStatus,
		StatusKind: kind,
		Content:    content,
	})
}

func renderContext(ctx map[string]string) string {
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("Additional context:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, ctx[k])
	}
	return strings.TrimSpace(b.String())
}

func toolNames(calls []protocol.ToolCall) []string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return names
}
