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

// Package orchestrator is the facade in front of the runtimes: it assigns
// execution ids, registers cancellation tokens, dispatches to the agent,
// team, or workflow runtime, and closes every execution with exactly one
// terminal event.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/corralhq/corral/pkg/agent"
	"github.com/corralhq/corral/pkg/cancel"
	"github.com/corralhq/corral/pkg/eventbus"
	"github.com/corralhq/corral/pkg/logger"
	"github.com/corralhq/corral/pkg/observability"
	"github.com/corralhq/corral/pkg/protocol"
	"github.com/corralhq/corral/pkg/team"
	"github.com/corralhq/corral/pkg/trigger"
	"github.com/corralhq/corral/pkg/workflow"
)

const defaultMaxRecords = 1000

// Definitions is the loaded catalog of runnable things. It satisfies
// team.AgentResolver so the coordinator can look members up.
type Definitions struct {
	Agents    map[string]*agent.Definition
	Teams     map[string]*team.Definition
	Workflows map[string]*workflow.Definition
	Triggers  map[string]*trigger.Definition
}

func (d Definitions) AgentDefinition(id string) (*agent.Definition, bool) {
	def, ok := d.Agents[id]
	return def, ok
}

var _ team.AgentResolver = Definitions{}

// AgentRunner runs one agent definition to completion.
type AgentRunner interface {
	Run(ctx context.Context, req *agent.RunRequest) (*agent.RunResult, error)
}

// TeamRunner runs one team definition to completion.
type TeamRunner interface {
	Run(ctx context.Context, req *team.RunRequest) (*team.RunResult, error)
}

// WorkflowRunner runs one workflow definition to completion.
type WorkflowRunner interface {
	Run(ctx context.Context, req *workflow.RunRequest) (*workflow.RunResult, error)
}

// RunOptions carries the optional parts of a run request.
type RunOptions struct {
	SessionID string
	Context   map[string]string

	// Params seeds ${VAR} references in workflow runs.
	Params map[string]string

	// ApprovalGranted pre-approves tool use for agents that require it.
	ApprovalGranted bool
}

// Orchestrator is the single entry point for starting and cancelling
// executions.
type Orchestrator struct {
	defs      Definitions
	agents    AgentRunner
	teams     TeamRunner
	workflows WorkflowRunner

	bus     *eventbus.Bus
	cancels *cancel.Registry
	records *recordStore
	metrics *Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger
}

type Option func(*Orchestrator)

// WithMetrics attaches prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer attaches the OpenTelemetry tracer.
func WithTracer(t *observability.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithMaxRecords bounds the in-memory execution history.
func WithMaxRecords(n int) Option {
	return func(o *Orchestrator) { o.records = newRecordStore(n) }
}

func New(defs Definitions, agents AgentRunner, teams TeamRunner, workflows WorkflowRunner, bus *eventbus.Bus, cancels *cancel.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		defs:      defs,
		agents:    agents,
		teams:     teams,
		workflows: workflows,
		bus:       bus,
		cancels:   cancels,
		records:   newRecordStore(defaultMaxRecords),
		logger:    logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// outcome is the runtime-agnostic terminal result of one execution.
type outcome struct {
	status       protocol.Status
	answer       string
	errMsg       string
	iterations   int
	inputTokens  int
	outputTokens int
	cost         float64
	nodes        map[string]*workflow.NodeResult
	members      []team.MemberResult
}

// RunAgent starts an agent execution and returns its id immediately. The
// run proceeds in the background; progress streams on the event bus and the
// execution record closes with the terminal status.
func (o *Orchestrator) RunAgent(ctx context.Context, agentID, task string, opts RunOptions) (string, error) {
	def, ok := o.defs.Agents[agentID]
	if !ok {
		return "", protocol.NewError(protocol.ErrConfiguration, "agent %q is not defined", agentID)
	}
	return o.start(KindAgent, agentID, task, opts.SessionID, func(ctx context.Context, id string, token *cancel.Token) outcome {
		res, err := o.agents.Run(ctx, &agent.RunRequest{
			ExecutionID:     id,
			Agent:           def,
			Task:            task,
			SessionID:       opts.SessionID,
			Context:         opts.Context,
			Token:           token,
			ApprovalGranted: opts.ApprovalGranted,
		})
		if err != nil {
			return outcome{status: protocol.StatusError, errMsg: err.Error()}
		}
		return outcome{
			status:       res.Status,
			answer:       res.Answer,
			errMsg:       res.ErrorMessage,
			iterations:   res.Iterations,
			inputTokens:  res.Usage.InputTokens,
			outputTokens: res.Usage.OutputTokens,
			cost:         res.Cost,
		}
	})
}

// RunTeam starts a team execution.
func (o *Orchestrator) RunTeam(ctx context.Context, teamID, task string, opts RunOptions) (string, error) {
	def, ok := o.defs.Teams[teamID]
	if !ok {
		return "", protocol.NewError(protocol.ErrConfiguration, "team %q is not defined", teamID)
	}
	return o.start(KindTeam, teamID, task, opts.SessionID, func(ctx context.Context, id string, token *cancel.Token) outcome {
		res, err := o.teams.Run(ctx, &team.RunRequest{
			ExecutionID: id,
			Team:        def,
			Task:        task,
			SessionID:   opts.SessionID,
			Context:     opts.Context,
			Token:       token,
		})
		if err != nil {
			return outcome{status: protocol.StatusError, errMsg: err.Error()}
		}
		return outcome{
			status:       res.Status,
			answer:       res.Answer,
			inputTokens:  res.Usage.InputTokens,
			outputTokens: res.Usage.OutputTokens,
			cost:         res.Cost,
			members:      res.Members,
		}
	})
}

// RunWorkflow starts a workflow execution.
func (o *Orchestrator) RunWorkflow(ctx context.Context, workflowID string, opts RunOptions) (string, error) {
	def, ok := o.defs.Workflows[workflowID]
	if !ok {
		return "", protocol.NewError(protocol.ErrConfiguration, "workflow %q is not defined", workflowID)
	}
	return o.start(KindWorkflow, workflowID, "", opts.SessionID, func(ctx context.Context, id string, token *cancel.Token) outcome {
		res, err := o.workflows.Run(ctx, &workflow.RunRequest{
			ExecutionID: id,
			Workflow:    def,
			Params:      opts.Params,
			Token:       token,
		})
		if err != nil {
			return outcome{status: protocol.StatusError, errMsg: err.Error()}
		}
		return outcome{
			status: res.Status,
			errMsg: res.ErrorMessage,
			nodes:  res.Nodes,
		}
	})
}

// RunTriggerTarget fires a trigger's bound target. Trigger containers and
// the in-process scheduler both land here.
func (o *Orchestrator) RunTriggerTarget(ctx context.Context, def *trigger.Definition) (string, error) {
	if def == nil {
		return "", protocol.NewError(protocol.ErrConfiguration, "trigger definition is nil")
	}

	switch def.TargetKind {
	case trigger.TargetAgent:
		adef, ok := o.defs.Agents[def.TargetID]
		if !ok {
			return "", protocol.NewError(protocol.ErrConfiguration, "trigger %s targets unknown agent %q", def.ID, def.TargetID)
		}
		return o.start(KindTrigger, def.TargetID, def.TaskTemplate, "", func(ctx context.Context, id string, token *cancel.Token) outcome {
			res, err := o.agents.Run(ctx, &agent.RunRequest{
				ExecutionID: id, Agent: adef, Task: def.TaskTemplate, Token: token,
			})
			if err != nil {
				return outcome{status: protocol.StatusError, errMsg: err.Error()}
			}
			return outcome{
				status: res.Status, answer: res.Answer, errMsg: res.ErrorMessage,
				iterations:  res.Iterations,
				inputTokens: res.Usage.InputTokens, outputTokens: res.Usage.OutputTokens,
				cost: res.Cost,
			}
		})
	case trigger.TargetTeam:
		tdef, ok := o.defs.Teams[def.TargetID]
		if !ok {
			return "", protocol.NewError(protocol.ErrConfiguration, "trigger %s targets unknown team %q", def.ID, def.TargetID)
		}
		return o.start(KindTrigger, def.TargetID, def.TaskTemplate, "", func(ctx context.Context, id string, token *cancel.Token) outcome {
			res, err := o.teams.Run(ctx, &team.RunRequest{
				ExecutionID: id, Team: tdef, Task: def.TaskTemplate, Token: token,
			})
			if err != nil {
				return outcome{status: protocol.StatusError, errMsg: err.Error()}
			}
			return outcome{
				status: res.Status, answer: res.Answer,
				inputTokens: res.Usage.InputTokens, outputTokens: res.Usage.OutputTokens,
				cost: res.Cost, members: res.Members,
			}
		})
	case trigger.TargetWorkflow:
		wdef, ok := o.defs.Workflows[def.TargetID]
		if !ok {
			return "", protocol.NewError(protocol.ErrConfiguration, "trigger %s targets unknown workflow %q", def.ID, def.TargetID)
		}
		return o.start(KindTrigger, def.TargetID, "", "", func(ctx context.Context, id string, token *cancel.Token) outcome {
			res, err := o.workflows.Run(ctx, &workflow.RunRequest{
				ExecutionID: id, Workflow: wdef, Params: def.Params, Token: token,
			})
			if err != nil {
				return outcome{status: protocol.StatusError, errMsg: err.Error()}
			}
			return outcome{status: res.Status, errMsg: res.ErrorMessage, nodes: res.Nodes}
		})
	default:
		return "", protocol.NewError(protocol.ErrConfiguration, "trigger %s has unknown target kind %q", def.ID, def.TargetKind)
	}
}

var _ trigger.TargetRunner = (*Orchestrator)(nil)

// Cancel marks an execution's cancellation token. Cancelling an unknown
// execution is an error; cancelling an already-terminal one is a no-op.
func (o *Orchestrator) Cancel(id string) error {
	rec, ok := o.records.get(id)
	if !ok {
		return protocol.NewError(protocol.ErrConfiguration, "execution %q not found", id)
	}
	if rec.Status.Terminal() {
		return nil
	}
	o.cancels.Cancel(id)
	return nil
}

// Execution returns the record for one execution.
func (o *Orchestrator) Execution(id string) (Record, bool) {
	return o.records.get(id)
}

// Executions lists tracked records, most recent first.
func (o *Orchestrator) Executions() []Record {
	return o.records.list()
}

// TriggerDefinition looks up a loaded trigger by id.
func (o *Orchestrator) TriggerDefinition(id string) (*trigger.Definition, bool) {
	def, ok := o.defs.Triggers[id]
	return def, ok
}

// start registers the execution and hands the run closure to a background
// goroutine. The returned id is usable immediately for event subscription,
// record lookup, and cancellation.
func (o *Orchestrator) start(kind Kind, targetID, task, sessionID string, run func(ctx context.Context, id string, token *cancel.Token) outcome) (string, error) {
	id := newExecutionID()
	token := o.cancels.Register(id)

	o.records.add(&Record{
		ID:        id,
		Kind:      kind,
		TargetID:  targetID,
		Task:      task,
		SessionID: sessionID,
		Status:    protocol.StatusRunning,
		StartedAt: time.Now(),
	})
	o.bus.Publish(eventbus.New(eventbus.TypeExecutionStarted, id, map[string]any{
		"kind":      string(kind),
		"target_id": targetID,
	}))
	o.logger.Info("Execution started", "execution_id", id, "kind", kind, "target", targetID)

	// The run outlives the caller's request context: only cancellation and
	// the per-execution timeout stop it.
	go func() {
		ctx, span := o.tracer.StartExecution(context.Background(), string(kind), id, targetID)
		out := run(ctx, id, token)
		o.finish(id, out, span)
	}()

	return id, nil
}

// finish closes the record and publishes the terminal event exactly once.
func (o *Orchestrator) finish(id string, out outcome, span trace.Span) {
	var rec Record
	first := false
	o.records.update(id, func(r *Record) {
		if r.Status.Terminal() {
			return
		}
		first = true
		r.Status = out.status
		r.Answer = out.answer
		r.Error = out.errMsg
		r.Iterations = out.iterations
		r.InputTokens = out.inputTokens
		r.OutputTokens = out.outputTokens
		r.Cost = out.cost
		r.Nodes = out.nodes
		r.Members = out.members
		r.FinishedAt = time.Now()
		rec = *r
	})
	if !first {
		return
	}

	if out.errMsg != "" {
		o.tracer.RecordError(span, errors.New(out.errMsg))
	}
	o.tracer.AddUsage(span, out.inputTokens, out.outputTokens, out.cost)
	span.End()

	duration := rec.FinishedAt.Sub(rec.StartedAt)
	o.metrics.observe(&rec, duration)

	if out.status == protocol.StatusError {
		o.bus.Publish(eventbus.New(eventbus.TypeError, id, map[string]any{
			"status": string(out.status),
			"error":  out.errMsg,
		}))
	} else {
		payload := map[string]any{
			"status": string(out.status),
			"answer": out.answer,
		}
		if out.errMsg != "" {
			payload["error"] = out.errMsg
		}
		o.bus.Publish(eventbus.New(eventbus.TypeComplete, id, payload))
	}

	o.cancels.Release(id)
	o.bus.Close(id)
	o.logger.Info("Execution finished",
		"execution_id", id, "status", out.status, "duration", duration)
}

// newExecutionID mints a sortable unique id: UUIDv7 sorts lexicographically
// in creation order.
func newExecutionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
