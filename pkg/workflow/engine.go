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

package workflow

import (
	"context"
	"log/slog"
	"sort"

	"github.com/corralhq/corral/pkg/cancel"
	"github.com/corralhq/corral/pkg/eventbus"
	"github.com/corralhq/corral/pkg/logger"
	"github.com/corralhq/corral/pkg/protocol"
)

// NodeStatus is a node's terminal state within one run.
type NodeStatus string

const (
	NodeCompleted NodeStatus = "completed"
	NodeError     NodeStatus = "error"
	NodeSkipped   NodeStatus = "skipped"
)

// NodeResult is one node's outcome keyed under its id in the run result.
type NodeResult struct {
	Status    NodeStatus         `json:"status"`
	Output    map[string]any     `json:"output,omitempty"`
	Error     string             `json:"error,omitempty"`
	ErrorKind protocol.ErrorKind `json:"error_kind,omitempty"`
}

// Dispatcher invokes one tool on one provider. Satisfied by
// *agent.CatalogDispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, provider, tool string, args map[string]any) (map[string]any, error)
}

// RunRequest describes one workflow execution.
type RunRequest struct {
	ExecutionID string
	Workflow    *Definition

	// Params seeds the environment-style substitutions: each key is exposed
	// to ${KEY} references in addition to the process environment.
	Params map[string]string

	Token *cancel.Token
}

// RunResult is the terminal outcome of one workflow execution.
type RunResult struct {
	WorkflowID   string                 `json:"workflow_id"`
	Status       protocol.Status        `json:"status"`
	Nodes        map[string]*NodeResult `json:"nodes"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// Engine executes workflow definitions.
type Engine struct {
	tools    Dispatcher
	bus      *eventbus.Bus
	timeouts protocol.Timeouts
	logger   *slog.Logger
}

type EngineOption func(*Engine)

func WithTimeouts(t protocol.Timeouts) EngineOption {
	return func(e *Engine) { e.timeouts = t }
}

func NewEngine(tools Dispatcher, bus *eventbus.Bus, opts ...EngineOption) *Engine {
	e := &Engine{
		tools:    tools,
		bus:      bus,
		timeouts: protocol.DefaultTimeouts(),
		logger:   logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one workflow. Graph problems surface as status
// invalid-workflow in the result; the error return is reserved for unusable
// requests.
func (e *Engine) Run(ctx context.Context, req *RunRequest) (*RunResult, error) {
	if req == nil || req.Workflow == nil {
		return nil, protocol.NewError(protocol.ErrConfiguration, "workflow run request has no definition")
	}

	def := req.Workflow
	res := &RunResult{WorkflowID: def.ID, Nodes: make(map[string]*NodeResult, len(def.Nodes))}

	if err := def.Validate(); err != nil {
		res.Status = protocol.StatusInvalidWorkflow
		res.ErrorMessage = err.Error()
		return res, nil
	}

	order, ok := topoOrder(def)
	if !ok {
		res.Status = protocol.StatusInvalidWorkflow
		res.ErrorMessage = "workflow graph contains a cycle"
		return res, nil
	}

	if len(order) == 0 {
		res.Status = protocol.StatusCompleted
		return res, nil
	}

	token := req.Token
	if token == nil {
		token = cancel.NewToken()
	}
	execCtx, release := token.Context(ctx)
	defer release()
	if e.timeouts.PerExecution > 0 {
		var cancelDeadline context.CancelFunc
		execCtx, cancelDeadline = context.WithTimeout(execCtx, e.timeouts.PerExecution)
		defer cancelDeadline()
	}

	nodes := make(map[string]Node, len(def.Nodes))
	for _, n := range def.Nodes {
		nodes[n.ID] = n
	}
	deps := def.dependencies()
	ancestors := transitiveDeps(order, deps)
	rs := newResolver(res.Nodes, req.Params)
	cancelled := false

	for _, id := range order {
		if token.Cancelled() {
			cancelled = true
			break
		}

		node := nodes[id]
		if !e.ancestorsCompleted(res.Nodes, deps[id]) {
			res.Nodes[id] = &NodeResult{Status: NodeSkipped}
			e.publishNode(req.ExecutionID, id, res.Nodes[id])
			continue
		}

		// Each node resolves references only against its own ancestors, so
		// sibling branches stay invisible whatever order they ran in.
		nrs := rs.scoped(ancestors[id])
		if node.IsConditional() {
			res.Nodes[id] = e.runConditional(nrs, node)
		} else {
			res.Nodes[id] = e.runToolNode(execCtx, nrs, node)
			if res.Nodes[id].ErrorKind == protocol.ErrCancelled {
				e.publishNode(req.ExecutionID, id, res.Nodes[id])
				cancelled = true
				break
			}
		}
		e.publishNode(req.ExecutionID, id, res.Nodes[id])
	}

	if cancelled {
		for _, id := range order {
			if _, done := res.Nodes[id]; !done {
				res.Nodes[id] = &NodeResult{Status: NodeSkipped}
			}
		}
		res.Status = protocol.StatusCancelled
		return res, nil
	}

	res.Status = protocol.StatusCompleted
	for _, nr := range res.Nodes {
		if nr.Status == NodeError {
			res.Status = protocol.StatusCompletedWithErrors
			break
		}
	}

	e.logger.Info("Workflow run finished",
		"workflow", def.ID, "status", string(res.Status), "nodes", len(res.Nodes))
	return res, nil
}

// ancestorsCompleted reports whether every direct dependency completed. A
// failed or skipped dependency skips the node; unrelated branches continue.
func (e *Engine) ancestorsCompleted(results map[string]*NodeResult, deps []string) bool {
	for _, dep := range deps {
		nr, ok := results[dep]
		if !ok || nr.Status != NodeCompleted {
			return false
		}
	}
	return true
}

func (e *Engine) runConditional(rs *resolver, node Node) *NodeResult {
	pass, err := rs.evalCondition(node.Condition)
	if err != nil {
		return &NodeResult{
			Status:    NodeError,
			Error:     err.Error(),
			ErrorKind: protocol.ErrInvalidWorkflow,
		}
	}
	if !pass {
		return &NodeResult{Status: NodeSkipped, Output: map[string]any{"condition": false}}
	}
	return &NodeResult{Status: NodeCompleted, Output: map[string]any{"condition": true}}
}

func (e *Engine) runToolNode(execCtx context.Context, rs *resolver, node Node) *NodeResult {
	args, err := rs.resolveParams(node.Params)
	if err != nil {
		return &NodeResult{
			Status:    NodeError,
			Error:     err.Error(),
			ErrorKind: protocol.ErrInvalidWorkflow,
		}
	}

	toolCtx := execCtx
	if e.timeouts.PerToolCall > 0 {
		var cancelTool context.CancelFunc
		toolCtx, cancelTool = context.WithTimeout(execCtx, e.timeouts.PerToolCall)
		defer cancelTool()
	}

	out, err := e.tools.Dispatch(toolCtx, node.Provider, node.Tool, args)
	if err != nil {
		return &NodeResult{
			Status:    NodeError,
			Error:     err.Error(),
			ErrorKind: protocol.KindOf(err),
		}
	}
	return &NodeResult{Status: NodeCompleted, Output: out}
}

func (e *Engine) publishNode(executionID, nodeID string, nr *NodeResult) {
	if e.bus == nil {
		return
	}
	payload := map[string]any{
		"node_id": nodeID,
		"status":  string(nr.Status),
	}
	if nr.ErrorKind != "" {
		payload["error_kind"] = string(nr.ErrorKind)
	}
	if nr.Output != nil {
		payload["result"] = protocol.Truncate(nr.Output, 500)
	}
	e.bus.Publish(eventbus.New(eventbus.TypeToolResult, executionID, payload))
}

// transitiveDeps computes each node's full ancestor set. order must be
// topological so every dependency's set is final before its dependents read
// it.
func transitiveDeps(order []string, deps map[string][]string) map[string]map[string]bool {
	out := make(map[string]map[string]bool, len(order))
	for _, id := range order {
		set := make(map[string]bool)
		for _, dep := range deps[id] {
			set[dep] = true
			for anc := range out[dep] {
				set[anc] = true
			}
		}
		out[id] = set
	}
	return out
}

// topoOrder computes a deterministic topological order with Kahn's
// algorithm; ties break by node id. Returns ok=false on a cycle.
func topoOrder(def *Definition) ([]string, bool) {
	deps := def.dependencies()

	indegree := make(map[string]int, len(deps))
	dependents := make(map[string][]string, len(deps))
	for id, ds := range deps {
		indegree[id] = len(ds)
		for _, dep := range ds {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(deps))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		added := false
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
				added = true
			}
		}
		if added {
			sort.Strings(ready)
		}
	}

	if len(order) != len(deps) {
		return nil, false
	}
	return order, true
}
