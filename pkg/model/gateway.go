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

package model

import (
	"context"

	"github.com/corralhq/corral/pkg/protocol"
	"github.com/corralhq/corral/pkg/registry"
)

// Sender is the single operation runtimes call to reach a model.
type Sender interface {
	Send(ctx context.Context, binding Binding, system string, messages []Message, tools []ToolDef) (*Response, error)
}

// Gateway routes calls to registered provider clients and stamps each
// response with its cost.
type Gateway struct {
	providers *registry.BaseRegistry[LLM]
}

func NewGateway() *Gateway {
	return &Gateway{providers: registry.NewBaseRegistry[LLM]()}
}

// Register adds a provider client under its Name().
func (g *Gateway) Register(llm LLM) error {
	return g.providers.Register(llm.Name(), llm)
}

// Providers returns registered provider names.
func (g *Gateway) Providers() []string {
	return g.providers.Names()
}

// Send performs one model call against the bound provider. The returned
// usage and cost are authoritative.
func (g *Gateway) Send(ctx context.Context, binding Binding, system string, messages []Message, tools []ToolDef) (*Response, error) {
	llm, ok := g.providers.Get(binding.Provider)
	if !ok {
		return nil, protocol.NewError(protocol.ErrConfiguration,
			"model provider %q not configured", binding.Provider)
	}

	resp, err := llm.Generate(ctx, &Request{
		Model:       binding.Model,
		Temperature: binding.Temperature,
		MaxTokens:   binding.MaxTokens,
		System:      system,
		Messages:    messages,
		Tools:       tools,
	})
	if err != nil {
		return nil, err
	}

	resp.Cost = Cost(binding.Model, resp.Usage)
	return resp, nil
}

// Close shuts down every registered client.
func (g *Gateway) Close() error {
	var firstErr error
	for _, llm := range g.providers.List() {
		if err := llm.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ Sender = (*Gateway)(nil)
