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

// Package model is the gateway to LLM providers: one uniform call surface
// that reports stop reason, tool-use requests, token usage, and cost. The
// gateway's usage and cost numbers are authoritative; downstream components
// never recompute them.
package model

import (
	"context"

	"github.com/corralhq/corral/pkg/protocol"
)

// Provider names recognized by the gateway.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Role tags a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn in the conversation sent to a provider. Assistant
// turns may carry tool calls; tool turns carry the observation for one call.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []protocol.ToolCall
	ToolCallID string // set on RoleTool messages
}

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Binding selects the provider and model for a call, from the agent
// definition.
type Binding struct {
	Provider    string   `yaml:"provider" json:"provider"`
	Model       string   `yaml:"model" json:"model"`
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
}

// Request is the provider-independent call payload.
type Request struct {
	Model       string
	Temperature *float64
	MaxTokens   int
	System      string
	Messages    []Message
	Tools       []ToolDef
}

// StopReason says why the model stopped.
type StopReason string

const (
	StopEndTurn   StopReason = "end-turn"
	StopToolUse   StopReason = "tool-use"
	StopMaxTokens StopReason = "max-tokens"
	StopError     StopReason = "error"
)

// Usage is the provider-reported token accounting for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the uniform result of one model call.
type Response struct {
	Text       string
	ToolCalls  []protocol.ToolCall
	StopReason StopReason
	Usage      Usage
	Cost       float64
}

// LLM is one provider client.
type LLM interface {
	// Name returns the provider name (e.g. "anthropic").
	Name() string
	// Generate performs one model call. Cancelling ctx aborts transport.
	Generate(ctx context.Context, req *Request) (*Response, error)
	Close() error
}
