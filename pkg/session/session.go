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

// Package session persists conversation sessions: ordered messages plus
// cumulative token and cost counters. The counters are the sole source of
// truth for usage reporting; clients never recompute them.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned when a session id does not resolve.
var ErrSessionNotFound = errors.New("session not found")

// MessageKind tags a session message.
type MessageKind string

const (
	KindUser        MessageKind = "user"
	KindAssistant   MessageKind = "assistant"
	KindError       MessageKind = "error"
	KindAgentStatus MessageKind = "agent-status"
)

// StatusKind refines agent-status messages.
type StatusKind string

const (
	StatusIterationStart StatusKind = "iteration-start"
	StatusAgentReasoning StatusKind = "agent-reasoning"
	StatusToolExecution  StatusKind = "tool-execution"
	StatusToolResult     StatusKind = "tool-result"
	StatusAgentAnswer    StatusKind = "agent-answer"
	StatusAgentComplete  StatusKind = "agent-complete"
)

// Message is one entry in a session's ordered history.
type Message struct {
	Kind       MessageKind `json:"kind"`
	StatusKind StatusKind  `json:"status_kind,omitempty"`
	Content    string      `json:"content"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Session is a persistent conversation context.
type Session struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Messages     []Message `json:"messages"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Usage is a snapshot of a session's cumulative counters.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Service stores sessions. Implementations serialize writes per session;
// AddUsage is atomic and counters are monotonically non-decreasing.
type Service interface {
	Create(ctx context.Context, title string) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	List(ctx context.Context) ([]*Session, error)
	AppendMessage(ctx context.Context, id string, msg Message) error
	AddUsage(ctx context.Context, id string, inputTokens, outputTokens int64, cost float64) error
	Usage(ctx context.Context, id string) (Usage, error)
	Delete(ctx context.Context, id string) error
}
