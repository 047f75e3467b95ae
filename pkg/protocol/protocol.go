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

// Package protocol holds the vocabulary shared by every runtime: execution
// statuses, error kinds, tool call and result shapes, and the qualified
// tool-name scheme exposed to models.
package protocol

import (
	"fmt"
	"strings"
)

// Status is the terminal (or running) state of an execution.
type Status string

const (
	StatusRunning                Status = "running"
	StatusCompleted              Status = "completed"
	StatusCompletedWithErrors    Status = "completed-with-errors"
	StatusCompletedTruncated     Status = "completed-truncated"
	StatusCompletedMaxIterations Status = "completed-max-iterations"
	StatusError                  Status = "error"
	StatusCancelled              Status = "cancelled"
	StatusInvalidWorkflow        Status = "invalid-workflow"
)

// Terminal reports whether the status ends an execution.
func (s Status) Terminal() bool {
	return s != StatusRunning && s != ""
}

// ErrorKind classifies failures across subsystem boundaries.
type ErrorKind string

const (
	ErrTransport         ErrorKind = "transport-failure"
	ErrProviderReported  ErrorKind = "provider-reported-error"
	ErrTimeout           ErrorKind = "timeout"
	ErrCancelled         ErrorKind = "cancelled"
	ErrMalformedResponse ErrorKind = "malformed-response"
	ErrPolicyViolation   ErrorKind = "policy-violation"
	ErrUnknownTool       ErrorKind = "unknown-tool"
	ErrUnknownProvider   ErrorKind = "unknown-provider"
	ErrInvalidWorkflow   ErrorKind = "invalid-workflow"
	ErrConfiguration     ErrorKind = "configuration-error"
)

// Error pairs an ErrorKind with a human-readable message and an optional
// underlying cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates an Error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates an Error that wraps cause.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the ErrorKind from err, walking the wrap chain.
// Errors without a kind report as transport failures.
func KindOf(err error) ErrorKind {
	for err != nil {
		if pe, ok := err.(*Error); ok {
			return pe.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ErrTransport
}

// ToolCall is a model-issued request to invoke one tool.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolResult is the outcome of one tool call, fed back to the model as an
// observation and mirrored on the event stream.
type ToolResult struct {
	ToolCallID string    `json:"tool_call_id"`
	Name       string    `json:"name"`
	Content    any       `json:"content,omitempty"`
	Success    bool      `json:"success"`
	ErrKind    ErrorKind `json:"error_kind,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// ToolDelimiter separates provider and tool in qualified names.
// Provider names must not contain it.
const ToolDelimiter = "__"

// QualifyTool builds the model-visible name for a provider's tool.
func QualifyTool(provider, tool string) string {
	return provider + ToolDelimiter + tool
}

// SplitTool splits a qualified tool name back into provider and tool.
func SplitTool(qualified string) (provider, tool string, err error) {
	idx := strings.Index(qualified, ToolDelimiter)
	if idx <= 0 || idx+len(ToolDelimiter) >= len(qualified) {
		return "", "", NewError(ErrUnknownTool, "malformed tool name %q", qualified)
	}
	return qualified[:idx], qualified[idx+len(ToolDelimiter):], nil
}

// ValidProviderName reports whether a provider name may appear in qualified
// tool names.
func ValidProviderName(name string) bool {
	return name != "" && !strings.Contains(name, ToolDelimiter)
}
