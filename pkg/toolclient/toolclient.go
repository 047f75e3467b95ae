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

// Package toolclient is the uniform surface for invoking tools on any
// registered provider. Providers speak MCP-style JSON-RPC: HTTP endpoints
// via this package's own transport (with retry and SSE support), local
// subprocesses via the mcp-go stdio client.
//
// Transport failures retry with capped exponential backoff bounded by the
// caller's deadline; provider-reported errors never retry. Cancelling the
// context aborts in-flight transport.
package toolclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/corralhq/corral/pkg/catalog"
	"github.com/corralhq/corral/pkg/httpclient"
	"github.com/corralhq/corral/pkg/protocol"
)

const mcpProtocolVersion = "2024-11-05"

// Client invokes tools on providers. Implementations classify failures with
// protocol error kinds.
type Client interface {
	// ListTools fetches the provider's declared tool list.
	ListTools(ctx context.Context, entry catalog.Entry) ([]catalog.ToolSpec, error)

	// Call invokes one tool. The ctx deadline bounds the whole call
	// including retries; ctx cancellation aborts in-flight transport.
	Call(ctx context.Context, entry catalog.Entry, tool string, args map[string]any) (map[string]any, error)
}

// MCPClient is the default Client implementation.
type MCPClient struct {
	httpClient *httpclient.Client

	sessionMu sync.RWMutex
	sessions  map[string]string // endpoint -> mcp session id

	initMu      sync.Mutex
	initialized map[string]bool // endpoints that completed initialize

	stdio *stdioPool
}

type Option func(*MCPClient)

func WithHTTPClient(c *httpclient.Client) Option {
	return func(m *MCPClient) {
		m.httpClient = c
	}
}

func New(opts ...Option) *MCPClient {
	m := &MCPClient{
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 60 * time.Second}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(time.Second),
		),
		sessions:    make(map[string]string),
		initialized: make(map[string]bool),
		stdio:       newStdioPool(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Close shuts down any stdio subprocesses.
func (m *MCPClient) Close() error {
	return m.stdio.closeAll()
}

func (m *MCPClient) ListTools(ctx context.Context, entry catalog.Entry) ([]catalog.ToolSpec, error) {
	if entry.Transport == catalog.TransportStdio {
		return m.stdio.listTools(ctx, entry)
	}

	if err := m.ensureInitialized(ctx, entry.Endpoint); err != nil {
		return nil, err
	}

	resp, err := m.rpc(ctx, entry.Endpoint, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, protocol.NewError(protocol.ErrProviderReported,
			"tools/list failed: %s", resp.Error.Message)
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		return nil, protocol.NewError(protocol.ErrMalformedResponse,
			"unexpected result type from tools/list")
	}
	rawTools, ok := resultMap["tools"].([]any)
	if !ok {
		return nil, protocol.NewError(protocol.ErrMalformedResponse,
			"missing tools in tools/list response")
	}

	var tools []catalog.ToolSpec
	for _, raw := range rawTools {
		tm, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		spec := catalog.ToolSpec{}
		spec.Name, _ = tm["name"].(string)
		spec.Description, _ = tm["description"].(string)
		if schema, ok := tm["inputSchema"].(map[string]any); ok {
			spec.InputSchema = schema
		}
		if spec.Name != "" {
			tools = append(tools, spec)
		}
	}
	return tools, nil
}

func (m *MCPClient) Call(ctx context.Context, entry catalog.Entry, tool string, args map[string]any) (map[string]any, error) {
	if entry.Transport == catalog.TransportStdio {
		return m.stdio.call(ctx, entry, tool, args)
	}

	if err := m.ensureInitialized(ctx, entry.Endpoint); err != nil {
		return nil, err
	}

	resp, err := m.rpc(ctx, entry.Endpoint, "tools/call", map[string]any{
		"name":      tool,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, protocol.NewError(protocol.ErrProviderReported,
			"tool %s failed: %s", tool, resp.Error.Message)
	}

	return parseCallResult(tool, resp.Result)
}

// ensureInitialized performs the MCP initialize handshake once per endpoint.
func (m *MCPClient) ensureInitialized(ctx context.Context, endpoint string) error {
	m.initMu.Lock()
	done := m.initialized[endpoint]
	m.initMu.Unlock()
	if done {
		return nil
	}

	resp, err := m.rpc(ctx, endpoint, "initialize", map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"clientInfo": map[string]any{
			"name":    "corral",
			"version": "1.0",
		},
		"capabilities": map[string]any{},
	})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return protocol.NewError(protocol.ErrProviderReported,
			"initialize failed: %s", resp.Error.Message)
	}

	m.initMu.Lock()
	m.initialized[endpoint] = true
	m.initMu.Unlock()
	return nil
}

// Forget drops cached handshake and session state for an endpoint. Called
// when a provider is uninstalled or replaced.
func (m *MCPClient) Forget(endpoint string) {
	m.initMu.Lock()
	delete(m.initialized, endpoint)
	m.initMu.Unlock()

	m.sessionMu.Lock()
	delete(m.sessions, endpoint)
	m.sessionMu.Unlock()
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (m *MCPClient) rpc(ctx context.Context, endpoint, method string, params any) (*jsonRPCResponse, error) {
	body, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrMalformedResponse, err, "failed to marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrTransport, err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	m.sessionMu.RLock()
	sessionID := m.sessions[endpoint]
	m.sessionMu.RUnlock()
	if sessionID != "" {
		req.Header.Set("mcp-session-id", sessionID)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	if newSession := resp.Header.Get("mcp-session-id"); newSession != "" {
		m.sessionMu.Lock()
		m.sessions[endpoint] = newSession
		m.sessionMu.Unlock()
	}

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, protocol.NewError(protocol.ErrProviderReported,
			"HTTP %d from %s: %s", resp.StatusCode, endpoint, strings.TrimSpace(string(payload)))
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return readSSEResponse(ctx, resp)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}

	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(payload, &rpcResp); err != nil {
		return nil, protocol.WrapError(protocol.ErrMalformedResponse, err,
			"failed to parse response from %s", endpoint)
	}
	return &rpcResp, nil
}

// readSSEResponse reads the first complete JSON-RPC message from an SSE
// stream, bounded by the request context.
func readSSEResponse(ctx context.Context, resp *http.Response) (*jsonRPCResponse, error) {
	type result struct {
		response *jsonRPCResponse
		err      error
	}
	resultCh := make(chan result, 1)

	go func() {
		reader := bufio.NewReader(resp.Body)
		var data strings.Builder

		flush := func() *jsonRPCResponse {
			if data.Len() == 0 {
				return nil
			}
			var rpcResp jsonRPCResponse
			if err := json.Unmarshal([]byte(data.String()), &rpcResp); err == nil {
				return &rpcResp
			}
			data.Reset()
			return nil
		}

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if r := flush(); r != nil {
					resultCh <- result{response: r}
					return
				}
				if err == io.EOF {
					resultCh <- result{err: protocol.NewError(protocol.ErrMalformedResponse,
						"SSE stream ended without complete message")}
				} else {
					resultCh <- result{err: err}
				}
				return
			}

			line = strings.TrimSpace(line)
			if line == "" {
				if r := flush(); r != nil {
					resultCh <- result{response: r}
					return
				}
				continue
			}
			if rest, ok := strings.CutPrefix(line, "data:"); ok {
				data.WriteString(strings.TrimSpace(rest))
			}
		}
	}()

	select {
	case res := <-resultCh:
		return res.response, res.err
	case <-ctx.Done():
		resp.Body.Close()
		return nil, classifyTransport(ctx, ctx.Err())
	}
}

// parseCallResult normalizes an MCP tools/call result into a flat map. Text
// content collapses into "result" (or "results" for multiple blocks);
// isError responses surface as provider-reported errors.
func parseCallResult(tool string, raw any) (map[string]any, error) {
	resultMap, ok := raw.(map[string]any)
	if !ok {
		return map[string]any{"result": raw}, nil
	}

	texts := textContent(resultMap)

	if isError, _ := resultMap["isError"].(bool); isError {
		msg := "unknown error"
		if len(texts) > 0 {
			msg = texts[0]
		}
		return nil, protocol.NewError(protocol.ErrProviderReported, "tool %s failed: %s", tool, msg)
	}

	out := make(map[string]any)
	switch len(texts) {
	case 0:
		if structured, ok := resultMap["structuredContent"].(map[string]any); ok {
			return structured, nil
		}
		out["result"] = resultMap
	case 1:
		// Tools frequently return JSON in a single text block; surface
		// the parsed object when it decodes cleanly.
		var parsed map[string]any
		if err := json.Unmarshal([]byte(texts[0]), &parsed); err == nil {
			return parsed, nil
		}
		out["result"] = texts[0]
	default:
		out["results"] = texts
	}
	return out, nil
}

func textContent(resultMap map[string]any) []string {
	content, ok := resultMap["content"].([]any)
	if !ok {
		return nil
	}
	var texts []string
	for _, c := range content {
		cm, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if cm["type"] == "text" {
			if text, ok := cm["text"].(string); ok {
				texts = append(texts, text)
			}
		}
	}
	return texts
}

// classifyTransport maps low-level failures onto protocol error kinds,
// favoring the context's verdict when it has one.
func classifyTransport(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return protocol.WrapError(protocol.ErrTimeout, err, "deadline exceeded")
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return protocol.WrapError(protocol.ErrCancelled, err, "call cancelled")
	default:
		slog.Debug("Tool transport failure", "error", err)
		return protocol.WrapError(protocol.ErrTransport, err, "transport failure")
	}
}

var _ Client = (*MCPClient)(nil)
