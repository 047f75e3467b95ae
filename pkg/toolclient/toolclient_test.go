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

package toolclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/catalog"
	"github.com/corralhq/corral/pkg/httpclient"
	"github.com/corralhq/corral/pkg/protocol"
)

// mcpServer is a minimal MCP JSON-RPC endpoint for tests.
func mcpServer(t *testing.T, callHandler func(tool string, args map[string]any) any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		respond := func(result any, rpcErr *jsonRPCError) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(jsonRPCResponse{
				JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr,
			})
		}

		switch req.Method {
		case "initialize":
			w.Header().Set("mcp-session-id", "sess-123")
			respond(map[string]any{"protocolVersion": "2024-11-05"}, nil)
		case "tools/list":
			respond(map[string]any{
				"tools": []any{
					map[string]any{
						"name":        "read",
						"description": "read a file",
						"inputSchema": map[string]any{"type": "object"},
					},
					map[string]any{"name": "write", "description": "write a file"},
				},
			}, nil)
		case "tools/call":
			params := req.Params.(map[string]any)
			name, _ := params["name"].(string)
			args, _ := params["arguments"].(map[string]any)
			result := callHandler(name, args)
			if rpcErr, ok := result.(*jsonRPCError); ok {
				respond(nil, rpcErr)
				return
			}
			respond(result, nil)
		default:
			respond(nil, &jsonRPCError{Code: -32601, Message: "method not found"})
		}
	}))
}

func httpEntry(url string) catalog.Entry {
	return catalog.Entry{Name: "files", Endpoint: url, Transport: catalog.TransportHTTP}
}

func TestListTools(t *testing.T) {
	srv := mcpServer(t, nil)
	defer srv.Close()

	c := New()
	tools, err := c.ListTools(context.Background(), httpEntry(srv.URL))
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "read", tools[0].Name)
	assert.Equal(t, "read a file", tools[0].Description)
	assert.Equal(t, "object", tools[0].InputSchema["type"])
}

func TestCallReturnsParsedJSONText(t *testing.T) {
	srv := mcpServer(t, func(tool string, args map[string]any) any {
		assert.Equal(t, "read", tool)
		assert.Equal(t, "/data/x.txt", args["path"])
		return map[string]any{
			"content": []any{
				map[string]any{"type": "text", "text": `{"content":"hello world","size":11}`},
			},
		}
	})
	defer srv.Close()

	c := New()
	result, err := c.Call(context.Background(), httpEntry(srv.URL), "read",
		map[string]any{"path": "/data/x.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", result["content"])
}

func TestCallReturnsPlainText(t *testing.T) {
	srv := mcpServer(t, func(string, map[string]any) any {
		return map[string]any{
			"content": []any{map[string]any{"type": "text", "text": "done"}},
		}
	})
	defer srv.Close()

	c := New()
	result, err := c.Call(context.Background(), httpEntry(srv.URL), "write", nil)
	require.NoError(t, err)
	assert.Equal(t, "done", result["result"])
}

func TestCallProviderReportedError(t *testing.T) {
	srv := mcpServer(t, func(string, map[string]any) any {
		return map[string]any{
			"isError": true,
			"content": []any{map[string]any{"type": "text", "text": "permission denied"}},
		}
	})
	defer srv.Close()

	c := New()
	_, err := c.Call(context.Background(), httpEntry(srv.URL), "read", nil)
	require.Error(t, err)
	assert.Equal(t, protocol.ErrProviderReported, protocol.KindOf(err))
	assert.Contains(t, err.Error(), "permission denied")
}

func TestCallRPCError(t *testing.T) {
	srv := mcpServer(t, func(string, map[string]any) any {
		return &jsonRPCError{Code: -32000, Message: "tool crashed"}
	})
	defer srv.Close()

	c := New()
	_, err := c.Call(context.Background(), httpEntry(srv.URL), "read", nil)
	require.Error(t, err)
	assert.Equal(t, protocol.ErrProviderReported, protocol.KindOf(err))
}

func TestCallTransportFailure(t *testing.T) {
	c := New(WithHTTPClient(httpclient.New(httpclient.WithMaxRetries(0))))
	_, err := c.Call(context.Background(),
		httpEntry("http://127.0.0.1:1"), "read", nil)
	require.Error(t, err)
	assert.Equal(t, protocol.ErrTransport, protocol.KindOf(err))
}

func TestCallTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	c := New()
	ctx, cancelCtx := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelCtx()

	_, err := c.Call(ctx, httpEntry(srv.URL), "read", nil)
	require.Error(t, err)
	assert.Equal(t, protocol.ErrTimeout, protocol.KindOf(err))
}

func TestCallCancelled(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	c := New()
	ctx, cancelCtx := context.WithCancel(context.Background())
	go func() {
		<-started
		cancelCtx()
	}()

	_, err := c.Call(ctx, httpEntry(srv.URL), "read", nil)
	require.Error(t, err)
	assert.Equal(t, protocol.ErrCancelled, protocol.KindOf(err))
}

func TestSessionIDPropagates(t *testing.T) {
	var sawSession string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Method != "initialize" {
			sawSession = r.Header.Get("mcp-session-id")
		}
		w.Header().Set("mcp-session-id", "sess-abc")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
			"tools": []any{},
		}})
	}))
	defer srv.Close()

	c := New()
	_, err := c.ListTools(context.Background(), httpEntry(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "sess-abc", sawSession)
}

func TestSSEResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		json.NewDecoder(r.Body).Decode(&req)

		w.Header().Set("Content-Type", "text/event-stream")
		resp, _ := json.Marshal(jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
			"content": []any{map[string]any{"type": "text", "text": "streamed"}},
		}})
		w.Write([]byte("event: message\ndata: " + string(resp) + "\n\n"))
	}))
	defer srv.Close()

	c := New()
	// initialize also flows through the SSE path here
	result, err := c.Call(context.Background(), httpEntry(srv.URL), "read", nil)
	require.NoError(t, err)
	assert.Equal(t, "streamed", result["result"])
}

func TestForgetDropsSession(t *testing.T) {
	initCount := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Method == "initialize" {
			initCount++
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
			"tools": []any{},
		}})
	}))
	defer srv.Close()

	c := New()
	_, err := c.ListTools(context.Background(), httpEntry(srv.URL))
	require.NoError(t, err)
	_, err = c.ListTools(context.Background(), httpEntry(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, 1, initCount)

	c.Forget(srv.URL)
	_, err = c.ListTools(context.Background(), httpEntry(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, 2, initCount)
}
