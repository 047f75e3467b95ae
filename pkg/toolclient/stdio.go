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
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/corralhq/corral/pkg/catalog"
	"github.com/corralhq/corral/pkg/protocol"
)

// stdioPool manages mcp-go subprocess clients, one per provider command.
// For stdio entries the catalog endpoint holds the command line.
type stdioPool struct {
	mu      sync.Mutex
	clients map[string]*client.Client
}

func newStdioPool() *stdioPool {
	return &stdioPool{clients: make(map[string]*client.Client)}
}

func (p *stdioPool) get(ctx context.Context, endpoint string) (*client.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[endpoint]; ok {
		return c, nil
	}

	fields := strings.Fields(endpoint)
	if len(fields) == 0 {
		return nil, protocol.NewError(protocol.ErrConfiguration, "empty stdio command")
	}

	mcpClient, err := client.NewStdioMCPClient(fields[0], nil, fields[1:]...)
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrTransport, err,
			"failed to spawn stdio provider %q", fields[0])
	}

	if err := mcpClient.Start(ctx); err != nil {
		mcpClient.Close()
		return nil, classifyTransport(ctx, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "corral", Version: "1.0"}
	initReq.Params.ProtocolVersion = mcpProtocolVersion

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return nil, classifyTransport(ctx, err)
	}

	p.clients[endpoint] = mcpClient
	return mcpClient, nil
}

func (p *stdioPool) listTools(ctx context.Context, entry catalog.Entry) ([]catalog.ToolSpec, error) {
	c, err := p.get(ctx, entry.Endpoint)
	if err != nil {
		return nil, err
	}

	resp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}

	var tools []catalog.ToolSpec
	for _, t := range resp.Tools {
		tools = append(tools, catalog.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaToMap(t.InputSchema),
		})
	}
	return tools, nil
}

func (p *stdioPool) call(ctx context.Context, entry catalog.Entry, tool string, args map[string]any) (map[string]any, error) {
	c, err := p.get(ctx, entry.Endpoint)
	if err != nil {
		return nil, err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	resp, err := c.CallTool(ctx, req)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}

	if resp.IsError {
		msg := "unknown error"
		for _, content := range resp.Content {
			if tc, ok := content.(mcp.TextContent); ok {
				msg = tc.Text
				break
			}
		}
		return nil, protocol.NewError(protocol.ErrProviderReported, "tool %s failed: %s", tool, msg)
	}

	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}

	out := make(map[string]any)
	switch len(texts) {
	case 0:
	case 1:
		out["result"] = texts[0]
	default:
		out["results"] = texts
	}
	return out, nil
}

func (p *stdioPool) closeAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for endpoint, c := range p.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.clients, endpoint)
	}
	return firstErr
}

func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	out := map[string]any{"type": schema.Type}
	if len(schema.Properties) > 0 {
		out["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		out["required"] = schema.Required
	}
	return out
}
