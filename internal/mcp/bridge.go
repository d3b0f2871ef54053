// Package mcpbridge exposes the router's HTTP surface as MCP tools so agent
// runtimes can drive the router over stdio without a raw HTTP client.
package mcpbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

type Options struct {
	Router  http.Handler
	Version string
}

// Bridge proxies MCP tool calls onto the in-process HTTP router.
type Bridge struct {
	router http.Handler
	server *mcpserver.MCPServer
}

type ToolSpec struct {
	Name        string
	Description string
	Method      string
	Path        string
	HasPayload  bool
	HasQuery    bool
}

func New(opts Options) *Bridge {
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	b := &Bridge{router: opts.Router}
	b.server = mcpserver.NewMCPServer(
		"teamrouter",
		version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions("Use teamrouter tools to exchange validated messages, acknowledgments, and presence with cooperating agents."),
	)
	b.registerTools()
	return b
}

func (b *Bridge) MCPServer() *mcpserver.MCPServer {
	return b.server
}

func (b *Bridge) ServeStdio() error {
	return mcpserver.ServeStdio(b.server)
}

func (b *Bridge) registerTools() {
	for _, spec := range b.toolSpecs() {
		b.server.AddTool(spec.toTool(), b.makeToolHandler(spec))
	}
}

func (b *Bridge) toolSpecs() []ToolSpec {
	return []ToolSpec{
		{Name: "send_message", Description: "Send a typed message to one or more agents or roles", Method: http.MethodPost, Path: "/messages", HasPayload: true},
		{Name: "post_ack", Description: "Post a delivered/accepted/nack acknowledgment for a message", Method: http.MethodPost, Path: "/acks", HasPayload: true},
		{Name: "pop_inbox", Description: "Pop pending messages from an agent inbox (query: agent, limit)", Method: http.MethodGet, Path: "/inbox", HasQuery: true},
		{Name: "router_status", Description: "Get router counters, pending inboxes, and deliveries (query: tasks, filter_task)", Method: http.MethodGet, Path: "/status", HasQuery: true},
		{Name: "trace", Description: "Trace a message id or task id through the logs (query: id or task)", Method: http.MethodGet, Path: "/trace", HasQuery: true},
		{Name: "presence_register", Description: "Register an agent as online with optional role metadata", Method: http.MethodPost, Path: "/presence/register", HasPayload: true},
		{Name: "presence_heartbeat", Description: "Refresh an agent's presence heartbeat", Method: http.MethodPost, Path: "/presence/heartbeat", HasPayload: true},
		{Name: "presence_status", Description: "Get presence for one agent or the whole registry (query: agent)", Method: http.MethodGet, Path: "/presence", HasQuery: true},
	}
}

func (s ToolSpec) toTool() mcptypes.Tool {
	opts := []mcptypes.ToolOption{
		mcptypes.WithDescription(s.Description),
	}
	if s.HasQuery {
		opts = append(opts, mcptypes.WithObject("query", mcptypes.Description("Query string parameters")))
	}
	if s.HasPayload {
		opts = append(opts, mcptypes.WithObject("payload", mcptypes.Required(), mcptypes.Description("JSON request payload")))
	}
	return mcptypes.NewTool(s.Name, opts...)
}

func (b *Bridge) makeToolHandler(spec ToolSpec) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]any{}
		}

		var query map[string]any
		if spec.HasQuery {
			query, _ = args["query"].(map[string]any)
		}
		var payload map[string]any
		if spec.HasPayload {
			payload, _ = args["payload"].(map[string]any)
			if payload == nil {
				return mcptypes.NewToolResultError("payload required"), nil
			}
		}

		result, status, err := b.invokeREST(ctx, spec.Method, spec.Path, query, payload)
		if err != nil {
			return mcptypes.NewToolResultError(err.Error()), nil
		}
		if status >= 400 {
			if msg, ok := result["error"].(string); ok && msg != "" {
				return mcptypes.NewToolResultError(fmt.Sprintf("%s (status %d)", msg, status)), nil
			}
			return mcptypes.NewToolResultError(fmt.Sprintf("request failed with status %d", status)), nil
		}
		return mcptypes.NewToolResultJSON(map[string]any{
			"status_code": status,
			"data":        result,
		})
	}
}

func (b *Bridge) invokeREST(ctx context.Context, method, path string, query map[string]any, payload map[string]any) (map[string]any, int, error) {
	target := path
	if len(query) > 0 {
		q := url.Values{}
		for k, v := range query {
			q.Set(k, fmt.Sprintf("%v", v))
		}
		target += "?" + q.Encode()
	}

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, body).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	b.router.ServeHTTP(rr, req)

	var result map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		return nil, rr.Code, fmt.Errorf("invalid API response: %w", err)
	}
	return result, rr.Code, nil
}
