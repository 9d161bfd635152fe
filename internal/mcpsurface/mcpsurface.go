// Package mcpsurface exposes the dispatcher's fixed tool registry over the
// Model Context Protocol, for MCP-speaking clients connecting through the
// HTTP transport's streamable endpoint rather than loomd's own bespoke
// one-shot/stream JSON surface.
package mcpsurface

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/loomhq/loomd/internal/dispatcher"
)

// toolNames is the fixed surface the dispatcher registers; mirrored here so
// the MCP tool list never silently drifts from what Invoke actually accepts.
var toolNames = []string{
	"ensure_project",
	"register_agent",
	"create_message",
	"fetch_inbox",
	"acknowledge",
	"reserve_files",
	"release_reservation",
	"search",
}

// New builds an MCP server exposing every dispatcher tool. Each tool takes
// a single "arguments_json" string parameter — a JSON object matching the
// tool's normal argument shape — since the dispatcher's handlers already
// accept schema-free map[string]any and most of loomd's tools carry nested
// array/object fields (recipients, capabilities) that a flat MCP parameter
// list would have to re-derive anyway.
func New(d *dispatcher.Dispatcher, version string) *mcpserver.MCPServer {
	srv := mcpserver.NewMCPServer(
		"loomd",
		version,
		mcpserver.WithToolCapabilities(true),
	)

	for _, name := range toolNames {
		srv.AddTool(
			mcplib.NewTool(name,
				mcplib.WithDescription("Invoke the loomd \""+name+"\" tool. Pass its normal JSON arguments as a serialized object in arguments_json."),
				mcplib.WithString("arguments_json",
					mcplib.Description("JSON-encoded object of this tool's arguments, e.g. {\"project_key\":\"demo\"}"),
					mcplib.Required(),
				),
			),
			makeHandler(d, name),
		)
	}

	return srv
}

func makeHandler(d *dispatcher.Dispatcher, name string) func(context.Context, mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		raw := request.GetString("arguments_json", "")

		var args map[string]any
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return errorResult("arguments_json is not valid JSON: " + err.Error()), nil
			}
		}

		env := d.Invoke(ctx, name, args)
		body, err := json.MarshalIndent(env, "", "  ")
		if err != nil {
			return errorResult("failed to encode tool result: " + err.Error()), nil
		}
		return &mcplib.CallToolResult{
			Content: []mcplib.Content{
				mcplib.TextContent{Type: "text", Text: string(body)},
			},
		}, nil
	}
}

func errorResult(message string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		IsError: true,
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: message},
		},
	}
}
