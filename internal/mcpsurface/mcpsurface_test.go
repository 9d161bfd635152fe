package mcpsurface

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loomd/internal/dispatcher"
	"github.com/loomhq/loomd/internal/evidence"
	"github.com/loomhq/loomd/internal/governor"
	"github.com/loomhq/loomd/internal/reservation"
	"github.com/loomhq/loomd/internal/storage"
)

func newTestDispatcher(t *testing.T) *dispatcher.Dispatcher {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	pool, err := storage.Open(context.Background(), storage.Config{
		Path:          filepath.Join(dir, "loomd.db"),
		Max:           4,
		RunMigrations: true,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	store := storage.New(pool)
	reserve := reservation.New(store)
	gov := governor.New(governor.DefaultThresholds(), dir, filepath.Join(dir, "loomd.db"), nil)
	ledger := evidence.New(0, nil)
	return dispatcher.New(store, reserve, gov, ledger)
}

func callRequest(name string, args map[string]any) mcplib.CallToolRequest {
	raw, _ := json.Marshal(args)
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name: name,
			Arguments: map[string]any{
				"arguments_json": string(raw),
			},
		},
	}
}

func textOf(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("result has no text content")
	return ""
}

func TestNewRegistersEveryDispatcherToolWithoutPanicking(t *testing.T) {
	d := newTestDispatcher(t)
	srv := New(d, "test")
	assert.NotNil(t, srv)
}

func TestToolHandlerEncodesSuccessfulEnvelope(t *testing.T) {
	d := newTestDispatcher(t)
	handler := makeHandler(d, "ensure_project")

	req := callRequest("ensure_project", map[string]any{"project_key": "demo"})
	result, err := handler(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var env dispatcher.Envelope
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &env))
	assert.True(t, env.OK)
}

func TestToolHandlerReturnsErrorResultForMalformedArguments(t *testing.T) {
	d := newTestDispatcher(t)
	handler := makeHandler(d, "ensure_project")

	req := mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      "ensure_project",
			Arguments: map[string]any{"arguments_json": "not json"},
		},
	}

	result, err := handler(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, textOf(t, result), "not valid JSON")
}

func TestToolHandlerSurfacesToolLevelErrorsAsOKResultWithFailedEnvelope(t *testing.T) {
	d := newTestDispatcher(t)
	handler := makeHandler(d, "ensure_project")

	req := callRequest("ensure_project", map[string]any{})
	result, err := handler(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var env dispatcher.Envelope
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &env))
	assert.False(t, env.OK)
	require.NotNil(t, env.Error)
}

func TestToolHandlerAllowsEmptyArguments(t *testing.T) {
	d := newTestDispatcher(t)
	handler := makeHandler(d, "fetch_inbox")

	req := mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      "fetch_inbox",
			Arguments: map[string]any{"arguments_json": ""},
		},
	}

	result, err := handler(context.Background(), req)
	require.NoError(t, err)
	var env dispatcher.Envelope
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &env))
	assert.False(t, env.OK)
}
