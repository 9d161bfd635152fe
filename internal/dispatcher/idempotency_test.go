package dispatcher_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loomd/internal/dispatcher"
	"github.com/loomhq/loomd/internal/evidence"
	"github.com/loomhq/loomd/internal/governor"
	"github.com/loomhq/loomd/internal/model"
	"github.com/loomhq/loomd/internal/reservation"
	"github.com/loomhq/loomd/internal/storage"
)

func newTestDispatcherWithStore(t *testing.T) (*dispatcher.Dispatcher, *storage.Store) {
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
	return dispatcher.New(store, reserve, gov, ledger), store
}

func ensureDemoAgent(t *testing.T, d *dispatcher.Dispatcher, projectKey, name string) {
	t.Helper()
	env := d.Invoke(context.Background(), "register_agent", map[string]any{
		"project_key": projectKey,
		"program":     "codex-cli",
		"model":       "gpt-5",
		"name":        name,
	})
	require.True(t, env.OK, "%+v", env.Error)
}

func TestCreateMessageIdempotencyKeyReplaysPriorResponse(t *testing.T) {
	d, store := newTestDispatcherWithStore(t)
	ctx := context.Background()
	ensureDemoAgent(t, d, "demo", "SwiftFalcon")
	ensureDemoAgent(t, d, "demo", "CalmOtter")

	args := map[string]any{
		"project":         "demo",
		"sender":          "SwiftFalcon",
		"subject":         "hello",
		"body_md":         "world",
		"recipients":      []any{map[string]any{"name": "CalmOtter"}},
		"idempotency_key": "req-1",
	}

	first := d.Invoke(ctx, "create_message", args)
	require.True(t, first.OK, "%+v", first.Error)
	firstResult, isMap := first.Result.(map[string]any)
	require.True(t, isMap)
	firstMsg, isMsg := firstResult["message"].(model.Message)
	require.True(t, isMsg)

	second := d.Invoke(ctx, "create_message", args)
	require.True(t, second.OK, "%+v", second.Error)
	secondResult, isMap := second.Result.(map[string]any)
	require.True(t, isMap)
	secondMsg, isMsg := secondResult["message"].(map[string]any)
	require.True(t, isMsg, "replayed response decodes through JSON, not the original struct type")

	assert.EqualValues(t, firstMsg.ID, int64(secondMsg["id"].(float64)))
	assert.Equal(t, firstMsg.Subject, secondMsg["subject"])

	entries, err := store.RecentToolInvocations(ctx, firstMsg.ProjectID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
}

func TestCreateMessageIdempotencyKeyRejectsChangedPayload(t *testing.T) {
	d, _ := newTestDispatcherWithStore(t)
	ctx := context.Background()
	ensureDemoAgent(t, d, "demo", "SwiftFalcon")
	ensureDemoAgent(t, d, "demo", "CalmOtter")

	base := map[string]any{
		"project":         "demo",
		"sender":          "SwiftFalcon",
		"recipients":      []any{map[string]any{"name": "CalmOtter"}},
		"idempotency_key": "req-1",
	}

	first := map[string]any{"subject": "hello", "body_md": "world"}
	for k, v := range base {
		first[k] = v
	}
	env := d.Invoke(ctx, "create_message", first)
	require.True(t, env.OK, "%+v", env.Error)

	second := map[string]any{"subject": "different", "body_md": "payload"}
	for k, v := range base {
		second[k] = v
	}
	env = d.Invoke(ctx, "create_message", second)
	assert.False(t, env.OK)
	require.NotNil(t, env.Error)
	assert.Equal(t, dispatcher.KindConflict, env.Error.Type)
}

func TestInvokeRecordsAuditEntryForEveryCall(t *testing.T) {
	d, store := newTestDispatcherWithStore(t)
	ctx := context.Background()

	env := d.Invoke(ctx, "ensure_project", map[string]any{"project_key": "demo"})
	require.True(t, env.OK)
	proj, isMap := env.Result.(map[string]any)["project"].(model.Project)
	require.True(t, isMap)

	entries, err := store.RecentToolInvocations(ctx, proj.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "ensure_project", entries[0].ToolName)
	assert.True(t, entries[0].OK)
	require.NotNil(t, entries[0].ProjectID)
	assert.Equal(t, proj.ID, *entries[0].ProjectID)
}
