package stdio_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loomd/internal/dispatcher"
	"github.com/loomhq/loomd/internal/evidence"
	"github.com/loomhq/loomd/internal/governor"
	"github.com/loomhq/loomd/internal/reservation"
	"github.com/loomhq/loomd/internal/storage"
	"github.com/loomhq/loomd/internal/transport/stdio"
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

func TestServeDispatchesOneRequestPerLine(t *testing.T) {
	d := newTestDispatcher(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	input := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ensure_project","params":{"project_key":"demo"}}` + "\n")
	var output bytes.Buffer

	srv := stdio.New(d, input, &output, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := srv.Serve(ctx)
	assert.NoError(t, err)

	var resp stdio.Response
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(output.Bytes()), &resp))
	assert.Equal(t, float64(1), resp.ID)
	assert.Nil(t, resp.Error)
}

func TestServeReturnsParseErrorForMalformedLine(t *testing.T) {
	d := newTestDispatcher(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	input := strings.NewReader("not json at all\n")
	var output bytes.Buffer

	srv := stdio.New(d, input, &output, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, srv.Serve(ctx))

	var resp stdio.Response
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(output.Bytes()), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32700, resp.Error.Code)
}

func TestServeDispatchesMultipleLinesIndependently(t *testing.T) {
	d := newTestDispatcher(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	input := strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"ensure_project","params":{"project_key":"alpha"}}` + "\n" +
			`{"jsonrpc":"2.0","id":2,"method":"ensure_project","params":{"project_key":"beta"}}` + "\n",
	)
	var output bytes.Buffer

	srv := stdio.New(d, input, &output, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Serve(ctx))

	lines := strings.Split(strings.TrimSpace(output.String()), "\n")
	require.Len(t, lines, 2)

	seenIDs := map[float64]bool{}
	for _, line := range lines {
		var resp stdio.Response
		require.NoError(t, json.Unmarshal([]byte(line), &resp))
		assert.Nil(t, resp.Error)
		seenIDs[resp.ID.(float64)] = true
	}
	assert.True(t, seenIDs[1])
	assert.True(t, seenIDs[2])
}
