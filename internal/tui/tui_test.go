package tui_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loomhq/loomd/internal/evidence"
	"github.com/loomhq/loomd/internal/governor"
	"github.com/loomhq/loomd/internal/tui"
)

func TestBridgeRefreshCapturesHealthAndEvidence(t *testing.T) {
	gov := governor.New(governor.DefaultThresholds(), t.TempDir(), "", nil)
	ledger := evidence.New(16, nil)
	_, err := ledger.Record("test.point", "observed", 0.9, map[string]any{"k": "v"}, nil, "")
	assert.NoError(t, err)

	bridge := tui.NewBridge(gov, ledger)
	snap := bridge.Refresh()

	assert.Equal(t, governor.Green.String(), snap.HealthLevel)
	assert.Len(t, snap.RecentEvidence, 1)
	assert.Equal(t, "test.point", snap.RecentEvidence[0].DecisionPoint)
}

func TestBridgeLatestReturnsLastRefreshedSnapshotWithoutRecomputing(t *testing.T) {
	gov := governor.New(governor.DefaultThresholds(), t.TempDir(), "", nil)
	ledger := evidence.New(16, nil)

	bridge := tui.NewBridge(gov, ledger)
	assert.Equal(t, 0, len(bridge.Latest().RecentEvidence))

	bridge.Refresh()
	_, err := ledger.Record("second.point", "observed", 0.5, nil, nil, "")
	assert.NoError(t, err)

	assert.Equal(t, 0, len(bridge.Latest().RecentEvidence))
}
