package search_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loomd/internal/model"
	"github.com/loomhq/loomd/internal/search"
)

func seedMessages(t *testing.T, idx *search.Index, projectID int64) {
	t.Helper()
	ctx := context.Background()
	docs := []model.Document{
		{ID: 1, Text: "please review the auth module before merging", Visibility: model.Visibility{ProjectID: projectID}, Provenance: model.Provenance{SourceKind: model.DocKindMessage, SourceID: 1}},
		{ID: 2, Text: "starting the big refactor of the billing service", Visibility: model.Visibility{ProjectID: projectID}, Provenance: model.Provenance{SourceKind: model.DocKindMessage, SourceID: 2}},
		{ID: 3, Text: "module boundaries need a diagram before the next sync", Visibility: model.Visibility{ProjectID: projectID}, Provenance: model.Provenance{SourceKind: model.DocKindMessage, SourceID: 3}},
	}
	for _, d := range docs {
		require.NoError(t, idx.Apply(ctx, model.Upsert(d)))
	}
}

func TestSearchAutoModeRanksExactTermFirst(t *testing.T) {
	idx := search.New(true)
	seedMessages(t, idx, 1)

	result, err := idx.Search(context.Background(), "auth", model.ModeAuto, nil, 10)
	require.NoError(t, err)
	require.NotEmpty(t, result.Hits)
	assert.Equal(t, int64(1), result.Hits[0].Doc.ID)
	assert.Equal(t, model.ModeHybrid, result.ModeUsed)
}

func TestSearchSemanticModeReturnsSameTopHitWhenQualityAvailable(t *testing.T) {
	idx := search.New(true)
	seedMessages(t, idx, 1)

	result, err := idx.Search(context.Background(), "auth", model.ModeSemantic, nil, 10)
	require.NoError(t, err)
	require.NotEmpty(t, result.Hits)
	assert.Equal(t, int64(1), result.Hits[0].Doc.ID)
}

func TestSearchSemanticModeUnavailableWithoutQualityEmbedder(t *testing.T) {
	idx := search.New(false)
	seedMessages(t, idx, 1)

	_, err := idx.Search(context.Background(), "auth", model.ModeSemantic, nil, 10)
	assert.ErrorIs(t, err, search.ErrModeUnavailable)
}

func TestSearchHybridModeUnavailableWithoutQualityEmbedder(t *testing.T) {
	idx := search.New(false)
	seedMessages(t, idx, 1)

	_, err := idx.Search(context.Background(), "auth", model.ModeHybrid, nil, 10)
	assert.ErrorIs(t, err, search.ErrModeUnavailable)
}

func TestSearchLexicalModeWorksWithoutQualityEmbedder(t *testing.T) {
	idx := search.New(false)
	seedMessages(t, idx, 1)

	result, err := idx.Search(context.Background(), "auth", model.ModeLexical, nil, 10)
	require.NoError(t, err)
	require.NotEmpty(t, result.Hits)
	assert.Equal(t, int64(1), result.Hits[0].Doc.ID)
}

func TestSearchFiltersByProjectVisibility(t *testing.T) {
	idx := search.New(true)
	ctx := context.Background()
	require.NoError(t, idx.Apply(ctx, model.Upsert(model.Document{
		ID: 1, Text: "auth module fix", Visibility: model.Visibility{ProjectID: 1},
		Provenance: model.Provenance{SourceKind: model.DocKindMessage, SourceID: 1},
	})))
	require.NoError(t, idx.Apply(ctx, model.Upsert(model.Document{
		ID: 2, Text: "auth module fix", Visibility: model.Visibility{ProjectID: 2},
		Provenance: model.Provenance{SourceKind: model.DocKindMessage, SourceID: 2},
	})))

	projectID := int64(2)
	result, err := idx.Search(ctx, "auth", model.ModeLexical, &projectID, 10)
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	assert.Equal(t, int64(2), result.Hits[0].Doc.ID)
}

func TestSearchDeleteRemovesDocumentFromResults(t *testing.T) {
	idx := search.New(true)
	ctx := context.Background()
	seedMessages(t, idx, 1)

	require.NoError(t, idx.Apply(ctx, model.Delete(1, model.DocKindMessage)))

	result, err := idx.Search(ctx, "auth", model.ModeLexical, nil, 10)
	require.NoError(t, err)
	for _, hit := range result.Hits {
		assert.NotEqual(t, int64(1), hit.Doc.ID)
	}
}

func TestSearchHitBreakdownExposesPerTierScores(t *testing.T) {
	idx := search.New(true)
	seedMessages(t, idx, 1)

	result, err := idx.Search(context.Background(), "auth", model.ModeHybrid, nil, 10)
	require.NoError(t, err)
	require.NotEmpty(t, result.Hits)

	top := result.Hits[0]
	assert.Equal(t, top.FinalScore, top.Breakdown.Fused)
}
