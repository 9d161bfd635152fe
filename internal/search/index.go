package search

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/loomhq/loomd/internal/dispatcher"
	"github.com/loomhq/loomd/internal/model"
)

// ErrModeUnavailable is returned when a semantic/hybrid query is requested
// but the quality embedder has not been wired (spec.md §8 scenario 5).
var ErrModeUnavailable = fmt.Errorf("search: mode unavailable")

// Index is the two-tier progressive search engine: a lexical BM25 index
// fused with fast/quality embeddings, behind a single write lock consumed by
// the incremental updater (spec.md §4.7).
type Index struct {
	mu sync.RWMutex

	lexical *LexicalIndex
	fast    Embedder
	quality Embedder
	qualityAvailable bool

	docs         map[int64]model.Document
	fastVectors  map[int64][]float32
	qualVectors  map[int64][]float32

	qualityWeight   float64
	fastCandidates  int
}

// New creates an Index with the default fast/quality embedders and fusion
// weights. qualityAvailable lets callers model a deployment where the
// quality embedder hasn't finished warming up (spec.md §8 scenario 5's
// ModeUnavailable branch).
func New(qualityAvailable bool) *Index {
	return &Index{
		lexical:         NewLexicalIndex(),
		fast:            FastEmbedder{},
		quality:         QualityEmbedder{},
		qualityAvailable: qualityAvailable,
		docs:            make(map[int64]model.Document),
		fastVectors:     make(map[int64][]float32),
		qualVectors:     make(map[int64][]float32),
		qualityWeight:   DefaultQualityWeight,
		fastCandidates:  DefaultFastCandidates,
	}
}

// Apply consumes one DocChange, dispatching to Upsert or Delete under the
// index's write lock (spec.md §4.7 "applies under a write lock").
func (idx *Index) Apply(ctx context.Context, change model.DocChange) error {
	if !change.IsUpsert() {
		kind, id := change.Key()
		idx.delete(id, kind)
		return nil
	}
	return idx.upsert(ctx, change.Doc)
}

func (idx *Index) upsert(ctx context.Context, doc model.Document) error {
	var fastVec, qualVec []float32
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := idx.fast.Embed(gctx, doc.Text)
		if err != nil {
			return fmt.Errorf("search: fast embed: %w", err)
		}
		fastVec = v
		return nil
	})
	if idx.qualityAvailable {
		g.Go(func() error {
			v, err := idx.quality.Embed(gctx, doc.Text)
			if err != nil {
				return fmt.Errorf("search: quality embed: %w", err)
			}
			qualVec = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.docs[doc.ID] = doc
	idx.fastVectors[doc.ID] = fastVec
	if qualVec != nil {
		idx.qualVectors[doc.ID] = qualVec
	}
	idx.lexical.Upsert(doc.ID, doc.Text)
	return nil
}

func (idx *Index) delete(id int64, _ model.DocKind) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.docs, id)
	delete(idx.fastVectors, id)
	delete(idx.qualVectors, id)
	idx.lexical.Delete(id)
}

// NewIndexLike creates a fresh, empty Index sharing like's embedder
// configuration, used by Updater.FullReindex to build a replacement index
// off to the side before swapping it in.
func NewIndexLike(like *Index) *Index {
	like.mu.RLock()
	qualityAvailable := like.qualityAvailable
	like.mu.RUnlock()
	fresh := New(qualityAvailable)
	fresh.qualityWeight = like.qualityWeight
	fresh.fastCandidates = like.fastCandidates
	return fresh
}

// replaceFrom swaps idx's document and vector state for other's, used to
// complete a full reindex atomically under the write lock.
func (idx *Index) replaceFrom(other *Index) {
	other.mu.RLock()
	docs := other.docs
	fastVectors := other.fastVectors
	qualVectors := other.qualVectors
	lexical := other.lexical
	other.mu.RUnlock()

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.docs = docs
	idx.fastVectors = fastVectors
	idx.qualVectors = qualVectors
	idx.lexical = lexical
}

// Search implements dispatcher.Searcher.
func (idx *Index) Search(ctx context.Context, query string, mode model.SearchMode, projectID *int64, limit int) (dispatcher.SearchResult, error) {
	if mode == model.ModeSemantic || mode == model.ModeHybrid {
		idx.mu.RLock()
		available := idx.qualityAvailable
		idx.mu.RUnlock()
		if !available {
			return dispatcher.SearchResult{}, ErrModeUnavailable
		}
	}

	resolvedMode := mode
	if mode == model.ModeAuto {
		resolvedMode = model.ModeHybrid
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var lexScores map[int64]float64
	var fastVec []float32
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if resolvedMode == model.ModeLexical || resolvedMode == model.ModeHybrid {
			lexScores = idx.lexical.Score(query)
		}
		return nil
	})
	g.Go(func() error {
		v, err := idx.fast.Embed(gctx, query)
		fastVec = v
		return err
	})
	_ = g.Wait()
	if lexScores == nil {
		lexScores = map[int64]float64{}
	}

	fastScores := make(map[int64]float64, len(idx.fastVectors))
	for id, v := range idx.fastVectors {
		fastScores[id] = unitize(DotProduct(fastVec, v))
	}
	fastRanked := topN(fastScores, idx.fastCandidates)

	qualityScores := make(map[int64]float64)
	if resolvedMode == model.ModeSemantic || resolvedMode == model.ModeHybrid {
		qualVec, _ := idx.quality.Embed(ctx, query)
		for _, cand := range fastRanked {
			if qv, exists := idx.qualVectors[cand.id]; exists {
				qualityScores[cand.id] = unitize(DotProduct(qualVec, qv))
			}
		}
	}

	semanticFinal := make(map[int64]float64, len(fastRanked))
	for _, cand := range fastRanked {
		q := qualityScores[cand.id]
		semanticFinal[cand.id] = blend(cand.score, q, idx.qualityWeight)
	}

	var fused map[int64]float64
	switch resolvedMode {
	case model.ModeLexical:
		fused = lexScores
	case model.ModeSemantic:
		fused = semanticFinal
	default: // hybrid / auto
		lexRanked := topN(lexScores, len(lexScores))
		semRanked := topN(semanticFinal, len(semanticFinal))
		if len(lexRanked) == 0 {
			fused = semanticFinal
		} else if len(semRanked) == 0 {
			fused = lexScores
		} else {
			fused = reciprocalRankFusion(lexRanked, semRanked)
		}
	}

	ranked := topN(fused, limit)
	hits := make([]model.SearchHit, 0, len(ranked))
	for _, r := range ranked {
		doc, exists := idx.docs[r.id]
		if !exists {
			continue
		}
		if projectID != nil && doc.Visibility.ProjectID != *projectID {
			continue
		}
		hits = append(hits, model.SearchHit{
			Doc:        doc,
			FinalScore: r.score,
			Breakdown: model.ScoreBreakdown{
				Lexical: lexScores[r.id],
				Fast:    fastScores[r.id],
				Quality: qualityScores[r.id],
				Fused:   r.score,
			},
		})
	}

	return dispatcher.SearchResult{
		Hits:     hits,
		ModeUsed: resolvedMode,
		Breakdown: map[string]any{
			"lexical_candidates":  len(lexScores),
			"fast_candidates":     len(fastRanked),
			"quality_scored":      len(qualityScores),
		},
	}, nil
}
