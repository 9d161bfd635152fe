package search

import "sort"

// DefaultQualityWeight is the w in final = w*quality + (1-w)*fast (spec.md §4.7 step 3).
const DefaultQualityWeight = 0.7

// DefaultFastCandidates is K1: how many fast-tier candidates survive to the
// quality rerank pass.
const DefaultFastCandidates = 128

// unitize maps a cosine similarity in [-1,1] to [0,1].
func unitize(cosine float64) float64 {
	return (cosine + 1) / 2
}

// blend combines the fast and quality tiers per spec.md §4.7 step 3.
func blend(fast, quality float64, w float64) float64 {
	return w*quality + (1-w)*fast
}

type rankedDoc struct {
	id    int64
	score float64
}

func topN(scores map[int64]float64, n int) []rankedDoc {
	out := make([]rankedDoc, 0, len(scores))
	for id, s := range scores {
		out = append(out, rankedDoc{id: id, score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// reciprocalRankFusion fuses two independently-ranked result lists (spec.md
// §4.7 step 4) using the standard 1/(k+rank) formula, k=60.
func reciprocalRankFusion(lists ...[]rankedDoc) map[int64]float64 {
	const k = 60.0
	fused := make(map[int64]float64)
	for _, list := range lists {
		for rank, d := range list {
			fused[d.id] += 1.0 / (k + float64(rank+1))
		}
	}
	return fused
}
