package store

import "sort"

// FuseRRF combines a semantic and a keyword result list with reciprocal rank
// fusion. Each candidate scores
//
//	wSemantic/(k + semanticRank) + wKeyword/(k + keywordRank)
//
// where ranks are 1-based positions within each list and a candidate missing
// from a list contributes 0 for that term. Results are ordered by fused score
// descending (ties by chunk ID for determinism) and labeled hybrid when
// present in both lists, otherwise semantic or keyword.
func FuseRRF(semantic, keyword []SearchResult, weights HybridWeights, k float64) []SearchResult {
	if k == 0 {
		k = DefaultRRFK
	}

	type fused struct {
		result SearchResult
		score  float64
		inSem  bool
		inKey  bool
	}
	byChunk := make(map[int64]*fused, len(semantic)+len(keyword))

	for rank, r := range semantic {
		f := &fused{result: r, inSem: true}
		f.score = weights.Semantic / (k + float64(rank+1))
		byChunk[r.ChunkID] = f
	}
	for rank, r := range keyword {
		contrib := weights.Keyword / (k + float64(rank+1))
		if f, ok := byChunk[r.ChunkID]; ok {
			f.score += contrib
			f.inKey = true
			continue
		}
		byChunk[r.ChunkID] = &fused{result: r, score: contrib, inKey: true}
	}

	out := make([]SearchResult, 0, len(byChunk))
	for _, f := range byChunk {
		r := f.result
		r.Score = f.score
		switch {
		case f.inSem && f.inKey:
			r.MatchType = MatchHybrid
		case f.inSem:
			r.MatchType = MatchSemantic
		default:
			r.MatchType = MatchKeyword
		}
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out
}
